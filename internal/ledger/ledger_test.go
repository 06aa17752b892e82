package ledger_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/ledger/ledgertest"
)

func TestMemoryContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger { return ledger.NewMemory() })
}

func TestSQLiteContract(t *testing.T) {
	ledgertest.Run(t, func(t *testing.T) ledger.Ledger {
		return ledger.NewSQLite(ledgertest.OpenTestDB(t))
	})
}

func TestSQLitePersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deployctl.db")
	ctx := context.Background()

	db, err := ledger.Open(path)
	require.NoError(t, err)
	l := ledger.NewSQLite(db)
	rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v1"})
	require.NoError(t, err)
	_, err = l.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeSuccess, Digest: "sha256:11"})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = ledger.Open(path)
	require.NoError(t, err)
	defer db.Close()
	last, err := ledger.NewSQLite(db).LastSuccess(ctx, "api")
	require.NoError(t, err)
	assert.Equal(t, rec.ID, last.ID)
	assert.Equal(t, "sha256:11", last.Digest)
	assert.Equal(t, rec.StartedAt.UTC(), last.StartedAt)
}

func TestOutcomeTerminal(t *testing.T) {
	assert.False(t, ledger.OutcomeInProgress.Terminal())
	for _, o := range []ledger.Outcome{ledger.OutcomeSuccess, ledger.OutcomeFailed, ledger.OutcomeRolledBack, ledger.OutcomeAbandoned} {
		assert.True(t, o.Terminal(), o)
	}
}
