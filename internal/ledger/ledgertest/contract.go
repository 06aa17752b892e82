// Package ledgertest holds the behavioural checks every ledger.Ledger
// implementation must pass.
package ledgertest

import (
	"context"
	"database/sql"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3cpo-dev/deployctl/internal/ledger"
)

// OpenTestDB opens a migrated in-memory SQLite database closed at the end of
// the test.
func OpenTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := ledger.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

// Factory returns an empty ledger for one subtest.
type Factory func(t *testing.T) ledger.Ledger

// Run exercises l against the Ledger contract.
func Run(t *testing.T, newLedger Factory) {
	t.Run("StartAndFinish", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2", PreviousImage: "app:v1"})
		require.NoError(t, err)
		assert.NotEmpty(t, rec.ID)
		assert.Equal(t, ledger.OutcomeInProgress, rec.Outcome)
		assert.Equal(t, ledger.KindDeploy, rec.Kind)
		assert.False(t, rec.StartedAt.IsZero())

		done, err := l.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeSuccess, Digest: "sha256:aa", Retries: 2})
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeSuccess, done.Outcome)
		assert.Equal(t, "sha256:aa", done.Digest)
		assert.Equal(t, 2, done.Retries)
		assert.Equal(t, "app:v1", done.PreviousImage)
		assert.False(t, done.FinishedAt.IsZero())

		_, err = l.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeFailed})
		assert.ErrorIs(t, err, ledger.ErrAlreadyFinished)
	})

	t.Run("RejectsSecondInProgress", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		first, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2"})
		require.NoError(t, err)
		_, err = l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v3"})
		assert.ErrorIs(t, err, ledger.ErrDeployInProgress)

		// other services are independent
		_, err = l.RecordStart(ctx, ledger.Record{Service: "worker", Image: "worker:v1"})
		require.NoError(t, err)

		_, err = l.RecordOutcome(ctx, first.ID, ledger.Result{Outcome: ledger.OutcomeFailed, Step: "pull", Error: "boom"})
		require.NoError(t, err)
		_, err = l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v3"})
		assert.NoError(t, err)
	})

	t.Run("ConcurrentStartsAdmitOne", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		const n = 8
		var wg sync.WaitGroup
		errs := make([]error, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2"})
			}(i)
		}
		wg.Wait()

		ok := 0
		for _, err := range errs {
			if err == nil {
				ok++
				continue
			}
			assert.ErrorIs(t, err, ledger.ErrDeployInProgress)
		}
		assert.Equal(t, 1, ok)
	})

	t.Run("RejectsNonTerminalOutcome", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2"})
		require.NoError(t, err)
		_, err = l.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: ledger.OutcomeInProgress})
		assert.Error(t, err)
		_, err = l.RecordOutcome(ctx, "missing", ledger.Result{Outcome: ledger.OutcomeSuccess})
		assert.ErrorIs(t, err, ledger.ErrNotFound)
	})

	t.Run("LastSuccessSkipsFailures", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		_, err := l.LastSuccess(ctx, "api")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		finish(t, l, "app:v1", ledger.OutcomeSuccess)
		finish(t, l, "app:v2", ledger.OutcomeSuccess)
		finish(t, l, "app:v3", ledger.OutcomeFailed)

		last, err := l.LastSuccess(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "app:v2", last.Image)

		latest, err := l.Latest(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, "app:v3", latest.Image)
		assert.Equal(t, ledger.OutcomeFailed, latest.Outcome)
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()
		for _, img := range []string{"app:v1", "app:v2", "app:v3"} {
			finish(t, l, img, ledger.OutcomeSuccess)
		}

		all, err := l.History(ctx, "api", 0)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "app:v3", all[0].Image)
		assert.Equal(t, "app:v1", all[2].Image)

		two, err := l.History(ctx, "api", 2)
		require.NoError(t, err)
		require.Len(t, two, 2)
		assert.Equal(t, "app:v2", two[1].Image)

		none, err := l.History(ctx, "worker", 0)
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("Handoff", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2", PreviousImage: "app:v1"})
		require.NoError(t, err)

		finished, started, err := l.Handoff(ctx, rec.ID,
			ledger.Result{Outcome: ledger.OutcomeFailed, Step: "health-check", Error: "timed out"},
			ledger.Record{Service: "api", Kind: ledger.KindRollback, Image: "app:v1", PreviousImage: "app:v2"},
		)
		require.NoError(t, err)
		assert.Equal(t, ledger.OutcomeFailed, finished.Outcome)
		assert.Equal(t, "health-check", finished.Step)
		assert.Equal(t, ledger.OutcomeInProgress, started.Outcome)
		assert.Equal(t, ledger.KindRollback, started.Kind)
		assert.NotEqual(t, finished.ID, started.ID)

		_, err = l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v3"})
		assert.ErrorIs(t, err, ledger.ErrDeployInProgress)

		_, _, err = l.Handoff(ctx, started.ID, ledger.Result{Outcome: ledger.OutcomeFailed},
			ledger.Record{Service: "worker", Image: "worker:v1"})
		assert.Error(t, err)

		// a rejected handoff leaves the record open
		latest, err := l.Latest(ctx, "api")
		require.NoError(t, err)
		assert.Equal(t, started.ID, latest.ID)
		assert.Equal(t, ledger.OutcomeInProgress, latest.Outcome)
	})

	t.Run("Abandon", func(t *testing.T) {
		l := newLedger(t)
		ctx := context.Background()

		_, err := l.Abandon(ctx, "api", "operator unlock")
		assert.ErrorIs(t, err, ledger.ErrNotFound)

		rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2"})
		require.NoError(t, err)
		abandoned, err := l.Abandon(ctx, "api", "operator unlock")
		require.NoError(t, err)
		assert.Equal(t, rec.ID, abandoned.ID)
		assert.Equal(t, ledger.OutcomeAbandoned, abandoned.Outcome)
		assert.Equal(t, "operator unlock", abandoned.Error)

		_, err = l.RecordStart(ctx, ledger.Record{Service: "api", Image: "app:v2"})
		assert.NoError(t, err)
	})
}

func finish(t *testing.T, l ledger.Ledger, image string, outcome ledger.Outcome) ledger.Record {
	t.Helper()
	ctx := context.Background()
	rec, err := l.RecordStart(ctx, ledger.Record{Service: "api", Image: image})
	require.NoError(t, err)
	done, err := l.RecordOutcome(ctx, rec.ID, ledger.Result{Outcome: outcome})
	require.NoError(t, err)
	return done
}
