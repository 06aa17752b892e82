package core

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/3cpo-dev/deployctl/internal/ledger"
)

// OpenLedger opens the SQLite ledger at path, creating its directory first.
func OpenLedger(path string) (*ledger.SQLite, *sql.DB, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
			return nil, nil, fmt.Errorf("mkdir ledger dir: %w", err)
		}
	}
	db, err := ledger.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	return ledger.NewSQLite(db), db, nil
}
