package ledger

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrations embed.FS

// goose keeps its base FS and dialect in package state.
var gooseMu sync.Mutex

// Open opens a SQLite database at dsn and applies pending migrations. Use
// ":memory:" for an in-memory database.
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one connection keeps ":memory:" a single database and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	gooseMu.Lock()
	defer gooseMu.Unlock()
	goose.SetBaseFS(migrations)
	goose.SetLogger(gooseLogger{})
	if err := goose.SetDialect("sqlite3"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.Up(db, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return db, nil
}

type gooseLogger struct{}

func (gooseLogger) Printf(format string, v ...interface{}) {
	log.Debug().Str("component", "migrations").Msgf(strings.TrimSpace(format), v...)
}

func (gooseLogger) Fatalf(format string, v ...interface{}) {
	log.Fatal().Str("component", "migrations").Msgf(strings.TrimSpace(format), v...)
}

// SQLite implements Ledger on a deployment_records table, one row per attempt.
type SQLite struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLite(db *sql.DB) *SQLite { return &SQLite{DB: db, Now: time.Now} }

func (s *SQLite) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

const recordColumns = `id, service, kind, image, digest, previous_image, previous_digest,
	outcome, retries, step, error, started_at, finished_at`

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLite) RecordStart(ctx context.Context, rec Record) (Record, error) {
	return s.start(ctx, s.DB, rec)
}

func (s *SQLite) start(ctx context.Context, db execer, rec Record) (Record, error) {
	if rec.Service == "" {
		return Record{}, fmt.Errorf("record start: service is required")
	}
	rec.ID = uuid.NewString()
	if rec.Kind == "" {
		rec.Kind = KindDeploy
	}
	rec.Outcome = OutcomeInProgress
	rec.StartedAt = s.now()
	rec.FinishedAt = time.Time{}

	_, err := db.ExecContext(ctx,
		`INSERT INTO deployment_records (id, service, kind, image, digest, previous_image, previous_digest,
		   outcome, retries, step, error, started_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Service, string(rec.Kind), rec.Image, rec.Digest, rec.PreviousImage, rec.PreviousDigest,
		string(rec.Outcome), rec.Retries, rec.Step, rec.Error, formatTime(rec.StartedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Record{}, fmt.Errorf("service %q: %w", rec.Service, ErrDeployInProgress)
		}
		return Record{}, fmt.Errorf("insert record: %w", err)
	}
	return rec, nil
}

func (s *SQLite) RecordOutcome(ctx context.Context, id string, res Result) (Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	rec, err := s.finish(ctx, tx, id, res)
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *SQLite) finish(ctx context.Context, db execer, id string, res Result) (Record, error) {
	if !res.Outcome.Terminal() {
		return Record{}, fmt.Errorf("record outcome %q is not terminal", res.Outcome)
	}
	result, err := db.ExecContext(ctx,
		`UPDATE deployment_records
		 SET outcome = ?, digest = CASE WHEN ? = '' THEN digest ELSE ? END,
		     retries = ?, step = ?, error = ?, finished_at = ?
		 WHERE id = ? AND outcome = ?`,
		string(res.Outcome), res.Digest, res.Digest, res.Retries, res.Step, res.Error,
		formatTime(s.now()), id, string(OutcomeInProgress),
	)
	if err != nil {
		return Record{}, fmt.Errorf("update record: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		if _, err := s.get(ctx, db, id); err != nil {
			return Record{}, err
		}
		return Record{}, fmt.Errorf("record %s: %w", id, ErrAlreadyFinished)
	}
	return s.get(ctx, db, id)
}

func (s *SQLite) Handoff(ctx context.Context, id string, res Result, next Record) (Record, Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	current, err := s.get(ctx, tx, id)
	if err != nil {
		return Record{}, Record{}, err
	}
	if current.Service != next.Service {
		return Record{}, Record{}, fmt.Errorf("handoff from %s to %s: services differ", current.Service, next.Service)
	}
	finished, err := s.finish(ctx, tx, id, res)
	if err != nil {
		return Record{}, Record{}, err
	}
	started, err := s.start(ctx, tx, next)
	if err != nil {
		return Record{}, Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, Record{}, fmt.Errorf("commit: %w", err)
	}
	return finished, started, nil
}

func (s *SQLite) get(ctx context.Context, db execer, id string) (Record, error) {
	row := db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM deployment_records WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) LastSuccess(ctx context.Context, service string) (Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? AND outcome = ? ORDER BY seq DESC LIMIT 1`,
		service, string(OutcomeSuccess),
	)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("service %q: %w", service, ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) Latest(ctx context.Context, service string) (Record, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? ORDER BY seq DESC LIMIT 1`,
		service,
	)
	rec, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("service %q: %w", service, ErrNotFound)
	}
	return rec, err
}

func (s *SQLite) History(ctx context.Context, service string, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records
		 WHERE service = ? ORDER BY seq DESC LIMIT ?`,
		service, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *SQLite) Abandon(ctx context.Context, service, reason string) (Record, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM deployment_records WHERE service = ? AND outcome = ?`,
		service, string(OutcomeInProgress),
	)
	current, err := scanRecord(row)
	if errors.Is(err, ErrNotFound) {
		return Record{}, fmt.Errorf("service %q has no in-progress record: %w", service, ErrNotFound)
	}
	if err != nil {
		return Record{}, err
	}
	rec, err := s.finish(ctx, tx, current.ID, Result{
		Outcome: OutcomeAbandoned, Step: current.Step, Retries: current.Retries, Error: reason,
	})
	if err != nil {
		return Record{}, err
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var rec Record
	var kind, outcome, startedAt string
	var finishedAt sql.NullString
	err := s.Scan(&rec.ID, &rec.Service, &kind, &rec.Image, &rec.Digest, &rec.PreviousImage, &rec.PreviousDigest,
		&outcome, &rec.Retries, &rec.Step, &rec.Error, &startedAt, &finishedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, fmt.Errorf("%w", ErrNotFound)
		}
		return rec, fmt.Errorf("scan record: %w", err)
	}
	rec.Kind = Kind(kind)
	rec.Outcome = Outcome(outcome)
	if rec.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt); err != nil {
		return rec, fmt.Errorf("parse started_at: %w", err)
	}
	if finishedAt.Valid {
		if rec.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt.String); err != nil {
			return rec, fmt.Errorf("parse finished_at: %w", err)
		}
	}
	return rec, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func isUniqueViolation(err error) bool {
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
