// Package ledger is the append-only log of deploy attempts. It is the
// orchestrator's only persisted state and the source of rollback targets.
package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates that no matching record exists.
	ErrNotFound = errors.New("not found")

	// ErrDeployInProgress indicates that the service already has an
	// in-progress record.
	ErrDeployInProgress = errors.New("deploy already in progress")

	// ErrAlreadyFinished indicates an attempt to finish a record twice.
	ErrAlreadyFinished = errors.New("record already finished")
)

// Outcome is the state of a deploy attempt.
type Outcome string

const (
	OutcomeInProgress Outcome = "in-progress"
	OutcomeSuccess    Outcome = "success"
	OutcomeFailed     Outcome = "failed"
	OutcomeRolledBack Outcome = "rolled-back"
	OutcomeAbandoned  Outcome = "abandoned"
)

// Terminal reports whether o ends a record.
func (o Outcome) Terminal() bool {
	switch o {
	case OutcomeSuccess, OutcomeFailed, OutcomeRolledBack, OutcomeAbandoned:
		return true
	}
	return false
}

// Kind tells deploys and rollbacks apart.
type Kind string

const (
	KindDeploy   Kind = "deploy"
	KindRollback Kind = "rollback"
)

// Record is one deploy attempt. Its outcome moves once, from in-progress to a
// terminal value; the row is never rewritten afterwards.
type Record struct {
	ID             string    `json:"id"`
	Service        string    `json:"service"`
	Kind           Kind      `json:"kind"`
	Image          string    `json:"image"`
	Digest         string    `json:"digest,omitempty"`
	PreviousImage  string    `json:"previous_image,omitempty"`
	PreviousDigest string    `json:"previous_digest,omitempty"`
	Outcome        Outcome   `json:"outcome"`
	Retries        int       `json:"retries"`
	Step           string    `json:"step,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Result is what finishing a record writes.
type Result struct {
	Outcome Outcome
	Digest  string
	Retries int
	Step    string
	Error   string
}

// Ledger records deploy attempts per service.
type Ledger interface {
	// RecordStart appends an in-progress record. It fails with
	// ErrDeployInProgress when the service already has one.
	RecordStart(ctx context.Context, rec Record) (Record, error)

	// RecordOutcome finishes the in-progress record id.
	RecordOutcome(ctx context.Context, id string, res Result) (Record, error)

	// Handoff finishes id and starts next for the same service in one step,
	// so no other run can slip in between a failed deploy and its rollback.
	Handoff(ctx context.Context, id string, res Result, next Record) (finished, started Record, err error)

	// LastSuccess returns the newest record with outcome success.
	LastSuccess(ctx context.Context, service string) (Record, error)

	// Latest returns the newest record of any outcome.
	Latest(ctx context.Context, service string) (Record, error)

	// History returns up to limit records, newest first. limit <= 0 means all.
	History(ctx context.Context, service string, limit int) ([]Record, error)

	// Abandon marks a stale in-progress record abandoned, e.g. after a crash.
	Abandon(ctx context.Context, service, reason string) (Record, error)
}
