// Package api holds the request and response bodies of the deployctl webhook.
package api

import "time"

// DeployRequest starts a deploy or rollback. Image overrides the descriptor's
// image and is ignored for rollbacks.
type DeployRequest struct {
	Image string `json:"image,omitempty"`
}

// AcceptedResponse is returned once a run's ledger record exists. The run
// continues in the background.
type AcceptedResponse struct {
	Service  string `json:"service"`
	RecordID string `json:"record_id"`
	Kind     string `json:"kind"`
	Image    string `json:"image"`
}

// Record mirrors one ledger row.
type Record struct {
	ID             string    `json:"id"`
	Service        string    `json:"service"`
	Kind           string    `json:"kind"`
	Image          string    `json:"image"`
	Digest         string    `json:"digest,omitempty"`
	PreviousImage  string    `json:"previous_image,omitempty"`
	PreviousDigest string    `json:"previous_digest,omitempty"`
	Outcome        string    `json:"outcome"`
	Retries        int       `json:"retries"`
	Step           string    `json:"step,omitempty"`
	Error          string    `json:"error,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

type StatusResponse struct {
	Service     string  `json:"service"`
	InProgress  bool    `json:"in_progress"`
	Latest      *Record `json:"latest,omitempty"`
	Current     *Record `json:"current,omitempty"`
	LastSuccess *Record `json:"last_success,omitempty"`
}

type HistoryResponse struct {
	Service string   `json:"service"`
	Records []Record `json:"records"`
}

// ErrorResponse carries the failed step and hint when the error came from a
// pipeline step.
type ErrorResponse struct {
	Error string `json:"error"`
	Step  string `json:"step,omitempty"`
	Hint  string `json:"hint,omitempty"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}
