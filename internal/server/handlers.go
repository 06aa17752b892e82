package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deployctl/internal/deploy"
	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/pkg/api"
)

const defaultHistoryLimit = 20

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, api.HealthResponse{Status: "ok", Version: s.Version})
}

func (s *Server) deploy(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, ledger.KindDeploy)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	s.start(w, r, ledger.KindRollback)
}

// start launches a run and answers once its ledger record exists, or with the
// error that stopped it before that.
func (s *Server) start(w http.ResponseWriter, r *http.Request, kind ledger.Kind) {
	service := chi.URLParam(r, "service")
	var req api.DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "decode request: " + err.Error()})
		return
	}
	if kind == ledger.KindRollback {
		req.Image = ""
	}
	source := "the descriptor of " + service
	d, err := s.Load(r.Context(), service, req.Image)
	if err != nil {
		writeError(w, deploy.LoadError(service, source, err))
		return
	}
	if d.Service != service {
		err := fmt.Errorf("%w: descriptor names service %q, not %q", descriptor.ErrConfig, d.Service, service)
		writeError(w, deploy.LoadError(service, source, err))
		return
	}

	started := make(chan ledger.Record, 1)
	done := make(chan error, 1)
	if !s.track() {
		writeJSON(w, http.StatusServiceUnavailable, api.ErrorResponse{Error: "server shutting down"})
		return
	}
	go func() {
		defer s.runs.Done()
		onStart := deploy.OnStarted(func(rec ledger.Record) { started <- rec })
		var err error
		if kind == ledger.KindRollback {
			_, err = s.Orchestrator.Rollback(s.ctx, d, onStart)
		} else {
			_, err = s.Orchestrator.Deploy(s.ctx, d, onStart)
		}
		if err != nil {
			log.Error().Err(err).Str("service", service).Str("kind", string(kind)).Msg("Webhook run failed")
		}
		done <- err
	}()

	select {
	case rec := <-started:
		writeAccepted(w, rec)
	case err := <-done:
		select {
		case rec := <-started:
			writeAccepted(w, rec)
		default:
			writeError(w, err)
		}
	case <-r.Context().Done():
	}
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	st, err := s.Orchestrator.Status(r.Context(), chi.URLParam(r, "service"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, api.StatusResponse{
		Service:     st.Service,
		InProgress:  st.InProgress,
		Latest:      toAPIPtr(st.Latest),
		Current:     toAPIPtr(st.Current),
		LastSuccess: toAPIPtr(st.LastSuccess),
	})
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	limit := defaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, api.ErrorResponse{Error: "invalid limit " + strconv.Quote(v)})
			return
		}
		limit = n
	}
	records, err := s.Orchestrator.History(r.Context(), service, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := api.HistoryResponse{Service: service, Records: make([]api.Record, 0, len(records))}
	for _, rec := range records {
		resp.Records = append(resp.Records, toAPI(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeAccepted(w http.ResponseWriter, rec ledger.Record) {
	writeJSON(w, http.StatusAccepted, api.AcceptedResponse{
		Service:  rec.Service,
		RecordID: rec.ID,
		Kind:     string(rec.Kind),
		Image:    rec.Image,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError maps err onto a status code. Step and hint are passed through so
// a CI log shows the same remediation as the CLI.
func writeError(w http.ResponseWriter, err error) {
	resp := api.ErrorResponse{Error: err.Error()}
	var se *deploy.StepError
	if errors.As(err, &se) {
		resp.Step = se.Step
		resp.Hint = se.Hint
	}
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, os.ErrNotExist):
		status = http.StatusNotFound
	case errors.Is(err, ledger.ErrDeployInProgress), errors.Is(err, deploy.ErrNoRollbackTarget):
		status = http.StatusConflict
	case errors.Is(err, descriptor.ErrConfig):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, secrets.ErrSecretUnavailable):
		status = http.StatusFailedDependency
	default:
		log.Error().Err(err).Msg("Webhook request failed")
	}
	writeJSON(w, status, resp)
}

func toAPI(r ledger.Record) api.Record {
	return api.Record{
		ID:             r.ID,
		Service:        r.Service,
		Kind:           string(r.Kind),
		Image:          r.Image,
		Digest:         r.Digest,
		PreviousImage:  r.PreviousImage,
		PreviousDigest: r.PreviousDigest,
		Outcome:        string(r.Outcome),
		Retries:        r.Retries,
		Step:           r.Step,
		Error:          r.Error,
		StartedAt:      r.StartedAt,
		FinishedAt:     r.FinishedAt,
	}
}

func toAPIPtr(r *ledger.Record) *api.Record {
	if r == nil {
		return nil
	}
	out := toAPI(*r)
	return &out
}
