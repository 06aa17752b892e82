// Package deploy runs deploy and rollback pipelines: resolve secrets, open a
// ledger record, drive the remote steps and close the record with the outcome.
package deploy

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/remote"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/internal/telemetry"
)

// Connector opens a remote.Host for a descriptor's target.
type Connector func(ctx context.Context, h descriptor.Host) (remote.Host, error)

// Orchestrator wires the pipeline's collaborators together. One Orchestrator
// may serve concurrent runs of different services; the ledger rejects a second
// concurrent run of the same service.
type Orchestrator struct {
	Ledger  ledger.Ledger
	Secrets *secrets.Resolver
	Connect Connector
	Docker  remote.Docker
	Policy  RetryPolicy
	EnvDir  string
	Metrics *telemetry.DeployMetrics
}

// Report is the ledger view of one run. Rollback is set when a failed deploy
// triggered an automatic rollback.
type Report struct {
	Record   ledger.Record  `json:"record"`
	Rollback *ledger.Record `json:"rollback,omitempty"`
}

// RunOption adjusts a single Deploy or Rollback call.
type RunOption func(*runOptions)

type runOptions struct {
	started func(ledger.Record)
}

// OnStarted calls fn with the run's in-progress record as soon as the ledger
// accepted it, before the host is contacted.
func OnStarted(fn func(ledger.Record)) RunOption {
	return func(o *runOptions) { o.started = fn }
}

func (r runOptions) start(rec ledger.Record) {
	if r.started != nil {
		r.started(rec)
	}
}

func newRunOptions(opts []RunOption) runOptions {
	var r runOptions
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// Deploy rolls out d.Image to d's host. On a health-check timeout with
// rollback enabled and an earlier image recorded, exactly one automatic
// rollback to that image runs; the health-check error is still returned.
func (o *Orchestrator) Deploy(ctx context.Context, d descriptor.Descriptor, opts ...RunOption) (Report, error) {
	run := newRunOptions(opts)
	timer := telemetry.NewTimerScope()

	set, err := o.Secrets.Resolve(ctx, d.Secrets)
	if err != nil {
		return Report{}, stepError(d, StepResolveSecrets, err)
	}
	defer set.Scrub()
	redactor := set.Redactor()
	defer redactor.Scrub()

	current, err := o.current(ctx, d.Service)
	if err != nil {
		return Report{}, stepError(d, StepStart, err)
	}
	rec, err := o.Ledger.RecordStart(ctx, ledger.Record{
		Service:        d.Service,
		Kind:           ledger.KindDeploy,
		Image:          d.Image,
		PreviousImage:  current.Image,
		PreviousDigest: current.Digest,
	})
	if err != nil {
		return Report{}, stepError(d, StepStart, err)
	}
	run.start(rec)
	logger := newLogger(d.Service, rec.ID)
	logger.Info().Str("image", d.Image).Str("previous", current.Image).Msg("Deploy started")

	host, err := o.Connect(ctx, d.Host)
	if err != nil {
		serr := stepError(d, StepPrepare, remote.ConnectionError("connect", err))
		rec = o.finish(ctx, rec, ledger.Result{Outcome: ledger.OutcomeFailed, Step: StepPrepare, Error: errMessage(serr)})
		return Report{Record: rec}, serr
	}
	defer host.Close()

	ex := o.executor(host, d, rec.ID, redactor)
	digest, err := o.rollout(ctx, ex, d.Image, set, true)
	if err == nil {
		rec = o.finish(ctx, rec, ledger.Result{
			Outcome: ledger.OutcomeSuccess, Digest: digest, Retries: ex.retries, Step: ex.step,
		})
		logger.Info().Str("digest", digest).Int("retries", ex.retries).Msg("Deploy succeeded")
		o.Metrics.RecordRun(d.Service, string(ledger.KindDeploy), string(rec.Outcome), timer.End())
		return Report{Record: rec}, nil
	}

	res := ledger.Result{
		Outcome: ledger.OutcomeFailed, Digest: digest, Retries: ex.retries, Step: ex.step, Error: errMessage(err),
	}
	if errors.Is(err, ErrHealthCheckTimeout) && d.RollbackEnabled() && rec.PreviousImage != "" {
		report := o.autoRollback(ctx, ex, d, rec, res, digest)
		o.Metrics.RecordRun(d.Service, string(ledger.KindDeploy), string(report.Record.Outcome), timer.End())
		return report, err
	}
	rec = o.finish(ctx, rec, res)
	logger.Error().Err(err).Msg("Deploy failed")
	o.Metrics.RecordRun(d.Service, string(ledger.KindDeploy), string(rec.Outcome), timer.End())
	return Report{Record: rec}, err
}

// autoRollback closes the failed deploy record and opens the rollback record
// in one ledger handoff, then recreates the previous image.
func (o *Orchestrator) autoRollback(ctx context.Context, ex *executor, d descriptor.Descriptor, rec ledger.Record, res ledger.Result, digest string) Report {
	failed, rb, err := o.Ledger.Handoff(ledgerCtx(ctx), rec.ID, res, ledger.Record{
		Service:        d.Service,
		Kind:           ledger.KindRollback,
		Image:          rec.PreviousImage,
		Digest:         rec.PreviousDigest,
		PreviousImage:  rec.Image,
		PreviousDigest: digest,
	})
	if err != nil {
		ex.logger.Error().Err(err).Msg("Could not record rollback; leaving deploy record as is")
		return Report{Record: o.finish(ctx, rec, res)}
	}
	ex.logger.Warn().Str("target", rb.Image).Str("digest", rb.Digest).Str("rollback", rb.ID).
		Msg("Health check failed, rolling back")

	// the deploy's secret values were scrubbed once its container was created
	rb, _ = o.runRollback(ctx, ex, d, rb, nil)
	return Report{Record: failed, Rollback: &rb}
}

// Rollback recreates the image that preceded the last successful deploy.
// Rollback records never count as successes, so repeating a rollback targets
// the same image.
func (o *Orchestrator) Rollback(ctx context.Context, d descriptor.Descriptor, opts ...RunOption) (Report, error) {
	run := newRunOptions(opts)
	timer := telemetry.NewTimerScope()

	last, err := o.Ledger.LastSuccess(ctx, d.Service)
	if errors.Is(err, ledger.ErrNotFound) || (err == nil && last.PreviousImage == "") {
		return Report{}, stepError(d, StepRollback, ErrNoRollbackTarget)
	}
	if err != nil {
		return Report{}, stepError(d, StepRollback, err)
	}

	set, err := o.Secrets.Resolve(ctx, d.Secrets)
	if err != nil {
		return Report{}, stepError(d, StepResolveSecrets, err)
	}
	defer set.Scrub()
	redactor := set.Redactor()
	defer redactor.Scrub()

	rec, err := o.Ledger.RecordStart(ctx, ledger.Record{
		Service:        d.Service,
		Kind:           ledger.KindRollback,
		Image:          last.PreviousImage,
		Digest:         last.PreviousDigest,
		PreviousImage:  last.Image,
		PreviousDigest: last.Digest,
	})
	if err != nil {
		return Report{}, stepError(d, StepStart, err)
	}
	run.start(rec)
	logger := newLogger(d.Service, rec.ID)
	logger.Info().Str("target", rec.Image).Str("digest", rec.Digest).Msg("Rollback started")

	host, err := o.Connect(ctx, d.Host)
	if err != nil {
		serr := stepError(d, StepPrepare, remote.ConnectionError("connect", err))
		rec = o.finish(ctx, rec, ledger.Result{Outcome: ledger.OutcomeFailed, Step: StepPrepare, Error: errMessage(serr)})
		return Report{Record: rec}, serr
	}
	defer host.Close()

	ex := o.executor(host, d, rec.ID, redactor)
	rec, err = o.runRollback(ctx, ex, d, rec, set)
	o.Metrics.RecordRun(d.Service, string(ledger.KindRollback), string(rec.Outcome), timer.End())
	return Report{Record: rec}, err
}

// runRollback pulls and recreates rb's image by digest, polls health once
// more and closes rb. Post-deploy commands are not repeated. A nil set is
// resolved again from the descriptor.
func (o *Orchestrator) runRollback(ctx context.Context, ex *executor, d descriptor.Descriptor, rb ledger.Record, set *secrets.Set) (ledger.Record, error) {
	ex.recordID = rb.ID
	ex.retries = 0
	ex.logger = newLogger(d.Service, rb.ID)

	if set == nil {
		var err error
		set, err = o.Secrets.Resolve(ctx, d.Secrets)
		if err != nil {
			serr := stepError(d, StepResolveSecrets, err)
			rec := o.finish(ctx, rb, ledger.Result{
				Outcome: ledger.OutcomeFailed, Step: StepResolveSecrets, Error: errMessage(serr),
			})
			return rec, serr
		}
		defer set.Scrub()
	}

	_, err := o.rollout(ctx, ex, pin(rb.Image, rb.Digest), set, false)
	if err != nil {
		ex.logger.Error().Err(err).Msg("Rollback failed")
		rec := o.finish(ctx, rb, ledger.Result{
			Outcome: ledger.OutcomeFailed, Retries: ex.retries, Step: ex.step, Error: errMessage(err),
		})
		return rec, err
	}
	ex.logger.Info().Str("image", rb.Image).Msg("Rolled back")
	rec := o.finish(ctx, rb, ledger.Result{
		Outcome: ledger.OutcomeRolledBack, Digest: rb.Digest, Retries: ex.retries, Step: ex.step,
	})
	return rec, nil
}

// rollout runs prepare, pull, recreate, the optional post-deploy commands and
// the health check. set is scrubbed as soon as the container is created.
func (o *Orchestrator) rollout(ctx context.Context, ex *executor, image string, set *secrets.Set, postDeploy bool) (string, error) {
	if err := ex.prepare(ctx); err != nil {
		set.Scrub()
		return "", err
	}
	digest, err := ex.pull(ctx, image)
	if err != nil {
		set.Scrub()
		return "", err
	}
	err = ex.recreate(ctx, pin(image, digest), set)
	set.Scrub()
	if err != nil {
		return digest, err
	}
	if postDeploy {
		if err := ex.postDeploy(ctx); err != nil {
			return digest, err
		}
	}
	return digest, ex.healthCheck(ctx)
}

// Status is the ledger's view of a service.
type Status struct {
	Service     string         `json:"service"`
	Latest      *ledger.Record `json:"latest,omitempty"`
	Current     *ledger.Record `json:"current,omitempty"`
	LastSuccess *ledger.Record `json:"last_success,omitempty"`
	InProgress  bool           `json:"in_progress"`
}

// Status reports the newest record, the record whose image should be running
// and the last successful deploy. A service with no records has all three nil.
func (o *Orchestrator) Status(ctx context.Context, service string) (Status, error) {
	st := Status{Service: service}
	history, err := o.Ledger.History(ctx, service, 0)
	if err != nil {
		return st, err
	}
	for i := range history {
		r := history[i]
		if st.Latest == nil {
			st.Latest = &r
			st.InProgress = r.Outcome == ledger.OutcomeInProgress
		}
		if st.Current == nil && running(r) {
			st.Current = &r
		}
		if st.LastSuccess == nil && r.Outcome == ledger.OutcomeSuccess {
			st.LastSuccess = &r
		}
	}
	return st, nil
}

// History returns up to limit records for service, newest first.
func (o *Orchestrator) History(ctx context.Context, service string, limit int) ([]ledger.Record, error) {
	return o.Ledger.History(ctx, service, limit)
}

// Unlock abandons a stale in-progress record left behind by a crashed run.
func (o *Orchestrator) Unlock(ctx context.Context, service string) (ledger.Record, error) {
	rec, err := o.Ledger.Abandon(ctx, service, "unlocked by operator")
	if err != nil {
		return ledger.Record{}, fmt.Errorf("unlock %s: %w", service, err)
	}
	log.Warn().Str("service", service).Str("record", rec.ID).Msg("In-progress record abandoned")
	return rec, nil
}

// current returns the record whose image is expected to be running: the
// newest successful deploy or completed rollback. The zero Record means none.
func (o *Orchestrator) current(ctx context.Context, service string) (ledger.Record, error) {
	history, err := o.Ledger.History(ctx, service, 0)
	if err != nil {
		return ledger.Record{}, err
	}
	for _, r := range history {
		if running(r) {
			return r, nil
		}
	}
	return ledger.Record{}, nil
}

func running(r ledger.Record) bool {
	return r.Outcome == ledger.OutcomeSuccess || r.Outcome == ledger.OutcomeRolledBack
}

func (o *Orchestrator) executor(host remote.Host, d descriptor.Descriptor, recordID string, redactor *secrets.Redactor) *executor {
	envDir := o.EnvDir
	if envDir == "" {
		envDir = DefaultEnvDir
	}
	return &executor{
		host:     host,
		docker:   o.Docker,
		policy:   o.Policy,
		envDir:   envDir,
		redactor: redactor,
		metrics:  o.Metrics,
		logger:   newLogger(d.Service, recordID),
		desc:     d,
		recordID: recordID,
	}
}

// finish closes rec. Ledger writes ignore cancellation so an interrupted run
// still leaves a terminal record.
func (o *Orchestrator) finish(ctx context.Context, rec ledger.Record, res ledger.Result) ledger.Record {
	done, err := o.Ledger.RecordOutcome(ledgerCtx(ctx), rec.ID, res)
	if err != nil {
		log.Error().Err(err).Str("service", rec.Service).Str("record", rec.ID).Msg("Could not record outcome")
		rec.Outcome = res.Outcome
		rec.Step = res.Step
		rec.Error = res.Error
		rec.Retries = res.Retries
		return rec
	}
	return done
}

func ledgerCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

func stepError(d descriptor.Descriptor, step string, err error) error {
	return &StepError{Service: d.Service, Step: step, Hint: hint(d, step, err), Err: err}
}

// errMessage is what the ledger stores: the step's cause without the
// service/step prefix the record already carries.
func errMessage(err error) string {
	var se *StepError
	if errors.As(err, &se) {
		return se.Err.Error()
	}
	return err.Error()
}

// pin returns image pinned to digest so a recreate runs exactly what was
// pulled.
func pin(image, digest string) string {
	ref, err := descriptor.ParseImage(image)
	if err != nil {
		return image
	}
	return ref.Pinned(digest)
}
