package deploy

import (
	"context"
	"fmt"
	"path"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/remote"
	"github.com/3cpo-dev/deployctl/internal/secrets"
	"github.com/3cpo-dev/deployctl/internal/telemetry"
)

// DefaultEnvDir is where env files are staged on the target host.
const DefaultEnvDir = "/run/deployctl"

// Labels put on every managed container.
const (
	LabelService = "deployctl.service"
	LabelRecord  = "deployctl.record"
)

// executor runs the remote steps of one run against one host. It is not safe
// for concurrent use; a run is strictly sequential.
type executor struct {
	host     remote.Host
	docker   remote.Docker
	policy   RetryPolicy
	envDir   string
	redactor *secrets.Redactor
	metrics  *telemetry.DeployMetrics
	logger   zerolog.Logger

	desc     descriptor.Descriptor
	recordID string
	retries  int
	step     string
}

// remoteCtx detaches remote commands from cancellation: a command already on
// the wire always completes and the run stops after its reply.
func remoteCtx(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}

// run executes cmd and logs its redacted output.
func (e *executor) run(ctx context.Context, cmd string) (remote.Result, error) {
	return e.exec(remoteCtx(ctx), cmd)
}

func (e *executor) exec(ctx context.Context, cmd string) (remote.Result, error) {
	res, err := e.host.Run(ctx, cmd)
	var ev *zerolog.Event
	if err != nil {
		ev = e.logger.Warn().Err(redactedError{err: err, msg: e.redactor.Redact(err.Error())}).
			Str("stderr", e.redactor.Redact(res.Stderr)).Int("exit_code", res.ExitCode)
	} else {
		ev = e.logger.Debug()
	}
	ev.Str("step", e.step).Str("command", e.redactor.Redact(cmd)).Dur("took", res.Duration).Msg("remote command")
	return res, err
}

// do runs one retried step and wraps a final failure in a StepError.
func (e *executor) do(ctx context.Context, step string, op func() error) error {
	e.step = step
	timer := telemetry.NewTimerScope()
	retries, err := e.policy.retry(ctx, step, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return op()
	})
	e.retries += retries
	e.metrics.RecordStep(e.desc.Service, step, timer.End(), retries, err == nil)
	if err != nil {
		return e.fail(step, err)
	}
	return nil
}

func (e *executor) fail(step string, err error) error {
	return &StepError{
		Service: e.desc.Service,
		Step:    step,
		Hint:    hint(e.desc, step, err),
		Err:     redactedError{err: err, msg: e.redactor.Redact(err.Error())},
	}
}

// prepare makes sure the network and named volumes exist.
func (e *executor) prepare(ctx context.Context) error {
	d := e.desc
	if d.Container.Network == "" && len(d.NamedVolumes()) == 0 {
		return nil
	}
	return e.do(ctx, StepPrepare, func() error {
		if d.Container.Network != "" {
			if _, err := e.run(ctx, e.docker.EnsureNetwork(d.Container.Network)); err != nil {
				return err
			}
		}
		for _, v := range d.NamedVolumes() {
			if _, err := e.run(ctx, e.docker.EnsureVolume(v)); err != nil {
				return err
			}
		}
		return nil
	})
}

// pull fetches image and returns its repository digest.
func (e *executor) pull(ctx context.Context, image string) (string, error) {
	var digest string
	err := e.do(ctx, StepPull, func() error {
		if _, err := e.run(ctx, e.docker.Pull(image)); err != nil {
			return err
		}
		res, err := e.run(ctx, e.docker.RepoDigests(image))
		if err != nil {
			return err
		}
		digest, err = remote.ParseRepoDigest(res.Stdout, image)
		return err
	})
	return digest, err
}

// recreate replaces the container with one running image. Plain env vars and
// resolved secrets reach the container through an env file that exists on the
// host only while docker run reads it.
func (e *executor) recreate(ctx context.Context, image string, set *secrets.Set) error {
	d := e.desc
	entries := make([]remote.EnvEntry, 0, len(d.Env)+set.Len())
	for k, v := range d.Env {
		entries = append(entries, remote.EnvEntry{Key: k, Value: []byte(v)})
	}
	for _, name := range set.Names() {
		v, _ := set.Value(name)
		entries = append(entries, remote.EnvEntry{Key: name, Value: v})
	}
	content, err := remote.EnvFile(entries)
	if err != nil {
		return e.fail(StepRecreate, fmt.Errorf("%w: %w", descriptor.ErrConfig, err))
	}
	defer zero(content)

	envFile := ""
	if len(entries) > 0 {
		envFile = path.Join(e.envDir, d.Service+".env")
	}
	spec := remote.RunSpec{
		Name:    d.ContainerName(),
		Image:   image,
		EnvFile: envFile,
		Ports:   d.Container.Ports,
		Volumes: d.Container.Volumes,
		Network: d.Container.Network,
		Restart: d.Container.Restart,
		Labels:  map[string]string{LabelService: d.Service, LabelRecord: e.recordID},
	}
	return e.do(ctx, StepRecreate, func() error {
		if envFile != "" {
			if err := e.host.WriteFile(remoteCtx(ctx), envFile, content, 0600); err != nil {
				return err
			}
			defer func() {
				if err := e.host.Remove(remoteCtx(ctx), envFile); err != nil {
					e.logger.Warn().Err(err).Str("path", envFile).Msg("Could not remove env file")
				}
			}()
		}
		_, err := e.run(ctx, e.docker.Recreate(spec))
		return err
	})
}

// postDeploy runs the descriptor's commands in order. Each command is retried
// on its own; the first one that keeps failing stops the rest.
func (e *executor) postDeploy(ctx context.Context) error {
	for _, c := range e.desc.PostDeploy {
		cmd := c.Run
		if c.InContainer {
			cmd = e.docker.Exec(e.desc.ContainerName(), c.Run)
		}
		e.logger.Info().Str("command", c.Name).Msg("Running post-deploy command")
		err := e.do(ctx, StepPostDeploy, func() error {
			_, err := e.run(ctx, cmd)
			return err
		})
		if err != nil {
			if se, ok := err.(*StepError); ok {
				se.Err = fmt.Errorf("%s: %w", c.Name, se.Err)
			}
			return err
		}
	}
	return nil
}

// healthCheck polls the health command at a fixed interval until it exits
// zero or the timeout passes. A probe still running at the deadline counts as
// failed. Cancellation stops polling immediately.
func (e *executor) healthCheck(ctx context.Context) error {
	hc := e.desc.HealthCheck
	e.step = StepHealthCheck
	if hc.Command == "" {
		return nil
	}
	interval := hc.Interval
	if interval <= 0 {
		interval = descriptor.DefaultHealthInterval
	}
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = descriptor.DefaultHealthTimeout
	}

	timer := telemetry.NewTimerScope()
	deadline := time.Now().Add(timeout)
	probes := 0
	var last error
	for {
		probes++
		// probes only read, so unlike other steps they are bounded by the
		// deadline and aborted on cancellation
		probeCtx, cancel := context.WithDeadline(ctx, deadline)
		_, err := e.exec(probeCtx, hc.Command)
		cancel()
		if err == nil {
			e.logger.Info().Int("probes", probes).Msg("Service healthy")
			e.metrics.RecordHealthProbes(e.desc.Service, probes, true)
			e.metrics.RecordStep(e.desc.Service, StepHealthCheck, timer.End(), 0, true)
			return nil
		}
		if ctx.Err() != nil {
			return e.fail(StepHealthCheck, ctx.Err())
		}
		last = err
		wait := time.Until(deadline)
		if wait <= 0 {
			break
		}
		if wait > interval {
			wait = interval
		}
		select {
		case <-ctx.Done():
			return e.fail(StepHealthCheck, ctx.Err())
		case <-time.After(wait):
		}
		if !time.Now().Before(deadline) {
			break
		}
	}
	e.metrics.RecordHealthProbes(e.desc.Service, probes, false)
	e.metrics.RecordStep(e.desc.Service, StepHealthCheck, timer.End(), 0, false)
	return e.fail(StepHealthCheck, fmt.Errorf("%w after %s (%d probes): %v", ErrHealthCheckTimeout, timeout, probes, last))
}

// redactedError keeps the chain of err for errors.Is while printing the
// redacted message.
type redactedError struct {
	err error
	msg string
}

func (r redactedError) Error() string { return r.msg }
func (r redactedError) Unwrap() error { return r.err }

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func newLogger(service, recordID string) zerolog.Logger {
	return log.With().Str("service", service).Str("record", recordID).Logger()
}
