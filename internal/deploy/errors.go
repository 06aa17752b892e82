package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/3cpo-dev/deployctl/internal/descriptor"
	"github.com/3cpo-dev/deployctl/internal/ledger"
	"github.com/3cpo-dev/deployctl/internal/remote"
	"github.com/3cpo-dev/deployctl/internal/secrets"
)

var (
	// ErrHealthCheckTimeout means the health command never succeeded within
	// the configured timeout.
	ErrHealthCheckTimeout = errors.New("health check timed out")

	// ErrNoRollbackTarget means the ledger holds no earlier image to return to.
	ErrNoRollbackTarget = errors.New("no rollback target")
)

// Step names, as recorded in the ledger and printed in errors.
const (
	StepLoadDescriptor = "load-descriptor"
	StepResolveSecrets = "resolve-secrets"
	StepStart          = "start"
	StepPrepare        = "prepare"
	StepPull           = "pull"
	StepRecreate       = "recreate"
	StepPostDeploy     = "post-deploy"
	StepHealthCheck    = "health-check"
	StepRollback       = "rollback"
)

// StepError is the single failure type of a run: which service, which step,
// what to check next.
type StepError struct {
	Service string
	Step    string
	Hint    string
	Err     error
}

func (e *StepError) Error() string {
	msg := fmt.Sprintf("service %s: step %q: %v", e.Service, e.Step, e.Err)
	if e.Hint != "" {
		msg += " (hint: " + e.Hint + ")"
	}
	return msg
}

func (e *StepError) Unwrap() error { return e.Err }

// LoadError reports a descriptor for service that could not be loaded from
// source, a path or a description of where it came from.
func LoadError(service, source string, err error) error {
	var se *StepError
	if errors.As(err, &se) {
		return err
	}
	var fe descriptor.FieldError
	h := "check " + source
	switch {
	case errors.As(err, &fe):
		h = "fix " + fe.Field + " in " + source
	case errors.Is(err, os.ErrNotExist):
		h = "create " + source + " or pass the descriptor's path"
	}
	return &StepError{Service: service, Step: StepLoadDescriptor, Hint: h, Err: err}
}

// Exit codes returned by the CLI.
const (
	ExitOK               = 0
	ExitError            = 1
	ExitConfig           = 2
	ExitSecret           = 3
	ExitRemoteConnection = 4
	ExitRemoteCommand    = 5
	ExitHealthTimeout    = 6
	ExitInProgress       = 7
)

// ExitCode classifies err into a process exit code.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, descriptor.ErrConfig):
		return ExitConfig
	case errors.Is(err, secrets.ErrSecretUnavailable):
		return ExitSecret
	case errors.Is(err, ErrHealthCheckTimeout):
		return ExitHealthTimeout
	case errors.Is(err, ledger.ErrDeployInProgress):
		return ExitInProgress
	case errors.Is(err, remote.ErrRemoteConnection):
		return ExitRemoteConnection
	case errors.Is(err, remote.ErrRemoteCommand):
		return ExitRemoteCommand
	}
	return ExitError
}

// hint suggests the next thing an operator should check for a failure.
func hint(d descriptor.Descriptor, step string, err error) string {
	var resolveErr *secrets.ResolveError
	var cmdErr *remote.CommandError
	switch {
	case errors.As(err, &resolveErr):
		return "check " + resolveErr.Name
	case errors.Is(err, ledger.ErrDeployInProgress):
		return "wait for the running deploy or run `deployctl unlock " + d.Service + "`"
	case errors.Is(err, context.Canceled):
		return "run was interrupted; check the container state on " + d.Host.Address
	case errors.Is(err, remote.ErrRemoteConnection):
		return fmt.Sprintf("check SSH access to %s@%s", d.Host.User, d.Host.Addr())
	case errors.Is(err, ErrHealthCheckTimeout):
		return "check the container logs: docker logs " + d.ContainerName()
	case errors.Is(err, ErrNoRollbackTarget):
		return "no earlier successful deploy is recorded for " + d.Service
	case errors.As(err, &cmdErr) && step == StepPull:
		return "check that " + d.Image + " exists and the host is logged in to its registry"
	case errors.As(err, &cmdErr) && step == StepPostDeploy:
		if name := mentionedVar(d, cmdErr.Stderr); name != "" {
			return "check " + name
		}
		return "check the command output"
	case errors.As(err, &cmdErr):
		return "check the docker daemon on " + d.Host.Address
	}
	return ""
}

// mentionedVar returns the first env or secret name that appears in output.
func mentionedVar(d descriptor.Descriptor, output string) string {
	names := make([]string, 0, len(d.Env)+len(d.Secrets))
	for _, ref := range d.Secrets {
		names = append(names, ref.Name)
	}
	for k := range d.Env {
		names = append(names, k)
	}
	sort.Strings(names)
	for _, n := range names {
		if strings.Contains(output, n) {
			return n
		}
	}
	return ""
}
