package descriptor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/3cpo-dev/deployctl/internal/secrets"
)

// ErrConfig classifies every descriptor problem: missing or malformed fields,
// bad image references and unresolvable hosts.
var ErrConfig = errors.New("config error")

// FieldError describes a descriptor field that failed validation.
type FieldError struct {
	Field   string
	Value   string
	Message string
}

func (e FieldError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s=%q: %s", e.Field, e.Value, e.Message)
}

func (e FieldError) Unwrap() error { return ErrConfig }

// Resolver looks up host names. *net.Resolver satisfies it.
type Resolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

var (
	nameRegex   = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)
	envRegex    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	portRegex   = regexp.MustCompile(`^(\d{1,3}(\.\d{1,3}){3}:)?(\d{1,5}:)?\d{1,5}(/(tcp|udp))?$`)
	volumeRegex = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*:/[^:]*(:(ro|rw))?$`)
	userRegex   = regexp.MustCompile(`^[a-z_][a-z0-9_-]*$`)
)

func cutVolume(v string) (name, target string, ok bool) {
	if !volumeRegex.MatchString(v) {
		return "", "", false
	}
	name, rest, _ := strings.Cut(v, ":")
	target, _, _ = strings.Cut(rest, ":")
	return name, target, true
}

// validate checks every field and returns the first problem found. Host name
// resolution runs last so cheap checks fail fast.
func validate(ctx context.Context, d *Descriptor, resolver Resolver) error {
	if d.Service == "" {
		return FieldError{Field: "service", Message: "is required"}
	}
	if !nameRegex.MatchString(d.Service) {
		return FieldError{Field: "service", Value: d.Service, Message: "must be lowercase letters, digits, '.', '_' or '-'"}
	}
	if d.Image == "" {
		return FieldError{Field: "image", Message: "is required"}
	}
	ref, err := ParseImage(d.Image)
	if err != nil {
		return FieldError{Field: "image", Value: d.Image, Message: err.Error()}
	}
	d.ref = ref

	if d.Host.Address == "" {
		return FieldError{Field: "host.address", Message: "is required"}
	}
	if d.Host.Port <= 0 || d.Host.Port > 65535 {
		return FieldError{Field: "host.port", Value: fmt.Sprint(d.Host.Port), Message: "must be between 1 and 65535"}
	}
	if d.Host.User == "" {
		return FieldError{Field: "host.user", Message: "is required (set it here or in the tool config)"}
	}
	if !userRegex.MatchString(d.Host.User) {
		return FieldError{Field: "host.user", Value: d.Host.User, Message: "is not a valid user name"}
	}

	if err := validateContainer(d.Container); err != nil {
		return err
	}
	if err := validateEnv(d); err != nil {
		return err
	}
	for i, c := range d.PostDeploy {
		field := fmt.Sprintf("post_deploy[%d]", i)
		if strings.TrimSpace(c.Name) == "" {
			return FieldError{Field: field + ".name", Message: "is required"}
		}
		if strings.TrimSpace(c.Run) == "" {
			return FieldError{Field: field + ".run", Message: "is required"}
		}
	}
	if d.RollbackEnabled() && strings.TrimSpace(d.HealthCheck.Command) == "" {
		return FieldError{Field: "health_check.command", Message: "is required when rollback is enabled"}
	}
	if d.HealthCheck.Interval <= 0 {
		return FieldError{Field: "health_check.interval", Value: d.HealthCheck.Interval.String(), Message: "must be positive"}
	}
	if d.HealthCheck.Timeout < d.HealthCheck.Interval {
		return FieldError{Field: "health_check.timeout", Value: d.HealthCheck.Timeout.String(), Message: "must not be shorter than the interval"}
	}

	return validateHostResolves(ctx, d.Host.Address, resolver)
}

func validateContainer(c Container) error {
	if !nameRegex.MatchString(c.Name) {
		return FieldError{Field: "container.name", Value: c.Name, Message: "must be lowercase letters, digits, '.', '_' or '-'"}
	}
	for _, p := range c.Ports {
		if !portRegex.MatchString(p) {
			return FieldError{Field: "container.ports", Value: p, Message: "expected [ip:][host:]container[/proto]"}
		}
	}
	seen := map[string]bool{}
	for _, v := range c.Volumes {
		name, _, ok := cutVolume(v)
		if !ok {
			return FieldError{Field: "container.volumes", Value: v, Message: "expected named volume name:/path[:ro|rw]; bind mounts are not preserved"}
		}
		if seen[name] {
			return FieldError{Field: "container.volumes", Value: v, Message: "volume listed twice"}
		}
		seen[name] = true
	}
	if c.Network != "" && !nameRegex.MatchString(c.Network) {
		return FieldError{Field: "container.network", Value: c.Network, Message: "is not a valid network name"}
	}
	switch c.Restart {
	case "no", "always", "unless-stopped", "on-failure":
	default:
		return FieldError{Field: "container.restart", Value: c.Restart, Message: "must be no, always, unless-stopped or on-failure"}
	}
	return nil
}

func validateEnv(d *Descriptor) error {
	names := map[string]string{}
	for k := range d.Env {
		if !envRegex.MatchString(k) {
			return FieldError{Field: "env", Value: k, Message: "is not a valid variable name"}
		}
		names[k] = "env"
	}
	for i, s := range d.Secrets {
		field := fmt.Sprintf("secrets[%d]", i)
		if !envRegex.MatchString(s.Name) {
			return FieldError{Field: field + ".name", Value: s.Name, Message: "is not a valid variable name"}
		}
		if prev, ok := names[s.Name]; ok {
			return FieldError{Field: field + ".name", Value: s.Name, Message: "already defined in " + prev}
		}
		names[s.Name] = "secrets"
		if !secrets.KnownStrategy(s.From) {
			return FieldError{Field: field + ".from", Value: string(s.From), Message: "unknown secret backend"}
		}
		if s.From == secrets.StrategyVault && s.Path == "" {
			return FieldError{Field: field + ".path", Message: "is required for the vault backend"}
		}
	}
	return nil
}

func validateHostResolves(ctx context.Context, host string, resolver Resolver) error {
	if net.ParseIP(host) != nil {
		return nil
	}
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	addrs, err := resolver.LookupHost(ctx, host)
	if err != nil || len(addrs) == 0 {
		msg := "does not resolve"
		if err != nil {
			msg = "does not resolve: " + err.Error()
		}
		return FieldError{Field: "host.address", Value: host, Message: msg}
	}
	return nil
}
