package descriptor

import (
	"bytes"
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Option adjusts how a descriptor is loaded.
type Option func(*options)

type options struct {
	image       string
	defaultUser string
	resolver    Resolver
}

// WithImage overrides the descriptor's image, typically with a tag produced by CI.
func WithImage(image string) Option {
	return func(o *options) { o.image = image }
}

// WithDefaultUser sets the SSH user used when the descriptor names none.
func WithDefaultUser(user string) Option {
	return func(o *options) { o.defaultUser = user }
}

// WithResolver replaces the DNS resolver used to check the target host.
func WithResolver(r Resolver) Option {
	return func(o *options) { o.resolver = r }
}

// Load reads a YAML descriptor from path.
func Load(ctx context.Context, path string, opts ...Option) (Descriptor, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("read descriptor: %w: %w", ErrConfig, err)
	}
	return Parse(ctx, content, opts...)
}

// Parse decodes, defaults and validates a YAML descriptor.
func Parse(ctx context.Context, content []byte, opts ...Option) (Descriptor, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	var d Descriptor
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&d); err != nil {
		return Descriptor{}, fmt.Errorf("parse descriptor: %w: %w", ErrConfig, err)
	}
	if o.image != "" {
		d.Image = o.image
	}
	applyDefaults(&d, o.defaultUser)
	normalize(&d)
	if err := validate(ctx, &d, o.resolver); err != nil {
		return Descriptor{}, err
	}
	return d, nil
}

// Marshal serializes a descriptor back to YAML. Parse(Marshal(d)) yields d.
func Marshal(d Descriptor) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(d); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}
	return buf.Bytes(), nil
}

func applyDefaults(d *Descriptor, defaultUser string) {
	if d.Host.Port == 0 {
		d.Host.Port = DefaultSSHPort
	}
	if d.Host.User == "" {
		d.Host.User = defaultUser
	}
	if d.Container.Name == "" {
		d.Container.Name = d.Service
	}
	if d.Container.Restart == "" {
		d.Container.Restart = DefaultRestartPolicy
	}
	if d.HealthCheck.Interval == 0 {
		d.HealthCheck.Interval = DefaultHealthInterval
	}
	if d.HealthCheck.Timeout == 0 {
		d.HealthCheck.Timeout = DefaultHealthTimeout
	}
	if d.Rollback == nil {
		enabled := true
		d.Rollback = &enabled
	}
	for i := range d.Secrets {
		if d.Secrets[i].Key == "" && d.Secrets[i].Path == "" {
			d.Secrets[i].Key = d.Secrets[i].Name
		}
	}
}

// normalize drops empty collections so a decoded "env: {}" and a missing env
// compare equal.
func normalize(d *Descriptor) {
	if len(d.Env) == 0 {
		d.Env = nil
	}
	if len(d.Secrets) == 0 {
		d.Secrets = nil
	}
	if len(d.PostDeploy) == 0 {
		d.PostDeploy = nil
	}
	if len(d.Container.Ports) == 0 {
		d.Container.Ports = nil
	}
	if len(d.Container.Volumes) == 0 {
		d.Container.Volumes = nil
	}
}
