// Package descriptor loads and validates deployment descriptors: the declarative
// description of what to deploy and where.
package descriptor

import (
	"net"
	"strconv"
	"time"

	"github.com/3cpo-dev/deployctl/internal/secrets"
)

const (
	DefaultSSHPort        = 22
	DefaultHealthInterval = 5 * time.Second
	DefaultHealthTimeout  = 60 * time.Second
	DefaultRestartPolicy  = "unless-stopped"
)

// Descriptor is a validated deployment descriptor. A loaded descriptor is
// treated as immutable for the whole deploy run; overrides are applied at load
// time through options, never afterwards.
type Descriptor struct {
	Service     string            `yaml:"service" json:"service"`
	Image       string            `yaml:"image" json:"image"`
	Host        Host              `yaml:"host" json:"host"`
	Container   Container         `yaml:"container" json:"container"`
	Env         map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Secrets     []secrets.Ref     `yaml:"secrets,omitempty" json:"secrets,omitempty"`
	PostDeploy  []Command         `yaml:"post_deploy,omitempty" json:"post_deploy,omitempty"`
	HealthCheck HealthCheck       `yaml:"health_check" json:"health_check"`
	Rollback    *bool             `yaml:"rollback,omitempty" json:"rollback,omitempty"`

	ref ImageRef
}

// Host is the deployment target reached over SSH.
type Host struct {
	Address string `yaml:"address" json:"address"`
	Port    int    `yaml:"port,omitempty" json:"port,omitempty"`
	User    string `yaml:"user,omitempty" json:"user,omitempty"`
}

// Addr returns host:port for dialing.
func (h Host) Addr() string {
	return net.JoinHostPort(h.Address, strconv.Itoa(h.Port))
}

// Container holds the runtime settings used when the container is recreated.
type Container struct {
	Name    string   `yaml:"name,omitempty" json:"name,omitempty"`
	Ports   []string `yaml:"ports,omitempty" json:"ports,omitempty"`
	Volumes []string `yaml:"volumes,omitempty" json:"volumes,omitempty"`
	Network string   `yaml:"network,omitempty" json:"network,omitempty"`
	Restart string   `yaml:"restart,omitempty" json:"restart,omitempty"`
}

// Command is a post-deploy step such as a database migration.
type Command struct {
	Name        string `yaml:"name" json:"name"`
	Run         string `yaml:"run" json:"run"`
	InContainer bool   `yaml:"in_container,omitempty" json:"in_container,omitempty"`
}

// HealthCheck is polled on the host after the container is recreated.
type HealthCheck struct {
	Command  string        `yaml:"command" json:"command"`
	Interval time.Duration `yaml:"interval,omitempty" json:"interval,omitempty"`
	Timeout  time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// ImageRef returns the parsed image reference.
func (d Descriptor) ImageRef() ImageRef { return d.ref }

// ContainerName returns the name of the managed container.
func (d Descriptor) ContainerName() string { return d.Container.Name }

// RollbackEnabled reports whether a failed health check may trigger an
// automatic rollback. Rollback is on unless disabled explicitly.
func (d Descriptor) RollbackEnabled() bool {
	return d.Rollback == nil || *d.Rollback
}

// NamedVolumes returns the volume names referenced by the container.
func (d Descriptor) NamedVolumes() []string {
	var out []string
	for _, v := range d.Container.Volumes {
		if name, _, ok := cutVolume(v); ok {
			out = append(out, name)
		}
	}
	return out
}
