// Package descriptor holds the static description of every backend worker the
// router may spawn: how to start it, which capabilities it serves and the
// resource limits that apply to it.
//
// Descriptors are immutable once loaded. The Table publishes them as atomic
// snapshots so a routing decision always sees one consistent version, even
// while a reload is in progress.
package descriptor

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Capability is a tag a worker answers to.
type Capability struct {
	Name      string        `yaml:"name" json:"name"`
	Cacheable bool          `yaml:"cacheable,omitempty" json:"cacheable,omitempty"`
	CacheTTL  time.Duration `yaml:"cache_ttl,omitempty" json:"cache_ttl,omitempty"`
}

// Capabilities is a list of capability tags.
//
// Accepted YAML forms:
//   - string array: capabilities: [search.web, search.news]
//   - object array: capabilities: [{name: search.web, cacheable: true, cache_ttl: 5m}]
type Capabilities []Capability

func (c *Capabilities) UnmarshalYAML(n *yaml.Node) error {
	if n == nil {
		*c = nil
		return nil
	}
	if n.Kind != yaml.SequenceNode {
		return fmt.Errorf("capabilities must be a sequence")
	}

	out := make([]Capability, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			out = append(out, Capability{Name: strings.TrimSpace(item.Value)})
		case yaml.MappingNode:
			var tmp Capability
			if err := item.Decode(&tmp); err != nil {
				return fmt.Errorf("invalid capability object: %w", err)
			}
			tmp.Name = strings.TrimSpace(tmp.Name)
			out = append(out, tmp)
		default:
			return fmt.Errorf("invalid capability entry (must be string or object)")
		}
	}

	*c = out
	return nil
}

// Names returns the capability names in declaration order.
func (c Capabilities) Names() []string {
	out := make([]string, 0, len(c))
	for _, capability := range c {
		out = append(out, capability.Name)
	}
	return out
}

// Spawn is the command used to start a worker process.
type Spawn struct {
	Command string            `yaml:"command" json:"command"`
	Args    []string          `yaml:"args,omitempty" json:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	Dir     string            `yaml:"dir,omitempty" json:"dir,omitempty"`
}

// Limits bounds the resources a worker may use.
type Limits struct {
	MaxMemoryMB    int `yaml:"max_memory_mb,omitempty" json:"max_memory_mb,omitempty"`
	MaxConnections int `yaml:"max_connections,omitempty" json:"max_connections"`
}

// Descriptor is the static definition of one worker.
type Descriptor struct {
	ID             string        `yaml:"id" json:"id"`
	Capabilities   Capabilities  `yaml:"capabilities" json:"capabilities"`
	Spawn          Spawn         `yaml:"spawn" json:"spawn"`
	Limits         Limits        `yaml:"limits,omitempty" json:"limits"`
	IdleTimeout    time.Duration `yaml:"idle_timeout,omitempty" json:"idle_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty" json:"startup_timeout"`
	Priority       int           `yaml:"priority,omitempty" json:"priority"`

	// Source is where the descriptor was loaded from (config file or manifest path).
	Source string `yaml:"-" json:"source,omitempty"`
}

// Defaults fills zero-valued descriptor fields.
type Defaults struct {
	IdleTimeout    time.Duration
	StartupTimeout time.Duration
	MaxConnections int
}

// WithDefaults returns a copy of d with zero fields taken from def.
func (d Descriptor) WithDefaults(def Defaults) Descriptor {
	if d.IdleTimeout == 0 {
		d.IdleTimeout = def.IdleTimeout
	}
	if d.StartupTimeout == 0 {
		d.StartupTimeout = def.StartupTimeout
	}
	if d.Limits.MaxConnections == 0 {
		d.Limits.MaxConnections = def.MaxConnections
	}
	return d
}

// Capability looks up a capability by name.
func (d Descriptor) Capability(name string) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.Name == name {
			return c, true
		}
	}
	return Capability{}, false
}

// Validate checks a single descriptor for structural errors.
func (d Descriptor) Validate() error {
	if d.ID == "" {
		return fmt.Errorf("id is required")
	}
	if !idPattern.MatchString(d.ID) {
		return fmt.Errorf("invalid id %q (letters, digits, '.', '_' and '-' only)", d.ID)
	}
	if strings.TrimSpace(d.Spawn.Command) == "" {
		return fmt.Errorf("worker %q: spawn.command is required", d.ID)
	}
	if len(d.Capabilities) == 0 {
		return fmt.Errorf("worker %q: at least one capability must be declared", d.ID)
	}
	seen := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		if c.Name == "" {
			return fmt.Errorf("worker %q: capability name is required", d.ID)
		}
		if _, dup := seen[c.Name]; dup {
			return fmt.Errorf("worker %q: duplicate capability %q", d.ID, c.Name)
		}
		seen[c.Name] = struct{}{}
		if c.CacheTTL < 0 {
			return fmt.Errorf("worker %q: capability %q has negative cache_ttl", d.ID, c.Name)
		}
	}
	if d.Limits.MaxConnections < 1 {
		return fmt.Errorf("worker %q: limits.max_connections must be at least 1", d.ID)
	}
	if d.Limits.MaxMemoryMB < 0 {
		return fmt.Errorf("worker %q: limits.max_memory_mb must not be negative", d.ID)
	}
	if d.IdleTimeout <= 0 {
		return fmt.Errorf("worker %q: idle_timeout must be positive", d.ID)
	}
	if d.StartupTimeout <= 0 {
		return fmt.Errorf("worker %q: startup_timeout must be positive", d.ID)
	}
	return nil
}

// ValidateAll validates every descriptor and rejects duplicate ids.
func ValidateAll(ds []Descriptor) error {
	seen := make(map[string]string, len(ds))
	for _, d := range ds {
		if err := d.Validate(); err != nil {
			return err
		}
		if src, dup := seen[d.ID]; dup {
			return fmt.Errorf("duplicate worker id %q (%s, %s)", d.ID, src, d.Source)
		}
		seen[d.ID] = d.Source
	}
	return nil
}

// SortByID sorts descriptors in place by id.
func SortByID(ds []Descriptor) {
	sort.Slice(ds, func(i, j int) bool { return ds[i].ID < ds[j].ID })
}
