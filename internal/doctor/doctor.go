// Package doctor validates toolbridge configuration and worker setup offline,
// without spawning anything.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/toolbridge/internal/config"
	"github.com/mattjoyce/toolbridge/internal/descriptor"
	"github.com/mattjoyce/toolbridge/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
	// Workers is the number of descriptors that loaded.
	Workers int `json:"workers"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates a loaded configuration.
type Doctor struct {
	cfg      *config.Config
	lookPath func(string) (string, error)
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, lookPath: exec.LookPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateState(r)
	d.validateAPI(r)

	var discoveryWarnings []string
	ds, err := d.cfg.Descriptors(func(level, msg string, args ...any) {
		if level == "warn" || level == "error" {
			discoveryWarnings = append(discoveryWarnings, formatLog(msg, args))
		}
	})
	for _, w := range discoveryWarnings {
		d.addWarning(r, "discovery", "workers_dirs", w)
	}
	if err != nil {
		d.addError(r, "workers", "workers", err.Error())
	} else {
		r.Workers = len(ds)
		d.validateWorkers(r, ds)
		d.warnTimeouts(r, ds)
		d.warnCaching(r, ds)
		d.warnPriorities(r, ds)
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateState checks the state database location.
func (d *Doctor) validateState(r *Result) {
	if err := storage.CheckLocalFilesystem(d.cfg.State.Path); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

// validateAPI warns about an exposed API without a token.
func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled || d.cfg.API.Token != "" {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address %q: %v", d.cfg.API.Listen, err))
		return
	}
	if ip := net.ParseIP(host); host == "localhost" || (ip != nil && ip.IsLoopback()) {
		return
	}
	d.addWarning(r, "api", "api.token", "API listens beyond loopback without a token")
}

// validateWorkers checks that every worker can actually be started.
func (d *Doctor) validateWorkers(r *Result, ds []descriptor.Descriptor) {
	if len(ds) == 0 {
		d.addWarning(r, "workers", "workers", "no workers configured; every request will fail with no_capability")
		return
	}
	for _, w := range ds {
		field := fmt.Sprintf("workers.%s.spawn.command", w.ID)
		cmd := w.Spawn.Command
		if filepath.Base(cmd) == cmd {
			if _, err := d.lookPath(cmd); err != nil {
				d.addError(r, "spawn", field, fmt.Sprintf("command %q not found on PATH", cmd))
			}
		} else if err := checkExecutable(cmd); err != nil {
			d.addError(r, "spawn", field, err.Error())
		}
		if w.Spawn.Dir != "" {
			if info, err := os.Stat(w.Spawn.Dir); err != nil || !info.IsDir() {
				d.addError(r, "spawn", fmt.Sprintf("workers.%s.spawn.dir", w.ID),
					fmt.Sprintf("working directory %q does not exist", w.Spawn.Dir))
			}
		}
	}
}

func checkExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("command %q not found", path)
	}
	if info.IsDir() {
		return fmt.Errorf("command %q is a directory", path)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("command %q is not executable", path)
	}
	return nil
}

// warnTimeouts flags timeout combinations that make cold starts fail.
func (d *Doctor) warnTimeouts(r *Result, ds []descriptor.Descriptor) {
	for _, w := range ds {
		if w.StartupTimeout >= d.cfg.Routing.DefaultTimeout {
			d.addWarning(r, "timeouts", fmt.Sprintf("workers.%s.startup_timeout", w.ID),
				fmt.Sprintf("startup_timeout %s is not shorter than routing.default_timeout %s; cold starts will time out",
					w.StartupTimeout, d.cfg.Routing.DefaultTimeout))
		}
		if w.IdleTimeout < d.cfg.Lifecycle.SuperviseInterval {
			d.addWarning(r, "timeouts", fmt.Sprintf("workers.%s.idle_timeout", w.ID),
				fmt.Sprintf("idle_timeout %s is shorter than lifecycle.supervise_interval %s", w.IdleTimeout, d.cfg.Lifecycle.SuperviseInterval))
		}
	}
}

// warnCaching flags cache settings that have no effect.
func (d *Doctor) warnCaching(r *Result, ds []descriptor.Descriptor) {
	for _, w := range ds {
		for _, c := range w.Capabilities {
			field := fmt.Sprintf("workers.%s.capabilities.%s", w.ID, c.Name)
			if c.CacheTTL > 0 && !c.Cacheable {
				d.addWarning(r, "cache", field, "cache_ttl set on a capability that is not cacheable")
			}
			if c.Cacheable && !d.cfg.Cache.Enabled {
				d.addWarning(r, "cache", field, "capability is cacheable but cache.enabled is false")
			}
		}
	}
}

// warnPriorities flags a priority policy that cannot distinguish candidates.
func (d *Doctor) warnPriorities(r *Result, ds []descriptor.Descriptor) {
	if d.cfg.Routing.Policy != "priority" {
		return
	}
	byCap := map[string][]descriptor.Descriptor{}
	for _, w := range ds {
		for _, c := range w.Capabilities {
			byCap[c.Name] = append(byCap[c.Name], w)
		}
	}
	for name, cands := range byCap {
		if len(cands) < 2 {
			continue
		}
		same := true
		for _, c := range cands[1:] {
			if c.Priority != cands[0].Priority {
				same = false
				break
			}
		}
		if same {
			d.addWarning(r, "routing", "routing.policy",
				fmt.Sprintf("capability %q has %d workers with equal priority; ties break by id", name, len(cands)))
		}
	}
}

func formatLog(msg string, args []any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i+1 < len(args); i += 2 {
		fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
	}
	return b.String()
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		fmt.Fprintf(&b, "Configuration valid (%d worker(s)).\n", r.Workers)
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "Configuration valid (%d worker(s), %d warning(s))\n", r.Workers, len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
