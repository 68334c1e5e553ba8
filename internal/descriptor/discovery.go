package descriptor

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattjoyce/toolbridge/internal/protocol"
	"gopkg.in/yaml.v3"
)

const manifestFilename = "manifest.yaml"

// Manifest is the on-disk description a worker ships next to its executable.
type Manifest struct {
	ID             string            `yaml:"id"`
	Version        string            `yaml:"version,omitempty"`
	Protocol       int               `yaml:"protocol"`
	Entrypoint     string            `yaml:"entrypoint"`
	Args           []string          `yaml:"args,omitempty"`
	Env            map[string]string `yaml:"env,omitempty"`
	Description    string            `yaml:"description,omitempty"`
	Capabilities   Capabilities      `yaml:"capabilities"`
	Limits         Limits            `yaml:"limits,omitempty"`
	IdleTimeout    time.Duration     `yaml:"idle_timeout,omitempty"`
	StartupTimeout time.Duration     `yaml:"startup_timeout,omitempty"`
	Priority       int               `yaml:"priority,omitempty"`
}

// LogFunc receives discovery diagnostics.
type LogFunc func(level, msg string, args ...any)

// Discover walks each root for manifest.yaml files and turns them into
// descriptors. Roots are processed in order; duplicate ids keep the first one
// found. Invalid manifests are reported through logger and skipped.
func Discover(roots []string, def Defaults, logger LogFunc) ([]Descriptor, error) {
	if logger == nil {
		logger = func(level, msg string, args ...any) {}
	}

	absRoots := make([]string, 0, len(roots))
	seenRoots := make(map[string]struct{}, len(roots))
	for _, root := range roots {
		root = strings.TrimSpace(root)
		if root == "" {
			continue
		}
		absRoot, err := filepath.Abs(root)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve workers root %q: %w", root, err)
		}
		info, err := os.Stat(absRoot)
		if err != nil {
			if os.IsNotExist(err) {
				return nil, fmt.Errorf("workers root does not exist: %s", absRoot)
			}
			return nil, fmt.Errorf("failed to stat workers root %s: %w", absRoot, err)
		}
		if !info.IsDir() {
			return nil, fmt.Errorf("workers root is not a directory: %s", absRoot)
		}
		if _, ok := seenRoots[absRoot]; ok {
			continue
		}
		seenRoots[absRoot] = struct{}{}
		absRoots = append(absRoots, absRoot)
	}

	var out []Descriptor
	found := make(map[string]string)
	for _, root := range absRoots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if d.IsDir() || d.Name() != manifestFilename {
				return nil
			}

			desc, err := LoadManifest(path, def)
			if err != nil {
				logger("warn", "failed to load worker manifest", "root", root, "path", path, "error", err.Error())
				return nil
			}
			if kept, dup := found[desc.ID]; dup {
				logger("warn", "duplicate worker ignored (keeping first discovered)",
					"worker_id", desc.ID, "ignored_path", path, "kept_path", kept)
				return nil
			}
			found[desc.ID] = path
			out = append(out, desc)
			logger("info", "loaded worker manifest", "worker_id", desc.ID, "path", path)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("failed to scan workers root %s: %w", root, err)
		}
	}

	SortByID(out)
	return out, nil
}

// LoadManifest reads one manifest and converts it into a validated descriptor.
func LoadManifest(path string, def Defaults) (Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Descriptor{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Descriptor{}, fmt.Errorf("failed to parse manifest YAML: %w", err)
	}

	if m.Entrypoint == "" {
		return Descriptor{}, fmt.Errorf("entrypoint is required")
	}
	if strings.Contains(m.Entrypoint, "..") {
		return Descriptor{}, fmt.Errorf("entrypoint contains path traversal: %s", m.Entrypoint)
	}
	if m.Protocol != protocol.Version {
		return Descriptor{}, fmt.Errorf("unsupported protocol version %d (supported: %d)", m.Protocol, protocol.Version)
	}

	dir := filepath.Dir(path)
	entrypoint := filepath.Join(dir, m.Entrypoint)
	if err := validateTrust(entrypoint, dir); err != nil {
		return Descriptor{}, fmt.Errorf("trust validation failed: %w", err)
	}

	desc := Descriptor{
		ID:           m.ID,
		Capabilities: m.Capabilities,
		Spawn: Spawn{
			Command: entrypoint,
			Args:    m.Args,
			Env:     m.Env,
			Dir:     dir,
		},
		Limits:         m.Limits,
		IdleTimeout:    m.IdleTimeout,
		StartupTimeout: m.StartupTimeout,
		Priority:       m.Priority,
		Source:         path,
	}.WithDefaults(def)

	if err := desc.Validate(); err != nil {
		return Descriptor{}, fmt.Errorf("invalid manifest: %w", err)
	}
	return desc, nil
}

// validateTrust requires the entrypoint to live inside the worker directory,
// be executable, and the directory not to be world-writable.
func validateTrust(entrypointPath, workerPath string) error {
	resolvedEntrypoint, err := filepath.EvalSymlinks(entrypointPath)
	if err != nil {
		return fmt.Errorf("failed to resolve entrypoint symlink: %w", err)
	}
	resolvedWorkerPath, err := filepath.EvalSymlinks(workerPath)
	if err != nil {
		return fmt.Errorf("failed to resolve worker path symlink: %w", err)
	}

	if !strings.HasPrefix(resolvedEntrypoint, resolvedWorkerPath+string(os.PathSeparator)) {
		return fmt.Errorf("entrypoint %s is not under worker directory %s", resolvedEntrypoint, resolvedWorkerPath)
	}

	info, err := os.Stat(resolvedEntrypoint)
	if err != nil {
		return fmt.Errorf("entrypoint not found: %w", err)
	}
	if info.Mode()&0111 == 0 {
		return fmt.Errorf("entrypoint is not executable: %s", resolvedEntrypoint)
	}

	dirInfo, err := os.Stat(resolvedWorkerPath)
	if err != nil {
		return fmt.Errorf("worker directory not found: %w", err)
	}
	if dirInfo.Mode().Perm()&0002 != 0 {
		return fmt.Errorf("worker directory is world-writable: %s", resolvedWorkerPath)
	}
	return nil
}
