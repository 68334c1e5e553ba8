package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses configuration from a file, or from config.yaml inside
// a directory. Files listed under include are merged in order; relative paths
// are resolved against the file that names them.
func Load(configPath string) (*Config, error) {
	absPath, err := resolveConfigPath(configPath)
	if err != nil {
		return nil, err
	}

	// The root file is decoded over the defaults so explicit zero values
	// (enabled: false) survive.
	cfg := Defaults()
	if err := decodeFile(absPath, cfg); err != nil {
		return nil, err
	}
	cfg.Path = absPath
	cfg.SourceFiles = []string{absPath}
	resolvePaths(cfg, absPath)

	if len(cfg.Include) > 0 {
		visited := map[string]bool{absPath: true}
		if err := loadIncludes(cfg, cfg.Include, filepath.Dir(absPath), visited); err != nil {
			return nil, err
		}
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Hash, err = HashFiles(cfg.SourceFiles)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func resolveConfigPath(configPath string) (string, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return "", fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		return "", fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return "", fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}
	return absPath, nil
}

// DiscoverConfigDir finds the config directory by checking standard locations.
// Priority order: $TOOLBRIDGE_CONFIG_DIR, ~/.config/toolbridge, /etc/toolbridge, ./config.yaml
func DiscoverConfigDir() (string, error) {
	if dir := os.Getenv("TOOLBRIDGE_CONFIG_DIR"); dir != "" {
		if _, err := os.Stat(dir); err == nil {
			return dir, nil
		}
	}

	if homeDir, err := os.UserHomeDir(); err == nil {
		userConfigDir := filepath.Join(homeDir, ".config", "toolbridge")
		if _, err := os.Stat(userConfigDir); err == nil {
			return userConfigDir, nil
		}
	}

	systemConfigDir := "/etc/toolbridge"
	if _, err := os.Stat(systemConfigDir); err == nil {
		return systemConfigDir, nil
	}

	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml", nil
	}

	return "", fmt.Errorf("no config found (checked: $TOOLBRIDGE_CONFIG_DIR, ~/.config/toolbridge, /etc/toolbridge, ./config.yaml)")
}

// loadIncludes recursively loads and merges files from the include array.
// visited tracks loaded files to prevent cycles.
func loadIncludes(cfg *Config, includes []string, baseDir string, visited map[string]bool) error {
	for i, includePath := range includes {
		includePath = interpolateEnv(includePath)
		resolvedPath := includePath
		if !filepath.IsAbs(includePath) {
			resolvedPath = filepath.Join(baseDir, includePath)
		}
		absPath, err := filepath.Abs(resolvedPath)
		if err != nil {
			return fmt.Errorf("include[%d]: failed to resolve path %q: %w", i, includePath, err)
		}

		if visited[absPath] {
			return fmt.Errorf("include[%d]: circular dependency detected: %s", i, absPath)
		}
		if _, err := os.Stat(absPath); err != nil {
			if os.IsNotExist(err) {
				return fmt.Errorf("include[%d]: file not found: %s\n"+
					"Referenced from: %s\n"+
					"Hint: Check the path is correct and the file exists", i, absPath, baseDir)
			}
			return fmt.Errorf("include[%d]: failed to access file %s: %w", i, absPath, err)
		}
		visited[absPath] = true
		cfg.SourceFiles = append(cfg.SourceFiles, absPath)

		var included Config
		if err := decodeFile(absPath, &included); err != nil {
			return fmt.Errorf("include[%d] (%s): %w", i, includePath, err)
		}
		resolvePaths(&included, absPath)
		mergeConfig(cfg, &included)

		if len(included.Include) > 0 {
			if err := loadIncludes(cfg, included.Include, filepath.Dir(absPath), visited); err != nil {
				return err
			}
		}
	}
	return nil
}

func decodeFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), into); err != nil {
		return fmt.Errorf("failed to parse YAML in %s: %w", path, err)
	}
	return nil
}

// resolvePaths makes file paths in cfg absolute relative to the directory of
// file, and records file as the source of inline workers.
func resolvePaths(cfg *Config, file string) {
	baseDir := filepath.Dir(file)
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(baseDir, p)
	}
	cfg.State.Path = abs(cfg.State.Path)
	cfg.Lifecycle.RuntimeDir = abs(cfg.Lifecycle.RuntimeDir)
	for i, dir := range cfg.WorkersDirs {
		cfg.WorkersDirs[i] = abs(dir)
	}
	for i := range cfg.Workers {
		w := &cfg.Workers[i]
		// Bare command names are looked up on PATH at spawn time.
		if filepath.Base(w.Spawn.Command) != w.Spawn.Command {
			w.Spawn.Command = abs(w.Spawn.Command)
		}
		w.Spawn.Dir = abs(w.Spawn.Dir)
		w.Source = file
	}
}

// set overwrites dst when v is not the zero value.
func set[T comparable](dst *T, v T) {
	var zero T
	if v != zero {
		*dst = v
	}
}

// mergeConfig merges src into dst, with src taking precedence for non-zero
// values. Workers and workers_dirs are appended.
func mergeConfig(dst, src *Config) {
	set(&dst.Service.Name, src.Service.Name)
	set(&dst.Service.LogLevel, src.Service.LogLevel)
	set(&dst.Service.LogFormat, src.Service.LogFormat)
	set(&dst.Service.ShutdownTimeout, src.Service.ShutdownTimeout)
	set(&dst.Service.WatchConfig, src.Service.WatchConfig)

	set(&dst.State.Path, src.State.Path)
	set(&dst.State.FlushInterval, src.State.FlushInterval)

	set(&dst.API.Enabled, src.API.Enabled)
	set(&dst.API.Listen, src.API.Listen)
	set(&dst.API.MaxBodyBytes, src.API.MaxBodyBytes)
	set(&dst.API.Token, src.API.Token)
	set(&dst.API.RateLimit.RequestsPerMinute, src.API.RateLimit.RequestsPerMinute)
	set(&dst.API.RateLimit.Burst, src.API.RateLimit.Burst)

	set(&dst.Routing.Policy, src.Routing.Policy)
	set(&dst.Routing.DefaultTimeout, src.Routing.DefaultTimeout)
	set(&dst.Routing.Fingerprint, src.Routing.Fingerprint)
	set(&dst.Routing.Retry.MaxAttempts, src.Routing.Retry.MaxAttempts)
	set(&dst.Routing.Retry.BackoffBase, src.Routing.Retry.BackoffBase)
	set(&dst.Routing.Retry.BackoffMax, src.Routing.Retry.BackoffMax)

	l, s := &dst.Lifecycle, src.Lifecycle
	set(&l.RuntimeDir, s.RuntimeDir)
	set(&l.SuperviseInterval, s.SuperviseInterval)
	set(&l.ProbeInterval, s.ProbeInterval)
	set(&l.ProbeTimeout, s.ProbeTimeout)
	set(&l.RestartBackoffBase, s.RestartBackoffBase)
	set(&l.RestartBackoffMax, s.RestartBackoffMax)
	set(&l.MaxRestarts, s.MaxRestarts)
	set(&l.DrainTimeout, s.DrainTimeout)
	set(&l.StopGrace, s.StopGrace)
	set(&l.AcquireTimeout, s.AcquireTimeout)
	set(&l.ConnectRetries, s.ConnectRetries)
	set(&l.ConnectBackoff, s.ConnectBackoff)

	set(&dst.Cache.Enabled, src.Cache.Enabled)
	set(&dst.Cache.Backend, src.Cache.Backend)
	set(&dst.Cache.Capacity, src.Cache.Capacity)
	set(&dst.Cache.DefaultTTL, src.Cache.DefaultTTL)
	set(&dst.Cache.Redis, src.Cache.Redis)

	set(&dst.WorkerDefaults, src.WorkerDefaults)

	dst.WorkersDirs = append(dst.WorkersDirs, src.WorkersDirs...)
	dst.Workers = append(dst.Workers, src.Workers...)
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is and rejected by validation where it matters.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// unresolvedEnv returns the first ${VAR} left in s, if any.
func unresolvedEnv(s string) (string, bool) {
	m := envVarPattern.FindStringSubmatch(s)
	if len(m) < 2 {
		return "", false
	}
	return m[1], true
}

// Dirs returns the directories holding the config's source files.
func (c *Config) Dirs() []string {
	var dirs []string
	for _, f := range c.SourceFiles {
		d := filepath.Dir(f)
		if !slices.Contains(dirs, d) {
			dirs = append(dirs, d)
		}
	}
	return dirs
}
