package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DirName is the per-repository directory holding memories, manifest, and index.
const DirName = ".taskmem"

// DefaultSizeWarningBytes is the size above which a memory raises a SizeWarning.
const DefaultSizeWarningBytes = 25600

// Config holds application configuration.
type Config struct {
	// SizeWarningBytes is the threshold for size warnings. A memory warns when
	// its size is strictly greater than this value.
	SizeWarningBytes int `json:"size_warning_bytes"`

	// Retention is how long a closed memory stays archived before deletion,
	// e.g. "30d" or "72h". Empty disables retention-based deletion.
	Retention string `json:"retention,omitempty"`

	// LockTimeout bounds the wait for a per-task or manifest lock ("5s").
	// Exceeding it reports BUSY.
	LockTimeout string `json:"lock_timeout,omitempty"`

	// ContextFile is the assistant's aggregated context file (e.g. CLAUDE.md).
	// When set, a managed block of import directives is rewritten on every
	// manifest change. Relative paths resolve against the base dir's parent.
	ContextFile string `json:"context_file,omitempty"`

	// QuarantineCorrupted moves memory files that fail their integrity check
	// into quarantine/ when a transition, append or compact hits them under
	// the task lock. Plain reads only report.
	QuarantineCorrupted bool `json:"quarantine_corrupted,omitempty"`

	// DefaultTemplate is the initial content of new memories. "{task_id}" is
	// substituted. Empty uses the built-in section template.
	DefaultTemplate string `json:"default_template,omitempty"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `json:"log_level,omitempty"`

	// AllowedPaths is an allowlist of directories for import/export.
	// Paths outside <base>/exports require being in this list or AllowUnsafePaths=true.
	AllowedPaths []string `json:"allowed_paths,omitempty"`

	// AllowUnsafePaths disables directory restrictions for import/export.
	// Symlink and extension checks still apply.
	AllowUnsafePaths bool `json:"allow_unsafe_paths,omitempty"`

	// DisabledTools is a list of MCP tool names to exclude from registration.
	DisabledTools []string `json:"disabled_tools,omitempty"`

	// DisabledTypes disables every MCP tool of a type. Known types: "memory", "manifest".
	DisabledTypes []string `json:"disabled_types,omitempty"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		SizeWarningBytes: DefaultSizeWarningBytes,
		LockTimeout:      "5s",
		LogLevel:         "info",
	}
}

// RetentionDuration parses Retention. ok is false when retention is disabled.
func (c *Config) RetentionDuration() (d time.Duration, ok bool, err error) {
	if strings.TrimSpace(c.Retention) == "" {
		return 0, false, nil
	}
	d, err = ParseDuration(c.Retention)
	if err != nil {
		return 0, false, fmt.Errorf("retention: %w", err)
	}
	return d, true, nil
}

// LockTimeoutDuration parses LockTimeout, defaulting to 5s.
func (c *Config) LockTimeoutDuration() (time.Duration, error) {
	if strings.TrimSpace(c.LockTimeout) == "" {
		return 5 * time.Second, nil
	}
	d, err := ParseDuration(c.LockTimeout)
	if err != nil {
		return 0, fmt.Errorf("lock_timeout: %w", err)
	}
	return d, nil
}

// Validate checks that duration fields parse.
func (c *Config) Validate() error {
	if c.SizeWarningBytes < 0 {
		return fmt.Errorf("size_warning_bytes must be non-negative")
	}
	if _, _, err := c.RetentionDuration(); err != nil {
		return err
	}
	if _, err := c.LockTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// ParseDuration accepts Go durations ("72h", "90m") and whole days ("30d").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if numStr, ok := strings.CutSuffix(s, "d"); ok {
		days, err := strconv.Atoi(numStr)
		if err != nil {
			return 0, fmt.Errorf("invalid duration: %s", s)
		}
		if days < 0 {
			return 0, fmt.Errorf("duration must be non-negative")
		}
		return time.Duration(days) * 24 * time.Hour, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("invalid duration: %s (use e.g. 30d or 72h)", s)
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be non-negative")
	}
	return d, nil
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
func Load(baseDir string) (*Config, error) {
	return loadFile(filepath.Join(baseDir, "config.json"))
}

// LoadWithRepo loads the global config (globalDir/config.json) and the repo
// config (baseDir/config.json). Repo values take precedence for scalars;
// arrays are merged. Either or both may be missing.
func LoadWithRepo(globalDir, baseDir string) (*Config, error) {
	global, err := loadFileRaw(filepath.Join(globalDir, "config.json"))
	if err != nil {
		return nil, err
	}
	repo, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	cfg := Merge(Merge(DefaultConfig(), global), repo)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FindRepoDir walks upward from startDir to the nearest existing .taskmem directory.
// Returns "" if none is found.
func FindRepoDir(startDir string) string {
	dir := startDir
	for {
		candidate := filepath.Join(dir, DirName)
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// ResolveBaseDir picks the memory directory: explicit flag, then $TASKMEM_DIR,
// then the nearest .taskmem above cwd, then cwd/.taskmem.
func ResolveBaseDir(flagDir, cwd string) string {
	if flagDir != "" {
		return flagDir
	}
	if env := os.Getenv("TASKMEM_DIR"); env != "" {
		return env
	}
	if found := FindRepoDir(cwd); found != "" {
		return found
	}
	return filepath.Join(cwd, DirName)
}

// loadFileRaw returns a zero-valued config (not defaults) if the file doesn't exist.
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", configPath, err)
	}
	return cfg, nil
}

func loadFile(configPath string) (*Config, error) {
	cfg, err := loadFileRaw(configPath)
	if err != nil {
		return nil, err
	}
	merged := Merge(DefaultConfig(), cfg)
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}

// Merge combines base and overlay configs.
// Overlay values take precedence for scalars; arrays are merged and deduplicated.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.SizeWarningBytes = firstInt(overlay.SizeWarningBytes, base.SizeWarningBytes)
	result.Retention = firstString(overlay.Retention, base.Retention)
	result.LockTimeout = firstString(overlay.LockTimeout, base.LockTimeout)
	result.ContextFile = firstString(overlay.ContextFile, base.ContextFile)
	result.DefaultTemplate = firstString(overlay.DefaultTemplate, base.DefaultTemplate)
	result.LogLevel = firstString(overlay.LogLevel, base.LogLevel)

	// Booleans: overlay wins if true, else base
	result.AllowUnsafePaths = base.AllowUnsafePaths || overlay.AllowUnsafePaths
	result.QuarantineCorrupted = base.QuarantineCorrupted || overlay.QuarantineCorrupted

	result.AllowedPaths = mergeStringSlice(base.AllowedPaths, overlay.AllowedPaths)
	result.DisabledTools = mergeStringSlice(base.DisabledTools, overlay.DisabledTools)
	result.DisabledTypes = mergeStringSlice(base.DisabledTypes, overlay.DisabledTypes)

	return result
}

func firstInt(a, b int) int {
	if a != 0 {
		return a
	}
	return b
}

func firstString(a, b string) string {
	if strings.TrimSpace(a) != "" {
		return a
	}
	return b
}

// mergeStringSlice combines two slices, trims whitespace, and removes duplicates.
func mergeStringSlice(a, b []string) []string {
	seen := make(map[string]bool)
	result := make([]string, 0, len(a)+len(b))

	for _, s := range append(append([]string{}, a...), b...) {
		s = strings.TrimSpace(s)
		if s != "" && !seen[s] {
			seen[s] = true
			result = append(result, s)
		}
	}

	if len(result) == 0 {
		return nil
	}
	return result
}
