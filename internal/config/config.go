// Package config loads daemon settings from a TOML file with environment
// overrides.
//
// Settings are read once at startup and again whenever the settings file
// changes. Every field has a default, so an absent file yields Default().
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// EnvPrefix is the prefix of environment overrides.
const EnvPrefix = "TASKD_"

// MaxQuickOpenHistory bounds the recently used history.
const MaxQuickOpenHistory = 30

// Config is the complete daemon configuration.
type Config struct {
	Task      TaskConfig      `toml:"task"`
	Workspace WorkspaceConfig `toml:"workspace"`
	Storage   StorageConfig   `toml:"storage"`
	Server    ServerConfig    `toml:"server"`
	Logging   LoggingConfig   `toml:"logging"`
	Providers ProvidersConfig `toml:"providers"`
	Execution ExecutionConfig `toml:"execution"`
}

// TaskConfig holds the task.* settings.
type TaskConfig struct {
	// AutoDetect enables provider queries. "on" or "off".
	AutoDetect string `toml:"autoDetect"`

	// SlowProviderWarning enables the slow provider warning.
	SlowProviderWarning bool `toml:"slowProviderWarning"`

	// SlowProviderWarningMs is the threshold of the slow provider warning.
	SlowProviderWarningMs int `toml:"slowProviderWarningMs"`

	// SlowProviderIgnore lists task types never warned about.
	SlowProviderIgnore []string `toml:"slowProviderIgnore"`

	// ProviderTimeoutMs bounds each provider call.
	ProviderTimeoutMs int `toml:"providerTimeoutMs"`

	// FastPathTimeoutMs bounds the configured-only resolve attempt.
	FastPathTimeoutMs int `toml:"fastPathTimeoutMs"`

	// QuickOpenHistory is the recently used history size. 0 disables it.
	QuickOpenHistory int `toml:"quickOpenHistory"`

	// PersistentLimit bounds the records kept for reconnection.
	PersistentLimit int `toml:"persistentLimit"`

	// Reconnection reattaches to persistent tasks after a reload.
	Reconnection bool `toml:"reconnection"`

	// SaveBeforeRun is "always", "never" or "prompt".
	SaveBeforeRun string `toml:"saveBeforeRun"`

	// AllowAutomaticTasks permits runOn=folderOpen tasks. "on" or "off".
	AllowAutomaticTasks string `toml:"allowAutomaticTasks"`

	// NotifyWindowOnTaskCompletion is the completion notification
	// threshold in ms. -1 disables notifications, 0 always notifies.
	NotifyWindowOnTaskCompletion int `toml:"notifyWindowOnTaskCompletion"`

	// VerboseLogging logs provider and index activity at debug level.
	VerboseLogging bool `toml:"verboseLogging"`
}

// WorkspaceConfig describes the open workspace.
type WorkspaceConfig struct {
	// Folders are the workspace folder paths.
	Folders []string `toml:"folders"`

	// File is the workspace file, if any.
	File string `toml:"file"`

	// UserDir holds user-scope task files.
	UserDir string `toml:"userDir"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	// Driver is "memory", "file" or "postgres".
	Driver string `toml:"driver"`

	// Path is the directory of the file driver.
	Path string `toml:"path"`

	// DSN is the connection string of the postgres driver.
	DSN string `toml:"dsn"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	// Addr is the listen address. Empty disables the server.
	Addr string `toml:"addr"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	// Level is debug, info, warn or error.
	Level string `toml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format"`
}

// ProvidersConfig enables task providers.
type ProvidersConfig struct {
	// Builtin lists the built-in providers to register.
	Builtin []string `toml:"builtin"`

	// Lua lists Lua provider scripts.
	Lua []string `toml:"lua"`
}

// ExecutionConfig configures the process backend.
type ExecutionConfig struct {
	// Shell runs shell tasks. Defaults to $SHELL, then /bin/sh.
	Shell string `toml:"shell"`

	// ShellArgs precede the command line of shell tasks.
	ShellArgs []string `toml:"shellArgs"`

	// OutputLines is the number of output lines kept per run.
	OutputLines int `toml:"outputLines"`
}

// Default returns the default configuration.
func Default() *Config {
	home, _ := os.UserConfigDir()
	userDir := ""
	if home != "" {
		userDir = filepath.Join(home, "taskd")
	}
	return &Config{
		Task: TaskConfig{
			AutoDetect:                   "on",
			SlowProviderWarning:          true,
			SlowProviderWarningMs:        2000,
			SlowProviderIgnore:           []string{},
			ProviderTimeoutMs:            5000,
			FastPathTimeoutMs:            200,
			QuickOpenHistory:             MaxQuickOpenHistory,
			PersistentLimit:              10,
			Reconnection:                 true,
			SaveBeforeRun:                "always",
			AllowAutomaticTasks:          "on",
			NotifyWindowOnTaskCompletion: 60000,
		},
		Workspace: WorkspaceConfig{
			Folders: []string{},
			UserDir: userDir,
		},
		Storage: StorageConfig{
			Driver: "memory",
		},
		Server: ServerConfig{
			Addr: DefaultAddr,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Providers: ProvidersConfig{
			Builtin: []string{"npm", "make", "taskfile"},
			Lua:     []string{},
		},
		Execution: ExecutionConfig{
			Shell:       defaultShell(),
			ShellArgs:   []string{"-c"},
			OutputLines: 1000,
		},
	}
}

func defaultShell() string {
	if shell := os.Getenv("SHELL"); shell != "" {
		return shell
	}
	return "/bin/sh"
}

// DefaultAddr is the default listen address of the API server.
const DefaultAddr = "127.0.0.1:7420"

// Load reads the configuration at path over the defaults, then applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		default:
			if err := decode(path, data, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := NewEnvLoader(EnvPrefix).Apply(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes TOML data over the defaults without environment overrides.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := decode("<data>", data, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(source string, data []byte, cfg *Config) error {
	if err := toml.Unmarshal(data, cfg); err != nil {
		pe := &ParseError{Path: source, Message: err.Error(), Err: err}
		var de *toml.DecodeError
		if errors.As(err, &de) {
			pe.Line, pe.Column = de.Position()
		}
		return pe
	}
	return nil
}

// Validate checks enumerated settings and clamps bounded ones.
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if strings.EqualFold(value, a) {
				return
			}
		}
		errs = append(errs, &ValidationError{Field: field, Value: value, Allowed: allowed})
	}

	check("task.autoDetect", c.Task.AutoDetect, "on", "off")
	check("task.allowAutomaticTasks", c.Task.AllowAutomaticTasks, "on", "off")
	check("task.saveBeforeRun", c.Task.SaveBeforeRun, "always", "never", "prompt")
	check("storage.driver", c.Storage.Driver, "memory", "file", "postgres")
	check("logging.format", c.Logging.Format, "text", "json")

	if strings.EqualFold(c.Storage.Driver, "file") && c.Storage.Path == "" {
		errs = append(errs, &ValidationError{Field: "storage.path", Value: "", Allowed: []string{"<directory>"}})
	}
	if strings.EqualFold(c.Storage.Driver, "postgres") && c.Storage.DSN == "" {
		errs = append(errs, &ValidationError{Field: "storage.dsn", Value: "", Allowed: []string{"<connection string>"}})
	}

	c.Task.QuickOpenHistory = min(max(c.Task.QuickOpenHistory, 0), MaxQuickOpenHistory)
	if c.Task.NotifyWindowOnTaskCompletion < -1 {
		c.Task.NotifyWindowOnTaskCompletion = -1
	}
	if c.Task.PersistentLimit < 0 {
		c.Task.PersistentLimit = 0
	}
	if c.Execution.OutputLines < 0 {
		c.Execution.OutputLines = 0
	}

	return errors.Join(errs...)
}

// AutoDetectEnabled reports whether provider queries are enabled.
func (t TaskConfig) AutoDetectEnabled() bool {
	return !strings.EqualFold(t.AutoDetect, "off")
}

// AutomaticTasksAllowed reports whether folder-open tasks may run.
func (t TaskConfig) AutomaticTasksAllowed() bool {
	return !strings.EqualFold(t.AllowAutomaticTasks, "off")
}

// ProviderTimeout returns the provider call bound.
func (t TaskConfig) ProviderTimeout() time.Duration {
	return millis(t.ProviderTimeoutMs)
}

// FastPathTimeout returns the configured-only resolve bound.
func (t TaskConfig) FastPathTimeout() time.Duration {
	return millis(t.FastPathTimeoutMs)
}

// SlowProviderThreshold returns the slow provider warning threshold, or
// zero when the warning is disabled.
func (t TaskConfig) SlowProviderThreshold() time.Duration {
	if !t.SlowProviderWarning {
		return 0
	}
	return millis(t.SlowProviderWarningMs)
}

// NotifyThreshold returns the completion notification threshold. A
// negative value disables notifications.
func (t TaskConfig) NotifyThreshold() time.Duration {
	if t.NotifyWindowOnTaskCompletion < 0 {
		return -1
	}
	return millis(t.NotifyWindowOnTaskCompletion)
}

func millis(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
