package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// EnvLoader applies environment variable overrides to a Config.
type EnvLoader struct {
	prefix  string            // Environment variable prefix (e.g., "TASKD_")
	mapping map[string]string // Env var -> config path
	environ func() []string
}

// NewEnvLoader creates a new environment variable loader.
// The prefix should include the trailing underscore (e.g., "TASKD_").
func NewEnvLoader(prefix string) *EnvLoader {
	return &EnvLoader{
		prefix:  prefix,
		mapping: defaultEnvMapping(),
		environ: os.Environ,
	}
}

// defaultEnvMapping returns variables whose names do not follow the
// SECTION_SETTING_NAME convention.
func defaultEnvMapping() map[string]string {
	return map[string]string{
		"TASKD_LOG_LEVEL":    "logging.level",
		"TASKD_LOG_FORMAT":   "logging.format",
		"TASKD_DATABASE_URL": "storage.dsn",
		"TASKD_ADDR":         "server.addr",
	}
}

// AddMapping adds a custom environment variable mapping.
func (l *EnvLoader) AddMapping(envVar, configPath string) {
	if l.mapping == nil {
		l.mapping = make(map[string]string)
	}
	l.mapping[envVar] = configPath
}

// Load reads environment variables and returns a configuration map typed
// after the settings they override. Variables naming no setting are
// ignored.
func (l *EnvLoader) Load() (map[string]any, error) {
	known, err := settingsTemplate()
	if err != nil {
		return nil, err
	}

	values := make(map[string]string)
	for _, env := range l.environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || !strings.HasPrefix(name, l.prefix) {
			continue
		}
		path, mapped := l.mapping[name]
		if !mapped {
			path = l.envToPath(name)
		}
		// Explicit mappings take precedence over derived paths.
		if _, seen := values[path]; seen && !mapped {
			continue
		}
		values[path] = value
	}

	config := make(map[string]any)
	for path, raw := range values {
		tmpl, ok := lookupPath(known, path)
		if !ok {
			continue
		}
		v, err := coerce(tmpl, raw)
		if err != nil {
			return nil, &ParseError{Path: "environment", Message: fmt.Sprintf("%s: %v", path, err), Err: err}
		}
		setByPath(config, path, v)
	}
	return config, nil
}

// Apply decodes the overrides over cfg.
func (l *EnvLoader) Apply(cfg *Config) error {
	overrides, err := l.Load()
	if err != nil {
		return err
	}
	if len(overrides) == 0 {
		return nil
	}
	data, err := toml.Marshal(overrides)
	if err != nil {
		return fmt.Errorf("encoding environment overrides: %w", err)
	}
	return decode("environment", data, cfg)
}

// envToPath converts TASKD_TASK_QUICK_OPEN_HISTORY to task.quickOpenHistory.
func (l *EnvLoader) envToPath(env string) string {
	name := strings.TrimPrefix(env, l.prefix)

	parts := strings.Split(name, "_")
	if len(parts) == 1 {
		return strings.ToLower(name)
	}

	setting := strings.ToLower(parts[1])
	for _, part := range parts[2:] {
		if len(part) > 0 {
			setting += strings.ToUpper(part[:1]) + strings.ToLower(part[1:])
		}
	}
	return strings.ToLower(parts[0]) + "." + setting
}

// settingsTemplate returns the default configuration as a generic map,
// used to learn the type of each setting.
func settingsTemplate() (map[string]any, error) {
	data, err := toml.Marshal(Default())
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := toml.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func lookupPath(m map[string]any, path string) (any, bool) {
	section, setting, ok := strings.Cut(path, ".")
	if !ok {
		return nil, false
	}
	sub, ok := m[section].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := sub[setting]
	return v, ok
}

// coerce parses s into the type of tmpl. Lists accept a JSON array or a
// comma-separated string.
func coerce(tmpl any, s string) (any, error) {
	switch tmpl.(type) {
	case bool:
		return strconv.ParseBool(s)
	case int64:
		return strconv.ParseInt(s, 10, 64)
	case float64:
		return strconv.ParseFloat(s, 64)
	case []any:
		if strings.HasPrefix(s, "[") {
			var list []string
			if err := json.Unmarshal([]byte(s), &list); err != nil {
				return nil, err
			}
			return list, nil
		}
		if s == "" {
			return []string{}, nil
		}
		list := strings.Split(s, ",")
		for i := range list {
			list[i] = strings.TrimSpace(list[i])
		}
		return list, nil
	default:
		return s, nil
	}
}

// setByPath sets a value in a nested map using a dot-separated path.
func setByPath(data map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := data

	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		if next, ok := current[part].(map[string]any); ok {
			current = next
		} else {
			next := make(map[string]any)
			current[part] = next
			current = next
		}
	}

	current[parts[len(parts)-1]] = value
}
