// Package taskconfig reads and parses the task configuration of a scope.
//
// A folder declares its tasks in .taskd/tasks.json or .taskd/tasks.toml.
// The user scope uses the same file names in the user configuration
// directory, and the workspace-file scope reads the "tasks" array of the
// workspace file itself.
package taskconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Format is the syntax of a configuration file.
type Format string

const (
	// FormatJSON is JSON (comments are not allowed).
	FormatJSON Format = "json"
	// FormatTOML is TOML.
	FormatTOML Format = "toml"
)

// FormatOf returns the format of path from its extension.
func FormatOf(path string) Format {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return FormatTOML
	}
	return FormatJSON
}

// File is the structure of a task configuration file.
type File struct {
	Version string  `json:"version,omitempty"`
	Tasks   []Entry `json:"tasks"`
}

// Entry is one task declaration. Besides the known fields it keeps every
// property, since provider-defined types identify tasks by their own keys.
type Entry struct {
	Label          string         `json:"label,omitempty"`
	Type           string         `json:"type,omitempty"`
	Command        string         `json:"command,omitempty"`
	Args           []string       `json:"args,omitempty"`
	Options        *Options       `json:"options,omitempty"`
	Group          *GroupRef      `json:"group,omitempty"`
	ProblemMatcher any            `json:"problemMatcher,omitempty"`
	DependsOn      StringList     `json:"dependsOn,omitempty"`
	Detail         *string        `json:"detail,omitempty"`
	RunOptions     *RunOptions    `json:"runOptions,omitempty"`
	IsBackground   *bool          `json:"isBackground,omitempty"`
	Properties     map[string]any `json:"-"`
}

// Options contains execution options.
type Options struct {
	Cwd *string           `json:"cwd,omitempty"`
	Env map[string]string `json:"env,omitempty"`
}

// RunOptions configures run behavior. Nil fields are undefined.
type RunOptions struct {
	InstanceLimit     *int    `json:"instanceLimit,omitempty"`
	InstancePolicy    *string `json:"instancePolicy,omitempty"`
	RunOn             *string `json:"runOn,omitempty"`
	ReevaluateOnRerun *bool   `json:"reevaluateOnRerun,omitempty"`
}

// GroupRef is a group given either as a kind string or as an object.
type GroupRef struct {
	Kind      string `json:"kind,omitempty"`
	IsDefault bool   `json:"isDefault,omitempty"`
}

// UnmarshalJSON accepts "build" as well as {"kind":"build","isDefault":true}.
func (g *GroupRef) UnmarshalJSON(data []byte) error {
	var kind string
	if err := json.Unmarshal(data, &kind); err == nil {
		*g = GroupRef{Kind: kind}
		return nil
	}
	type plain GroupRef
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("group: %w", err)
	}
	*g = GroupRef(p)
	return nil
}

// StringList accepts a single string or an array of strings.
type StringList []string

// UnmarshalJSON implements json.Unmarshaler.
func (l *StringList) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*l = StringList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("expected string or array of strings: %w", err)
	}
	*l = many
	return nil
}

// UnmarshalJSON decodes the known fields and keeps the full property map.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	var props map[string]any
	if err := json.Unmarshal(data, &props); err != nil {
		return err
	}
	*e = Entry(p)
	e.Properties = props
	return nil
}

// ProblemMatchers returns the problem matcher references of the entry and
// whether the entry defines any.
func (e *Entry) ProblemMatchers() ([]string, bool) {
	switch v := e.ProblemMatcher.(type) {
	case nil:
		return nil, false
	case string:
		return []string{v}, true
	case []any:
		names := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				names = append(names, s)
			}
		}
		return names, true
	default:
		return []string{}, true
	}
}

// configKeys are the entry properties that configure a task rather than
// identify it.
var configKeys = map[string]bool{
	"label": true, "command": true, "args": true, "options": true, "group": true,
	"problemMatcher": true, "dependsOn": true, "dependsOrder": true, "detail": true,
	"runOptions": true, "isBackground": true, "presentation": true, "hide": true,
}

// identityLiteral returns the properties of an entry that identify the
// provider task it customizes.
func identityLiteral(props map[string]any) map[string]any {
	lit := make(map[string]any, len(props))
	for k, v := range props {
		if !configKeys[k] {
			lit[k] = v
		}
	}
	return lit
}

// Decode parses data in format into a File. TOML is normalized to JSON
// first so both formats share one set of decoding rules.
func Decode(data []byte, format Format) (*File, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return &File{}, nil
	}
	if format == FormatTOML {
		var doc map[string]any
		if err := toml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		normalized, err := json.Marshal(doc)
		if err != nil {
			return nil, fmt.Errorf("normalize toml: %w", err)
		}
		data = normalized
	}
	var f File
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return &f, nil
}
