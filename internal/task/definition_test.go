package task

import (
	"errors"
	"testing"
)

func TestDefinitionRegistry_CreateIdentifier(t *testing.T) {
	r := NewDefinitionRegistry()
	r.Register(&Definition{
		Type: "npm",
		Properties: map[string]Property{
			"script": {Type: PropString},
			"path":   {Type: PropString, Default: "."},
			"watch":  {Type: PropBoolean},
		},
		Required: []string{"script", "path"},
	})

	id, err := r.CreateIdentifier(map[string]any{"type": "npm", "script": "build", "label": "ignored"})
	if err != nil {
		t.Fatalf("CreateIdentifier: %v", err)
	}
	if got, want := id.Key(), "path,.,script,build,type,npm,"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}

	id, err = r.CreateIdentifier(map[string]any{"type": "npm", "path": "web"})
	if err != nil {
		t.Fatalf("CreateIdentifier: %v", err)
	}
	if got := id.Prop("script"); got != "" {
		t.Errorf("script = %q, want zero value", got)
	}
}

func TestDefinitionRegistry_NoZeroValue(t *testing.T) {
	r := NewDefinitionRegistry()
	r.Register(&Definition{
		Type:       "custom",
		Properties: map[string]Property{"target": {}},
		Required:   []string{"target"},
	})

	_, err := r.CreateIdentifier(map[string]any{"type": "custom"})
	if !errors.Is(err, ErrInvalidIdentifier) {
		t.Errorf("error = %v, want ErrInvalidIdentifier", err)
	}
}

func TestDefinitionRegistry_UnknownType(t *testing.T) {
	r := NewDefinitionRegistry()

	id, err := r.CreateIdentifier(map[string]any{"type": "gulp", "task": "lint", "extra": 1})
	if err != nil {
		t.Fatalf("CreateIdentifier: %v", err)
	}
	if got, want := id.Key(), "extra,1,task,lint,type,gulp,"; got != want {
		t.Errorf("Key() = %q, want %q", got, want)
	}
}
