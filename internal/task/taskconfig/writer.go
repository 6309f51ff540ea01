package taskconfig

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/pelletier/go-toml/v2"
	"github.com/tidwall/gjson"
	"github.com/tidwall/pretty"
	"github.com/tidwall/sjson"

	"github.com/dshills/taskd/internal/task"
)

// Writer persists customizations into a scope's configuration.
type Writer interface {
	Customize(ctx context.Context, scope task.Scope, id *task.Identifier, props map[string]any) error
}

// Customize merges props into the entry of scope whose identifier equals
// id, appending a new entry when none matches. The file keeps its format;
// a scope without configuration gets a tasks.json.
func (r *FileReader) Customize(ctx context.Context, scope task.Scope, id *task.Identifier, props map[string]any) error {
	candidates := r.Candidates(scope)
	if len(candidates) == 0 {
		return fmt.Errorf("scope %s has no configuration file", scope.Key())
	}

	raw, err := r.ReadConfig(ctx, scope)
	if err != nil {
		return err
	}
	path, format := candidates[0], FormatOf(candidates[0])
	doc := map[string]any{"version": "2.0.0"}
	if raw != nil {
		path, format = raw.Path, raw.Format
		if doc, err = decodeDocument(raw); err != nil {
			return fmt.Errorf("customize %s: %w", path, err)
		}
	}

	entries, _ := doc["tasks"].([]any)
	idx := -1
	for i, item := range entries {
		entry, ok := item.(map[string]any)
		if !ok {
			continue
		}
		if r.identify(entry).Equal(id) {
			idx = i
			break
		}
	}
	if idx < 0 {
		entry := id.Literal()
		if id.Type == CompositeType {
			entry["type"] = TypeShell
		}
		entries = append(entries, entry)
		idx = len(entries) - 1
	}
	if format == FormatJSON {
		var data []byte
		if raw != nil {
			data = raw.Data
		}
		data, err = patchJSON(data, idx, entries, props)
		if err != nil {
			return fmt.Errorf("customize %s: %w", path, err)
		}
		return writeFile(path, data)
	}

	entry, _ := entries[idx].(map[string]any)
	for k, v := range props {
		entry[k] = v
	}
	doc["tasks"] = entries
	data, err := toml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return writeFile(path, data)
}

// patchJSON sets props on tasks[idx] of a JSON document without
// re-encoding the rest of it, so unknown keys keep their order. When idx
// is past the end of the existing array, entries[idx] is appended first.
func patchJSON(data []byte, idx int, entries []any, props map[string]any) ([]byte, error) {
	var err error
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte(`{"version":"2.0.0"}`)
	}
	existing := gjson.GetBytes(data, "tasks")
	switch {
	case !existing.IsArray():
		if data, err = sjson.SetBytes(data, "tasks", []any{entries[idx]}); err != nil {
			return nil, err
		}
	case idx >= len(existing.Array()):
		if data, err = sjson.SetBytes(data, "tasks.-1", entries[idx]); err != nil {
			return nil, err
		}
	}

	keys := make([]string, 0, len(props))
	for k := range props {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		path := "tasks." + strconv.Itoa(idx) + "." + k
		if data, err = sjson.SetBytes(data, path, props[k]); err != nil {
			return nil, err
		}
	}
	return pretty.PrettyOptions(data, &pretty.Options{Width: 80, Indent: "  "}), nil
}

// identify computes the identifier of a raw entry the way the parser does.
func (r *FileReader) identify(entry map[string]any) *task.Identifier {
	typ, _ := entry["type"].(string)
	label, _ := entry["label"].(string)
	switch typ {
	case "", TypeShell, TypeProcess:
		if cmd, _ := entry["command"].(string); cmd == "" {
			return task.NewIdentifier(CompositeType, map[string]any{"label": label})
		}
		if typ == "" {
			typ = TypeShell
		}
		return task.NewIdentifier(typ, map[string]any{"label": label})
	}
	defs := r.Definitions
	if defs == nil {
		defs = task.NewDefinitionRegistry()
	}
	id, err := defs.CreateIdentifier(identityLiteral(entry))
	if err != nil {
		return nil
	}
	return id
}

func decodeDocument(raw *Raw) (map[string]any, error) {
	doc := make(map[string]any)
	if len(raw.Data) == 0 {
		return doc, nil
	}
	var err error
	if raw.Format == FormatTOML {
		err = toml.Unmarshal(raw.Data, &doc)
	} else {
		err = json.Unmarshal(raw.Data, &doc)
	}
	return doc, err
}

func writeFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// OverlayProperties returns the configuration properties that express o.
func OverlayProperties(o task.Overlay) map[string]any {
	props := make(map[string]any)
	if o.Label != nil {
		props["label"] = *o.Label
	}
	if o.Detail != nil {
		props["detail"] = *o.Detail
	}
	if o.Group != nil || o.IsDefault != nil {
		group := map[string]any{}
		if o.Group != nil {
			group["kind"] = string(*o.Group)
		}
		if o.IsDefault != nil {
			group["isDefault"] = *o.IsDefault
		}
		props["group"] = group
	}
	if o.IsBackground != nil {
		props["isBackground"] = *o.IsBackground
	}

	run := map[string]any{}
	if o.InstanceLimit != nil {
		run["instanceLimit"] = *o.InstanceLimit
	}
	if o.InstancePolicy != nil {
		run["instancePolicy"] = string(*o.InstancePolicy)
	}
	if o.RunOn != nil {
		run["runOn"] = string(*o.RunOn)
	}
	if o.Reevaluate != nil {
		run["reevaluateOnRerun"] = *o.Reevaluate
	}
	if len(run) > 0 {
		props["runOptions"] = run
	}

	if o.ProblemMatchers != nil {
		props["problemMatcher"] = o.ProblemMatchers
	}

	opts := map[string]any{}
	if o.Cwd != nil {
		opts["cwd"] = *o.Cwd
	}
	if len(o.Env) > 0 {
		opts["env"] = o.Env
	}
	if len(opts) > 0 {
		props["options"] = opts
	}
	return props
}
