package task

import "testing"

func contributedBuild() *ContributedTask {
	return &ContributedTask{
		Base: Base{
			ID:         "npm-build",
			Label:      "npm: build",
			Scope:      FolderScope("/work/web", 0),
			Source:     SourceExtension,
			Identifier: NewIdentifier("npm", map[string]any{"script": "build"}),
			Detail:     "vite build",
			RunOptions: DefaultRunOptions(),
		},
		Execution: Execution{Command: "npm", Args: []string{"run", "build"}, Env: map[string]string{"A": "1"}},
	}
}

func TestMerge_OverlayWinsWhereDefined(t *testing.T) {
	c := contributedBuild()
	o := &PendingTask{
		Base: Base{
			Identifier: NewIdentifier("npm", map[string]any{"script": "build"}),
			Scope:      FolderScope("/work/web", 0),
		},
		Overlay: Overlay{
			Group:         Ptr(GroupBuild),
			IsDefault:     Ptr(true),
			InstanceLimit: Ptr(3),
			Env:           map[string]string{"B": "2"},
		},
	}

	m := Merge(c, o)

	if m.Key() != c.Key() {
		t.Errorf("Key() = %q, want %q", m.Key(), c.Key())
	}
	if m.ID != c.ID {
		t.Errorf("ID = %q, want %q", m.ID, c.ID)
	}
	if m.Group != GroupBuild {
		t.Errorf("Group = %q, want %q", m.Group, GroupBuild)
	}
	if !m.IsDefault {
		t.Error("IsDefault = false, want true")
	}
	if m.RunOptions.InstanceLimit != 3 {
		t.Errorf("InstanceLimit = %d, want 3", m.RunOptions.InstanceLimit)
	}
	if m.Label != c.Label {
		t.Errorf("Label = %q, want %q", m.Label, c.Label)
	}
	if m.Detail != c.Detail {
		t.Errorf("Detail = %q, want %q", m.Detail, c.Detail)
	}
	if m.RunOptions.InstancePolicy != PolicyPrompt {
		t.Errorf("InstancePolicy = %q, want %q", m.RunOptions.InstancePolicy, PolicyPrompt)
	}
	if m.Execution.Env["A"] != "1" || m.Execution.Env["B"] != "2" {
		t.Errorf("Env = %v, want A=1 B=2", m.Execution.Env)
	}
	if !m.Customized {
		t.Error("Customized = false, want true")
	}
}

func TestMerge_DoesNotMutateInputs(t *testing.T) {
	c := contributedBuild()
	o := &PendingTask{Overlay: Overlay{Label: Ptr("web build"), Env: map[string]string{"B": "2"}}}

	_ = Merge(c, o)

	if c.Label != "npm: build" {
		t.Errorf("contributed Label = %q, want unchanged", c.Label)
	}
	if _, ok := c.Execution.Env["B"]; ok {
		t.Error("contributed Env was mutated")
	}
	if c.Customized {
		t.Error("contributed task marked customized")
	}
}

func TestOverlay_IsEmpty(t *testing.T) {
	if !(Overlay{}).IsEmpty() {
		t.Error("zero overlay should be empty")
	}
	if (Overlay{ProblemMatchers: []string{}}).IsEmpty() {
		t.Error("overlay clearing problem matchers should not be empty")
	}
}
