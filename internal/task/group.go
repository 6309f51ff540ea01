package task

import "strings"

var (
	buildPatterns = []string{"build", "compile", "package", "bundle", "webpack", "rollup", "esbuild"}
	testPatterns  = []string{"test", "spec", "check", "verify", "coverage"}
)

// InferGroup infers the group of a provider task from its name.
// Providers use it when their source carries no explicit group.
func InferGroup(name string) Group {
	lower := strings.ToLower(name)
	for _, p := range buildPatterns {
		if strings.Contains(lower, p) {
			return GroupBuild
		}
	}
	for _, p := range testPatterns {
		if strings.Contains(lower, p) {
			return GroupTest
		}
	}
	return GroupNone
}

// DefaultForGroup returns the first default task of group among tasks.
func DefaultForGroup(tasks []Task, group Group) Task {
	for _, t := range tasks {
		b := t.Core()
		if b.Group == group && b.IsDefault {
			return t
		}
	}
	return nil
}
