package task

import (
	"cmp"
	"slices"
)

// Sort orders tasks by folder position, then pseudo-scopes, then label.
// The sort is stable so per-scope insertion order survives label ties.
func Sort(tasks []Task) {
	slices.SortStableFunc(tasks, Compare)
}

// Compare orders two tasks the way Sort does.
func Compare(a, b Task) int {
	sa, sb := a.Core().Scope, b.Core().Scope
	if c := cmp.Compare(scopeRank(sa), scopeRank(sb)); c != 0 {
		return c
	}
	if sa.Kind == ScopeFolder && sb.Kind == ScopeFolder {
		if c := cmp.Compare(sa.Index, sb.Index); c != 0 {
			return c
		}
	}
	return cmp.Compare(a.Core().Label, b.Core().Label)
}

func scopeRank(s Scope) int {
	switch s.Kind {
	case ScopeFolder:
		return 0
	case ScopeWorkspaceFile:
		return 1
	default:
		return 2
	}
}
