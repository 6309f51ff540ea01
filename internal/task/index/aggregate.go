package index

import (
	"github.com/dshills/taskd/internal/task"
)

// MergeScope merges the customizing entries of one scope into the tasks
// providers contributed to it. A contributed task whose canonical key
// matches an overlay is replaced by the merge. Overlays matching nothing,
// and repeated overlays for an already customized key, are returned as
// dangling.
func MergeScope(overlays []*task.PendingTask, contributed []*task.ContributedTask) ([]task.Task, []*task.PendingTask) {
	byKey := make(map[string]*task.PendingTask, len(overlays))
	var dangling []*task.PendingTask
	for _, o := range overlays {
		if _, dup := byKey[o.Key()]; dup {
			dangling = append(dangling, o)
			continue
		}
		byKey[o.Key()] = o
	}

	used := make(map[string]bool, len(byKey))
	merged := make([]task.Task, 0, len(contributed))
	for _, c := range contributed {
		if o, ok := byKey[c.Key()]; ok {
			merged = append(merged, task.Merge(c, o))
			used[c.Key()] = true
			continue
		}
		merged = append(merged, c)
	}

	for _, o := range overlays {
		if byKey[o.Key()] == o && !used[o.Key()] {
			dangling = append(dangling, o)
		}
	}
	return merged, dangling
}

// linkComposites fills the members of every synthetic task in m from its
// dependsOn labels, looking in the task's scope first, then the
// workspace file and user scopes. It returns the labels it could not find.
func linkComposites(m *task.TaskMap) []string {
	var missing []string
	fallbacks := []string{task.WorkspaceFileScopeKey, task.UserScopeKey}
	for _, key := range m.Keys() {
		for _, t := range m.Get(key) {
			s, ok := t.(*task.SyntheticTask)
			if !ok {
				continue
			}
			s.Members = s.Members[:0]
			for _, label := range s.DependsOn {
				member := findMember(m, append([]string{key}, fallbacks...), label, s)
				if member == nil {
					missing = append(missing, s.Label+" -> "+label)
					continue
				}
				s.Members = append(s.Members, member)
			}
		}
	}
	return missing
}

func findMember(m *task.TaskMap, keys []string, label string, self task.Task) task.Task {
	for _, key := range keys {
		if t := m.Find(key, task.NameIdentity(label)); t != nil && t != self {
			return t
		}
	}
	return nil
}
