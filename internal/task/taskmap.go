package task

// TaskMap maps scope keys to ordered task lists. Order within a scope is
// insertion order; scopes are listed in the order they were first added.
type TaskMap struct {
	order []string
	tasks map[string][]Task
}

// NewTaskMap creates an empty task map.
func NewTaskMap() *TaskMap {
	return &TaskMap{tasks: make(map[string][]Task)}
}

// Add appends tasks to a scope.
func (m *TaskMap) Add(key string, tasks ...Task) {
	if _, ok := m.tasks[key]; !ok {
		m.order = append(m.order, key)
		m.tasks[key] = nil
	}
	m.tasks[key] = append(m.tasks[key], tasks...)
}

// Get returns the tasks of a scope.
func (m *TaskMap) Get(key string) []Task {
	if m == nil {
		return nil
	}
	return m.tasks[key]
}

// Keys returns the scope keys in insertion order.
func (m *TaskMap) Keys() []string {
	if m == nil {
		return nil
	}
	keys := make([]string, len(m.order))
	copy(keys, m.order)
	return keys
}

// All returns every task, scope by scope.
func (m *TaskMap) All() []Task {
	if m == nil {
		return nil
	}
	var all []Task
	for _, key := range m.order {
		all = append(all, m.tasks[key]...)
	}
	return all
}

// Len returns the total number of tasks.
func (m *TaskMap) Len() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, tasks := range m.tasks {
		n += len(tasks)
	}
	return n
}

// Find returns the first task in scope key matching id.
func (m *TaskMap) Find(key string, id Identity) Task {
	for _, t := range m.Get(key) {
		if Matches(t, id) {
			return t
		}
	}
	return nil
}
