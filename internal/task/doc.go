// Package task defines the task model shared by the orchestration core.
//
// A task is a named, executable unit of work (build, test, watch, ...).
// Tasks are declared in configuration scopes or supplied at query time by
// providers, and every task belongs to exactly one scope.
//
// # Variants
//
// Task is a closed sum type. Only the four variants in this package
// implement it, and callers discriminate with a type switch:
//
//	switch t := t.(type) {
//	case *task.ConfiguredTask:   // fully specified from configuration
//	case *task.PendingTask:      // customizing entry, needs resolving
//	case *task.ContributedTask:  // fully specified, supplied by a provider
//	case *task.SyntheticTask:    // composite fan-out of several tasks
//	}
//
// A PendingTask is never mutated into a ContributedTask. Resolution (see
// Merge) always yields a new value.
//
// # Identity
//
// Every task carries an Identifier: a task type plus the properties that
// define it. Identifiers reduce to a canonical key string; two tasks with
// the same canonical key are the same task for default-uniqueness and for
// persistence, regardless of the scope they were found in.
//
//	id := task.NewIdentifier("npm", map[string]any{"script": "build"})
//	id.Key() // "script,build,type,npm,"
//
// # Scopes
//
// Scopes are workspace folders, the user pseudo-scope and the
// workspace-file pseudo-scope. Lookups may fall back from a folder to the
// user scope.
package task
