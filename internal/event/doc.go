// Package event provides the topic bus that carries run lifecycle and
// workspace events between taskd components.
//
// # Event Topics
//
// Events use hierarchical topics with dot notation:
//
//	task.run.start         - a backend accepted a run
//	task.run.processEnded  - the run's process exited
//	task.index.changed     - the task index was invalidated
//	config.changed         - settings or task files changed on disk
//
// # Wildcard Patterns
//
// Subscriptions support wildcard patterns:
//
//	task.run.*    - matches task.run.start, task.run.end
//	task.**       - matches every task event at any depth
//
// # Delivery
//
// Each subscription owns a queue drained by one goroutine, so a
// subscriber sees events in publish order. A panicking handler is
// recovered and logged; it never stops delivery to other subscribers.
package event
