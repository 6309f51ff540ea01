// Package execution admits run requests under per-task instance policies
// and dispatches accepted runs to an execution backend.
//
// Each task identity moves through Idle, Starting, Active and Terminating.
// A request for a task whose instance limit is reached is settled by the
// task's instance policy:
//
//	terminateNewest  terminate the most recently started instance, then start
//	terminateOldest  terminate the least recently started instance, then start
//	silent           drop the request
//	warn             drop the request and surface a warning
//	prompt           let the caller pick an instance to terminate
//
// A dropped request starts nothing.
package execution
