// Package process is the execution backend that runs tasks as local
// processes.
//
// Each run gets a uuid run id and its own process group, so terminating a
// run also stops the processes it spawned. Lifecycle events are published
// on the event bus in order:
//
//	start, processStarted, [terminated], processEnded, end
//
// When given a storage, the backend records the pid of every running task
// so a later instance can reattach to it with Reconnect. A reattached run
// is watched by polling; its exit code and output are unknown.
//
// Commands, arguments, working directories and environment values may
// use ${workspaceFolder}, ${workspaceFolderBasename}, ${cwd}, ${userHome},
// ${pathSeparator}, ${execPath} and ${env:NAME}. ${name:default} supplies
// a default for an unset variable.
package process
