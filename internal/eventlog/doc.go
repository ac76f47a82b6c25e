// Package eventlog records executor lifecycle events (created, start
// commands, running, stopped, teardown) so the external collaborators that
// drive the background service can observe what happened to it.
package eventlog
