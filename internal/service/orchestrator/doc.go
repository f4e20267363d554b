// Package orchestrator drives the update state machine of the device: it
// discovers, downloads, verifies and installs releases, switches the current
// pointer, health-checks the services and rolls back when they fail.
//
// One Orchestrator owns all mutable update state of the process. A file lock
// under the device root extends single-flight to other agent processes.
package orchestrator
