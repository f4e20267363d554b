// Package controller drives the services affected by an update.
//
// The Controller interface hides the OS service manager. Two backends are
// provided: System manages registered OS services through kardianos/service
// and Process manages plain executables found through the process table.
// Bounded wraps any backend with a hard per-call timeout and turns panics
// into errors, and HealthChecker polls liveness and optional canaries.
package controller
