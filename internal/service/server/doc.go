// Package server exposes the agent's own health over the standard gRPC
// health protocol while the daemon runs.
//
// Supervisors and fleet tooling can query it with any grpc.health.v1 client.
// The agent reports NOT_SERVING while it waits for manual intervention.
package server
