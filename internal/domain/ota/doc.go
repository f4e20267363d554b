// Package ota contains the core domain types of the update agent.
//
// It defines update packages offered by the backend, installed releases,
// tracked components, backups and update attempts, together with the
// orchestrator state machine states and the error classification used to
// decide between abort, rollback and escalation.
package ota
