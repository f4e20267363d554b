// Package backend talks to the update backend: it discovers candidate packages
// and reports the outcome of every cycle.
package backend
