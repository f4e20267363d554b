// Package config defines the device agent settings and provides helpers to
// load, validate and save them in YAML format.
//
// Validation fills defaults first and then checks struct tags with
// go-playground/validator, so a minimal file only needs the device identity,
// the root directory and the backend address.
package config
