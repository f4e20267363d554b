package ota

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a cycle failure and drives the abort or rollback decision.
type ErrorKind string

const (
	// KindTransient covers network and timeout failures; the cycle may be retried.
	KindTransient ErrorKind = "transient"
	// KindIntegrity covers checksum mismatches; the download is discarded.
	KindIntegrity ErrorKind = "integrity"
	// KindPrecondition covers disk space and version compatibility failures.
	KindPrecondition ErrorKind = "precondition"
	// KindPostSwitch covers failures after the pointer moved; they trigger a rollback.
	KindPostSwitch ErrorKind = "post_switch"
	// KindFatal covers unrecoverable failures, including a failed rollback.
	KindFatal ErrorKind = "fatal"
)

// ReportCode returns the error_kind value sent to the backend.
func (k ErrorKind) ReportCode() string {
	if k == "" {
		return ""
	}

	return string(k) + "_error"
}

// KindError attaches an ErrorKind to a failure.
type KindError struct {
	// Kind is the failure class.
	Kind ErrorKind
	// Err is the underlying failure.
	Err error
}

// Error implements the error interface.
func (e *KindError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying failure.
func (e *KindError) Unwrap() error {
	return e.Err
}

// WithKind wraps err with the given kind. A nil err stays nil.
func WithKind(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	return &KindError{Kind: kind, Err: err}
}

// Transient wraps err as a transient failure.
func Transient(err error) error { return WithKind(KindTransient, err) }

// Integrity wraps err as an integrity failure.
func Integrity(err error) error { return WithKind(KindIntegrity, err) }

// Precondition wraps err as a precondition failure.
func Precondition(err error) error { return WithKind(KindPrecondition, err) }

// PostSwitch wraps err as a post-switch failure.
func PostSwitch(err error) error { return WithKind(KindPostSwitch, err) }

// Fatal wraps err as a fatal failure.
func Fatal(err error) error { return WithKind(KindFatal, err) }

// KindOf returns the kind of the outermost KindError in the chain.
// Unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}

	var kindErr *KindError
	if errors.As(err, &kindErr) {
		return kindErr.Kind
	}

	return KindFatal
}
