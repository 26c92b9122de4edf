package model

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed error taxonomy shared across components. Each
// component converts raw transport/DB errors into one of these at its
// boundary; raw errors never escape the RPC or WS client.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrTransientNetwork
	ErrDataUnavailable
	ErrPermanentUpstream
	ErrDBTransient
	ErrDBFatal
	ErrInvariantBreach
	ErrConfigStartup
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTransientNetwork:
		return "transient_network"
	case ErrDataUnavailable:
		return "data_unavailable"
	case ErrPermanentUpstream:
		return "permanent_upstream"
	case ErrDBTransient:
		return "db_transient"
	case ErrDBFatal:
		return "db_fatal"
	case ErrInvariantBreach:
		return "invariant_breach"
	case ErrConfigStartup:
		return "config_startup"
	default:
		return "unknown"
	}
}

// IngestError wraps an underlying error with its taxonomy kind so callers can
// branch on Kind() instead of string-matching.
type IngestError struct {
	Kind_ ErrorKind
	Op    string
	Err   error
}

func (e *IngestError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind_, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind_, e.Op, e.Err)
}

func (e *IngestError) Unwrap() error { return e.Err }

// Kind returns the error's taxonomy classification.
func (e *IngestError) Kind() ErrorKind { return e.Kind_ }

// Wrap annotates err with a taxonomy kind and an operation label. Returns nil
// if err is nil, matching pkg/utils.Wrap's convention in the teacher repo.
func Wrap(kind ErrorKind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &IngestError{Kind_: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is an
// *IngestError, otherwise returns ErrUnknown.
func KindOf(err error) ErrorKind {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind_
	}
	return ErrUnknown
}
