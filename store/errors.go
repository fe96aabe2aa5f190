// Package store provides a narrow, typed surface over the Redis keyed
// store: scalars, hash fields, counters, lists, pipelines, server-side
// scripts, and stream event logs.
package store

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound indicates the requested key or field does not exist.
var ErrNotFound = errors.New("store: not found")

// TransientError represents a temporary store error that may succeed on retry.
type TransientError struct {
	err error
}

func (e *TransientError) Error() string {
	return e.err.Error()
}

func (e *TransientError) Unwrap() error {
	return e.err
}

// NewTransientError wraps an error as transient (retryable).
func NewTransientError(err error) error {
	return &TransientError{err: err}
}

// PermanentError represents a store error that should not be retried.
type PermanentError struct {
	err error
}

func (e *PermanentError) Error() string {
	return e.err.Error()
}

func (e *PermanentError) Unwrap() error {
	return e.err
}

// NewPermanentError wraps an error as permanent (non-retryable).
func NewPermanentError(err error) error {
	return &PermanentError{err: err}
}

// IsTransient returns true if the error is transient and should be retried.
func IsTransient(err error) bool {
	var transient *TransientError
	return errors.As(err, &transient)
}

// classify wraps a go-redis error as ErrNotFound, transient, or permanent.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return NewTransientError(err)
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "LOADING"),
		strings.Contains(msg, "READONLY"),
		strings.Contains(msg, "CLUSTERDOWN"),
		strings.Contains(msg, "connection pool timeout"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"):
		return NewTransientError(err)
	default:
		return NewPermanentError(err)
	}
}
