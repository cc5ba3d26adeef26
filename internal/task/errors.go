package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Kind classifies a failure for the retry engine.
type Kind string

const (
	KindTransient   Kind = "transient"
	KindRateLimited Kind = "rate_limited"
	KindPermanent   Kind = "permanent"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
)

// Sentinel errors
var (
	ErrUnknownTaskType = errors.New("unknown task type")
	ErrUnknownQueue    = errors.New("unknown queue")
	ErrTimeout         = errors.New("task execution timed out")
	ErrNotCancellable  = errors.New("task is not cancellable")
)

// Class is the result of classifying an error.
type Class struct {
	Kind Kind
	// RetryAfter is the delay suggested by a rate limited dependency.
	RetryAfter time.Duration
}

// Error wraps a handler error with an explicit classification.
type Error struct {
	Kind       Kind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as safe to retry.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as one that retrying cannot fix.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// RateLimited marks err as a throttling response; after is the suggested
// delay, zero when the dependency gave none.
func RateLimited(err error, after time.Duration) error {
	return &Error{Kind: KindRateLimited, RetryAfter: after, Err: err}
}

// ValidationError reports a malformed payload. It is always permanent.
type ValidationError struct {
	Type  string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("invalid %s payload: %s: %v", e.Type, e.Field, e.Err)
	}
	return fmt.Sprintf("invalid %s payload: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// Classify maps err onto a Class. Unclassified errors are transient so that
// work is retried rather than dropped.
func Classify(err error) Class {
	var te *Error
	var ve *ValidationError
	switch {
	case err == nil:
		return Class{}
	case errors.As(err, &ve):
		return Class{Kind: KindPermanent}
	case errors.As(err, &te):
		if te.Kind == KindTimeout {
			return Class{Kind: KindTransient}
		}
		return Class{Kind: te.Kind, RetryAfter: te.RetryAfter}
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return Class{Kind: KindTransient}
	}
	return Class{Kind: KindTransient}
}

// KindOf returns the kind that is recorded against the task. It differs from
// Classify only in keeping timeouts distinguishable for callers.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) && te.Kind == KindPermanent {
		return KindPermanent
	}
	if errors.Is(err, ErrTimeout) {
		return KindTimeout
	}
	return Classify(err).Kind
}
