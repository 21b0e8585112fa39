package retry

import (
	"context"
	"errors"
	"strings"
)

// Classification is a closed taxonomy of provider error causes.
// Discovery adapters map SDK-specific error types onto this set so
// the engine and scheduler can make uniform retry and logging
// decisions without importing every cloud SDK's error package.
type Classification string

const (
	ClassAuth       Classification = "auth"
	ClassPermission Classification = "permission"
	ClassThrottle   Classification = "throttle"
	ClassNotFound   Classification = "not-found"
	ClassConflict   Classification = "conflict"
	ClassValidation Classification = "validation"
	ClassLimit      Classification = "limit"
	ClassNetwork    Classification = "network"
	ClassService    Classification = "service"
	ClassUnknown    Classification = "unknown"
)

// ClassifiedError pairs an underlying error with its classification.
// Adapters construct these directly when an SDK call fails; Classify
// recovers the classification from an arbitrary error for call sites
// that didn't originate it.
type ClassifiedError struct {
	Class Classification
	Err   error
}

func (e *ClassifiedError) Error() string {
	return string(e.Class) + ": " + e.Err.Error()
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Classify wraps err with a Classification. If err is already a
// *ClassifiedError it is returned unchanged. Otherwise it falls back
// to matching common substrings in the error chain, which covers SDK
// errors that don't expose a typed error value at the call site.
func Classify(err error) *ClassifiedError {
	if err == nil {
		return nil
	}
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &ClassifiedError{Class: ClassNetwork, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "unauthorized", "invalid credentials", "invalidclienttokenid", "expired token"):
		return &ClassifiedError{Class: ClassAuth, Err: err}
	case containsAny(msg, "accessdenied", "forbidden", "permission"):
		return &ClassifiedError{Class: ClassPermission, Err: err}
	case containsAny(msg, "throttl", "toomanyrequests", "rate exceeded", "slow down"):
		return &ClassifiedError{Class: ClassThrottle, Err: err}
	case containsAny(msg, "not found", "notfound", "no such", "404"):
		return &ClassifiedError{Class: ClassNotFound, Err: err}
	case containsAny(msg, "conflict", "already exists", "resourceinuse"):
		return &ClassifiedError{Class: ClassConflict, Err: err}
	case containsAny(msg, "invalid", "malformed", "validation"):
		return &ClassifiedError{Class: ClassValidation, Err: err}
	case containsAny(msg, "limitexceeded", "quota"):
		return &ClassifiedError{Class: ClassLimit, Err: err}
	case containsAny(msg, "timeout", "connection reset", "no such host", "eof", "broken pipe"):
		return &ClassifiedError{Class: ClassNetwork, Err: err}
	case containsAny(msg, "internal error", "service unavailable", "5xx", "internalerror"):
		return &ClassifiedError{Class: ClassService, Err: err}
	default:
		return &ClassifiedError{Class: ClassUnknown, Err: err}
	}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Retryable reports whether an error of this classification is worth
// retrying. Auth, permission, not-found, conflict and validation
// failures are caller errors that won't resolve by waiting; throttle,
// limit, network and service failures might.
func Retryable(err error) bool {
	switch Classify(err).Class {
	case ClassThrottle, ClassLimit, ClassNetwork, ClassService:
		return true
	default:
		return false
	}
}
