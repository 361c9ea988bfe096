package models

import (
	"errors"
	"fmt"
)

// Warning is a user input problem. It is shown to the user verbatim and never logged as an error.
type Warning struct {
	Message string
}

func (w *Warning) Error() string { return w.Message }

// Warnf builds a Warning.
func Warnf(format string, args ...any) error {
	return &Warning{Message: fmt.Sprintf(format, args...)}
}

// UnknownCommandError is returned when no handler is registered for a command.
type UnknownCommandError struct {
	Command string
}

func (e *UnknownCommandError) Error() string {
	return fmt.Sprintf("unknown command %q", e.Command)
}

// Upstream services.
const (
	ServiceQueue   = "job_queue"
	ServiceHistory = "history"
	ServiceIntent  = "intent"
	ServiceGateway = "gateway"
	ServiceState   = "state"
)

// Upstream error kinds.
const (
	KindUnknown           = "unknown"
	KindRateLimit         = "rate_limit_exceeded"
	KindContextLength     = "context_length_exceeded"
	KindInvalidAPIKey     = "invalid_api_key"
	KindInsufficientQuota = "insufficient_quota"
	KindModelNotFound     = "model_not_found"
	KindServerError       = "server_error"
	KindTimeout           = "timeout"
	KindBlocked           = "blocked"
	KindBadOutput         = "bad_output"
)

// UpstreamError wraps a failure of an external collaborator.
type UpstreamError struct {
	Service string
	Kind    string
	Err     error
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Service, e.Kind, e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Upstream wraps err as an UpstreamError of the given service unless it already is one.
func Upstream(service string, err error) error {
	if err == nil {
		return nil
	}
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return err
	}
	return &UpstreamError{Service: service, Kind: KindUnknown, Err: err}
}

// IsWarning reports whether err is a user input warning.
func IsWarning(err error) bool {
	var w *Warning
	return errors.As(err, &w)
}
