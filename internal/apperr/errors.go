// Package apperr holds the error classes shared by every component.
// Component errors wrap one of these so callers can branch with errors.Is.
package apperr

import "errors"

var (
	// ErrValidation is bad caller input. Never retried.
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	// ErrTransportUnavailable means the chat transport is down right now.
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrDispatchFailed is a single failed send.
	ErrDispatchFailed = errors.New("dispatch failed")
	// ErrRecordingFailed is logged and swallowed by callers.
	ErrRecordingFailed = errors.New("recording failed")
)

// Kind returns a short label for the class err belongs to, or "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrTransportUnavailable):
		return "transport_unavailable"
	case errors.Is(err, ErrDispatchFailed):
		return "dispatch_failed"
	case errors.Is(err, ErrRecordingFailed):
		return "recording_failed"
	default:
		return "internal"
	}
}
