// Copyright (C) 2026 Parley Systems (eng@parley.chat)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package envelope

import (
	"context"
	"errors"
)

// Sentinel errors for the completion-service failure taxonomy. The
// reasoner maps transport-level errors onto these so the envelope can
// classify without knowing the client library.
var (
	// ErrUpstreamTimeout marks a completion call that exceeded its
	// deadline.
	ErrUpstreamTimeout = errors.New("completion service timeout")

	// ErrUpstreamServer marks an HTTP 5xx from the completion service.
	ErrUpstreamServer = errors.New("completion service server error")

	// ErrUpstreamRateLimited marks an HTTP 429 from the completion
	// service.
	ErrUpstreamRateLimited = errors.New("completion service rate limited")
)

// FailureClass buckets a run failure for backoff decisions.
type FailureClass int

const (
	// ClassNone means the run succeeded.
	ClassNone FailureClass = iota

	// ClassTimeout covers deadline expiry, ours or upstream's.
	ClassTimeout

	// ClassServerError covers upstream 5xx responses.
	ClassServerError

	// ClassRateLimited covers upstream 429 responses.
	ClassRateLimited

	// ClassOther covers application-level failures. These are logged
	// but never arm the backoff gate.
	ClassOther
)

// String returns the audit-log name for the class.
func (c FailureClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTimeout:
		return "timeout"
	case ClassServerError:
		return "server_error"
	case ClassRateLimited:
		return "rate_limited"
	default:
		return "other"
	}
}

// Classify buckets an error into a FailureClass.
func Classify(err error) FailureClass {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrUpstreamTimeout), errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	case errors.Is(err, ErrUpstreamServer):
		return ClassServerError
	case errors.Is(err, ErrUpstreamRateLimited):
		return ClassRateLimited
	default:
		return ClassOther
	}
}

// ArmsBackoff reports whether this failure class should arm the backoff
// gate. Timeouts, 5xx, and 429 are infrastructure-classified; anything
// else is assumed application-level.
func (c FailureClass) ArmsBackoff() bool {
	switch c {
	case ClassTimeout, ClassServerError, ClassRateLimited:
		return true
	default:
		return false
	}
}
