// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a snapshot fetch failure.
type ErrorKind string

const (
	// KindNotFound means the ticket does not exist. Terminal.
	KindNotFound ErrorKind = "not_found"
	// KindForbidden means the caller may not view the ticket. Terminal.
	KindForbidden ErrorKind = "forbidden"
	// KindTransport covers network failures and unexpected server
	// responses. Retryable at the caller's discretion.
	KindTransport ErrorKind = "transport"
)

// Error is a structured snapshot fetch failure. Callers extract it with
// errors.As:
//
//	var apiErr *api.Error
//	if errors.As(err, &apiErr) && apiErr.Terminal() { ... }
type Error struct {
	// Kind classifies the failure.
	Kind ErrorKind
	// StatusCode is the HTTP status of the response, or zero when the
	// request never produced one.
	StatusCode int
	// Message is the server's error text, or the underlying transport
	// error description.
	Message string
}

func (e *Error) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("api: %s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("api: %s (%d): %s", e.Kind, e.StatusCode, e.Message)
}

// Terminal reports whether the failure must not be retried. NotFound
// and Forbidden are fixed facts about the ticket; only transport
// failures can resolve on their own.
func (e *Error) Terminal() bool {
	return e.Kind == KindNotFound || e.Kind == KindForbidden
}

// IsKind checks whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Kind == kind
	}
	return false
}

// kindForStatus maps an HTTP status code to an ErrorKind per the
// backend's contract: 401/403 forbidden, 404 not found, everything
// else transport.
func kindForStatus(status int) ErrorKind {
	switch status {
	case 401, 403:
		return KindForbidden
	case 404:
		return KindNotFound
	default:
		return KindTransport
	}
}
