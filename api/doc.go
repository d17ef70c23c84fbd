// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

// Package api is the HTTP client for the support backend's
// request/response surface. Its single substantial operation is
// [Client.Ticket], the point-in-time snapshot fetch that seeds a
// conversation before live events take over.
//
// The client performs no retries: the reconciliation engine owns retry
// policy, because only it knows whether a ticket is still being
// observed. Fetch failures are returned as [*Error] carrying one of
// three kinds — [KindNotFound] and [KindForbidden] are terminal (the
// caller must not retry), [KindTransport] is retryable at the caller's
// discretion. [IsKind] tests for a specific kind through wrapping.
//
// Request URLs are built by string concatenation against a validated
// base URL, and all response bodies are read through lib/httpx's
// bounded readers.
package api
