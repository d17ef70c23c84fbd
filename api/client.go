// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/openhelpdesk/helpdesk/lib/httpx"
)

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	// BaseURL is the root of the support API (e.g., "https://support.example.com/api").
	BaseURL string
	// Token is the bearer token sent on every request. Empty means no
	// Authorization header.
	Token string
	// HTTPClient is used for all requests. If nil, http.DefaultClient is used.
	HTTPClient *http.Client
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
}

// Client fetches ticket snapshots from the support backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for the given backend.
func NewClient(config ClientConfig) (*Client, error) {
	if config.BaseURL == "" {
		return nil, fmt.Errorf("api: BaseURL is required")
	}

	// Validate the URL structure up front. Request URLs are built by
	// direct concatenation on the stored string form, so a malformed
	// base would otherwise surface as a confusing per-request error.
	parsed, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api: invalid BaseURL %q: %w", config.BaseURL, err)
	}
	if parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("api: BaseURL %q must be absolute", config.BaseURL)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Ticket fetches the snapshot for a ticket: subject, status, and the
// ordered message history. One request/response exchange, no retries.
//
// Failures are returned as *Error: KindForbidden (401/403),
// KindNotFound (404), KindTransport (anything else, including network
// errors). Forbidden and NotFound are terminal — callers must not
// retry them.
func (c *Client) Ticket(ctx context.Context, ticketID string) (*TicketSnapshot, error) {
	if ticketID == "" {
		return nil, fmt.Errorf("api: ticket ID is required")
	}

	body, err := c.get(ctx, "/tickets/"+url.PathEscape(ticketID))
	if err != nil {
		return nil, err
	}

	var snapshot TicketSnapshot
	if err := json.Unmarshal(body, &snapshot); err != nil {
		return nil, &Error{
			Kind:    KindTransport,
			Message: fmt.Sprintf("parsing ticket response: %v", err),
		}
	}

	c.logger.Debug("fetched ticket snapshot",
		"ticket_id", ticketID,
		"status", snapshot.Status,
		"messages", len(snapshot.Messages),
	)
	return &snapshot, nil
}

// Health probes the backend's reachability. Used at startup so the
// binary can fail fast on a bad base URL instead of presenting an
// empty conversation that never loads.
func (c *Client) Health(ctx context.Context) error {
	_, err := c.get(ctx, "/healthz")
	return err
}

// get performs a GET against the backend and returns the response body
// on 2xx, or an *Error mapped from the status code.
func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: err.Error()}
	}
	if c.token != "" {
		request.Header.Set("Authorization", "Bearer "+c.token)
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, &Error{Kind: KindTransport, Message: err.Error()}
	}
	defer response.Body.Close()

	if response.StatusCode >= 200 && response.StatusCode < 300 {
		body, err := httpx.ReadBody(response.Body)
		if err != nil {
			return nil, &Error{Kind: KindTransport, Message: fmt.Sprintf("reading response body: %v", err)}
		}
		return body, nil
	}

	return nil, &Error{
		Kind:       kindForStatus(response.StatusCode),
		StatusCode: response.StatusCode,
		Message:    strings.TrimSpace(httpx.ErrorBody(response.Body)),
	}
}
