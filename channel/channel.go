// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/openhelpdesk/helpdesk/lib/clock"
	"github.com/openhelpdesk/helpdesk/lib/httpx"
)

// ErrNotConnected is returned by Join and Send when the channel has no
// established connection. Callers that care about delivery re-issue the
// operation after the next connected transition.
var ErrNotConnected = errors.New("channel: not connected")

// ErrRateLimited is returned by Send when the outbound limiter rejects
// the message. The message was not sent; the user can retry.
var ErrRateLimited = errors.New("channel: send rate exceeded")

// Reconnect backoff bounds, overridable via Config for tests.
const (
	defaultInitialBackoff = 1 * time.Second
	defaultMaxBackoff     = 30 * time.Second
)

// Keepalive: ping every pingInterval, expect traffic (data or pong)
// within pongWait. A stalled connection is detected within pongWait and
// torn down so the reconnect loop can take over.
const (
	defaultPingInterval = 30 * time.Second
	defaultPongWait     = 90 * time.Second
)

const (
	defaultSendsPerSecond = 5
	defaultSendBurst      = 10
	writeTimeout          = 10 * time.Second
	handshakeTimeout      = 30 * time.Second
	eventBufferSize       = 256
	stateBufferSize       = 8
)

// Config holds configuration for creating a Channel.
type Config struct {
	// URL is the websocket endpoint (e.g., "wss://support.example.com/live").
	URL string
	// Token is sent as a query parameter on dial. Empty means no token.
	Token string
	// Logger is used for structured logging. If nil, slog.Default() is used.
	Logger *slog.Logger
	// Clock drives reconnect backoff waits. If nil, clock.Real() is used.
	Clock clock.Clock
	// InitialBackoff and MaxBackoff bound the reconnect delay. Zero
	// values use the defaults (1s and 30s).
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// PingInterval and PongWait configure the keepalive cycle. Zero
	// values use the defaults (30s and 90s).
	PingInterval time.Duration
	PongWait     time.Duration
	// SendsPerSecond and SendBurst bound outbound message volume.
	// Zero values use the defaults (5/s, burst 10).
	SendsPerSecond float64
	SendBurst      int
}

// Channel is the live event connection. Create with New, drive with
// Run in its own goroutine, and consume Events until the context ends.
type Channel struct {
	dialURL   *url.URL
	sessionID string
	logger    *slog.Logger
	clk       clock.Clock
	dialer    *websocket.Dialer
	limiter   *rate.Limiter

	initialBackoff time.Duration
	maxBackoff     time.Duration
	pingInterval   time.Duration
	pongWait       time.Duration

	events chan Event

	mu          sync.Mutex
	conn        *websocket.Conn
	state       State
	subscribers []chan State

	// writeMu serializes data-frame writes; gorilla allows only one
	// concurrent writer (control frames excepted).
	writeMu sync.Mutex
}

// New creates a Channel. The connection is not dialed until Run.
func New(config Config) (*Channel, error) {
	if config.URL == "" {
		return nil, fmt.Errorf("channel: URL is required")
	}
	parsed, err := url.Parse(config.URL)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid URL %q: %w", config.URL, err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("channel: URL scheme must be ws or wss, got %q", parsed.Scheme)
	}

	// Each process identifies itself with a fresh session ID so the
	// backend can correlate reconnects from the same client in logs.
	query := parsed.Query()
	query.Set("session", uuid.NewString())
	if config.Token != "" {
		query.Set("token", config.Token)
	}
	parsed.RawQuery = query.Encode()

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}

	initialBackoff := config.InitialBackoff
	if initialBackoff <= 0 {
		initialBackoff = defaultInitialBackoff
	}
	maxBackoff := config.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = defaultMaxBackoff
	}
	pingInterval := config.PingInterval
	if pingInterval <= 0 {
		pingInterval = defaultPingInterval
	}
	pongWait := config.PongWait
	if pongWait <= 0 {
		pongWait = defaultPongWait
	}
	sendsPerSecond := config.SendsPerSecond
	if sendsPerSecond <= 0 {
		sendsPerSecond = defaultSendsPerSecond
	}
	sendBurst := config.SendBurst
	if sendBurst <= 0 {
		sendBurst = defaultSendBurst
	}

	return &Channel{
		dialURL:        parsed,
		sessionID:      query.Get("session"),
		logger:         logger,
		clk:            clk,
		dialer:         &websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		limiter:        rate.NewLimiter(rate.Limit(sendsPerSecond), sendBurst),
		initialBackoff: initialBackoff,
		maxBackoff:     maxBackoff,
		pingInterval:   pingInterval,
		pongWait:       pongWait,
		events:         make(chan Event, eventBufferSize),
	}, nil
}

// SessionID returns the session identifier sent on dial.
func (c *Channel) SessionID() string { return c.sessionID }

// Events returns the inbound event stream. Events for a given room are
// delivered in server-emission order within one connected session.
func (c *Channel) Events() <-chan Event { return c.events }

// State returns the current connection state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SubscribeState returns a channel receiving connection state
// transitions. When the buffer is full the oldest value is dropped, so
// a consumer always converges on the current state.
func (c *Channel) SubscribeState() <-chan State {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub := make(chan State, stateBufferSize)
	c.subscribers = append(c.subscribers, sub)
	return sub
}

// Run drives the connection until ctx is cancelled: dial, pump frames,
// and on any drop reconnect with exponential backoff. Returns ctx.Err()
// on cancellation.
func (c *Channel) Run(ctx context.Context) error {
	backoff := c.initialBackoff
	for {
		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		conn, err := c.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateDisconnected)
				return ctx.Err()
			}
			c.logger.Warn("live channel dial failed",
				"error", err,
				"backoff", backoff,
			)
			select {
			case <-ctx.Done():
				c.setState(StateDisconnected)
				return ctx.Err()
			case <-c.clk.After(backoff):
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		c.setConn(conn)
		c.setState(StateConnected)
		c.logger.Info("live channel connected", "session", c.sessionID)
		backoff = c.initialBackoff

		err = c.pump(ctx, conn)
		c.setConn(nil)
		conn.Close()

		if ctx.Err() != nil {
			c.setState(StateDisconnected)
			return ctx.Err()
		}

		c.setState(StateConnecting)
		if httpx.IsExpectedClose(err) || websocket.IsCloseError(err,
			websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			c.logger.Info("live channel closed, reconnecting")
		} else {
			c.logger.Warn("live channel dropped, reconnecting", "error", err)
		}
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, response, err := c.dialer.DialContext(ctx, c.dialURL.String(), nil)
	if err != nil {
		if response != nil {
			return nil, fmt.Errorf("dial rejected with status %d: %w", response.StatusCode, err)
		}
		return nil, err
	}
	return conn, nil
}

// pump reads frames until the connection fails, keeping it alive with
// pings. Decoded events are delivered to the events channel; delivery
// blocks rather than drops, so within one session no event is lost and
// order is preserved.
func (c *Channel) pump(ctx context.Context, conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(c.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.pongWait))
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go func() {
		ticker := time.NewTicker(c.pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-pingDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				deadline := time.Now().Add(writeTimeout)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(c.pongWait))

		event, known, err := decodeFrame(raw)
		if err != nil {
			c.logger.Warn("skipping malformed live frame", "error", err)
			continue
		}
		if !known {
			c.logger.Debug("ignoring unknown live event")
			continue
		}

		select {
		case c.events <- event:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Join subscribes this session to a ticket's room. Fails with
// ErrNotConnected when the channel is down; the caller re-issues the
// join after the next connected transition, because the server forgets
// all memberships on disconnect.
func (c *Channel) Join(ticketID string) error {
	if ticketID == "" {
		return fmt.Errorf("channel: ticket ID is required")
	}
	return c.writeFrame(outboundFrame{Action: actionJoin, TicketID: ticketID})
}

// Leave unsubscribes from a ticket's room. Idempotent: leaving a room
// never joined, or leaving while disconnected (the server has already
// forgotten the membership), is a no-op.
func (c *Channel) Leave(ticketID string) error {
	if ticketID == "" {
		return fmt.Errorf("channel: ticket ID is required")
	}
	err := c.writeFrame(outboundFrame{Action: actionLeave, TicketID: ticketID})
	if errors.Is(err, ErrNotConnected) {
		return nil
	}
	return err
}

// Send emits a message to a ticket's room. There is no acknowledgment
// in this protocol — delivery is confirmed only by the later arrival of
// the corresponding new_message event.
func (c *Channel) Send(ticketID, body string) error {
	if ticketID == "" {
		return fmt.Errorf("channel: ticket ID is required")
	}
	if !c.limiter.Allow() {
		return ErrRateLimited
	}
	return c.writeFrame(outboundFrame{Action: actionSend, TicketID: ticketID, Text: body})
}

func (c *Channel) writeFrame(frame outboundFrame) error {
	c.mu.Lock()
	conn, state := c.conn, c.state
	c.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteJSON(frame); err != nil {
		return fmt.Errorf("channel: writing %s frame: %w", frame.Action, err)
	}
	return nil
}

func (c *Channel) setConn(conn *websocket.Conn) {
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
}

// setState updates the connection state and notifies subscribers. A
// full subscriber buffer drops its oldest entry: intermediate
// transitions can coalesce away but the latest state always lands.
func (c *Channel) setState(state State) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	subscribers := c.subscribers
	c.mu.Unlock()

	for _, sub := range subscribers {
		for {
			select {
			case sub <- state:
			default:
				select {
				case <-sub:
				default:
				}
				continue
			}
			break
		}
	}
}
