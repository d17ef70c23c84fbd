// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openhelpdesk/helpdesk/api"
	"github.com/openhelpdesk/helpdesk/channel"
	"github.com/openhelpdesk/helpdesk/lib/clock"
)

// ErrEmptyMessage is returned by [Engine.Submit] when the body is
// empty after trimming whitespace.
var ErrEmptyMessage = errors.New("conversation: message body is empty")

const (
	defaultPendingTimeout   = 30 * time.Second
	defaultMaxFetchAttempts = 5
	defaultFetchBackoff     = time.Second
	maxFetchBackoff         = 30 * time.Second

	// commandBuffer bounds how many API calls can queue ahead of the
	// run loop before callers block.
	commandBuffer = 64

	// updateBuffer is the per-subscriber notification capacity.
	// Updates carry no payload, so dropping one when the subscriber
	// has a backlog loses nothing: the next read of the view sees the
	// latest state either way.
	updateBuffer = 64
)

// Fetcher retrieves the point-in-time state of a ticket. *api.Client
// implements it.
type Fetcher interface {
	Ticket(ctx context.Context, ticketID string) (*api.TicketSnapshot, error)
}

// LiveChannel is the engine's view of the event stream. *channel.Channel
// implements it.
type LiveChannel interface {
	Join(ticketID string) error
	Leave(ticketID string) error
	Send(ticketID, body string) error
	Events() <-chan channel.Event
	State() channel.State
	SubscribeState() <-chan channel.State
}

// EngineConfig carries the dependencies and tuning for [NewEngine].
// Fetcher and Channel are required; everything else has a default.
type EngineConfig struct {
	Fetcher Fetcher
	Channel LiveChannel

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Clock defaults to clock.Real().
	Clock clock.Clock

	// PendingTimeout bounds how long an unconfirmed submission is
	// shown as pending. Defaults to 30s.
	PendingTimeout time.Duration

	// MaxFetchAttempts caps snapshot retries on transport errors
	// before the failure surfaces on the view. Defaults to 5.
	MaxFetchAttempts int

	// FetchBackoff is the delay before the first retry; it doubles
	// per attempt up to 30s. Defaults to 1s.
	FetchBackoff time.Duration
}

// ticketPhase tracks where a ticket stands in its lifecycle. A ticket
// absent from the engine's map is unobserved or torn down; between
// those, it is waiting for a snapshot or live.
type ticketPhase int

const (
	phaseSnapshotPending ticketPhase = iota
	phaseLive
)

// pendingEntry pairs a PendingSend with the timer that expires it and
// a sequence number so the expiry can find exactly its own entry.
type pendingEntry struct {
	PendingSend
	seq   uint64
	timer *clock.Timer
}

// ticketState is the run loop's working state for one observed ticket.
// Only the run-loop goroutine touches it.
type ticketState struct {
	id      string
	phase   ticketPhase
	sub     SubscriptionState
	subject string
	status  string
	err     error

	// terminal marks a fetch failure that must not be retried
	// automatically (ticket not found, access denied).
	terminal bool

	messages   []Message
	present    map[MessageKey]struct{}
	tombstones map[MessageKey]struct{}

	// buffered holds live events that arrived before the snapshot;
	// they replay in arrival order once the snapshot seeds.
	buffered []channel.Event

	// fetchGen is the generation token of the in-flight snapshot
	// fetch, empty when none is running. Results carrying any other
	// token are stale and dropped.
	fetchGen      string
	fetchAttempts int

	pending []pendingEntry
}

// snapshotResult is what a fetch goroutine reports back to the run
// loop.
type snapshotResult struct {
	ticketID string
	gen      string
	snapshot *api.TicketSnapshot
	err      error
}

// Engine reconciles snapshots and live events for any number of
// tickets. Construct with [NewEngine], drive with [Engine.Run], and
// read through [Engine.View] and [Engine.Subscribe].
type Engine struct {
	fetcher          Fetcher
	channel          LiveChannel
	logger           *slog.Logger
	clk              clock.Clock
	pendingTimeout   time.Duration
	maxFetchAttempts int
	fetchBackoff     time.Duration

	commands  chan func()
	snapshots chan snapshotResult

	// ctx is the Run context; set once at the top of Run and read by
	// goroutines the run loop starts.
	ctx context.Context

	// tickets is owned by the run loop.
	tickets    map[string]*ticketState
	pendingSeq uint64

	mu          sync.RWMutex
	views       map[string]TicketView
	connState   channel.State
	subscribers []chan Update
}

// NewEngine validates the configuration and returns an Engine. Nothing
// happens until [Engine.Run] is called.
func NewEngine(config EngineConfig) (*Engine, error) {
	if config.Fetcher == nil {
		return nil, fmt.Errorf("conversation: Fetcher is required")
	}
	if config.Channel == nil {
		return nil, fmt.Errorf("conversation: Channel is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clk := config.Clock
	if clk == nil {
		clk = clock.Real()
	}
	pendingTimeout := config.PendingTimeout
	if pendingTimeout <= 0 {
		pendingTimeout = defaultPendingTimeout
	}
	maxAttempts := config.MaxFetchAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxFetchAttempts
	}
	backoff := config.FetchBackoff
	if backoff <= 0 {
		backoff = defaultFetchBackoff
	}
	return &Engine{
		fetcher:          config.Fetcher,
		channel:          config.Channel,
		logger:           logger,
		clk:              clk,
		pendingTimeout:   pendingTimeout,
		maxFetchAttempts: maxAttempts,
		fetchBackoff:     backoff,
		commands:         make(chan func(), commandBuffer),
		snapshots:        make(chan snapshotResult),
		tickets:          make(map[string]*ticketState),
		views:            make(map[string]TicketView),
	}, nil
}

// Run processes commands, live events, connection transitions, and
// snapshot results until ctx is cancelled. It returns ctx.Err(). All
// engine state is owned by this goroutine; call it exactly once.
func (e *Engine) Run(ctx context.Context) error {
	e.ctx = ctx
	states := e.channel.SubscribeState()
	e.storeConnState(e.channel.State())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case command := <-e.commands:
			command()
		case event := <-e.channel.Events():
			e.handleEvent(event)
		case state := <-states:
			e.handleConnState(state)
		case result := <-e.snapshots:
			e.handleSnapshot(result)
		}
	}
}

// Open starts observing a ticket: the engine joins its event room and
// fetches its snapshot concurrently. Opening an already observed
// ticket is a no-op.
func (e *Engine) Open(ticketID string) {
	e.commands <- func() { e.open(ticketID) }
}

// Close stops observing a ticket: the engine leaves its room, discards
// all state, and drops any in-flight snapshot result for it. Closing
// an unobserved ticket is a no-op.
func (e *Engine) Close(ticketID string) {
	e.commands <- func() { e.close(ticketID) }
}

// Submit sends a message on a ticket. It fails synchronously, without
// touching the network, when the channel is not connected or the body
// trims to empty. On success the message is tracked as pending until
// the server echoes it back or the timeout elapses; it is never
// appended to the conversation locally.
func (e *Engine) Submit(ticketID, body string) error {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return ErrEmptyMessage
	}
	if e.channel.State() != channel.StateConnected {
		return channel.ErrNotConnected
	}
	if err := e.channel.Send(ticketID, trimmed); err != nil {
		return err
	}
	e.commands <- func() { e.recordPending(ticketID, trimmed) }
	return nil
}

// View returns the current reconciled view of a ticket. The second
// return is false when the ticket is not observed.
func (e *Engine) View(ticketID string) (TicketView, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	view, ok := e.views[ticketID]
	return view, ok
}

// ConnectionState reports the live channel's state as last seen by the
// engine.
func (e *Engine) ConnectionState() channel.State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connState
}

// Subscribe returns a channel that receives an [Update] whenever a
// view or the connection state changes. Notifications are dropped
// rather than blocking the engine when the subscriber lags; the next
// View call observes the latest state regardless.
func (e *Engine) Subscribe() <-chan Update {
	ch := make(chan Update, updateBuffer)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

// --- run-loop handlers ---

func (e *Engine) open(id string) {
	if _, exists := e.tickets[id]; exists {
		return
	}
	st := &ticketState{
		id:         id,
		phase:      phaseSnapshotPending,
		sub:        SubscriptionJoining,
		present:    make(map[MessageKey]struct{}),
		tombstones: make(map[MessageKey]struct{}),
	}
	e.tickets[id] = st
	e.joinRoom(st)
	e.startFetch(st)
	e.publish(st)
	e.logger.Info("opened ticket", "ticket_id", id)
}

func (e *Engine) close(id string) {
	st, exists := e.tickets[id]
	if !exists {
		return
	}
	if err := e.channel.Leave(id); err != nil {
		e.logger.Warn("leave failed during teardown",
			"ticket_id", id, "error", err)
	}
	for _, p := range st.pending {
		p.timer.Stop()
	}
	delete(e.tickets, id)
	e.mu.Lock()
	delete(e.views, id)
	subscribers := e.subscribers
	e.mu.Unlock()
	e.notify(subscribers, Update{TicketID: id})
	e.logger.Info("closed ticket", "ticket_id", id)
}

func (e *Engine) handleEvent(event channel.Event) {
	st, exists := e.tickets[event.TicketID]
	if !exists {
		// Torn down or never opened; the matching leave may still be
		// in flight on the server.
		e.logger.Debug("dropping event for unobserved ticket",
			"ticket_id", event.TicketID, "kind", event.Kind)
		return
	}
	// An echoed message confirms delivery even while the snapshot is
	// still pending.
	if event.Kind == channel.MessageAdded {
		e.clearPending(st)
	}
	switch st.phase {
	case phaseSnapshotPending:
		st.buffered = append(st.buffered, event)
	case phaseLive:
		e.apply(st, event)
	}
	e.publish(st)
}

// parseTimestamp decodes a wire timestamp. Identity depends on the
// parsed instant, not the string: the snapshot and the stream may
// format the same moment differently, and both must map to one key.
func parseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// apply merges one live event into a live ticket's state.
func (e *Engine) apply(st *ticketState, event channel.Event) {
	switch event.Kind {
	case channel.MessageAdded:
		ts, err := parseTimestamp(event.Timestamp)
		if err != nil {
			e.logger.Warn("dropping message with unparseable timestamp",
				"ticket_id", st.id, "timestamp", event.Timestamp)
			return
		}
		e.mergeAdd(st, Message{
			SenderID:   event.SenderID,
			SenderName: event.SenderName,
			Body:       event.Body,
			Timestamp:  ts,
		})
	case channel.MessageRemoved:
		ts, err := parseTimestamp(event.Timestamp)
		if err != nil {
			e.logger.Warn("dropping removal with unparseable timestamp",
				"ticket_id", st.id, "timestamp", event.Timestamp)
			return
		}
		key := MessageKey{SenderID: event.SenderID, Timestamp: ts.UTC().UnixNano()}
		// Tombstone unconditionally: if a duplicate of the removed
		// message is still in flight, it must not resurrect.
		st.tombstones[key] = struct{}{}
		if _, ok := st.present[key]; ok {
			delete(st.present, key)
			st.messages = slices.DeleteFunc(st.messages, func(m Message) bool {
				return m.Key() == key
			})
		}
	case channel.StatusChanged:
		st.status = event.Status
	}
}

// mergeAdd appends a message unless its key is already present or
// tombstoned. Reports whether the conversation changed.
func (e *Engine) mergeAdd(st *ticketState, m Message) bool {
	key := m.Key()
	if _, dead := st.tombstones[key]; dead {
		return false
	}
	if _, dup := st.present[key]; dup {
		return false
	}
	st.present[key] = struct{}{}
	st.messages = append(st.messages, m)
	return true
}

func (e *Engine) handleConnState(state channel.State) {
	e.storeConnState(state)
	switch state {
	case channel.StateConnected:
		// Every observed ticket re-runs the join + snapshot race on
		// the fresh connection: without sequence numbers there is no
		// way to know what the disconnect swallowed. Displayed
		// messages stay put; the refetch can only add.
		for _, st := range e.tickets {
			if st.terminal {
				continue
			}
			e.joinRoom(st)
			if st.phase == phaseLive {
				st.phase = phaseSnapshotPending
			}
			e.startFetch(st)
			e.publish(st)
		}
	default:
		for _, st := range e.tickets {
			if st.sub == SubscriptionJoined {
				st.sub = SubscriptionJoining
				e.publish(st)
			}
		}
	}
	e.mu.RLock()
	subscribers := e.subscribers
	e.mu.RUnlock()
	e.notify(subscribers, Update{})
}

// joinRoom issues the join frame if the channel is up. There is no
// acknowledgement; a written frame is as joined as it gets.
func (e *Engine) joinRoom(st *ticketState) {
	if err := e.channel.Join(st.id); err != nil {
		st.sub = SubscriptionJoining
		e.logger.Warn("join failed, will retry on reconnect",
			"ticket_id", st.id, "error", err)
		return
	}
	st.sub = SubscriptionJoined
}

// startFetch begins a snapshot fetch unless one is already in flight
// for the ticket. The generation token ties the eventual result to
// this particular request so stale results are discarded.
func (e *Engine) startFetch(st *ticketState) {
	if st.fetchGen != "" {
		return
	}
	st.fetchGen = uuid.NewString()
	st.fetchAttempts = 0
	e.fetch(st.id, st.fetchGen)
}

func (e *Engine) fetch(id, gen string) {
	go func() {
		snapshot, err := e.fetcher.Ticket(e.ctx, id)
		select {
		case e.snapshots <- snapshotResult{ticketID: id, gen: gen, snapshot: snapshot, err: err}:
		case <-e.ctx.Done():
		}
	}()
}

func (e *Engine) handleSnapshot(result snapshotResult) {
	st, exists := e.tickets[result.ticketID]
	if !exists || st.fetchGen != result.gen {
		e.logger.Debug("dropping stale snapshot result",
			"ticket_id", result.ticketID)
		return
	}
	if result.err != nil {
		e.handleFetchError(st, result.err)
		return
	}
	st.fetchGen = ""
	st.fetchAttempts = 0
	st.err = nil
	st.subject = result.snapshot.Subject
	st.status = result.snapshot.Status
	for _, m := range result.snapshot.Messages {
		ts, err := parseTimestamp(m.Timestamp)
		if err != nil {
			e.logger.Warn("skipping snapshot message with unparseable timestamp",
				"ticket_id", st.id, "timestamp", m.Timestamp)
			continue
		}
		e.mergeAdd(st, Message{
			SenderID:   m.SenderID,
			SenderName: m.SenderName,
			Body:       m.Body,
			Timestamp:  ts,
		})
	}
	// Replay what arrived while the snapshot was in flight, in
	// arrival order, through the same merge rules.
	buffered := st.buffered
	st.buffered = nil
	st.phase = phaseLive
	for _, event := range buffered {
		e.apply(st, event)
	}
	e.publish(st)
	e.logger.Info("snapshot applied",
		"ticket_id", st.id,
		"messages", len(result.snapshot.Messages),
		"replayed", len(buffered))
}

func (e *Engine) handleFetchError(st *ticketState, err error) {
	var apiErr *api.Error
	if errors.As(err, &apiErr) && apiErr.Terminal() {
		st.fetchGen = ""
		st.err = err
		st.terminal = true
		st.buffered = nil
		e.publish(st)
		e.logger.Error("snapshot fetch failed terminally",
			"ticket_id", st.id, "error", err)
		return
	}
	st.fetchAttempts++
	if st.fetchAttempts >= e.maxFetchAttempts {
		st.fetchGen = ""
		st.err = err
		e.publish(st)
		e.logger.Error("snapshot fetch gave up",
			"ticket_id", st.id,
			"attempts", st.fetchAttempts,
			"error", err)
		return
	}
	backoff := min(e.fetchBackoff<<(st.fetchAttempts-1), maxFetchBackoff)
	e.logger.Warn("snapshot fetch failed, retrying",
		"ticket_id", st.id,
		"attempt", st.fetchAttempts,
		"backoff", backoff,
		"error", err)
	id, gen := st.id, st.fetchGen
	e.clk.AfterFunc(backoff, func() {
		e.commands <- func() { e.retryFetch(id, gen) }
	})
}

func (e *Engine) retryFetch(id, gen string) {
	st, exists := e.tickets[id]
	if !exists || st.fetchGen != gen {
		return
	}
	e.fetch(id, gen)
}

func (e *Engine) recordPending(id, body string) {
	st, exists := e.tickets[id]
	if !exists {
		return
	}
	e.pendingSeq++
	seq := e.pendingSeq
	timer := e.clk.AfterFunc(e.pendingTimeout, func() {
		e.commands <- func() { e.expirePending(id, seq) }
	})
	st.pending = append(st.pending, pendingEntry{
		PendingSend: PendingSend{Body: body, SubmittedAt: e.clk.Now()},
		seq:         seq,
		timer:       timer,
	})
	e.publish(st)
}

func (e *Engine) expirePending(id string, seq uint64) {
	st, exists := e.tickets[id]
	if !exists {
		return
	}
	before := len(st.pending)
	st.pending = slices.DeleteFunc(st.pending, func(p pendingEntry) bool {
		return p.seq == seq
	})
	if len(st.pending) != before {
		e.publish(st)
		e.logger.Debug("pending send expired unconfirmed", "ticket_id", id)
	}
}

// clearPending drops all pending sends for a ticket. Without message
// IDs there is no way to match an arriving message to a particular
// submission, so any arrival clears the lot.
func (e *Engine) clearPending(st *ticketState) {
	for _, p := range st.pending {
		p.timer.Stop()
	}
	st.pending = nil
}

// publish rebuilds the ticket's immutable view and notifies
// subscribers.
func (e *Engine) publish(st *ticketState) {
	view := TicketView{
		ID:           st.id,
		Subject:      st.subject,
		Status:       st.status,
		Subscription: st.sub,
		Live:         st.phase == phaseLive,
		Err:          st.err,
		Messages:     slices.Clone(st.messages),
	}
	if len(st.pending) > 0 {
		view.Pending = make([]PendingSend, len(st.pending))
		for i, p := range st.pending {
			view.Pending[i] = p.PendingSend
		}
	}
	e.mu.Lock()
	e.views[st.id] = view
	subscribers := e.subscribers
	e.mu.Unlock()
	e.notify(subscribers, Update{TicketID: st.id})
}

func (e *Engine) storeConnState(state channel.State) {
	e.mu.Lock()
	e.connState = state
	e.mu.Unlock()
}

func (e *Engine) notify(subscribers []chan Update, update Update) {
	for _, ch := range subscribers {
		select {
		case ch <- update:
		default:
		}
	}
}
