// Copyright 2026 The Helpdesk Authors
// SPDX-License-Identifier: Apache-2.0

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/openhelpdesk/helpdesk/api"
	"github.com/openhelpdesk/helpdesk/channel"
	"github.com/openhelpdesk/helpdesk/lib/clock"
	"github.com/openhelpdesk/helpdesk/lib/testutil"
)

// fakeChannel records outbound operations and lets tests inject events
// and connection transitions.
type fakeChannel struct {
	mu     sync.Mutex
	state  channel.State
	joins  []string
	leaves []string
	sends  [][2]string
	events chan channel.Event
	states chan channel.State
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		state:  channel.StateConnected,
		events: make(chan channel.Event, 32),
		states: make(chan channel.State, 8),
	}
}

func (f *fakeChannel) Join(ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != channel.StateConnected {
		return channel.ErrNotConnected
	}
	f.joins = append(f.joins, ticketID)
	return nil
}

func (f *fakeChannel) Leave(ticketID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves = append(f.leaves, ticketID)
	return nil
}

func (f *fakeChannel) Send(ticketID, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != channel.StateConnected {
		return channel.ErrNotConnected
	}
	f.sends = append(f.sends, [2]string{ticketID, body})
	return nil
}

func (f *fakeChannel) Events() <-chan channel.Event { return f.events }

func (f *fakeChannel) State() channel.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeChannel) SubscribeState() <-chan channel.State { return f.states }

func (f *fakeChannel) setState(state channel.State) {
	f.mu.Lock()
	f.state = state
	f.mu.Unlock()
	f.states <- state
}

func (f *fakeChannel) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.joins)
}

func (f *fakeChannel) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.leaves)
}

func (f *fakeChannel) lastSend() ([2]string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sends) == 0 {
		return [2]string{}, false
	}
	return f.sends[len(f.sends)-1], true
}

// fakeFetcher serves snapshots from a per-test function and counts
// calls.
type fakeFetcher struct {
	mu    sync.Mutex
	calls int
	fn    func(ticketID string) (*api.TicketSnapshot, error)
}

func (f *fakeFetcher) Ticket(ctx context.Context, ticketID string) (*api.TicketSnapshot, error) {
	f.mu.Lock()
	f.calls++
	fn := f.fn
	f.mu.Unlock()
	return fn(ticketID)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func startEngine(t *testing.T, fetcher Fetcher, ch LiveChannel, clk clock.Clock) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{
		Fetcher: fetcher,
		Channel: ch,
		Clock:   clk,
		Logger:  slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)
	return engine
}

func waitFor(t *testing.T, what string, condition func() bool) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, condition, what)
}

var baseTime = time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

func wireTime(offset time.Duration) string {
	return baseTime.Add(offset).Format(time.RFC3339Nano)
}

func addedEvent(ticketID, senderID, body string, offset time.Duration) channel.Event {
	return channel.Event{
		Kind:       channel.MessageAdded,
		TicketID:   ticketID,
		SenderID:   senderID,
		SenderName: senderID,
		Body:       body,
		Timestamp:  wireTime(offset),
	}
}

func removedEvent(ticketID, senderID string, offset time.Duration) channel.Event {
	return channel.Event{
		Kind:      channel.MessageRemoved,
		TicketID:  ticketID,
		SenderID:  senderID,
		Timestamp: wireTime(offset),
	}
}

func statusEvent(ticketID, status string) channel.Event {
	return channel.Event{
		Kind:     channel.StatusChanged,
		TicketID: ticketID,
		Status:   status,
	}
}

func snapshotWith(subject, status string, messages ...api.SnapshotMessage) *api.TicketSnapshot {
	return &api.TicketSnapshot{Subject: subject, Status: status, Messages: messages}
}

func snapMessage(senderID, body string, offset time.Duration) api.SnapshotMessage {
	return api.SnapshotMessage{
		SenderID:   senderID,
		SenderName: senderID,
		Body:       body,
		Timestamp:  wireTime(offset),
	}
}

func bodies(view TicketView) []string {
	out := make([]string, len(view.Messages))
	for i, m := range view.Messages {
		out[i] = m.Body
	}
	return out
}

func bodiesEqual(view TicketView, want ...string) bool {
	got := bodies(view)
	if len(got) != len(want) {
		return false
	}
	for i := range got {
		if got[i] != want[i] {
			return false
		}
	}
	return true
}

func TestSnapshotSeedsView(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		return snapshotWith("Printer on fire", "open",
			snapMessage("customer", "it burns", 0),
			snapMessage("agent", "on it", time.Second),
		), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "snapshot to apply", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Live
	})

	view, _ := engine.View("T1")
	if view.Subject != "Printer on fire" || view.Status != "open" {
		t.Errorf("view = %q/%q, want Printer on fire/open", view.Subject, view.Status)
	}
	if !bodiesEqual(view, "it burns", "on it") {
		t.Errorf("messages = %v", bodies(view))
	}
	if view.Subscription != SubscriptionJoined {
		t.Errorf("subscription = %v, want joined", view.Subscription)
	}
	if ch.joinCount() != 1 {
		t.Errorf("joins = %d, want 1", ch.joinCount())
	}
}

// Events that arrive while the snapshot is in flight buffer and replay
// after it, in arrival order and through the same merge rules.
func TestEventsBufferedUntilSnapshot(t *testing.T) {
	gate := make(chan struct{})
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		<-gate
		return snapshotWith("Login loop", "open",
			snapMessage("customer", "welcome", 0)), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "fetch to start", func() bool { return fetcher.callCount() == 1 })

	ch.events <- addedEvent("T1", "agent", "hi", time.Minute)
	ch.events <- statusEvent("T1", "closed")
	waitFor(t, "events to buffer", func() bool {
		view, ok := engine.View("T1")
		return ok && len(view.Messages) == 0 && !view.Live
	})

	close(gate)
	waitFor(t, "snapshot and replay", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Live
	})

	view, _ := engine.View("T1")
	if !bodiesEqual(view, "welcome", "hi") {
		t.Errorf("messages = %v, want snapshot first then buffered", bodies(view))
	}
	if view.Status != "closed" {
		t.Errorf("status = %q, want buffered status to win over snapshot", view.Status)
	}
}

func TestMergeRules(t *testing.T) {
	open := func(t *testing.T) (*Engine, *fakeChannel) {
		t.Helper()
		ch := newFakeChannel()
		fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
			return snapshotWith("s", "open"), nil
		}}
		engine := startEngine(t, fetcher, ch, clock.Real())
		engine.Open("T1")
		waitFor(t, "live", func() bool {
			view, ok := engine.View("T1")
			return ok && view.Live
		})
		return engine, ch
	}

	t.Run("duplicate key is a no-op", func(t *testing.T) {
		engine, ch := open(t)
		ch.events <- addedEvent("T1", "a", "first", 0)
		ch.events <- addedEvent("T1", "a", "echo of first", 0)
		ch.events <- addedEvent("T1", "b", "same instant, other sender", 0)
		waitFor(t, "merge", func() bool {
			view, _ := engine.View("T1")
			return len(view.Messages) == 2
		})
		view, _ := engine.View("T1")
		if !bodiesEqual(view, "first", "same instant, other sender") {
			t.Errorf("messages = %v", bodies(view))
		}
	})

	t.Run("removal deletes and tombstones", func(t *testing.T) {
		engine, ch := open(t)
		ch.events <- addedEvent("T1", "a", "going away", 0)
		ch.events <- removedEvent("T1", "a", 0)
		ch.events <- addedEvent("T1", "a", "late duplicate", 0)
		ch.events <- addedEvent("T1", "a", "stays", time.Second)
		waitFor(t, "merge", func() bool {
			view, _ := engine.View("T1")
			return bodiesEqual(view, "stays")
		})
	})

	t.Run("removal before add suppresses the add", func(t *testing.T) {
		engine, ch := open(t)
		ch.events <- removedEvent("T1", "a", 0)
		ch.events <- addedEvent("T1", "a", "never shown", 0)
		ch.events <- addedEvent("T1", "b", "shown", 0)
		waitFor(t, "merge", func() bool {
			view, _ := engine.View("T1")
			return bodiesEqual(view, "shown")
		})
	})

	t.Run("status is last write wins", func(t *testing.T) {
		engine, ch := open(t)
		ch.events <- statusEvent("T1", "closed")
		ch.events <- statusEvent("T1", "open")
		ch.events <- statusEvent("T1", "pending")
		waitFor(t, "status", func() bool {
			view, _ := engine.View("T1")
			return view.Status == "pending"
		})
	})
}

// Snapshot and stream may format the same instant differently; the
// dedup key is the parsed instant.
func TestDedupAcrossTimestampFormats(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		return snapshotWith("s", "open", api.SnapshotMessage{
			SenderID:   "a",
			SenderName: "a",
			Body:       "once",
			Timestamp:  baseTime.Format(time.RFC3339),
		}), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())
	engine.Open("T1")
	waitFor(t, "live", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Live
	})

	ch.events <- channel.Event{
		Kind:       channel.MessageAdded,
		TicketID:   "T1",
		SenderID:   "a",
		SenderName: "a",
		Body:       "once again",
		Timestamp:  baseTime.In(time.FixedZone("CET", 3600)).Format(time.RFC3339Nano),
	}
	ch.events <- addedEvent("T1", "a", "sentinel", time.Hour)
	waitFor(t, "sentinel", func() bool {
		view, _ := engine.View("T1")
		return bodiesEqual(view, "once", "sentinel")
	})
}

func TestReconnectRejoinsAndRefetches(t *testing.T) {
	var fetches int
	var mu sync.Mutex
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		mu.Lock()
		fetches++
		n := fetches
		mu.Unlock()
		if n == 1 {
			return snapshotWith("s", "open",
				snapMessage("a", "first", 0),
				snapMessage("b", "second", time.Second)), nil
		}
		// After the reconnect the server has more history; the
		// overlap must not duplicate.
		return snapshotWith("s", "open",
			snapMessage("a", "first", 0),
			snapMessage("c", "third", 2*time.Second)), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "initial snapshot", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Live
	})

	ch.setState(channel.StateConnecting)
	waitFor(t, "joining after drop", func() bool {
		view, _ := engine.View("T1")
		return view.Subscription == SubscriptionJoining
	})

	ch.setState(channel.StateConnected)
	waitFor(t, "refetch to land", func() bool {
		view, _ := engine.View("T1")
		return view.Live && len(view.Messages) == 3
	})

	view, _ := engine.View("T1")
	if !bodiesEqual(view, "first", "second", "third") {
		t.Errorf("messages = %v, want kept history plus the refetched tail", bodies(view))
	}
	if view.Subscription != SubscriptionJoined {
		t.Errorf("subscription = %v, want joined", view.Subscription)
	}
	if ch.joinCount() != 2 {
		t.Errorf("joins = %d, want exactly one per connection", ch.joinCount())
	}
	if fetcher.callCount() != 2 {
		t.Errorf("fetches = %d, want 2", fetcher.callCount())
	}
}

func TestSingleInFlightFetch(t *testing.T) {
	gate := make(chan struct{})
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		<-gate
		return snapshotWith("s", "open"), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "fetch to start", func() bool { return fetcher.callCount() == 1 })

	// Connection flaps while the first fetch is still in flight must
	// not pile up concurrent fetches.
	for range 3 {
		ch.setState(channel.StateConnecting)
		ch.setState(channel.StateConnected)
	}
	waitFor(t, "rejoins", func() bool { return ch.joinCount() == 4 })
	if fetcher.callCount() != 1 {
		t.Errorf("fetches = %d, want the in-flight fetch reused", fetcher.callCount())
	}

	close(gate)
	waitFor(t, "snapshot", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Live
	})
}

func TestCloseDropsLateSnapshot(t *testing.T) {
	gate := make(chan struct{})
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		<-gate
		return snapshotWith("s", "open", snapMessage("a", "too late", 0)), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "fetch to start", func() bool { return fetcher.callCount() == 1 })

	engine.Close("T1")
	waitFor(t, "leave", func() bool { return ch.leaveCount() == 1 })
	close(gate)

	// The stale result must not recreate the ticket.
	time.Sleep(20 * time.Millisecond)
	if _, ok := engine.View("T1"); ok {
		t.Error("view exists after close")
	}

	// Events for the closed ticket are dropped too.
	ch.events <- addedEvent("T1", "a", "ghost", 0)
	time.Sleep(20 * time.Millisecond)
	if _, ok := engine.View("T1"); ok {
		t.Error("event recreated a closed ticket")
	}
}

func TestTerminalFetchError(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		return nil, &api.Error{Kind: api.KindForbidden, StatusCode: 403, Message: "not yours"}
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())

	engine.Open("T1")
	waitFor(t, "terminal error", func() bool {
		view, ok := engine.View("T1")
		return ok && view.Err != nil
	})

	view, _ := engine.View("T1")
	if !api.IsKind(view.Err, api.KindForbidden) {
		t.Errorf("err = %v, want forbidden", view.Err)
	}
	if fetcher.callCount() != 1 {
		t.Errorf("fetches = %d, terminal errors must not retry", fetcher.callCount())
	}

	// A reconnect does not resurrect a terminally failed ticket.
	joins := ch.joinCount()
	ch.setState(channel.StateConnecting)
	ch.setState(channel.StateConnected)
	waitFor(t, "reconnect processed", func() bool {
		return engine.ConnectionState() == channel.StateConnected
	})
	time.Sleep(20 * time.Millisecond)
	if ch.joinCount() != joins {
		t.Error("terminal ticket was rejoined")
	}
	if fetcher.callCount() != 1 {
		t.Error("terminal ticket was refetched")
	}
}

func TestTransportErrorRetries(t *testing.T) {
	t.Run("recovers after one failure", func(t *testing.T) {
		clk := clock.Fake(baseTime)
		var mu sync.Mutex
		var attempts int
		ch := newFakeChannel()
		fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n == 1 {
				return nil, fmt.Errorf("read tcp: connection reset")
			}
			return snapshotWith("s", "open", snapMessage("a", "finally", 0)), nil
		}}
		engine := startEngine(t, fetcher, ch, clk)

		engine.Open("T1")
		waitFor(t, "retry timer armed", func() bool { return clk.PendingWaiters() > 0 })
		clk.Advance(time.Second)

		waitFor(t, "retry to succeed", func() bool {
			view, ok := engine.View("T1")
			return ok && view.Live
		})
		view, _ := engine.View("T1")
		if view.Err != nil {
			t.Errorf("err = %v, want cleared after success", view.Err)
		}
		if !bodiesEqual(view, "finally") {
			t.Errorf("messages = %v", bodies(view))
		}
	})

	t.Run("gives up after the attempt cap", func(t *testing.T) {
		clk := clock.Fake(baseTime)
		transportErr := errors.New("dial tcp: connection refused")
		ch := newFakeChannel()
		fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
			return nil, transportErr
		}}
		engine := startEngine(t, fetcher, ch, clk)

		engine.Open("T2")
		for range 4 {
			waitFor(t, "retry timer armed", func() bool { return clk.PendingWaiters() > 0 })
			clk.Advance(30 * time.Second)
		}

		waitFor(t, "give up", func() bool {
			view, ok := engine.View("T2")
			return ok && view.Err != nil
		})
		if fetcher.callCount() != 5 {
			t.Errorf("fetches = %d, want 5 attempts", fetcher.callCount())
		}
		view, _ := engine.View("T2")
		if !errors.Is(view.Err, transportErr) {
			t.Errorf("err = %v, want the transport error surfaced", view.Err)
		}
	})
}

func TestSubmit(t *testing.T) {
	newLive := func(t *testing.T, clk clock.Clock) (*Engine, *fakeChannel) {
		t.Helper()
		ch := newFakeChannel()
		fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
			return snapshotWith("s", "open"), nil
		}}
		engine := startEngine(t, fetcher, ch, clk)
		engine.Open("T1")
		waitFor(t, "live", func() bool {
			view, ok := engine.View("T1")
			return ok && view.Live
		})
		return engine, ch
	}

	t.Run("rejects empty body", func(t *testing.T) {
		engine, ch := newLive(t, clock.Real())
		if err := engine.Submit("T1", "   \n\t"); !errors.Is(err, ErrEmptyMessage) {
			t.Errorf("err = %v, want ErrEmptyMessage", err)
		}
		if _, sent := ch.lastSend(); sent {
			t.Error("empty submit reached the channel")
		}
	})

	t.Run("fails fast when disconnected", func(t *testing.T) {
		engine, ch := newLive(t, clock.Real())
		ch.setState(channel.StateDisconnected)
		waitFor(t, "state seen", func() bool {
			return engine.ConnectionState() == channel.StateDisconnected
		})
		if err := engine.Submit("T1", "hello"); !errors.Is(err, channel.ErrNotConnected) {
			t.Errorf("err = %v, want ErrNotConnected", err)
		}
	})

	t.Run("trims and tracks pending until echoed", func(t *testing.T) {
		engine, ch := newLive(t, clock.Real())
		if err := engine.Submit("T1", "  on my way  "); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		send, ok := ch.lastSend()
		if !ok || send != [2]string{"T1", "on my way"} {
			t.Errorf("send = %v, want trimmed body on T1", send)
		}
		waitFor(t, "pending recorded", func() bool {
			view, _ := engine.View("T1")
			return len(view.Pending) == 1 && view.Pending[0].Body == "on my way"
		})

		// The conversation itself is untouched until the echo.
		view, _ := engine.View("T1")
		if len(view.Messages) != 0 {
			t.Errorf("messages = %v, want no optimistic append", bodies(view))
		}

		ch.events <- addedEvent("T1", "me", "on my way", 0)
		waitFor(t, "pending cleared by echo", func() bool {
			view, _ := engine.View("T1")
			return len(view.Pending) == 0 && len(view.Messages) == 1
		})
	})

	t.Run("pending expires unconfirmed", func(t *testing.T) {
		clk := clock.Fake(baseTime)
		engine, _ := newLive(t, clk)
		if err := engine.Submit("T1", "anyone there?"); err != nil {
			t.Fatalf("Submit: %v", err)
		}
		waitFor(t, "pending recorded", func() bool {
			view, _ := engine.View("T1")
			return len(view.Pending) == 1
		})
		clk.Advance(30 * time.Second)
		waitFor(t, "pending expired", func() bool {
			view, _ := engine.View("T1")
			return len(view.Pending) == 0
		})
	})
}

func TestSubscribeNotifies(t *testing.T) {
	ch := newFakeChannel()
	fetcher := &fakeFetcher{fn: func(string) (*api.TicketSnapshot, error) {
		return snapshotWith("s", "open"), nil
	}}
	engine := startEngine(t, fetcher, ch, clock.Real())
	updates := engine.Subscribe()

	engine.Open("T1")
	deadline := time.After(2 * time.Second)
	for {
		select {
		case update := <-updates:
			if update.TicketID != "T1" {
				continue
			}
			if view, ok := engine.View("T1"); ok && view.Live {
				return
			}
		case <-deadline:
			t.Fatal("no update for T1")
		}
	}
}
