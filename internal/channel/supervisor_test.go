// ABOUTME: Tests for the connection supervisor state machine and reconnect backoff.
// ABOUTME: Uses scripted fake connections and an injected reconnect timer.

package channel

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	events chan Event

	mu     sync.Mutex
	sent   []string
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{events: make(chan Event, 16)}
}

func (c *fakeConn) Events() <-chan Event { return c.events }

func (c *fakeConn) Send(_ context.Context, conversationID, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, conversationID+":"+text)
	return nil
}

func (c *fakeConn) SetPresence(context.Context, string, Presence) error { return nil }

func (c *fakeConn) GroupSubject(context.Context, string) (string, error) { return "Team", nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeTransport hands out connections from a channel so tests control each attempt.
type fakeTransport struct {
	conns chan *fakeConn
	errs  chan error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{conns: make(chan *fakeConn, 8), errs: make(chan error, 8)}
}

func (t *fakeTransport) Connect(ctx context.Context) (Connection, error) {
	select {
	case err := <-t.errs:
		return nil, err
	default:
	}
	select {
	case c := <-t.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// delayRecorder captures reconnect delays and fires timers immediately.
type delayRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
	fired  chan struct{}
}

func newDelayRecorder() *delayRecorder {
	return &delayRecorder{fired: make(chan struct{}, 16)}
}

func (d *delayRecorder) after(delay time.Duration) <-chan time.Time {
	d.mu.Lock()
	d.delays = append(d.delays, delay)
	d.mu.Unlock()
	d.fired <- struct{}{}

	ch := make(chan time.Time, 1)
	ch <- time.Now()
	return ch
}

func (d *delayRecorder) recorded() []time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Duration(nil), d.delays...)
}

func newTestSupervisor(tr Transport, rec *delayRecorder) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Transport: tr,
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		Rand:      func() float64 { return 0 },
		After:     rec.after,
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestReconnectDelay(t *testing.T) {
	for attempt := 0; attempt < 12; attempt++ {
		base := min(time.Second<<attempt, 60*time.Second)
		assert.Equal(t, base, ReconnectDelay(attempt, 0), "attempt %d without jitter", attempt)
		assert.Equal(t, base+time.Duration(0.3*float64(base)), ReconnectDelay(attempt, 1), "attempt %d full jitter", attempt)

		got := ReconnectDelay(attempt, 0.5)
		assert.GreaterOrEqual(t, got, base)
		assert.LessOrEqual(t, got, base+base*3/10)
	}

	assert.Equal(t, 60*time.Second, ReconnectDelay(1000, 0))
	assert.Equal(t, time.Second, ReconnectDelay(-1, 0))
	assert.Equal(t, 2*time.Second+600*time.Millisecond, ReconnectDelay(1, 7))
}

func TestSupervisor_StateTransitions(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns <- conn
	s := newTestSupervisor(tr, newDelayRecorder())

	assert.Equal(t, StateDisconnected, s.Status())

	var mu sync.Mutex
	var batches []MessageBatch
	require.NoError(t, s.Connect(context.Background(), func(b MessageBatch) {
		mu.Lock()
		defer mu.Unlock()
		batches = append(batches, b)
	}))
	defer s.Close()

	conn.events <- Event{Kind: EventPairingCode, PairingCode: "ABCD-1234"}
	waitFor(t, func() bool { return s.PairingCode() == "ABCD-1234" })
	assert.Equal(t, StateDisconnected, s.Status())

	conn.events <- Event{Kind: EventConnecting}
	waitFor(t, func() bool { return s.Status() == StateConnecting })

	conn.events <- Event{Kind: EventOpen}
	waitFor(t, func() bool { return s.Status() == StateOpen })
	assert.Empty(t, s.PairingCode())

	conn.events <- Event{Kind: EventMessages, Batch: MessageBatch{
		Delivery: DeliveryNotify,
		Messages: []InboundMessage{{ID: "m1", ConversationID: "c1", Text: "hi"}},
	}}
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(batches) == 1
	})

	require.NoError(t, s.Send(context.Background(), "c1", "hello"))
	subject, err := s.GroupSubject(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "Team", subject)
}

func TestSupervisor_ReconnectsWithBackoff(t *testing.T) {
	tr := newFakeTransport()
	rec := newDelayRecorder()
	s := newTestSupervisor(tr, rec)

	first := newFakeConn()
	tr.conns <- first
	require.NoError(t, s.Connect(context.Background(), nil))
	defer s.Close()

	// A close followed by a failed dial grows the delay.
	tr.errs <- errors.New("dial failed")
	first.events <- Event{Kind: EventClose, Close: CloseReason{Err: errors.New("stream reset")}}
	<-rec.fired
	<-rec.fired

	// A successful open resets the attempt counter.
	second := newFakeConn()
	tr.conns <- second
	second.events <- Event{Kind: EventOpen}
	waitFor(t, func() bool { return s.Status() == StateOpen })
	assert.True(t, first.isClosed())

	close(second.events)
	<-rec.fired
	waitFor(t, func() bool { return s.Status() == StateDisconnected })

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, time.Second}, rec.recorded())
	assert.False(t, s.LoggedOut())
}

func TestSupervisor_LoggedOutStopsReconnecting(t *testing.T) {
	tr := newFakeTransport()
	rec := newDelayRecorder()
	s := newTestSupervisor(tr, rec)

	conn := newFakeConn()
	tr.conns <- conn
	require.NoError(t, s.Connect(context.Background(), nil))

	conn.events <- Event{Kind: EventOpen}
	waitFor(t, func() bool { return s.Status() == StateOpen })
	conn.events <- Event{Kind: EventClose, Close: CloseReason{LoggedOut: true}}

	waitFor(t, s.LoggedOut)
	// The supervisor goroutine exits, so Close returns without cancelling anything in flight.
	require.NoError(t, s.Close())

	assert.Equal(t, StateDisconnected, s.Status())
	assert.Empty(t, rec.recorded())
	assert.True(t, conn.isClosed())

	err := s.Send(context.Background(), "c1", "hi")
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSupervisor_NotConnectedBeforeConnect(t *testing.T) {
	s := newTestSupervisor(newFakeTransport(), newDelayRecorder())

	assert.ErrorIs(t, s.Send(context.Background(), "c", "x"), ErrNotConnected)
	assert.ErrorIs(t, s.SetPresence(context.Background(), "c", PresenceComposing), ErrNotConnected)
	_, err := s.GroupSubject(context.Background(), "c")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, s.Close())
}

func TestSupervisor_ConnectTwice(t *testing.T) {
	tr := newFakeTransport()
	s := newTestSupervisor(tr, newDelayRecorder())
	require.NoError(t, s.Connect(context.Background(), nil))
	defer s.Close()
	assert.Error(t, s.Connect(context.Background(), nil))
}

func TestSupervisor_CloseStopsConnection(t *testing.T) {
	tr := newFakeTransport()
	conn := newFakeConn()
	tr.conns <- conn
	s := newTestSupervisor(tr, newDelayRecorder())
	require.NoError(t, s.Connect(context.Background(), nil))

	conn.events <- Event{Kind: EventOpen}
	waitFor(t, func() bool { return s.Status() == StateOpen })

	require.NoError(t, s.Close())
	assert.True(t, conn.isClosed())
	assert.Equal(t, StateDisconnected, s.Status())
	assert.False(t, s.LoggedOut())
}
