// ABOUTME: Supervisor keeps one channel connection alive, reconnecting with backoff.
// ABOUTME: Tracks connection state and pairing code, and forwards inbound messages.

package channel

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// errStreamEnded is the close reason when a connection's events stop without EventClose.
var errStreamEnded = errors.New("event stream ended")

// Observer receives connection state changes. *metrics.Metrics satisfies it.
type Observer interface {
	SetChannelState(state string)
	IncChannelReconnects()
}

// SupervisorConfig contains configuration options for the Supervisor.
type SupervisorConfig struct {
	Transport Transport
	Logger    *slog.Logger
	Observer  Observer

	// Rand returns jitter in [0, 1). Defaults to math/rand.
	Rand func() float64
	// After schedules the reconnect timer. Defaults to time.After.
	After func(d time.Duration) <-chan time.Time
}

// Supervisor owns the single channel connection.
type Supervisor struct {
	transport Transport
	logger    *slog.Logger
	observer  Observer
	rand      func() float64
	after     func(d time.Duration) <-chan time.Time

	mu          sync.RWMutex
	state       State
	pairingCode string
	loggedOut   bool
	attempt     int
	conn        Connection
	started     bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSupervisor creates a Supervisor in the Disconnected state.
func NewSupervisor(cfg SupervisorConfig) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	r := cfg.Rand
	if r == nil {
		r = rand.Float64
	}
	after := cfg.After
	if after == nil {
		after = time.After
	}
	return &Supervisor{
		transport: cfg.Transport,
		logger:    logger.With("component", "channel"),
		observer:  cfg.Observer,
		rand:      r,
		after:     after,
		state:     StateDisconnected,
		done:      make(chan struct{}),
	}
}

// Status returns the current connection state.
func (s *Supervisor) Status() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// PairingCode returns the pending pairing code, or "" once linked.
func (s *Supervisor) PairingCode() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pairingCode
}

// LoggedOut reports whether the credentials were revoked. Once set, the
// supervisor no longer reconnects.
func (s *Supervisor) LoggedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loggedOut
}

// Connect starts supervising in the background. onInbound is called from
// the supervisor goroutine for every message batch and must not block.
// The connection lives until ctx is cancelled or Close is called.
func (s *Supervisor) Connect(ctx context.Context, onInbound func(MessageBatch)) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("supervisor already started")
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	go s.run(ctx, onInbound)
	return nil
}

// Close stops supervising and closes the live connection.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	started := s.started
	s.mu.Unlock()

	if !started {
		return nil
	}
	cancel()
	<-s.done
	return nil
}

// Send forwards to the live connection.
func (s *Supervisor) Send(ctx context.Context, conversationID, text string) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	return conn.Send(ctx, conversationID, text)
}

// SetPresence forwards to the live connection.
func (s *Supervisor) SetPresence(ctx context.Context, conversationID string, presence Presence) error {
	conn, err := s.live()
	if err != nil {
		return err
	}
	return conn.SetPresence(ctx, conversationID, presence)
}

// GroupSubject forwards to the live connection.
func (s *Supervisor) GroupSubject(ctx context.Context, conversationID string) (string, error) {
	conn, err := s.live()
	if err != nil {
		return "", err
	}
	return conn.GroupSubject(ctx, conversationID)
}

func (s *Supervisor) live() (Connection, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conn == nil {
		return nil, ErrNotConnected
	}
	return s.conn, nil
}

func (s *Supervisor) run(ctx context.Context, onInbound func(MessageBatch)) {
	defer close(s.done)

	for {
		var reason CloseReason
		conn, err := s.transport.Connect(ctx)
		if err != nil {
			reason = CloseReason{Err: err}
		} else {
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()

			reason = s.pump(ctx, conn, onInbound)

			s.mu.Lock()
			s.conn = nil
			s.mu.Unlock()
			if err := conn.Close(); err != nil {
				s.logger.Debug("error closing connection", "error", err)
			}
		}

		if ctx.Err() != nil {
			s.setState(StateDisconnected)
			return
		}

		delay, retry := s.handleClose(reason)
		if !retry {
			return
		}

		select {
		case <-s.after(delay):
		case <-ctx.Done():
			return
		}
		if s.observer != nil {
			s.observer.IncChannelReconnects()
		}
	}
}

// pump applies connection events until the connection closes.
func (s *Supervisor) pump(ctx context.Context, conn Connection, onInbound func(MessageBatch)) CloseReason {
	events := conn.Events()
	for {
		select {
		case <-ctx.Done():
			return CloseReason{Err: ctx.Err()}
		case ev, ok := <-events:
			if !ok {
				return CloseReason{Err: errStreamEnded}
			}
			if ev.Kind == EventClose {
				return ev.Close
			}
			s.apply(ev, onInbound)
		}
	}
}

func (s *Supervisor) apply(ev Event, onInbound func(MessageBatch)) {
	switch ev.Kind {
	case EventPairingCode:
		s.mu.Lock()
		s.pairingCode = ev.PairingCode
		s.mu.Unlock()
		s.logger.Info("pairing code issued; link the account to continue")

	case EventConnecting:
		s.setState(StateConnecting)

	case EventOpen:
		s.mu.Lock()
		s.pairingCode = ""
		s.attempt = 0
		s.mu.Unlock()
		s.setState(StateOpen)
		s.logger.Info("channel connected")

	case EventMessages:
		if onInbound != nil && len(ev.Batch.Messages) > 0 {
			onInbound(ev.Batch)
		}
	}
}

// handleClose records a close and returns the reconnect delay, or false
// when no reconnect should be attempted.
func (s *Supervisor) handleClose(reason CloseReason) (time.Duration, bool) {
	s.setState(StateDisconnected)

	s.mu.Lock()
	defer s.mu.Unlock()

	if reason.LoggedOut {
		s.loggedOut = true
		s.logger.Warn("channel logged out; re-authenticate and restart to reconnect", "error", reason.Err)
		return 0, false
	}

	delay := ReconnectDelay(s.attempt, s.rand())
	s.attempt++
	s.logger.Warn("channel disconnected, reconnecting",
		"error", reason.Err,
		"attempt", s.attempt,
		"delay", delay.Round(time.Millisecond),
	)
	return delay, true
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	changed := s.state != state
	s.state = state
	s.mu.Unlock()

	if changed && s.observer != nil {
		s.observer.SetChannelState(string(state))
	}
}
