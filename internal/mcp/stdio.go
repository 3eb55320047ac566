// ABOUTME: Newline-delimited JSON-RPC over a byte stream, plus a child-process wrapper.
// ABOUTME: Used for stdio tool servers launched as local commands.

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// maxLineSize bounds one JSON-RPC line read from a server.
const maxLineSize = 16 * 1024 * 1024

// processStopGrace is how long a child gets to exit after stdin closes.
const processStopGrace = 2 * time.Second

// StreamTransport exchanges newline-delimited JSON-RPC messages over a
// reader/writer pair.
type StreamTransport struct {
	r      io.Reader
	w      io.WriteCloser
	logger *slog.Logger

	writeMu  sync.Mutex
	pending  *pendingCalls
	done     chan struct{}
	readDone chan struct{}
	once     sync.Once
}

// NewStreamTransport creates a transport reading responses from r and
// writing requests to w. Start launches the reader loop.
func NewStreamTransport(r io.Reader, w io.WriteCloser, logger *slog.Logger) *StreamTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTransport{
		r:       r,
		w:       w,
		logger:  logger,
		pending:  newPendingCalls(),
		done:     make(chan struct{}),
		readDone: make(chan struct{}),
	}
}

// Start launches the reader loop.
func (t *StreamTransport) Start(_ context.Context) error {
	go t.readLoop()
	return nil
}

// RoundTrip writes msg and waits for the response with the same ID.
func (t *StreamTransport) RoundTrip(ctx context.Context, msg *Message) (*Message, error) {
	id := msg.idKey()
	ch, err := t.pending.add(id)
	if err != nil {
		return nil, err
	}
	if err := t.write(msg); err != nil {
		t.pending.remove(id)
		return nil, err
	}
	return t.pending.wait(ctx, id, ch)
}

// Notify writes msg without waiting.
func (t *StreamTransport) Notify(_ context.Context, msg *Message) error {
	return t.write(msg)
}

// Close closes the write side and fails pending calls.
func (t *StreamTransport) Close() error {
	var err error
	t.once.Do(func() {
		close(t.done)
		err = t.w.Close()
		t.pending.closeAll(ErrClosed)
	})
	return err
}

func (t *StreamTransport) write(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	data = append(data, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	select {
	case <-t.done:
		return ErrClosed
	default:
	}
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("writing message: %w", err)
	}
	return nil
}

func (t *StreamTransport) readLoop() {
	defer close(t.readDone)

	scanner := bufio.NewScanner(t.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			t.logger.Debug("ignoring non-JSON line from server", "error", err)
			continue
		}

		switch {
		case msg.isResponse():
			if !t.pending.deliver(&msg) {
				t.logger.Debug("response for unknown request", "id", msg.idKey())
			}
		case msg.isRequest():
			if err := t.write(replyTo(&msg)); err != nil {
				t.logger.Debug("failed to answer server request", "method", msg.Method, "error", err)
			}
		default:
			// server notifications (logging, progress) are not surfaced
		}
	}

	err := scanner.Err()
	if err == nil {
		err = io.EOF
	}
	t.pending.closeAll(fmt.Errorf("server stream ended: %w", err))
}

// ProcessConfig describes a tool server launched as a child process.
type ProcessConfig struct {
	Command string
	Args    []string
	Env     map[string]string
}

// ProcessTransport runs a command and speaks JSON-RPC over its stdin/stdout.
// The child's stderr is forwarded to the logger.
type ProcessTransport struct {
	cfg    ProcessConfig
	logger *slog.Logger

	cmd       *exec.Cmd
	stream    *StreamTransport
	exited    chan struct{}
	stopGrace time.Duration
}

// NewProcessTransport creates a transport for cfg. Start spawns the process.
func NewProcessTransport(cfg ProcessConfig, logger *slog.Logger) *ProcessTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &ProcessTransport{cfg: cfg, logger: logger, stopGrace: processStopGrace}
}

// Start spawns the child. The process outlives ctx; Close stops it.
func (p *ProcessTransport) Start(ctx context.Context) error {
	if p.cfg.Command == "" {
		return errors.New("command is required")
	}

	cmd := exec.Command(p.cfg.Command, p.cfg.Args...) //nolint:gosec // command comes from admin-managed config
	cmd.Env = os.Environ()
	for k, v := range p.cfg.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting %s: %w", p.cfg.Command, err)
	}

	p.cmd = cmd
	p.exited = make(chan struct{})
	p.stream = NewStreamTransport(stdout, stdin, p.logger)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.forwardStderr(stderr)
	}()
	if err := p.stream.Start(ctx); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return err
	}

	// Wait closes the pipes, so it must not run until both readers hit EOF.
	go func() {
		<-p.stream.readDone
		<-stderrDone
		if err := cmd.Wait(); err != nil {
			p.logger.Debug("tool server exited", "command", p.cfg.Command, "error", err)
		}
		close(p.exited)
	}()

	return nil
}

// RoundTrip forwards to the stdio stream.
func (p *ProcessTransport) RoundTrip(ctx context.Context, msg *Message) (*Message, error) {
	if p.stream == nil {
		return nil, ErrClosed
	}
	return p.stream.RoundTrip(ctx, msg)
}

// Notify forwards to the stdio stream.
func (p *ProcessTransport) Notify(ctx context.Context, msg *Message) error {
	if p.stream == nil {
		return ErrClosed
	}
	return p.stream.Notify(ctx, msg)
}

// Close closes stdin and waits briefly for the child to exit before killing it.
func (p *ProcessTransport) Close() error {
	if p.stream == nil {
		return nil
	}
	err := p.stream.Close()

	select {
	case <-p.exited:
	case <-time.After(p.stopGrace):
		p.logger.Warn("tool server did not exit, killing", "command", p.cfg.Command)
		_ = p.cmd.Process.Kill()
		// A grandchild holding the pipes open would keep the readers alive.
		select {
		case <-p.exited:
		case <-time.After(p.stopGrace):
			p.logger.Warn("tool server pipes still open after kill", "command", p.cfg.Command)
		}
	}
	return err
}

func (p *ProcessTransport) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("tool server stderr", "command", p.cfg.Command, "line", scanner.Text())
	}
}
