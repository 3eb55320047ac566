// ABOUTME: Dispatch queue turning inbound chat messages into serialized agent runs.
// ABOUTME: Deduplicates redeliveries and runs one chain per conversation, in arrival order.

package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/agent"
	"github.com/2389/coven-relay/internal/channel"
	"github.com/2389/coven-relay/internal/dedupe"
	"github.com/2389/coven-relay/internal/store"
)

// Store is the persistence the queue needs.
type Store interface {
	UpsertConversation(ctx context.Context, id, name string) error
	IsAgentEnabled(ctx context.Context, id string) (bool, error)
	SaveUsage(ctx context.Context, usage *store.RunUsage) error
}

// Channel sends replies and typing indicators. *channel.Supervisor satisfies it.
type Channel interface {
	Send(ctx context.Context, conversationID, text string) error
	SetPresence(ctx context.Context, conversationID string, presence channel.Presence) error
	GroupSubject(ctx context.Context, conversationID string) (string, error)
}

// Runner answers one message. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Observer receives queue statistics. *metrics.Metrics satisfies it.
type Observer interface {
	IncInbound(outcome string)
	SetActiveChains(n int)
}

// Config contains the Queue's collaborators.
type Config struct {
	Store   Store
	Channel Channel
	Runner  Runner
	// Seen defaults to a set of dedupe.DefaultCapacity ids.
	Seen      *dedupe.SeenSet
	ChunkSize int
	Observer  Observer
	Logger    *slog.Logger
	// Context is the base context for chain work. Defaults to context.Background.
	Context context.Context
}

// chain is the pending work for one conversation.
type chain struct {
	pending []func()
}

// Queue serializes agent runs per conversation.
type Queue struct {
	store     Store
	channel   Channel
	runner    Runner
	seen      *dedupe.SeenSet
	chunkSize int
	observer  Observer
	logger    *slog.Logger
	ctx       context.Context

	mu     sync.Mutex
	chains map[string]*chain
	wg     sync.WaitGroup
}

// NewQueue creates a Queue.
func NewQueue(cfg Config) *Queue {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	seen := cfg.Seen
	if seen == nil {
		seen = dedupe.New(dedupe.DefaultCapacity)
	}
	chunkSize := cfg.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	ctx := cfg.Context
	if ctx == nil {
		ctx = context.Background()
	}

	return &Queue{
		store:     cfg.Store,
		channel:   cfg.Channel,
		runner:    cfg.Runner,
		seen:      seen,
		chunkSize: chunkSize,
		observer:  cfg.Observer,
		logger:    logger.With("component", "dispatch"),
		ctx:       ctx,
		chains:    make(map[string]*chain),
	}
}

// OnInboundEvent filters a batch and schedules each accepted message on its
// conversation's chain. It never blocks on agent work.
func (q *Queue) OnInboundEvent(batch channel.MessageBatch) {
	if batch.Delivery != channel.DeliveryNotify {
		q.count("backlog")
		return
	}

	for _, msg := range batch.Messages {
		if msg.ConversationID == "" {
			continue
		}
		if msg.ID != "" && q.seen.CheckAndMark(msg.ID) {
			q.count("duplicate")
			q.logger.Debug("dropping redelivered message", "message_id", msg.ID)
			continue
		}
		if msg.FromSelf {
			q.count("self")
			continue
		}
		if strings.TrimSpace(msg.Text) == "" {
			q.count("empty")
			continue
		}

		q.count("accepted")
		q.enqueue(msg.ConversationID, func() { q.process(msg) })
	}
}

// Wait blocks until every scheduled message has been processed.
func (q *Queue) Wait() {
	q.wg.Wait()
}

// ActiveChains returns the number of conversations with pending work.
func (q *Queue) ActiveChains() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.chains)
}

func (q *Queue) enqueue(key string, task func()) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.wg.Add(1)
	c, exists := q.chains[key]
	if !exists {
		c = &chain{}
		q.chains[key] = c
	}
	c.pending = append(c.pending, task)
	if !exists {
		q.reportChainsLocked()
		go q.drain(key, c)
	}
}

// drain runs a chain's tasks in order and drops the chain once it is empty.
func (q *Queue) drain(key string, c *chain) {
	for {
		q.mu.Lock()
		if len(c.pending) == 0 {
			delete(q.chains, key)
			q.reportChainsLocked()
			q.mu.Unlock()
			return
		}
		task := c.pending[0]
		c.pending[0] = nil
		c.pending = c.pending[1:]
		q.mu.Unlock()

		q.runTask(key, task)
	}
}

func (q *Queue) runTask(key string, task func()) {
	defer q.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic while processing message",
				"conversation_id", key,
				"panic", fmt.Sprint(r),
				"stack", string(debug.Stack()),
			)
		}
	}()
	task()
}

// process runs inside the conversation's chain.
func (q *Queue) process(msg channel.InboundMessage) {
	ctx := q.ctx
	logger := q.logger.With("conversation_id", msg.ConversationID, "message_id", msg.ID)

	senderName := senderLabel(msg)
	name := senderName
	if msg.IsGroup {
		name = msg.ConversationID
	}
	if err := q.store.UpsertConversation(ctx, msg.ConversationID, name); err != nil {
		logger.Error("failed to record conversation", "error", err)
		return
	}

	enabled, err := q.store.IsAgentEnabled(ctx, msg.ConversationID)
	if err != nil {
		logger.Error("failed to read agent flag", "error", err)
		return
	}
	if !enabled {
		logger.Debug("agent disabled for conversation")
		return
	}

	var groupName string
	if msg.IsGroup {
		subject, err := q.channel.GroupSubject(ctx, msg.ConversationID)
		switch {
		case err != nil:
			logger.Debug("group subject unavailable", "error", err)
		case subject != "":
			groupName = subject
			if err := q.store.UpsertConversation(ctx, msg.ConversationID, subject); err != nil {
				logger.Warn("failed to refresh group name", "error", err)
			}
		}
	}

	if err := q.channel.SetPresence(ctx, msg.ConversationID, channel.PresenceComposing); err != nil {
		logger.Debug("failed to set typing indicator", "error", err)
	}
	defer func() {
		if err := q.channel.SetPresence(ctx, msg.ConversationID, channel.PresencePaused); err != nil {
			logger.Debug("failed to clear typing indicator", "error", err)
		}
	}()

	result, err := q.runner.Run(ctx, agent.Request{
		ConversationID: msg.ConversationID,
		Text:           msg.Text,
		IsGroup:        msg.IsGroup,
		GroupName:      groupName,
		SenderName:     senderName,
	})
	if err != nil {
		logger.Error("agent run failed", "error", err)
		return
	}

	for i, chunk := range SplitMessage(result.FinalText, q.chunkSize) {
		if err := q.channel.Send(ctx, msg.ConversationID, chunk); err != nil {
			logger.Error("failed to send reply", "chunk", i, "error", err)
			break
		}
	}

	usage := &store.RunUsage{
		ID:             uuid.New().String(),
		RunID:          result.RunID,
		ConversationID: msg.ConversationID,
		Model:          result.Model,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
		ToolCalls:      result.ToolCallCount,
	}
	if err := q.store.SaveUsage(ctx, usage); err != nil {
		logger.Warn("failed to record usage", "error", err)
	}
}

// senderLabel prefers the profile name, falling back to the local part of
// the sender id ("@alice:example.org" and "alice@host" both give "alice").
func senderLabel(msg channel.InboundMessage) string {
	if name := strings.TrimSpace(msg.SenderName); name != "" {
		return name
	}
	id := strings.TrimPrefix(msg.SenderID, "@")
	if local, _, found := strings.Cut(id, ":"); found {
		return local
	}
	if local, _, found := strings.Cut(id, "@"); found {
		return local
	}
	return id
}

func (q *Queue) count(outcome string) {
	if q.observer != nil {
		q.observer.IncInbound(outcome)
	}
}

func (q *Queue) reportChainsLocked() {
	if q.observer != nil {
		q.observer.SetActiveChains(len(q.chains))
	}
}
