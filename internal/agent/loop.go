// ABOUTME: Tool-invocation loop that drives model turns and tool round-trips for one message.
// ABOUTME: Persists exactly the user message and the final assistant message per run.

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/2389/coven-relay/internal/llm"
	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/toolserver"
)

// MaxRounds caps the number of model calls in one run.
const MaxRounds = 10

// FallbackText is persisted and returned when a run ends without a final answer.
const FallbackText = "agent reached the maximum tool-iteration limit"

// Store is the persistence the loop needs.
type Store interface {
	GetSettings(ctx context.Context) (store.Settings, error)
	GetRecentMessages(ctx context.Context, conversationID string, limit int) ([]*store.Message, error)
	AppendMessage(ctx context.Context, conversationID string, role store.Role, content json.RawMessage) (*store.Message, error)
}

// Tools is the tool catalog and executor. *toolserver.Registry satisfies it.
type Tools interface {
	AllTools() []toolserver.Tool
	ExecuteTool(ctx context.Context, qualifiedName string, args json.RawMessage) (*toolserver.Result, error)
}

// Observer receives per-run statistics. *metrics.Metrics satisfies it.
type Observer interface {
	ObserveRun(outcome string, rounds int, d time.Duration)
}

// Request is one inbound message to answer.
type Request struct {
	ConversationID string
	Text           string
	IsGroup        bool
	GroupName      string
	SenderName     string
}

// Result summarizes a completed run.
type Result struct {
	RunID         string
	Model         string
	FinalText     string
	ToolCallCount int
	InputTokens   int
	OutputTokens  int
}

// Loop answers messages with the model, calling tools as requested.
type Loop struct {
	store    Store
	tools    Tools
	model    llm.Client
	observer Observer
	logger   *slog.Logger
}

// Config contains the Loop's collaborators.
type Config struct {
	Store    Store
	Tools    Tools
	LLM      llm.Client
	Observer Observer
	Logger   *slog.Logger
}

// NewLoop creates a Loop.
func NewLoop(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		store:    cfg.Store,
		tools:    cfg.Tools,
		model:    cfg.LLM,
		observer: cfg.Observer,
		logger:   logger.With("component", "agent"),
	}
}

// UserText returns the text stored for an inbound message. Group messages
// are labelled with the group and sender so the model can tell speakers apart.
func UserText(req Request) string {
	if !req.IsGroup {
		return req.Text
	}
	sender := req.SenderName
	if sender == "" {
		sender = "User"
	}
	if req.GroupName == "" {
		return fmt.Sprintf("%s: %s", sender, req.Text)
	}
	return fmt.Sprintf("[%s] %s: %s", req.GroupName, sender, req.Text)
}

// Run answers one message. A model error is returned to the caller; tool
// errors are handed back to the model as error results.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	runID := uuid.New().String()
	logger := l.logger.With("run_id", runID, "conversation_id", req.ConversationID)

	settings, err := l.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}

	history, err := l.store.GetRecentMessages(ctx, req.ConversationID, settings.MaxHistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("loading history: %w", err)
	}
	messages := l.decodeHistory(logger, history)

	userMsg := llm.Message{Role: llm.RoleUser, Content: []llm.ContentBlock{llm.TextBlock(UserText(req))}}
	if err := l.persist(ctx, req.ConversationID, store.RoleUser, userMsg.Content); err != nil {
		return nil, err
	}
	messages = append(messages, userMsg)

	tools := toLLMTools(l.tools.AllTools())

	result := &Result{RunID: runID, Model: settings.Model}
	rounds := 0
	for rounds < MaxRounds {
		rounds++
		resp, err := l.model.Complete(ctx, llm.Request{
			Model:     settings.Model,
			MaxTokens: settings.MaxTokens,
			System:    settings.SystemPrompt,
			Tools:     tools,
			Messages:  messages,
		})
		if err != nil {
			l.observe("error", rounds, start)
			return nil, fmt.Errorf("model call: %w", err)
		}
		result.InputTokens += resp.Usage.InputTokens
		result.OutputTokens += resp.Usage.OutputTokens
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})

		switch resp.StopReason {
		case llm.StopEndTurn, llm.StopMaxTokens:
			if err := l.persist(ctx, req.ConversationID, store.RoleAssistant, resp.Content); err != nil {
				return nil, err
			}
			result.FinalText = resp.Text()
			logger.Info("agent run complete",
				"rounds", rounds,
				"tool_calls", result.ToolCallCount,
				"input_tokens", result.InputTokens,
				"output_tokens", result.OutputTokens,
				"stop_reason", resp.StopReason,
			)
			l.observe("complete", rounds, start)
			return result, nil

		case llm.StopToolUse:
			uses := resp.ToolUses()
			if len(uses) > 0 {
				results := l.executeTools(ctx, logger, uses)
				messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
				result.ToolCallCount += len(uses)
				continue
			}
		}

		logger.Warn("unexpected stop reason", "stop_reason", resp.StopReason)
		break
	}

	if err := l.persist(ctx, req.ConversationID, store.RoleAssistant, []llm.ContentBlock{llm.TextBlock(FallbackText)}); err != nil {
		return nil, err
	}
	result.FinalText = FallbackText
	logger.Warn("agent run ended without a final answer", "rounds", rounds, "tool_calls", result.ToolCallCount)
	l.observe("exhausted", rounds, start)
	return result, nil
}

// executeTools runs every call of a round concurrently. Results keep request order.
func (l *Loop) executeTools(ctx context.Context, logger *slog.Logger, uses []llm.ContentBlock) []llm.ContentBlock {
	results := make([]llm.ContentBlock, len(uses))

	var g errgroup.Group
	for i, use := range uses {
		g.Go(func() error {
			res, err := l.tools.ExecuteTool(ctx, use.Name, use.Input)
			if err != nil {
				logger.Warn("tool call failed", "tool", use.Name, "tool_use_id", use.ID, "error", err)
				results[i] = llm.ContentBlock{
					Type:      llm.BlockToolResult,
					ToolUseID: use.ID,
					Content:   []llm.ContentBlock{llm.TextBlock(err.Error())},
					IsError:   true,
				}
				return nil
			}
			logger.Debug("tool call succeeded", "tool", use.Name, "tool_use_id", use.ID)
			results[i] = llm.ContentBlock{
				Type:      llm.BlockToolResult,
				ToolUseID: use.ID,
				Content:   resultBlocks(res),
			}
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// resultBlocks converts normalized tool output into content blocks.
func resultBlocks(res *toolserver.Result) []llm.ContentBlock {
	var blocks []llm.ContentBlock
	for _, c := range res.Content {
		switch c.Type {
		case "text":
			blocks = append(blocks, llm.TextBlock(c.Text))
		case "image":
			blocks = append(blocks, llm.ContentBlock{
				Type: llm.BlockImage,
				Source: &llm.ImageSource{
					Type:      "base64",
					MediaType: c.MimeType,
					Data:      c.Data,
				},
			})
		}
	}
	return blocks
}

func toLLMTools(tools []toolserver.Tool) []llm.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]llm.Tool, len(tools))
	for i, t := range tools {
		out[i] = llm.Tool{
			Name:        t.QualifiedName,
			Description: t.Description,
			InputSchema: t.InputSchema,
		}
	}
	return out
}

// decodeHistory converts stored messages to transcript entries, skipping
// rows whose content cannot be decoded.
func (l *Loop) decodeHistory(logger *slog.Logger, history []*store.Message) []llm.Message {
	messages := make([]llm.Message, 0, len(history)+1)
	for _, m := range history {
		var blocks []llm.ContentBlock
		if err := json.Unmarshal(m.Content, &blocks); err != nil {
			logger.Warn("skipping undecodable history message", "message_id", m.ID, "error", err)
			continue
		}
		messages = append(messages, llm.Message{Role: llm.Role(m.Role), Content: blocks})
	}
	return messages
}

func (l *Loop) persist(ctx context.Context, conversationID string, role store.Role, blocks []llm.ContentBlock) error {
	content, err := json.Marshal(blocks)
	if err != nil {
		return fmt.Errorf("encoding %s message: %w", role, err)
	}
	if _, err := l.store.AppendMessage(ctx, conversationID, role, content); err != nil {
		return fmt.Errorf("saving %s message: %w", role, err)
	}
	return nil
}

func (l *Loop) observe(outcome string, rounds int, start time.Time) {
	if l.observer != nil {
		l.observer.ObserveRun(outcome, rounds, time.Since(start))
	}
}
