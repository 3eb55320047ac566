// Package store provides persistent storage for coven-relay using SQLite.
//
// # Architecture
//
// The package exposes narrow interfaces so each consumer depends only on what
// it uses:
//
//   - ConversationStore: conversations, the agent flag, and message history
//   - SettingsStore: runtime agent settings (system prompt, model, limits)
//   - ToolServerStore: tool-server descriptors
//   - CredentialStore: channel login state reused across reconnects
//   - UsageStore: token usage per agent run
//
// SQLiteStore implements all of them in a single struct. MockStore is an
// in-memory implementation for tests.
//
// # Message Ordering
//
// Messages are append-only. Each row gets an autoincrement seq, and history
// is ordered by (created_at, seq) so rows written within the same second keep
// their insertion order. Content is the JSON array of content blocks as
// exchanged with the model, stored verbatim.
//
// # Timestamps
//
// All timestamps are stored as RFC3339 strings in UTC.
//
// # Errors
//
// ErrNotFound is returned for missing entities and ErrDuplicate for ID
// collisions. Both are wrapped, so use errors.Is.
package store
