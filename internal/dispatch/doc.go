// Package dispatch turns inbound chat messages into agent runs.
//
// OnInboundEvent returns immediately. It drops backlog batches, redelivered
// message ids, the relay's own messages and blank text, then appends one
// task per accepted message to that conversation's chain.
//
// # Chains
//
// Each conversation with pending work has one goroutine draining its
// inbox in arrival order, so runs for a conversation never overlap while
// different conversations proceed in parallel. The chain is removed as
// soon as its inbox is empty.
//
// A task records the conversation, stops if the agent is disabled for it,
// shows a typing indicator, runs the agent, and sends the reply in chunks
// of at most DefaultChunkSize characters. Every failure, including a
// panic, is logged and confined to that task.
package dispatch
