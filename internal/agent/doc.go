// Package agent runs the tool-invocation loop that answers one chat message.
//
// # Loop
//
// Run loads the agent settings and recent history, persists the user
// message, then calls the model up to MaxRounds times:
//
//   - end_turn or max_tokens: the response is persisted and its text returned
//   - tool_use: every requested tool is executed concurrently and the
//     results, in request order, are appended as a user message for the
//     next round
//   - anything else ends the loop
//
// When no final answer is produced, FallbackText is persisted and returned.
//
// # Persistence
//
// A run writes exactly two messages: the user message and the final
// assistant message. Intermediate tool_use and tool_result turns live only
// in memory for the duration of the run.
//
// # Errors
//
// Model errors are returned to the caller. Tool errors, including timeouts
// and unreachable servers, are sent back to the model as tool_result blocks
// with is_error set.
package agent
