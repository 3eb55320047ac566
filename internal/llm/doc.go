// Package llm is a minimal client for the Anthropic Messages API.
//
// Only the non-streaming request/response shape is implemented: text,
// image, tool_use and tool_result content blocks, stop reasons and token
// usage. ContentBlock marshals to the API's wire format, so transcripts are
// persisted and replayed without conversion.
package llm
