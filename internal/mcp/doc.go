// Package mcp implements the client side of the Model Context Protocol.
//
// # Overview
//
// A Client runs the initialize handshake against one tool server, lists
// its tools and calls them. The wire format is JSON-RPC 2.0. Three
// transports are provided:
//
//   - ProcessTransport: a local command spoken to over stdin/stdout, one
//     JSON message per line (StreamTransport does the framing)
//   - StreamableTransport: each message is POSTed to a single URL, and the
//     reply is either a JSON body or an event stream
//   - SSETransport: the legacy transport, where a GET event stream
//     announces a POST endpoint and then carries every response
//
// # Server Requests
//
// Servers may send requests to the client. Only ping is answered; other
// methods get a method-not-found error. Server notifications are dropped.
//
// # Errors
//
// JSON-RPC errors are returned as *RPCError. A tool that fails reports it
// through CallToolResult.IsError, which is not a Go error. Calls on a
// transport that has shut down fail with ErrClosed or with the error that
// ended the inbound stream.
package mcp
