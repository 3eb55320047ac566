// Package toolserver manages the live MCP tool servers available to the agent.
//
// # Naming
//
// Every tool is exposed under a qualified name: the server id, the
// separator "__", then the tool's name on that server. ExecuteTool splits on
// the first separator, so local names may themselves contain "__" while
// server ids may not.
//
// # Lifecycle
//
// AddServer dials a descriptor through the configured Dialer, lists its
// tools, and only then publishes the entry. Adding an id that is already
// live replaces it. RemoveServer and ShutdownAll never fail; close errors
// are logged at debug level.
//
// # Calls
//
// Each ExecuteTool call runs in its own goroutine and races a timer
// (DefaultTimeout unless configured). On timeout the call is abandoned and
// ErrToolTimeout is returned. A server-side error result is returned as a
// *ToolError, which matches ErrToolFailed.
package toolserver
