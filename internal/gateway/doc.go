// Package gateway wires the relay together and serves its admin HTTP API.
//
// # Startup
//
// Run brings components up in dependency order: the store (opened by New),
// tool servers from enabled descriptors, the HTTP listener (plain TCP or a
// tailnet node), and finally the chat channel, whose inbound batches feed
// the dispatch queue.
//
// # Shutdown
//
// Shutdown closes the channel first so no new work arrives, waits for
// queued agent runs until its context expires, then closes tool servers,
// the HTTP server, the tailnet node and the store.
//
// # HTTP surface
//
//	GET    /health                      liveness
//	GET    /health/ready                200 once the channel is open
//	GET    /metrics                     when metrics.enabled
//	GET    /api/status                  channel state, pairing code, logout flag
//	GET    /api/chats
//	PATCH  /api/chats/{id}/agent        {"active": bool}
//	GET    /api/tool-servers
//	POST   /api/tool-servers            {"id","name","type","config"}
//	DELETE /api/tool-servers/{id}
//	PATCH  /api/tool-servers/{id}/toggle
//	GET    /api/settings
//	PUT    /api/settings
//	GET    /api/messages/{id}?limit=N
//	DELETE /api/messages/{id}
//	GET    /api/usage?conversation_id=&since=
//
// Everything under /api requires a bearer token when auth.jwt_secret is set.
package gateway
