// Package channel supervises the relay's connection to a chat network.
//
// # Connections
//
// A Transport dials a Connection using persisted credentials. Each
// Connection reports its lifecycle and inbound messages on a single Events
// channel: pairing code, connecting, open, messages, and finally close.
//
// # Supervisor
//
// The Supervisor is the only writer of connection state:
//
//	pairing code  store the code, state unchanged
//	connecting    state = connecting
//	open          state = open, clear the code, reset the attempt counter
//	close         state = disconnected, then reconnect or stop
//
// A close caused by logout sets LoggedOut and ends supervision. Any other
// close, including a failed dial or an events channel that closes on its
// own, schedules a reconnect after ReconnectDelay(attempt). There is no
// retry limit.
package channel
