// Package matrix connects the relay to a Matrix homeserver.
//
// Each Connect logs in (reusing credentials saved in the store when
// possible), optionally enables end-to-end encryption, and starts a sync
// loop. Messages seen during the first sync are history and are delivered
// as append batches; later ones are notify batches. Invites to allowed
// rooms are accepted automatically. An M_UNKNOWN_TOKEN sync error is a
// logout: saved credentials are cleared and the close is marked LoggedOut.
package matrix
