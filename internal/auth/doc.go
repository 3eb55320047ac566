// Package auth protects the relay's admin API.
//
// Tokens are HS256 JWTs signed with auth.jwt_secret. The subject names the
// operator or script holding the token; it is attached to the request
// context and shows up in request logs. Tokens are minted with the
// "coven-relay token" command.
//
// When no secret is configured the middleware is a pass-through, and the
// admin listener should be bound to localhost or a tailnet.
package auth
