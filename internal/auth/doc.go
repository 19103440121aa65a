// Package auth signs and verifies the bearer tokens that authenticate the
// relay to its agents.
//
// Tokens are HS256 JWTs whose subject is the acting user. The relay attaches
// one to every Converse stream it opens:
//
//	issuer, err := auth.NewIssuer(secret, 0) // default 24h lifetime
//	token, err := issuer.Token("@alice:example.org")
//	user, err := issuer.Verify(token)
//
// An Issuer serves both sides: the transport's TokenSource on the relay and
// the agent server's TokenVerifier.
package auth
