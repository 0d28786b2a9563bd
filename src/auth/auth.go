// Package auth implements CONNECT-time authentication: mapping a username
// and transport-presented credentials to an authenticated identity,
// per spec.md §3 and §4.3.
package auth

import (
	"context"
	"crypto/x509"
)

// Id is the authenticated identity of a connection.
type Id struct {
	anonymous bool
	identity  string
}

// Anonymous is the identity of a connection with no authenticated identity.
var Anonymous = Id{anonymous: true}

// Identity wraps an authenticated identity string.
func Identity(s string) Id { return Id{identity: s} }

// IsAnonymous reports whether this is the Anonymous identity.
func (a Id) IsAnonymous() bool { return a.anonymous }

// String renders the identity for substitution/logging purposes.
func (a Id) String() string {
	if a.anonymous {
		return ""
	}
	return a.identity
}

// Credentials carries the material presented at CONNECT time. Exactly one
// of Password or ClientCert is meaningful; a certificate, when present,
// takes precedence over a password per spec.md §4.3.
type Credentials struct {
	Password   []byte
	ClientCert *x509.Certificate
}

// passwordPresence is an empty marker type; no function or field of this
// package uses it.
type passwordPresence struct{}

// Result classifies the outcome of an authentication attempt.
type Result int

const (
	// ResultIdentity means authentication succeeded and yielded an identity
	// (possibly Anonymous, if the authenticator allows unauthenticated access).
	ResultIdentity Result = iota
	// ResultUnknown means the authenticator could not determine an identity
	// (e.g. no matching credentials) without it being a hard failure.
	ResultUnknown
	// ResultFailure means authentication was attempted and explicitly failed.
	ResultFailure
)

// Auth is the outcome of an authentication attempt: an identity, "unknown",
// or an explicit failure.
type Auth struct {
	Result Result
	Id     Id
}

var (
	// Unknown is returned when the authenticator has no opinion.
	Unknown = Auth{Result: ResultUnknown}
	// Failure is returned when authentication is explicitly rejected.
	Failure = Auth{Result: ResultFailure}
)

// Authenticated wraps id as a successful authentication outcome.
func Authenticated(id Id) Auth { return Auth{Result: ResultIdentity, Id: id} }

// Authenticator maps (username, credentials) to an authentication outcome.
// Implementations must not block for long; they are called from the
// connection task's Authenticating state (spec.md §4.3).
type Authenticator interface {
	Authenticate(ctx context.Context, username *string, creds Credentials) (Auth, error)
}
