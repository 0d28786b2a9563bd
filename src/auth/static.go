package auth

import (
	"context"

	"github.com/sandrolain/mqtt-edgebroker/src/common/secrets"
)

// Credential is one entry of a StaticAuthenticator's table. Password is a
// secrets.Resolve indirection ("env:NAME", "file:/path", or a literal),
// resolved once at construction.
type Credential struct {
	Username string
	Password string
	Identity string
}

// StaticAuthenticator authenticates against a fixed, in-memory table of
// username/password/identity triples loaded from configuration. Certificate
// credentials, when present, bypass the password table and authenticate by
// the certificate's subject common name (spec.md §4.3: "certificate takes
// precedence when present").
type StaticAuthenticator struct {
	byUsername map[string]Credential
	allowAnon  bool
}

// NewStaticAuthenticator builds a StaticAuthenticator from configured
// credentials, resolving each password through secrets.Resolve.
func NewStaticAuthenticator(creds []Credential, allowAnonymous bool) (*StaticAuthenticator, error) {
	table := make(map[string]Credential, len(creds))
	for _, c := range creds {
		resolved, err := secrets.Resolve(c.Password)
		if err != nil {
			return nil, err
		}
		c.Password = resolved
		table[c.Username] = c
	}
	return &StaticAuthenticator{byUsername: table, allowAnon: allowAnonymous}, nil
}

func (a *StaticAuthenticator) Authenticate(_ context.Context, username *string, creds Credentials) (Auth, error) {
	if creds.ClientCert != nil {
		return Authenticated(Identity(creds.ClientCert.Subject.CommonName)), nil
	}

	if username == nil {
		if a.allowAnon {
			return Authenticated(Anonymous), nil
		}
		return Unknown, nil
	}

	entry, ok := a.byUsername[*username]
	if !ok {
		return Unknown, nil
	}
	if entry.Password != string(creds.Password) {
		return Failure, nil
	}
	identity := entry.Identity
	if identity == "" {
		identity = entry.Username
	}
	return Authenticated(Identity(identity)), nil
}
