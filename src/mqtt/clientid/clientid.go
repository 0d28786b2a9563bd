// Package clientid implements MQTT client identifier assignment per the
// CONNECT handshake rules of spec.md §3.
package clientid

import "github.com/google/uuid"

// ID is an opaque, non-empty client identifier.
type ID string

// ServerGenerated produces a fresh identifier for a client that connected
// with an empty client id (MQTT v3.1.1 §3.1.3.4); Resolve calls it whatever
// the client's clean_session flag is.
func ServerGenerated() ID {
	return ID(uuid.New().String())
}

// IdWithCleanSession returns s verbatim for a client-supplied id with
// clean_session=true.
func IdWithCleanSession(s string) ID { return ID(s) }

// IdWithExistingSession returns s verbatim for a client-supplied id with
// clean_session=false, allowing the broker to rebind an existing session.
func IdWithExistingSession(s string) ID { return ID(s) }

// Resolve picks the effective client id for a CONNECT per spec.md §3: an
// empty clientID is server-generated whatever cleanSession says; otherwise
// the client-supplied id is used verbatim regardless of cleanSession.
func Resolve(clientID string, cleanSession bool) ID {
	if clientID == "" {
		return ServerGenerated()
	}
	if cleanSession {
		return IdWithCleanSession(clientID)
	}
	return IdWithExistingSession(clientID)
}

func (id ID) String() string { return string(id) }

func (id ID) Empty() bool { return id == "" }
