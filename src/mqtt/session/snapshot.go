package session

import (
	"github.com/sandrolain/mqtt-edgebroker/src/encdec"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
)

// Snapshot is the opaque, connection-free persistence representation of a
// Session (spec.md §4.4, "Session persistence hook"). It excludes the
// transient Connection handle by construction.
type Snapshot struct {
	ClientID        string                   `cbor:"clientId"`
	CleanSession    bool                     `cbor:"cleanSession"`
	Subscriptions   map[string]packet.QoS    `cbor:"subscriptions"`
	InFlightOut     map[uint16]PublishState  `cbor:"inFlightOut"`
	InFlightIn      map[uint16]PubRelPending `cbor:"inFlightIn"`
	WaitingToBeSent []OutboundPublish        `cbor:"waitingToBeSent"`
	Will            *Publication             `cbor:"will,omitempty"`
}

// Snapshot captures s's persistent state, excluding its live connection.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make(map[string]packet.QoS, len(s.Subscriptions))
	for k, v := range s.Subscriptions {
		subs[k] = v
	}
	inOut := make(map[uint16]PublishState, len(s.InFlightOut))
	for k, v := range s.InFlightOut {
		inOut[k] = *v
	}
	inIn := make(map[uint16]PubRelPending, len(s.InFlightIn))
	for k, v := range s.InFlightIn {
		inIn[k] = *v
	}
	waiting := make([]OutboundPublish, len(s.WaitingToBeSent))
	copy(waiting, s.WaitingToBeSent)

	return Snapshot{
		ClientID:        s.ClientID.String(),
		CleanSession:    s.CleanSession,
		Subscriptions:   subs,
		InFlightOut:     inOut,
		InFlightIn:      inIn,
		WaitingToBeSent: waiting,
		Will:            s.Will,
	}
}

// Restore reconstructs a Session from a Snapshot. The session is returned
// without a live Connection; the caller must rebind one on reconnect.
func Restore(snap Snapshot) *Session {
	s := New(clientid.ID(snap.ClientID), snap.CleanSession)
	s.Subscriptions = snap.Subscriptions
	if s.Subscriptions == nil {
		s.Subscriptions = make(map[string]packet.QoS)
	}
	for k, v := range snap.InFlightOut {
		v := v
		s.InFlightOut[k] = &v
	}
	for k, v := range snap.InFlightIn {
		v := v
		s.InFlightIn[k] = &v
	}
	s.WaitingToBeSent = snap.WaitingToBeSent
	s.Will = snap.Will
	return s
}

// EncodeSnapshot serializes a Snapshot with CBOR (spec.md §6, "Persistent
// state layout"), reusing the teacher's encdec package.
func EncodeSnapshot(snap Snapshot) ([]byte, error) {
	return encdec.EncodeCBOR(&snap)
}

// DecodeSnapshot deserializes bytes produced by EncodeSnapshot.
func DecodeSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	err := encdec.DecodeCBOR(data, &snap)
	return snap, err
}
