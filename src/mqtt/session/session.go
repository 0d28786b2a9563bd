// Package session implements broker-side per-client state: subscriptions,
// in-flight QoS handshakes, the outbound queue, and retained messages,
// per spec.md §3 and §4.4.
package session

import (
	"sync"
	"time"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
)

// Publication is a single message, independent of any particular
// subscriber's negotiated QoS.
type Publication struct {
	Topic   string
	Payload []byte
	QoS     packet.QoS
	Retain  bool
}

// PublishState tracks an outbound QoS 1/2 publish awaiting acknowledgement.
type PublishState struct {
	Publication Publication
	QoS         packet.QoS
	AwaitingRel bool // true once PUBREC has been received (QoS 2 only)
}

// PubRelPending tracks an inbound QoS 2 publish awaiting PUBREL from the
// originating client, keyed by that client's packet id.
type PubRelPending struct {
	Publication Publication
}

// ConnectionHandle is an opaque identity for a live network connection,
// paired with the outbound channel its egress half drains (spec.md §3).
type ConnectionHandle struct {
	ID      uint64
	Outbox  chan<- Message
}

// Message is an item on a session's outbound queue, destined for the
// egress half of whichever connection currently owns the session.
type Message struct {
	Publish  *OutboundPublish
	PubAck   *uint16
	PubRec   *uint16
	PubRel   *uint16
	PubComp  *uint16
	SubAck   *packet.SubAck
	UnsubAck *uint16
	ConnAck  *packet.ConnAck
	PingResp bool
	// Close instructs egress to close the stream after writing whichever
	// of the fields above is set (or immediately, if none is), used for
	// CONNACK refusals and broker-initiated eviction (spec.md §4.3, §4.4).
	Close bool
}

// OutboundPublish is a PUBLISH queued for delivery to a specific session.
type OutboundPublish struct {
	PacketID uint16 // 0 for QoS 0
	Dup      bool
	Pub      Publication
}

// Subscription is one entry of a session's subscription set.
type Subscription struct {
	Filter string
	QoS    packet.QoS
}

// Session is the broker-owned state for one client id, independent of any
// single connection (spec.md §3).
type Session struct {
	mu sync.Mutex

	ClientID     clientid.ID
	CleanSession bool

	// AuthId and Local are the identity and transport origin recorded at
	// ConnReq time, reproduced on every later Activity (spec.md §4.5, §9
	// Open Question (b)).
	AuthId auth.Id
	Local  bool

	Subscriptions map[string]packet.QoS

	InFlightOut map[uint16]*PublishState
	InFlightIn  map[uint16]*PubRelPending

	WaitingToBeSent []OutboundPublish

	LastActivity time.Time

	Connection *ConnectionHandle

	Will *Publication

	nextPacketID    uint16
	qos0Outstanding int
}

// New returns a fresh Session for clientID.
func New(id clientid.ID, cleanSession bool) *Session {
	return &Session{
		ClientID:      id,
		CleanSession:  cleanSession,
		Subscriptions: make(map[string]packet.QoS),
		InFlightOut:   make(map[uint16]*PublishState),
		InFlightIn:    make(map[uint16]*PubRelPending),
		LastActivity:  time.Now(),
		nextPacketID:  1,
	}
}

// Touch records wire activity, resetting the keep-alive deadline.
func (s *Session) Touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.LastActivity = time.Now()
}

// IdleSince reports how long the session has been idle.
func (s *Session) IdleSince() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.LastActivity)
}

// NextPacketID allocates a packet id unique among this session's
// unacknowledged outbound publishes (spec.md §3 invariant). Ids wrap at
// 0xffff back to 1 — 0 is reserved for QoS 0.
func (s *Session) NextPacketID() uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	for {
		id := s.nextPacketID
		s.nextPacketID++
		if s.nextPacketID == 0 {
			s.nextPacketID = 1
		}
		if _, inUse := s.InFlightOut[id]; !inUse {
			return id
		}
	}
}

// Subscribe records filter at qos, replacing any existing subscription for
// the same filter.
func (s *Session) Subscribe(filter string, qos packet.QoS) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Subscriptions[filter] = qos
}

// Unsubscribe removes filter, reporting whether it had been present.
func (s *Session) Unsubscribe(filter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.Subscriptions[filter]
	delete(s.Subscriptions, filter)
	return existed
}

// SetConnection rebinds the session to a new live connection, evicting any
// prior one. It returns the previous connection, if any, so the caller can
// notify it to drop (spec.md §4.4, "at-most-one connection per client").
func (s *Session) SetConnection(h *ConnectionHandle) *ConnectionHandle {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.Connection
	s.Connection = h
	return prev
}

// ClearConnection detaches the session from its connection, e.g. on
// Disconnect/DropConnection/CloseSession.
func (s *Session) ClearConnection() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Connection = nil
}

// IsConnected reports whether a live connection currently owns the session.
func (s *Session) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Connection != nil
}

// TryAdmitQoS0 attempts to reserve one outstanding QoS 0 delivery slot,
// reporting whether it succeeded (spec.md §5, "Backpressure": the slot is
// freed by the egress-emitted PubAck0 admission acknowledgement).
func (s *Session) TryAdmitQoS0(limit int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qos0Outstanding >= limit {
		return false
	}
	s.qos0Outstanding++
	return true
}

// ReleaseQoS0 frees one outstanding QoS 0 delivery slot.
func (s *Session) ReleaseQoS0() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.qos0Outstanding > 0 {
		s.qos0Outstanding--
	}
}
