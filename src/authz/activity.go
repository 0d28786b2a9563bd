// Package authz implements the pluggable authorization contract:
// deciding whether a client Activity is permitted, per spec.md §4.5.
package authz

import (
	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
)

// Operation is the authority-bearing action presented to an Authorizer.
type Operation interface {
	operation()
}

// ConnectOp represents a CONNECT handshake.
type ConnectOp struct {
	CleanSession bool
	KeepAlive    uint16
}

func (ConnectOp) operation() {}

// PublishOp represents a single PUBLISH.
type PublishOp struct {
	Topic  string
	QoS    packet.QoS
	Retain bool
}

func (PublishOp) operation() {}

// SubscribeOp represents authorization of a single topic filter within a
// SUBSCRIBE packet (spec.md §4.4: "for each topic filter, consult the
// authorizer per filter").
type SubscribeOp struct {
	Filter string
	QoS    packet.QoS
}

func (SubscribeOp) operation() {}

// ClientInfo is the authenticated context of the client performing an
// Activity.
type ClientInfo struct {
	AuthId auth.Id
	// Local reports whether the activity originates on a loopback
	// listener, as recorded by the transport source at accept time
	// (spec.md §4.5, LocalAuthorizer).
	Local bool
}

// Activity is the triple (client-id, authenticated identity, operation)
// presented to an Authorizer (spec.md §3).
type Activity struct {
	ClientID   clientid.ID
	ClientInfo ClientInfo
	Operation  Operation
}

// OperationName returns the policy-engine operation string for a, per
// spec.md §4.6.
func OperationName(op Operation) string {
	switch op.(type) {
	case ConnectOp:
		return "mqtt:connect"
	case PublishOp:
		return "mqtt:publish"
	case SubscribeOp:
		return "mqtt:subscribe"
	default:
		return ""
	}
}

// ResourceName returns the topic string an operation carries, if any.
func ResourceName(op Operation) string {
	switch o := op.(type) {
	case PublishOp:
		return o.Topic
	case SubscribeOp:
		return o.Filter
	default:
		return ""
	}
}
