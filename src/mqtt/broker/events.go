package broker

import (
	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/session"
)

// ClientEvent is one of the per-client events the broker's single-consumer
// loop processes, per spec.md §4.4's event table.
type ClientEvent interface {
	clientEvent()
}

// ConnReq is emitted once, by the connection task's Authenticating state,
// after authentication completes.
type ConnReq struct {
	Connect    packet.Connect
	Auth       auth.Auth
	Local      bool
	Connection *session.ConnectionHandle
}

func (ConnReq) clientEvent() {}

// Subscribe carries one SUBSCRIBE packet; the broker authorizes and applies
// each requested filter independently.
type Subscribe struct {
	PacketID      uint16
	Subscriptions []packet.Subscription
}

func (Subscribe) clientEvent() {}

// Unsubscribe carries one UNSUBSCRIBE packet.
type Unsubscribe struct {
	PacketID     uint16
	TopicFilters []string
}

func (Unsubscribe) clientEvent() {}

// PublishFrom carries one inbound PUBLISH to be authorized and fanned out.
type PublishFrom struct {
	PacketID uint16
	Pub      session.Publication
}

func (PublishFrom) clientEvent() {}

// PubAck advances a QoS 1 outbound handshake.
type PubAck struct{ PacketID uint16 }

func (PubAck) clientEvent() {}

// PubRec advances a QoS 2 outbound handshake (publish step).
type PubRec struct{ PacketID uint16 }

func (PubRec) clientEvent() {}

// PubRel completes a QoS 2 inbound handshake: the held packet id is released
// and PUBCOMP is sent. The publication itself was already fanned out when
// the PUBLISH arrived.
type PubRel struct{ PacketID uint16 }

func (PubRel) clientEvent() {}

// PubComp completes a QoS 2 outbound handshake.
type PubComp struct{ PacketID uint16 }

func (PubComp) clientEvent() {}

// PubAck0 is emitted by the connection's egress half immediately after
// writing a QoS 0 PublishTo, freeing the admission slot (spec.md §4.3).
type PubAck0 struct{ PacketID uint16 }

func (PubAck0) clientEvent() {}

// PingReq requests a PingResp.
type PingReq struct{}

func (PingReq) clientEvent() {}

// Disconnect is a clean DISCONNECT: the will is cleared before the
// connection closes.
type Disconnect struct{}

func (Disconnect) clientEvent() {}

// DropConnection is sent by the connection task on ingress EOF/error (a
// keepalive read timeout is one such error) and when the task is cancelled
// by global shutdown. The broker never submits it itself.
type DropConnection struct{}

func (DropConnection) clientEvent() {}

// CloseSession is sent on egress error: like DropConnection, but the
// session is force-discarded regardless of CleanSession.
type CloseSession struct{}

func (CloseSession) clientEvent() {}

// SystemEvent is a broker-wide event not tied to a single client.
type SystemEvent interface {
	systemEvent()
}

// Shutdown makes the broker publish the will of every session that has one
// and detach every session's connection. The event loop keeps running;
// only cancellation of Run's context ends it.
type Shutdown struct{}

func (Shutdown) systemEvent() {}

// SnapshotRequest asks the broker to serialize its session table (spec.md
// §4.4, "Session persistence hook"); Reply receives exactly one value.
type SnapshotRequest struct {
	Reply chan<- map[clientid.ID]session.Snapshot
}

func (SnapshotRequest) systemEvent() {}
