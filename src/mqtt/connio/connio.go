// Package connio implements the per-connection state machine of spec.md
// §4.3: handshake, keepalive, ingress, egress, drain, close. Grounded
// directly on _examples/original_source/mqtt/mqtt-broker/src/event_loop.rs
// (process(), incoming_task, outgoing_task, the KEEPALIVE_MULT constant
// and the select(incoming_task, outgoing_task) race that decides Draining
// vs Closed semantics).
package connio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/authz"
	"github.com/sandrolain/mqtt-edgebroker/src/edgetranslate"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/broker"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/session"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/transport"
)

// keepAliveMultiplier is the KEEPALIVE_MULT of the original implementation:
// the broker disconnects a client if no packet arrives within this factor
// of its advertised keep_alive [MQTT-3.1.2-24].
const keepAliveMultiplier = 1.5

// outboxCapacity bounds the per-connection egress channel. The channel is
// sized generously rather than literally unbounded (unlike the Rust
// mpsc::unbounded_channel it is grounded on) because a bounded Go channel
// still lets the connection task observe backpressure; real admission
// control happens one layer up, in the session's QoS0/in-flight limits
// (spec.md §5).
const outboxCapacity = 256

// ErrNoConnect is returned when the first packet on a connection is not
// CONNECT [MQTT-3.1.0-1].
var ErrNoConnect = errors.New("connio: first packet was not CONNECT")

// ErrProtocolViolation is returned when a second CONNECT arrives on an
// already-established connection [MQTT-3.1.0-2].
var ErrProtocolViolation = errors.New("connio: CONNECT received on established connection")

// connectTimeout bounds how long Handle waits for the first CONNECT
// packet before giving up, independent of any later keep-alive deadline.
const connectTimeout = transport.DefaultWriteTimeout

// Dispatcher is the subset of *broker.Broker the connection task needs;
// narrowed to an interface so tests can substitute a fake.
type Dispatcher interface {
	Submit(id clientid.ID, ev broker.ClientEvent)
}

// Translator rewrites topic strings for the optional edge translation
// layer (spec.md §4.7). A nil Translator disables translation.
type Translator interface {
	Inbound(id clientid.ID, topic string) (string, error)
	Outbound(id clientid.ID, topic string) (string, error)
}

var _ Translator = (*edgetranslate.Table)(nil)

// Task drives connections through the AwaitingConnect -> Authenticating ->
// Established -> Draining -> Closed state machine of spec.md §4.3. One
// Task is shared across every connection; Handle is called once per
// accepted connection.
type Task struct {
	broker        Dispatcher
	authenticator auth.Authenticator
	translate     Translator
	log           *slog.Logger

	nextConnID atomic.Uint64
}

// New constructs a Task. translate may be nil to disable edge translation.
func New(b Dispatcher, authenticator auth.Authenticator, translate Translator, log *slog.Logger) *Task {
	return &Task{broker: b, authenticator: authenticator, translate: translate, log: log}
}

// Handle drives accepted through its full lifecycle, blocking until the
// connection is closed. It never returns an error: every failure is
// logged and reflected in the connection's own termination, per spec.md
// §7 ("no silent discards").
func (t *Task) Handle(ctx context.Context, accepted transport.Accepted) {
	ts := transport.NewTimeoutStream(accepted.Stream)
	ts.SetReadTimeout(connectTimeout)
	defer ts.Stream.Close()

	pkt, err := packet.ReadPacket(ts)
	if err != nil {
		t.log.Warn("connio: awaiting CONNECT", "remote_addr", accepted.RemoteAddr, "err", err)
		return
	}
	connect, ok := pkt.(packet.Connect)
	if !ok {
		t.log.Warn("connio: protocol violation", "remote_addr", accepted.RemoteAddr, "err", ErrNoConnect)
		return
	}

	id := clientid.Resolve(connect.ClientID, connect.CleanSession)
	log := t.log.With("client_id", id.String(), "remote_addr", accepted.RemoteAddr)

	t.applyKeepAlive(ts, connect.KeepAlive, log)

	creds := auth.Credentials{Password: connect.Password}
	if accepted.PeerCertificate != nil {
		// A presented peer certificate takes precedence over password
		// credentials (spec.md §4.3).
		creds = auth.Credentials{ClientCert: accepted.PeerCertificate}
	}

	authResult, err := t.authenticator.Authenticate(ctx, connect.Username, creds)
	if err != nil {
		log.Warn("connio: authentication error, refusing connection", "err", err)
		authResult = auth.Failure
	}

	outbox := make(chan session.Message, outboxCapacity)
	connHandle := &session.ConnectionHandle{ID: t.nextConnID.Add(1), Outbox: outbox}

	t.broker.Submit(id, broker.ConnReq{
		Connect:    connect,
		Auth:       authResult,
		Local:      accepted.Local,
		Connection: connHandle,
	})

	if authResult.Result != auth.ResultIdentity {
		// The broker will have replied ConnAck(refused) and set Close on
		// the first outbound message; drain exactly that and stop. No
		// Established state is entered.
		t.drainRefusal(ts, outbox, log)
		return
	}

	t.established(ctx, id, ts, outbox, log)
}

func (t *Task) applyKeepAlive(ts *transport.TimeoutStream, keepAlive uint16, log *slog.Logger) {
	if keepAlive == 0 {
		log.Debug("connio: keepalive disabled by client")
		ts.SetReadTimeout(0)
		return
	}
	d := time.Duration(float64(keepAlive) * keepAliveMultiplier * float64(time.Second))
	log.Debug("connio: keepalive timeout set", "timeout", d)
	ts.SetReadTimeout(d)
}

// established runs the ingress/egress pair concurrently and reacts to
// whichever finishes first, per spec.md §4.3 ("Established"/"Draining").
func (t *Task) established(ctx context.Context, id clientid.ID, ts *transport.TimeoutStream, outbox chan session.Message, log *slog.Logger) {
	ingressDone := make(chan error, 1)
	egressDone := make(chan error, 1)

	go func() { ingressDone <- t.ingress(id, ts, log) }()
	go func() { egressDone <- t.egress(id, ts, outbox, log) }()

	select {
	case inErr := <-ingressDone:
		if inErr != nil {
			log.Debug("connio: ingress finished with error, notifying broker", "err", inErr)
			t.broker.Submit(id, broker.DropConnection{})
		}
		// Either way, push a local drain sentinel so egress finishes once
		// it has flushed whatever the broker already queued (spec.md
		// §4.3, Draining: "egress continues until the outbound queue
		// drains or errors").
		nonBlockingSend(outbox, session.Message{Close: true})
		if egErr := <-egressDone; egErr != nil {
			log.Debug("connio: egress finished with error after ingress completion", "err", egErr)
		}
	case egErr := <-egressDone:
		if egErr != nil {
			log.Debug("connio: egress finished with error, notifying broker", "err", egErr)
			t.broker.Submit(id, broker.CloseSession{})
		}
		// Egress ends on eviction, refusal or a write error; closing the
		// stream ends ingress's pending Read so no further events arrive.
		_ = ts.Stream.Close()
		<-ingressDone
	case <-ctx.Done():
		// Global shutdown: closing the stream unblocks ingress's pending
		// Read so both halves can finish draining (spec.md §5,
		// "Cancellation").
		_ = ts.Stream.Close()
		nonBlockingSend(outbox, session.Message{Close: true})
		<-ingressDone
		<-egressDone
		t.broker.Submit(id, broker.DropConnection{})
	}

	log.Info("connio: connection closed")
}

func nonBlockingSend(ch chan session.Message, msg session.Message) {
	select {
	case ch <- msg:
	default:
		go func() { ch <- msg }()
	}
}

// ingress reads packets off ts and lowers them to ClientEvents submitted
// to the broker, until EOF, a decode error, a protocol violation, or a
// clean DISCONNECT (spec.md §4.3, "Ingress").
func (t *Task) ingress(id clientid.ID, ts *transport.TimeoutStream, log *slog.Logger) error {
	for {
		pkt, err := packet.ReadPacket(ts)
		if err != nil {
			log.Debug("connio: ingress read ended", "err", err)
			return err
		}

		switch p := pkt.(type) {
		case packet.Connect:
			return ErrProtocolViolation
		case packet.Disconnect:
			t.broker.Submit(id, broker.Disconnect{})
			return nil
		case packet.PingReq:
			t.broker.Submit(id, broker.PingReq{})
		case packet.Subscribe:
			t.broker.Submit(id, broker.Subscribe{PacketID: p.PacketID, Subscriptions: t.translateSubscribe(id, p.Subscriptions, log)})
		case packet.Unsubscribe:
			t.broker.Submit(id, broker.Unsubscribe{PacketID: p.PacketID, TopicFilters: t.translateFilters(id, p.TopicFilters, log)})
		case packet.Publish:
			topicName := p.Topic
			if t.translate != nil {
				if translated, terr := t.translate.Inbound(id, p.Topic); terr == nil {
					topicName = translated
				} else {
					log.Warn("connio: inbound topic translation failed, protocol error", "err", terr)
					return fmt.Errorf("connio: %w", terr)
				}
			}
			t.broker.Submit(id, broker.PublishFrom{
				PacketID: p.PacketID,
				Pub: session.Publication{
					Topic:   topicName,
					Payload: p.Payload,
					QoS:     p.QoS,
					Retain:  p.Retain,
				},
			})
		case packet.PubAck:
			t.broker.Submit(id, broker.PubAck{PacketID: p.PacketID})
		case packet.PubRec:
			t.broker.Submit(id, broker.PubRec{PacketID: p.PacketID})
		case packet.PubRel:
			t.broker.Submit(id, broker.PubRel{PacketID: p.PacketID})
		case packet.PubComp:
			t.broker.Submit(id, broker.PubComp{PacketID: p.PacketID})
		default:
			log.Warn("connio: unexpected inbound packet type, ignoring", "type", fmt.Sprintf("%T", p))
		}
	}
}

func (t *Task) translateSubscribe(id clientid.ID, subs []packet.Subscription, log *slog.Logger) []packet.Subscription {
	if t.translate == nil {
		return subs
	}
	out := make([]packet.Subscription, len(subs))
	for i, s := range subs {
		filter, err := t.translate.Inbound(id, s.TopicFilter)
		if err != nil {
			log.Warn("connio: subscribe translation failed, leaving filter unchanged", "filter", s.TopicFilter, "err", err)
			filter = s.TopicFilter
		}
		out[i] = packet.Subscription{TopicFilter: filter, QoS: s.QoS}
	}
	return out
}

func (t *Task) translateFilters(id clientid.ID, filters []string, log *slog.Logger) []string {
	if t.translate == nil {
		return filters
	}
	out := make([]string, len(filters))
	for i, f := range filters {
		translated, err := t.translate.Inbound(id, f)
		if err != nil {
			log.Warn("connio: unsubscribe translation failed, leaving filter unchanged", "filter", f, "err", err)
			translated = f
		}
		out[i] = translated
	}
	return out
}

// egress pulls queued Messages and writes the corresponding packets,
// acknowledging QoS 0 publishes back to the broker immediately after the
// write (spec.md §4.3: "PublishTo(QoS0, id, pub) is written and
// immediately acknowledged back to the broker with PubAck0(id)").
func (t *Task) egress(id clientid.ID, ts *transport.TimeoutStream, outbox chan session.Message, log *slog.Logger) error {
	for msg := range outbox {
		if err := t.writeMessage(id, ts, msg, log); err != nil {
			return err
		}
		if msg.Close {
			return nil
		}
	}
	return nil
}

func (t *Task) writeMessage(id clientid.ID, ts *transport.TimeoutStream, msg session.Message, log *slog.Logger) error {
	switch {
	case msg.ConnAck != nil:
		return t.write(ts, *msg.ConnAck)
	case msg.SubAck != nil:
		return t.write(ts, *msg.SubAck)
	case msg.UnsubAck != nil:
		return t.write(ts, packet.UnsubAck{PacketID: *msg.UnsubAck})
	case msg.PingResp:
		return t.write(ts, packet.PingResp{})
	case msg.PubAck != nil:
		return t.write(ts, packet.PubAck{PacketID: *msg.PubAck})
	case msg.PubRec != nil:
		return t.write(ts, packet.PubRec{PacketID: *msg.PubRec})
	case msg.PubRel != nil:
		return t.write(ts, packet.PubRel{PacketID: *msg.PubRel})
	case msg.PubComp != nil:
		return t.write(ts, packet.PubComp{PacketID: *msg.PubComp})
	case msg.Publish != nil:
		return t.writePublish(id, ts, *msg.Publish, log)
	default:
		return nil
	}
}

func (t *Task) writePublish(id clientid.ID, ts *transport.TimeoutStream, out session.OutboundPublish, log *slog.Logger) error {
	topicName := out.Pub.Topic
	if t.translate != nil {
		if translated, err := t.translate.Outbound(id, out.Pub.Topic); err == nil {
			topicName = translated
		}
	}
	pub := packet.Publish{
		Dup:      out.Dup,
		QoS:      out.Pub.QoS,
		Retain:   out.Pub.Retain,
		Topic:    topicName,
		PacketID: out.PacketID,
		Payload:  out.Pub.Payload,
	}
	if err := t.write(ts, pub); err != nil {
		return err
	}
	if out.Pub.QoS == packet.QoS0 {
		t.broker.Submit(id, broker.PubAck0{PacketID: out.PacketID})
	}
	return nil
}

func (t *Task) write(ts *transport.TimeoutStream, p packet.Packet) error {
	if err := packet.WritePacket(ts, p); err != nil {
		return err
	}
	return nil
}

// drainRefusal writes exactly the refusal ConnAck (and any other message
// the broker queued before the connection is closed) for a client that
// was never admitted to Established.
func (t *Task) drainRefusal(ts *transport.TimeoutStream, outbox chan session.Message, log *slog.Logger) {
	for msg := range outbox {
		if err := t.writeMessage("", ts, msg, log); err != nil {
			log.Debug("connio: error writing refusal", "err", err)
			return
		}
		if msg.Close {
			return
		}
	}
}
