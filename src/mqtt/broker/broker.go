// Package broker implements the single-consumer broker core of spec.md
// §4.4: session table, retained store, topic fan-out, and QoS 0/1/2
// handshake bookkeeping.
package broker

import (
	"context"
	"log/slog"

	"github.com/destel/rill"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/authz"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/session"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/topic"
)

// DefaultQoS0Limit bounds the number of outstanding (unacknowledged by
// PubAck0) QoS 0 deliveries per session before further QoS 0 fan-out to
// that session is subject to the backpressure policy of spec.md §5.
const DefaultQoS0Limit = 64

// DefaultFanoutRoutines bounds the concurrency of the per-publish fan-out
// worker pool (spec.md §4.4, grounded on the teacher's bridge.go
// applyRunners/consumeWithTarget bounded-concurrency idiom).
const DefaultFanoutRoutines = 8

type envelope struct {
	clientID clientid.ID
	client   ClientEvent
	system   SystemEvent
}

// Broker is the single-consumer actor owning every session, subscription,
// and retained message (spec.md §4.4, §5).
type Broker struct {
	log        *slog.Logger
	authorizer authz.Authorizer

	qos0Limit       int
	fanoutRoutines  int

	events chan envelope

	// sessions is mutated only from Run's goroutine; it is read by
	// Snapshot via a SnapshotRequest event routed through that same
	// goroutine, never accessed directly from the outside.
	sessions map[clientid.ID]*session.Session
	retained *session.RetainedStore
}

// New constructs a Broker. authorizer is consulted synchronously from the
// broker loop for every Connect/Publish/Subscribe activity.
func New(authorizer authz.Authorizer, log *slog.Logger) *Broker {
	return &Broker{
		log:            log,
		authorizer:     authorizer,
		qos0Limit:      DefaultQoS0Limit,
		fanoutRoutines: DefaultFanoutRoutines,
		events:         make(chan envelope),
		sessions:       make(map[clientid.ID]*session.Session),
		retained:       session.NewRetainedStore(),
	}
}

// Submit enqueues a client event, blocking until the broker's loop accepts
// it (the channel is intentionally unbuffered, spec.md §5).
func (b *Broker) Submit(id clientid.ID, ev ClientEvent) {
	b.events <- envelope{clientID: id, client: ev}
}

// SubmitSystem enqueues a broker-wide event.
func (b *Broker) SubmitSystem(ev SystemEvent) {
	b.events <- envelope{system: ev}
}

// Snapshot returns a point-in-time serialization of every session,
// routed through the broker's own loop so it never races session
// mutation (spec.md §4.4, "Session persistence hook").
func (b *Broker) Snapshot() map[clientid.ID]session.Snapshot {
	reply := make(chan map[clientid.ID]session.Snapshot, 1)
	b.SubmitSystem(SnapshotRequest{Reply: reply})
	return <-reply
}

func (b *Broker) snapshotAll() map[clientid.ID]session.Snapshot {
	out := make(map[clientid.ID]session.Snapshot, len(b.sessions))
	for id, sess := range b.sessions {
		out[id] = sess.Snapshot()
	}
	return out
}

// Run drives the broker's event loop until ctx is cancelled, at which
// point every connected session's will (if any) is published before the
// loop returns (spec.md §5, "Cancellation").
func (b *Broker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			b.shutdown()
			return
		case env := <-b.events:
			b.dispatch(ctx, env)
		}
	}
}

func (b *Broker) shutdown() {
	for id, sess := range b.sessions {
		if sess.Will != nil {
			b.publishWill(sess)
		}
		sess.ClearConnection()
		b.log.Info("broker shutdown: session retired", "client_id", id.String())
	}
}

func (b *Broker) dispatch(ctx context.Context, env envelope) {
	if env.system != nil {
		switch sys := env.system.(type) {
		case Shutdown:
			b.shutdown()
		case SnapshotRequest:
			sys.Reply <- b.snapshotAll()
		default:
			b.log.Warn("broker: unhandled system event", "type", sys)
		}
		return
	}

	switch ev := env.client.(type) {
	case ConnReq:
		b.handleConnReq(ctx, env.clientID, ev)
	case Subscribe:
		b.handleSubscribe(ctx, env.clientID, ev)
	case Unsubscribe:
		b.handleUnsubscribe(env.clientID, ev)
	case PublishFrom:
		b.handlePublishFrom(ctx, env.clientID, ev)
	case PubAck:
		b.handlePubAck(env.clientID, ev)
	case PubRec:
		b.handlePubRec(env.clientID, ev)
	case PubRel:
		b.handlePubRel(env.clientID, ev)
	case PubComp:
		b.handlePubComp(env.clientID, ev)
	case PubAck0:
		b.handlePubAck0(env.clientID, ev)
	case PingReq:
		b.handlePingReq(env.clientID)
	case Disconnect:
		b.handleDisconnect(env.clientID)
	case DropConnection:
		b.dropSession(env.clientID, false)
	case CloseSession:
		b.dropSession(env.clientID, true)
	default:
		b.log.Warn("broker: unhandled client event", "client_id", env.clientID.String())
	}
}

func (b *Broker) handleConnReq(ctx context.Context, id clientid.ID, ev ConnReq) {
	switch ev.Auth.Result {
	case auth.ResultFailure:
		b.refuseConnect(ev.Connection, packet.ConnAckBadUsernameOrPassword, id, "authentication failed")
		return
	case auth.ResultUnknown:
		b.refuseConnect(ev.Connection, packet.ConnAckNotAuthorized, id, "identity unknown")
		return
	}

	activity := authz.Activity{
		ClientID:   id,
		ClientInfo: authz.ClientInfo{AuthId: ev.Auth.Id, Local: ev.Local},
		Operation:  authz.ConnectOp{CleanSession: ev.Connect.CleanSession, KeepAlive: ev.Connect.KeepAlive},
	}
	result, err := b.authorizer.Authorize(ctx, activity)
	if err != nil || !result.Allowed() {
		b.log.Info("connect refused", "client_id", id.String(), "err", err)
		b.refuseConnect(ev.Connection, packet.ConnAckNotAuthorized, id, "not authorized")
		return
	}

	existing, hadSession := b.sessions[id]

	var sess *session.Session
	sessionPresent := false
	if ev.Connect.CleanSession {
		sess = session.New(id, true)
	} else if hadSession {
		sess = existing
		sessionPresent = true
	} else {
		sess = session.New(id, false)
	}
	sess.AuthId = ev.Auth.Id
	sess.Local = ev.Local
	sess.Will = nil
	if c := ev.Connect; c.WillTopic != nil {
		sess.Will = &session.Publication{Topic: *c.WillTopic, Payload: c.WillPayload, QoS: c.WillQoS, Retain: c.WillRetain}
	}
	b.sessions[id] = sess

	// At-most-one connection per client: evict whatever connection is
	// live, whether on the reused session or a now-discarded one
	// (spec.md §4.4, invariant 1).
	if hadSession && existing != sess {
		if prev := existing.Connection; prev != nil {
			b.evict(prev)
		}
	}
	if prev := sess.SetConnection(ev.Connection); prev != nil && prev != ev.Connection {
		b.evict(prev)
	}

	b.send(sess, session.Message{ConnAck: &packet.ConnAck{SessionPresent: sessionPresent, ReturnCode: packet.ConnAckAccepted}})
	b.drainWaiting(sess)
}

func (b *Broker) refuseConnect(conn *session.ConnectionHandle, code byte, id clientid.ID, reason string) {
	b.log.Info("connect refused", "client_id", id.String(), "reason", reason)
	if conn == nil {
		return
	}
	conn.Outbox <- session.Message{ConnAck: &packet.ConnAck{SessionPresent: false, ReturnCode: code}, Close: true}
}

// evict tells a connection it has been superseded; the connection task
// drains its egress queue and closes.
func (b *Broker) evict(conn *session.ConnectionHandle) {
	conn.Outbox <- session.Message{Close: true}
}

func (b *Broker) handleSubscribe(ctx context.Context, id clientid.ID, ev Subscribe) {
	sess, ok := b.sessions[id]
	if !ok {
		b.log.Warn("subscribe for unknown session", "client_id", id.String())
		return
	}

	codes := make([]byte, len(ev.Subscriptions))
	type grant struct {
		matches func(topic string) bool
		qos     packet.QoS
	}
	var grants []grant
	for i, s := range ev.Subscriptions {
		activity := authz.Activity{
			ClientID:   id,
			ClientInfo: authz.ClientInfo{AuthId: sess.AuthId, Local: sess.Local},
			Operation:  authz.SubscribeOp{Filter: s.TopicFilter, QoS: s.QoS},
		}
		result, err := b.authorizer.Authorize(ctx, activity)
		if err != nil || !result.Allowed() {
			codes[i] = packet.SubAckFailure
			continue
		}

		codes[i] = byte(s.QoS)
		sess.Subscribe(s.TopicFilter, s.QoS)

		filter, ferr := topic.ParseFilter(s.TopicFilter)
		if ferr != nil {
			continue
		}
		grants = append(grants, grant{matches: filter.Matches, qos: s.QoS})
	}

	b.send(sess, session.Message{SubAck: &packet.SubAck{PacketID: ev.PacketID, ReturnCodes: codes}})
	for _, g := range grants {
		for _, pub := range b.retained.Matching(g.matches) {
			b.deliverTo(sess, pub, negotiatedQoS(pub.QoS, g.qos))
		}
	}
}

func (b *Broker) handleUnsubscribe(id clientid.ID, ev Unsubscribe) {
	sess, ok := b.sessions[id]
	if !ok {
		b.log.Warn("unsubscribe for unknown session", "client_id", id.String())
		return
	}
	for _, f := range ev.TopicFilters {
		sess.Unsubscribe(f)
	}
	b.send(sess, session.Message{UnsubAck: &ev.PacketID})
}

func (b *Broker) handlePublishFrom(ctx context.Context, id clientid.ID, ev PublishFrom) {
	sess, ok := b.sessions[id]
	if !ok {
		b.log.Warn("publish from unknown session", "client_id", id.String())
		return
	}

	if ev.Pub.QoS == packet.QoS2 {
		if _, dup := sess.InFlightIn[ev.PacketID]; dup {
			pid := ev.PacketID
			b.send(sess, session.Message{PubRec: &pid})
			return
		}
	}

	activity := authz.Activity{
		ClientID:   id,
		ClientInfo: authz.ClientInfo{AuthId: sess.AuthId, Local: sess.Local},
		Operation:  authz.PublishOp{Topic: ev.Pub.Topic, QoS: ev.Pub.QoS, Retain: ev.Pub.Retain},
	}
	result, err := b.authorizer.Authorize(ctx, activity)
	if err != nil || !result.Allowed() {
		// Silent at QoS 0; at QoS >= 1 the ack is withheld rather than
		// sent, so the publisher's own retry/timeout surfaces the
		// failure (spec.md §7: "negative ack at QoS >= 1").
		b.log.Info("publish refused", "client_id", id.String(), "topic", ev.Pub.Topic)
		return
	}

	if ev.Pub.Retain {
		b.retained.Store(ev.Pub)
	}

	b.fanOut(ev.Pub)

	switch ev.Pub.QoS {
	case packet.QoS1:
		pid := ev.PacketID
		b.send(sess, session.Message{PubAck: &pid})
	case packet.QoS2:
		sess.InFlightIn[ev.PacketID] = &session.PubRelPending{Publication: ev.Pub}
		pid := ev.PacketID
		b.send(sess, session.Message{PubRec: &pid})
	}
}

func (b *Broker) handlePubAck(id clientid.ID, ev PubAck) {
	if sess, ok := b.sessions[id]; ok {
		delete(sess.InFlightOut, ev.PacketID)
	}
}

func (b *Broker) handlePubRec(id clientid.ID, ev PubRec) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	if state, ok := sess.InFlightOut[ev.PacketID]; ok {
		state.AwaitingRel = true
	}
	pid := ev.PacketID
	b.send(sess, session.Message{PubRel: &pid})
}

func (b *Broker) handlePubRel(id clientid.ID, ev PubRel) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	delete(sess.InFlightIn, ev.PacketID)
	pid := ev.PacketID
	b.send(sess, session.Message{PubComp: &pid})
}

func (b *Broker) handlePubComp(id clientid.ID, ev PubComp) {
	if sess, ok := b.sessions[id]; ok {
		delete(sess.InFlightOut, ev.PacketID)
	}
}

func (b *Broker) handlePubAck0(id clientid.ID, ev PubAck0) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	sess.ReleaseQoS0()
	b.drainWaiting(sess)
}

func (b *Broker) handlePingReq(id clientid.ID) {
	if sess, ok := b.sessions[id]; ok {
		b.send(sess, session.Message{PingResp: true})
	}
}

func (b *Broker) handleDisconnect(id clientid.ID) {
	if sess, ok := b.sessions[id]; ok {
		sess.Will = nil
		sess.ClearConnection()
	}
}

// dropSession implements DropConnection/CloseSession (spec.md §4.4): the
// will, if any, is published; forceDiscard (CloseSession) always discards
// the session, otherwise it is kept iff CleanSession is false.
func (b *Broker) dropSession(id clientid.ID, forceDiscard bool) {
	sess, ok := b.sessions[id]
	if !ok {
		return
	}
	if sess.Will != nil {
		b.publishWill(sess)
	}
	sess.ClearConnection()
	if forceDiscard || sess.CleanSession {
		delete(b.sessions, id)
	}
}

func (b *Broker) publishWill(sess *session.Session) {
	will := *sess.Will
	sess.Will = nil
	if will.Retain {
		b.retained.Store(will)
	}
	b.fanOut(will)
}

func negotiatedQoS(publisherQoS, subscriberQoS packet.QoS) packet.QoS {
	if publisherQoS < subscriberQoS {
		return publisherQoS
	}
	return subscriberQoS
}

// fanOut delivers pub to every subscriber whose filter matches, using a
// bounded worker pool (spec.md §4.4, "[DOMAIN] fan-out ... performed by a
// small worker pool built on rill"). Each worker only ever touches the one
// Session it was handed, so no additional locking is required beyond each
// Session's own internal mutex.
func (b *Broker) fanOut(pub session.Publication) {
	type target struct {
		sess *session.Session
		qos  packet.QoS
	}
	var targets []target
	for _, sess := range b.sessions {
		for filterStr, subQoS := range sess.Subscriptions {
			filter, err := topic.ParseFilter(filterStr)
			if err != nil {
				continue
			}
			if filter.Matches(pub.Topic) {
				targets = append(targets, target{sess: sess, qos: negotiatedQoS(pub.QoS, subQoS)})
				break
			}
		}
	}
	if len(targets) == 0 {
		return
	}

	stream := rill.FromSlice(targets, nil)
	_ = rill.ForEach(stream, b.fanoutRoutines, func(t target) error {
		b.deliverTo(t.sess, pub, t.qos)
		return nil
	})
}

func (b *Broker) deliverTo(sess *session.Session, pub session.Publication, qos packet.QoS) {
	if qos == packet.QoS0 {
		if sess.Connection == nil {
			if !sess.CleanSession {
				b.parkWaiting(sess, session.OutboundPublish{Pub: pub})
			}
			return
		}
		if !sess.TryAdmitQoS0(b.qos0Limit) {
			if !sess.CleanSession {
				b.parkWaiting(sess, session.OutboundPublish{Pub: pub})
			}
			return
		}
		b.send(sess, session.Message{Publish: &session.OutboundPublish{Pub: pub}})
		return
	}

	pid := sess.NextPacketID()
	out := session.OutboundPublish{PacketID: pid, Pub: pub}
	sess.InFlightOut[pid] = &session.PublishState{Publication: pub, QoS: qos}
	if sess.Connection == nil {
		b.parkWaiting(sess, out)
		return
	}
	b.send(sess, session.Message{Publish: &out})
}

// parkWaiting appends to a session's parked outbound queue. Safe without a
// lock: fanOut's worker pool hands each session to at most one goroutine
// per publish (see fanOut), and the broker's single-consumer loop never
// runs concurrently with a fanOut call it is waiting on.
func (b *Broker) parkWaiting(sess *session.Session, out session.OutboundPublish) {
	sess.WaitingToBeSent = append(sess.WaitingToBeSent, out)
}

// drainWaiting flushes a session's parked outbound queue once a
// connection is available, in FIFO order.
func (b *Broker) drainWaiting(sess *session.Session) {
	if sess.Connection == nil || len(sess.WaitingToBeSent) == 0 {
		return
	}
	pending := sess.WaitingToBeSent
	sess.WaitingToBeSent = nil

	for _, out := range pending {
		out := out
		b.send(sess, session.Message{Publish: &out})
	}
}

func (b *Broker) send(sess *session.Session, msg session.Message) {
	if sess.Connection == nil {
		return
	}
	sess.Connection.Outbox <- msg
}
