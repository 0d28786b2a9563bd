package broker

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/authz"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/session"
)

func allowAll() authz.Authorizer {
	return authz.AuthorizerFunc(func(ctx context.Context, a authz.Activity) (authz.Authorization, error) {
		return authz.Allow(), nil
	})
}

func newTestBroker(t *testing.T) *Broker {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := New(allowAll(), log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go b.Run(ctx)
	return b
}

func newConn(id uint64) (*session.ConnectionHandle, chan session.Message) {
	ch := make(chan session.Message, 16)
	return &session.ConnectionHandle{ID: id, Outbox: ch}, ch
}

func recvMsg(t *testing.T, ch chan session.Message) session.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for message")
		return session.Message{}
	}
}

func connect(t *testing.T, b *Broker, id clientid.ID, cleanSession bool, connID uint64) chan session.Message {
	t.Helper()
	conn, ch := newConn(connID)
	b.Submit(id, ConnReq{
		Connect: packet.Connect{ClientID: id.String(), CleanSession: cleanSession, KeepAlive: 30},
		Auth:    auth.Authenticated(auth.Identity(id.String())),
		Connection: conn,
	})
	msg := recvMsg(t, ch)
	require.NotNil(t, msg.ConnAck)
	assert.Equal(t, packet.ConnAckAccepted, msg.ConnAck.ReturnCode)
	return ch
}

func TestConnReqAccepted(t *testing.T) {
	b := newTestBroker(t)
	ch := connect(t, b, "alice", true, 1)
	assert.NotNil(t, ch)
}

func TestConnReqRefusedUnknownIdentity(t *testing.T) {
	b := newTestBroker(t)
	conn, ch := newConn(1)
	b.Submit("bob", ConnReq{
		Connect:    packet.Connect{ClientID: "bob", CleanSession: true},
		Auth:       auth.Unknown,
		Connection: conn,
	})
	msg := recvMsg(t, ch)
	require.NotNil(t, msg.ConnAck)
	assert.Equal(t, packet.ConnAckNotAuthorized, msg.ConnAck.ReturnCode)
	assert.True(t, msg.Close)
}

func TestSecondConnReqEvictsPrior(t *testing.T) {
	b := newTestBroker(t)
	firstCh := connect(t, b, "carol", false, 1)

	conn2, ch2 := newConn(2)
	b.Submit("carol", ConnReq{
		Connect:    packet.Connect{ClientID: "carol", CleanSession: false, KeepAlive: 30},
		Auth:       auth.Authenticated(auth.Identity("carol")),
		Connection: conn2,
	})

	evicted := recvMsg(t, firstCh)
	assert.True(t, evicted.Close)

	msg2 := recvMsg(t, ch2)
	require.NotNil(t, msg2.ConnAck)
	assert.True(t, msg2.ConnAck.SessionPresent)
}

func TestSubscribeDeliversRetained(t *testing.T) {
	b := newTestBroker(t)
	pubCh := connect(t, b, "pub", true, 1)
	b.Submit("pub", PublishFrom{
		Pub: session.Publication{Topic: "dev/1/temp", Payload: []byte("20"), QoS: packet.QoS0, Retain: true},
	})

	subCh := connect(t, b, "sub", true, 2)
	b.Submit("sub", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "dev/1/temp", QoS: packet.QoS0}},
	})

	suback := recvMsg(t, subCh)
	require.NotNil(t, suback.SubAck)
	assert.Equal(t, []byte{byte(packet.QoS0)}, suback.SubAck.ReturnCodes)

	retained := recvMsg(t, subCh)
	require.NotNil(t, retained.Publish)
	assert.Equal(t, "dev/1/temp", retained.Publish.Pub.Topic)
	assert.Equal(t, []byte("20"), retained.Publish.Pub.Payload)
}

func TestSnapshotReflectsSubscriptions(t *testing.T) {
	b := newTestBroker(t)
	connect(t, b, "dev-1", false, 1)
	b.Submit("dev-1", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "dev/1/temp", QoS: packet.QoS1}},
	})

	snaps := b.Snapshot()
	require.Contains(t, snaps, clientid.ID("dev-1"))
	assert.Equal(t, packet.QoS1, snaps["dev-1"].Subscriptions["dev/1/temp"])
	assert.False(t, snaps["dev-1"].CleanSession)
}

func TestPublishFanOutQoS0(t *testing.T) {
	b := newTestBroker(t)
	subCh := connect(t, b, "sub", true, 1)
	b.Submit("sub", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "a/b", QoS: packet.QoS0}},
	})
	require.NotNil(t, recvMsg(t, subCh).SubAck)

	connect(t, b, "pub", true, 2)
	b.Submit("pub", PublishFrom{Pub: session.Publication{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoS0}})

	msg := recvMsg(t, subCh)
	require.NotNil(t, msg.Publish)
	assert.Equal(t, []byte("x"), msg.Publish.Pub.Payload)
}

func TestPublishQoS2NoDuplicateFanOutOnRetransmit(t *testing.T) {
	b := newTestBroker(t)
	subCh := connect(t, b, "sub", true, 1)
	b.Submit("sub", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "a/b", QoS: packet.QoS2}},
	})
	require.NotNil(t, recvMsg(t, subCh).SubAck)

	pubCh := connect(t, b, "pub", true, 2)
	pub := session.Publication{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoS2}

	b.Submit("pub", PublishFrom{PacketID: 10, Pub: pub})
	rec1 := recvMsg(t, pubCh)
	require.NotNil(t, rec1.PubRec)
	assert.EqualValues(t, 10, *rec1.PubRec)

	fanned := recvMsg(t, subCh)
	require.NotNil(t, fanned.Publish)

	// Retransmitted PUBLISH with the same packet id, before PUBREL.
	b.Submit("pub", PublishFrom{PacketID: 10, Pub: pub})
	rec2 := recvMsg(t, pubCh)
	require.NotNil(t, rec2.PubRec)
	assert.EqualValues(t, 10, *rec2.PubRec)

	select {
	case m := <-subCh:
		t.Fatalf("unexpected duplicate fan-out delivery: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}

	b.Submit("pub", PubRel{PacketID: 10})
	comp := recvMsg(t, pubCh)
	require.NotNil(t, comp.PubComp)
	assert.EqualValues(t, 10, *comp.PubComp)
}

func TestPingReq(t *testing.T) {
	b := newTestBroker(t)
	ch := connect(t, b, "pinger", true, 1)
	b.Submit("pinger", PingReq{})
	msg := recvMsg(t, ch)
	assert.True(t, msg.PingResp)
}

func TestCleanDisconnectDoesNotPublishWill(t *testing.T) {
	b := newTestBroker(t)
	willSubCh := connect(t, b, "watcher", true, 1)
	b.Submit("watcher", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "last/will", QoS: packet.QoS0}},
	})
	require.NotNil(t, recvMsg(t, willSubCh).SubAck)

	conn, _ := newConn(2)
	willTopic := "last/will"
	b.Submit("dying", ConnReq{
		Connect: packet.Connect{ClientID: "dying", CleanSession: true, KeepAlive: 30,
			WillTopic: &willTopic, WillPayload: []byte("gone")},
		Auth:    auth.Authenticated(auth.Identity("dying")),
		Connection: conn,
	})

	b.Submit("dying", Disconnect{})

	select {
	case m := <-willSubCh:
		t.Fatalf("will must not be published after clean DISCONNECT: %+v", m)
	case <-time.After(200 * time.Millisecond):
	}
}

// TestCleanDisconnectDoesNotLeakConnection pins the fix for a connio.go
// ingress path that, on a clean DISCONNECT, submits only Disconnect{} and
// never DropConnection/CloseSession (mirroring event_loop.rs's
// incoming_task, which returns Ok(()) on Packet::Disconnect without
// notifying the broker again). Before the fix, handleDisconnect left
// sess.Connection pointing at a connection whose egress side had already
// stopped draining its Outbox; once enough messages piled up, b.send's
// blocking channel write would freeze the whole broker goroutine. Here
// nobody ever reads from dying's channel again after Disconnect, so if the
// broker still held the connection, fanning out enough publishes to fill
// the Outbox would wedge every subsequent Submit.
func TestCleanDisconnectDoesNotLeakConnection(t *testing.T) {
	b := newTestBroker(t)
	dyingCh := connect(t, b, "dying", true, 1)
	b.Submit("dying", Subscribe{
		PacketID:      1,
		Subscriptions: []packet.Subscription{{TopicFilter: "a/b", QoS: packet.QoS0}},
	})
	require.NotNil(t, recvMsg(t, dyingCh).SubAck)

	b.Submit("dying", Disconnect{})

	pubCh := connect(t, b, "publisher", true, 2)
	for i := 0; i < 1000; i++ {
		b.Submit("publisher", PublishFrom{
			PacketID: 0,
			Pub:      session.Publication{Topic: "a/b", Payload: []byte("x"), QoS: packet.QoS0},
		})
	}

	done := make(chan struct{})
	go func() {
		b.Submit("publisher", PingReq{})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("broker appears wedged after clean disconnect; session.Connection was not cleared")
	}
	assert.NotNil(t, recvMsg(t, pubCh).PingResp)
}
