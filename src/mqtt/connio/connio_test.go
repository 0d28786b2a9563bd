package connio

import (
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/broker"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/session"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/transport"
)

type recordedEvent struct {
	id clientid.ID
	ev broker.ClientEvent
}

type fakeDispatcher struct {
	events chan recordedEvent
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{events: make(chan recordedEvent, 64)}
}

func (f *fakeDispatcher) Submit(id clientid.ID, ev broker.ClientEvent) {
	f.events <- recordedEvent{id: id, ev: ev}
}

func (f *fakeDispatcher) next(t *testing.T) recordedEvent {
	t.Helper()
	select {
	case e := <-f.events:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatched event")
		return recordedEvent{}
	}
}

type authenticateFunc func(ctx context.Context, username *string, creds auth.Credentials) (auth.Auth, error)

func (f authenticateFunc) Authenticate(ctx context.Context, username *string, creds auth.Credentials) (auth.Auth, error) {
	return f(ctx, username, creds)
}

func acceptAll() auth.Authenticator {
	return authenticateFunc(func(ctx context.Context, username *string, creds auth.Credentials) (auth.Auth, error) {
		return auth.Authenticated(auth.Anonymous), nil
	})
}

func pipeStream() (transport.Stream, *net.TCPConn, func()) {
	// net.Pipe doesn't support deadlines usefully for our purposes across
	// platforms in every Go version, so tests use a real loopback TCP
	// pair, matching the teacher's own transport_test.go idiom.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		panic(err)
	}
	var server net.Conn
	accepted := make(chan struct{})
	go func() {
		server, _ = ln.Accept()
		close(accepted)
	}()
	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		panic(err)
	}
	<-accepted
	cleanup := func() {
		client.Close()
		server.Close()
		ln.Close()
	}
	return server.(*net.TCPConn), client.(*net.TCPConn), cleanup
}

func newTestTask(d Dispatcher, authn auth.Authenticator) *Task {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(d, authn, nil, log)
}

func TestHandleNonConnectFirstPacketClosesConnection(t *testing.T) {
	server, client, cleanup := pipeStream()
	defer cleanup()

	task := newTestTask(newFakeDispatcher(), acceptAll())
	done := make(chan struct{})
	go func() {
		task.Handle(context.Background(), transport.Accepted{Stream: server, RemoteAddr: "test"})
		close(done)
	}()

	require.NoError(t, packet.WritePacket(client, packet.PingReq{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after non-CONNECT first packet")
	}
}

func TestHandleSendsConnReqAndDispatchesSubscribe(t *testing.T) {
	server, client, cleanup := pipeStream()
	defer cleanup()

	disp := newFakeDispatcher()
	task := newTestTask(disp, acceptAll())

	done := make(chan struct{})
	go func() {
		task.Handle(context.Background(), transport.Accepted{Stream: server, RemoteAddr: "test"})
		close(done)
	}()

	require.NoError(t, packet.WritePacket(client, packet.Connect{ClientID: "c1", CleanSession: true, KeepAlive: 30}))

	connReqEvent := disp.next(t)
	assert.Equal(t, clientid.ID("c1"), connReqEvent.id)
	connReq, ok := connReqEvent.ev.(broker.ConnReq)
	require.True(t, ok)
	require.NotNil(t, connReq.Connection)

	// Simulate the broker's ConnAck reply, admitting the client to Established.
	connReq.Connection.Outbox <- session.Message{ConnAck: &packet.ConnAck{SessionPresent: false, ReturnCode: packet.ConnAckAccepted}}

	replyPkt, err := packet.ReadPacket(client)
	require.NoError(t, err)
	connAck, ok := replyPkt.(packet.ConnAck)
	require.True(t, ok)
	assert.Equal(t, byte(packet.ConnAckAccepted), connAck.ReturnCode)

	require.NoError(t, packet.WritePacket(client, packet.Subscribe{
		PacketID:      7,
		Subscriptions: []packet.Subscription{{TopicFilter: "a/b", QoS: packet.QoS1}},
	}))

	subEvent := disp.next(t)
	sub, ok := subEvent.ev.(broker.Subscribe)
	require.True(t, ok)
	assert.EqualValues(t, 7, sub.PacketID)
	require.Len(t, sub.Subscriptions, 1)
	assert.Equal(t, "a/b", sub.Subscriptions[0].TopicFilter)

	require.NoError(t, packet.WritePacket(client, packet.Disconnect{}))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Handle did not return after clean DISCONNECT")
	}

	discEvent := disp.next(t)
	assert.IsType(t, broker.Disconnect{}, discEvent.ev)
}
