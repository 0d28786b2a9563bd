package packet

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, p Packet) Packet {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, WritePacket(&buf, p))
	got, err := ReadPacket(&buf)
	require.NoError(t, err)
	return got
}

func TestConnectRoundTrip(t *testing.T) {
	username := "alice"
	willTopic := "devices/alice/lwt"
	c := Connect{
		ClientID:     "alice-1",
		CleanSession: true,
		KeepAlive:    60,
		Username:     &username,
		Password:     []byte("s3cret"),
		WillTopic:    &willTopic,
		WillPayload:  []byte("offline"),
		WillQoS:      QoS1,
		WillRetain:   true,
	}
	got := roundTrip(t, c)
	assert.Equal(t, c, got)
}

func TestConnectMinimalRoundTrip(t *testing.T) {
	c := Connect{ClientID: "", CleanSession: true, KeepAlive: 30}
	got := roundTrip(t, c).(Connect)
	assert.Equal(t, "", got.ClientID)
	assert.Nil(t, got.Username)
	assert.Nil(t, got.WillTopic)
}

func TestPublishRoundTripQoS0(t *testing.T) {
	p := Publish{QoS: QoS0, Topic: "a/b", Payload: []byte("hello")}
	got := roundTrip(t, p).(Publish)
	assert.Equal(t, "a/b", got.Topic)
	assert.Equal(t, []byte("hello"), got.Payload)
	assert.Equal(t, uint16(0), got.PacketID)
}

func TestPublishRoundTripQoS2(t *testing.T) {
	p := Publish{Dup: true, QoS: QoS2, Retain: true, Topic: "x", PacketID: 42, Payload: []byte{1, 2, 3}}
	got := roundTrip(t, p).(Publish)
	assert.Equal(t, p, got)
}

func TestSubscribeRoundTrip(t *testing.T) {
	s := Subscribe{
		PacketID: 7,
		Subscriptions: []Subscription{
			{TopicFilter: "a/+/c", QoS: QoS1},
			{TopicFilter: "#", QoS: QoS2},
		},
	}
	got := roundTrip(t, s).(Subscribe)
	assert.Equal(t, s, got)
}

func TestSubAckRoundTrip(t *testing.T) {
	s := SubAck{PacketID: 9, ReturnCodes: []byte{SubAckMaxQoS1, SubAckFailure}}
	got := roundTrip(t, s).(SubAck)
	assert.Equal(t, s, got)
}

func TestUnsubscribeRoundTrip(t *testing.T) {
	u := Unsubscribe{PacketID: 3, TopicFilters: []string{"a/b", "c/d"}}
	got := roundTrip(t, u).(Unsubscribe)
	assert.Equal(t, u, got)
}

func TestPingAndDisconnectRoundTrip(t *testing.T) {
	assert.Equal(t, PingReq{}, roundTrip(t, PingReq{}))
	assert.Equal(t, PingResp{}, roundTrip(t, PingResp{}))
	assert.Equal(t, Disconnect{}, roundTrip(t, Disconnect{}))
}

func TestAckPacketsRoundTrip(t *testing.T) {
	assert.Equal(t, PubAck{PacketID: 1}, roundTrip(t, PubAck{PacketID: 1}))
	assert.Equal(t, PubRec{PacketID: 2}, roundTrip(t, PubRec{PacketID: 2}))
	assert.Equal(t, PubRel{PacketID: 3}, roundTrip(t, PubRel{PacketID: 3}))
	assert.Equal(t, PubComp{PacketID: 4}, roundTrip(t, PubComp{PacketID: 4}))
	assert.Equal(t, UnsubAck{PacketID: 5}, roundTrip(t, UnsubAck{PacketID: 5}))
}

func TestConnAckRoundTrip(t *testing.T) {
	c := ConnAck{SessionPresent: true, ReturnCode: ConnAckAccepted}
	got := roundTrip(t, c).(ConnAck)
	assert.Equal(t, c, got)
}

func TestConnectRejectsWrongProtocolName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeString(&buf, "MQIsdp"))
	buf.WriteByte(4)
	buf.WriteByte(0x02)
	writeUint16(&buf, 30)
	require.NoError(t, writeString(&buf, "c1"))

	var framed bytes.Buffer
	framed.WriteByte(byte(TypeConnect) << 4)
	require.NoError(t, writeRemainingLength(&framed, buf.Len()))
	framed.Write(buf.Bytes())

	_, err := ReadPacket(&framed)
	require.Error(t, err)
	var decErr *DecodeError
	assert.ErrorAs(t, err, &decErr)
}

func TestRemainingLengthRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 127, 128, 16383, 16384, MaxRemainingLength} {
		var buf bytes.Buffer
		require.NoError(t, writeRemainingLength(&buf, n))
		got, err := readRemainingLength(&buf)
		require.NoError(t, err)
		assert.Equal(t, n, got)
	}
}

func TestRemainingLengthTooLarge(t *testing.T) {
	var buf bytes.Buffer
	err := writeRemainingLength(&buf, MaxRemainingLength+1)
	require.Error(t, err)
}

func TestSubscribeRejectsEmptyFilterList(t *testing.T) {
	var buf bytes.Buffer
	writeUint16(&buf, 1)

	var framed bytes.Buffer
	framed.WriteByte(byte(TypeSubscribe)<<4 | 0x02)
	require.NoError(t, writeRemainingLength(&framed, buf.Len()))
	framed.Write(buf.Bytes())

	_, err := ReadPacket(&framed)
	require.Error(t, err)
}
