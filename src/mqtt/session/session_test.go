package session

import (
	"testing"

	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/packet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNextPacketIDUniqueWhileInFlight(t *testing.T) {
	s := New("c1", false)
	id1 := s.NextPacketID()
	s.InFlightOut[id1] = &PublishState{}
	id2 := s.NextPacketID()
	assert.NotEqual(t, id1, id2)
}

func TestSetConnectionEvictsPrior(t *testing.T) {
	s := New("c1", false)
	first := &ConnectionHandle{ID: 1}
	second := &ConnectionHandle{ID: 2}

	prev := s.SetConnection(first)
	assert.Nil(t, prev)

	prev = s.SetConnection(second)
	require.NotNil(t, prev)
	assert.Equal(t, uint64(1), prev.ID)
	assert.True(t, s.IsConnected())
}

func TestSubscribeUnsubscribe(t *testing.T) {
	s := New("c1", false)
	s.Subscribe("a/b", packet.QoS1)
	assert.Equal(t, packet.QoS1, s.Subscriptions["a/b"])

	assert.True(t, s.Unsubscribe("a/b"))
	assert.False(t, s.Unsubscribe("a/b"))
}

func TestRetainedStoreEmptyPayloadDeletes(t *testing.T) {
	store := NewRetainedStore()
	store.Store(Publication{Topic: "a/b", Payload: []byte("x"), Retain: true})

	matches := store.Matching(func(topic string) bool { return topic == "a/b" })
	require.Len(t, matches, 1)
	assert.Equal(t, []byte("x"), matches[0].Payload)

	store.Store(Publication{Topic: "a/b", Payload: nil, Retain: true})
	matches = store.Matching(func(topic string) bool { return topic == "a/b" })
	assert.Len(t, matches, 0)
}

func TestSnapshotRoundTrip(t *testing.T) {
	s := New("c1", false)
	s.Subscribe("a/#", packet.QoS2)
	s.InFlightOut[5] = &PublishState{Publication: Publication{Topic: "x", Payload: []byte("y")}, QoS: packet.QoS1}
	will := Publication{Topic: "lwt", Payload: []byte("bye")}
	s.Will = &will

	snap := s.Snapshot()
	data, err := EncodeSnapshot(snap)
	require.NoError(t, err)

	decoded, err := DecodeSnapshot(data)
	require.NoError(t, err)

	restored := Restore(decoded)
	assert.Equal(t, s.ClientID, restored.ClientID)
	assert.Equal(t, packet.QoS2, restored.Subscriptions["a/#"])
	assert.Equal(t, "x", restored.InFlightOut[5].Publication.Topic)
	require.NotNil(t, restored.Will)
	assert.Equal(t, "lwt", restored.Will.Topic)
}
