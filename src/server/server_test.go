package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/go-faker/faker/v4"
	"github.com/stretchr/testify/require"

	"github.com/sandrolain/mqtt-edgebroker/src/config"
)

// sensorReading is a synthetic device payload, generated with go-faker the
// way the teacher's testers/sources/testpayload package fabricates traffic
// for its own connector tests, adapted here into a one-off fixture for the
// end-to-end PUBLISH/SUBSCRIBE path.
type sensorReading struct {
	DeviceID string  `faker:"uuid_hyphenated" json:"deviceId"`
	Reading  float64 `faker:"lat" json:"reading"`
}

func generateSensorReading(t *testing.T) ([]byte, sensorReading) {
	t.Helper()
	var r sensorReading
	require.NoError(t, faker.FakeData(&r))
	data, err := json.Marshal(r)
	require.NoError(t, err)
	return data, r
}

// freeTCPAddr picks an unused loopback port by briefly listening then
// releasing it, matching the teacher's own test-helper idiom of binding to
// ":0" to avoid port collisions between parallel test runs.
func freeTCPAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

// TestEndToEndPublishSubscribe drives a real broker instance through a real
// TCP listener with github.com/eclipse/paho.mqtt.golang as the client,
// matching the teacher's connectors/mqtt test helpers (spec.md §2 AMBIENT
// Test tooling).
func TestEndToEndPublishSubscribe(t *testing.T) {
	addr := freeTCPAddr(t)
	cfg := &config.Config{
		Listeners: []config.ListenerConfig{{Name: "tcp", Transport: "tcp", Address: addr}},
		Authn:     config.AuthnConfig{AllowAnonymous: true},
		Authz:     config.AuthzConfig{Local: true},
	}

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := Build(ctx, cfg, log)
	require.NoError(t, err)
	go srv.Run(ctx)

	// Give the accept loop a moment to bind and start serving.
	time.Sleep(50 * time.Millisecond)

	received := make(chan mqtt.Message, 1)

	subOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", addr)).
		SetClientID("sub-1")
	sub := mqtt.NewClient(subOpts)
	tok := sub.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	defer sub.Disconnect(250)

	subTok := sub.Subscribe("rooms/1/temperature", 0, func(_ mqtt.Client, m mqtt.Message) {
		received <- m
	})
	require.True(t, subTok.WaitTimeout(2*time.Second))
	require.NoError(t, subTok.Error())

	pubOpts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s", addr)).
		SetClientID("pub-1")
	pub := mqtt.NewClient(pubOpts)
	tok = pub.Connect()
	require.True(t, tok.WaitTimeout(2*time.Second))
	require.NoError(t, tok.Error())
	defer pub.Disconnect(250)

	payload, reading := generateSensorReading(t)
	pubTok := pub.Publish("rooms/1/temperature", 0, false, payload)
	require.True(t, pubTok.WaitTimeout(2*time.Second))
	require.NoError(t, pubTok.Error())

	select {
	case m := <-received:
		var got sensorReading
		require.NoError(t, json.Unmarshal(m.Payload(), &got))
		require.Equal(t, reading, got)
	case <-time.After(3 * time.Second):
		t.Fatal("did not receive published message")
	}
}
