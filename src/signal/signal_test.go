package signal

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	srv, err := Listen("127.0.0.1:0", log)
	require.NoError(t, err)
	t.Cleanup(func() { srv.Close() })
	return srv, srv.ln.Addr().String()
}

func post(t *testing.T, addr, path string) int {
	t.Helper()
	resp, err := http.Post("http://"+addr+path, "application/json", bytes.NewReader(nil))
	require.NoError(t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

func TestUnknownPathNotFound(t *testing.T) {
	_, addr := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, post(t, addr, "/signals/unknown"))
}

func TestBothSignalsGateReady(t *testing.T) {
	srv, addr := newTestServer(t)

	assert.Equal(t, http.StatusAccepted, post(t, addr, "/signals/config-ready"))
	assert.Equal(t, http.StatusAccepted, post(t, addr, "/signals/certs-rotated"))

	select {
	case ev := <-srv.Events():
		assert.Equal(t, Ready, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Ready event")
	}
}

func TestBothSignalsGateReadyReverseOrder(t *testing.T) {
	srv, addr := newTestServer(t)

	assert.Equal(t, http.StatusAccepted, post(t, addr, "/signals/certs-rotated"))
	assert.Equal(t, http.StatusAccepted, post(t, addr, "/signals/config-ready"))

	select {
	case ev := <-srv.Events():
		assert.Equal(t, Ready, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Ready event")
	}
}

func TestSignalAfterReadyEmitsRestart(t *testing.T) {
	srv, addr := newTestServer(t)

	post(t, addr, "/signals/config-ready")
	post(t, addr, "/signals/certs-rotated")
	require.Equal(t, Ready, <-srv.Events())

	post(t, addr, "/signals/config-ready")
	select {
	case ev := <-srv.Events():
		assert.Equal(t, Restart, ev)
	case <-time.After(2 * time.Second):
		t.Fatal("expected Restart event")
	}
}

func TestRepeatedSameSignalBeforeReadyDoesNotFireEarly(t *testing.T) {
	srv, addr := newTestServer(t)

	post(t, addr, "/signals/config-ready")
	post(t, addr, "/signals/config-ready")

	select {
	case ev := <-srv.Events():
		t.Fatalf("unexpected event before both signals seen: %v", ev)
	case <-time.After(200 * time.Millisecond):
	}
}
