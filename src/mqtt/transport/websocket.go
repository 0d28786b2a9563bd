package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// WSSource accepts MQTT-over-WebSocket connections, binary-framed, on an
// HTTP upgrade endpoint (spec.md §6: "TCP, TLS, or WebSocket upgrade").
type WSSource struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	accepted chan Accepted
	errs     chan error
}

// ListenWebSocket starts an HTTP server on addr that upgrades every request
// at path to a WebSocket carrying binary MQTT frames.
func ListenWebSocket(addr, path string) (*WSSource, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: websocket listen %s: %w", addr, err)
	}

	s := &WSSource{
		ln:       ln,
		upgrader: websocket.Upgrader{Subprotocols: []string{"mqtt"}},
		accepted: make(chan Accepted),
		errs:     make(chan error, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc(path, s.handleUpgrade)
	s.srv = &http.Server{Handler: mux}

	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.errs <- err
		}
	}()

	return s, nil
}

func (s *WSSource) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.accepted <- Accepted{
		Stream:     &wsStream{conn: conn},
		RemoteAddr: r.RemoteAddr,
		Local:      isLoopback(r.RemoteAddr),
	}
}

func (s *WSSource) Accept(ctx context.Context) (Accepted, error) {
	select {
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	case a := <-s.accepted:
		return a, nil
	case err := <-s.errs:
		return Accepted{}, err
	}
}

func (s *WSSource) Close() error { return s.srv.Close() }

// wsStream adapts a *websocket.Conn's message-oriented API to the
// byte-stream Stream contract by buffering partially-consumed messages.
type wsStream struct {
	conn *websocket.Conn
	buf  []byte
}

func (w *wsStream) Read(p []byte) (int, error) {
	for len(w.buf) == 0 {
		_, data, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		w.buf = data
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error { return w.conn.Close() }

func (w *wsStream) SetReadDeadline(t time.Time) error  { return w.conn.SetReadDeadline(t) }
func (w *wsStream) SetWriteDeadline(t time.Time) error { return w.conn.SetWriteDeadline(t) }
