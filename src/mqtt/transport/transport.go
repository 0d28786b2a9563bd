// Package transport implements the pluggable, cancellable sources of
// framed byte streams a connection task reads MQTT packets from
// (spec.md §4.2): TCP, TLS, and WebSocket acceptors.
package transport

import (
	"context"
	"crypto/x509"
	"time"
)

// Stream is the minimal byte-stream contract a connection task needs: a
// deadline-aware ReadWriteCloser. It is intentionally narrower than
// net.Conn so the same TimeoutStream wrapper works over a raw TCP
// connection and a WebSocket message adapter alike (spec.md §4.1).
type Stream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Accepted is one accepted connection: its framed byte stream plus an
// optional peer certificate, present only on mutually-authenticated TLS
// (spec.md §4.2).
type Accepted struct {
	Stream          Stream
	PeerCertificate *x509.Certificate
	RemoteAddr      string
	Local           bool
}

// Source yields accepted connections until ctx is cancelled, at which
// point Accept returns ctx.Err().
type Source interface {
	Accept(ctx context.Context) (Accepted, error)
	Close() error
}
