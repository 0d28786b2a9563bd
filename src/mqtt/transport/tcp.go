package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"strings"

	"github.com/sandrolain/mqtt-edgebroker/src/common/tlsconfig"
)

// TCPSource accepts plain TCP connections.
type TCPSource struct {
	ln net.Listener
}

// ListenTCP starts listening on addr.
func ListenTCP(addr string) (*TCPSource, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: tcp listen %s: %w", addr, err)
	}
	return &TCPSource{ln: ln}, nil
}

func (s *TCPSource) Accept(ctx context.Context) (Accepted, error) {
	return acceptWithCancellation(ctx, s.ln, nil)
}

func (s *TCPSource) Close() error { return s.ln.Close() }

// TLSSource accepts TLS connections, configured for optional mutual
// authentication via the teacher's tlsconfig package (spec.md §4.2).
type TLSSource struct {
	ln net.Listener
}

// ListenTLS starts a TLS listener built from cfg (spec.md §4.2: "TLS
// ... configured via an adaptation of the teacher's tlsconfig package").
func ListenTLS(addr string, cfg *tlsconfig.Config) (*TLSSource, error) {
	tlsCfg, err := cfg.BuildServerConfig()
	if err != nil {
		return nil, fmt.Errorf("transport: building server TLS config: %w", err)
	}
	ln, err := tls.Listen("tcp", addr, tlsCfg)
	if err != nil {
		return nil, fmt.Errorf("transport: tls listen %s: %w", addr, err)
	}
	return &TLSSource{ln: ln}, nil
}

func (s *TLSSource) Accept(ctx context.Context) (Accepted, error) {
	return acceptWithCancellation(ctx, s.ln, extractPeerCertificate)
}

func (s *TLSSource) Close() error { return s.ln.Close() }

// extractPeerCertificate completes the TLS handshake (if not already done)
// and returns the client's leaf certificate, present only when the server
// requested and received one (spec.md §4.2).
func extractPeerCertificate(conn net.Conn) *x509.Certificate {
	tlsConn, ok := conn.(*tls.Conn)
	if !ok {
		return nil
	}
	if err := tlsConn.Handshake(); err != nil {
		return nil
	}
	state := tlsConn.ConnectionState()
	if len(state.PeerCertificates) == 0 {
		return nil
	}
	return state.PeerCertificates[0]
}

// acceptWithCancellation accepts once from ln, racing it against ctx
// cancellation: when ctx is done it returns ctx.Err() at once, leaving the
// listener open and its pending Accept running until the listener is
// closed. extract, if non-nil, inspects the raw net.Conn for a peer
// certificate.
func acceptWithCancellation(ctx context.Context, ln net.Listener, extract func(net.Conn) *x509.Certificate) (Accepted, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := ln.Accept()
		ch <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		return Accepted{}, ctx.Err()
	case r := <-ch:
		if r.err != nil {
			return Accepted{}, r.err
		}
		accepted := Accepted{
			Stream:     r.conn,
			RemoteAddr: r.conn.RemoteAddr().String(),
			Local:      isLoopback(r.conn.RemoteAddr().String()),
		}
		if extract != nil {
			accepted.PeerCertificate = extract(r.conn)
		}
		return accepted, nil
	}
}

func isLoopback(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	ip := net.ParseIP(host)
	if ip != nil {
		return ip.IsLoopback()
	}
	return strings.HasPrefix(host, "localhost")
}
