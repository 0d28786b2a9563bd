// Package signal implements the external-signal adapter (spec.md §4.8):
// two HTTP endpoints through which a companion provisioning process tells
// the broker that its configuration and certificates are ready to be
// (re)loaded, coalesced into a single Ready/Restart event stream.
package signal

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/valyala/fasthttp"
)

// Kind identifies which external signal arrived.
type Kind int

const (
	ConfigReady Kind = iota
	CertsRotated
)

// Event is emitted on Events() as coalesced signals arrive.
type Event int

const (
	// Ready is emitted exactly once: when both ConfigReady and
	// CertsRotated have each arrived at least one time (spec.md §9 Open
	// Question (c): "the first two arrivals gate readiness").
	Ready Event = iota
	// Restart is emitted for every signal arrival after Ready has fired,
	// since configuration or certificates changed again post-startup.
	Restart
)

const (
	pathConfigReady  = "/signals/config-ready"
	pathCertsRotated = "/signals/certs-rotated"
)

// Server hosts the two signal endpoints and coalesces arrivals into Events.
type Server struct {
	log      *slog.Logger
	ln       net.Listener
	srv      *fasthttp.Server
	events   chan Event
	mu       sync.Mutex
	seen     map[Kind]bool
	readyHit bool
}

// Listen starts the signal HTTP server on addr.
func Listen(addr string, log *slog.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("signal: listen %s: %w", addr, err)
	}

	s := &Server{
		log:    log,
		ln:     ln,
		events: make(chan Event, 8),
		seen:   make(map[Kind]bool, 2),
	}
	s.srv = &fasthttp.Server{Handler: s.handle}

	go func() {
		if err := s.srv.Serve(ln); err != nil {
			s.log.Warn("signal server stopped", "err", err)
		}
	}()

	return s, nil
}

func (s *Server) handle(ctx *fasthttp.RequestCtx) {
	if string(ctx.Method()) != fasthttp.MethodPost {
		ctx.SetStatusCode(fasthttp.StatusMethodNotAllowed)
		return
	}

	var kind Kind
	switch string(ctx.Path()) {
	case pathConfigReady:
		kind = ConfigReady
	case pathCertsRotated:
		kind = CertsRotated
	default:
		ctx.SetStatusCode(fasthttp.StatusNotFound)
		return
	}

	s.log.Info("external signal received", "path", string(ctx.Path()))
	s.record(kind)
	ctx.SetStatusCode(fasthttp.StatusAccepted)
}

func (s *Server) record(kind Kind) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.readyHit {
		s.events <- Restart
		return
	}

	s.seen[kind] = true
	if s.seen[ConfigReady] && s.seen[CertsRotated] {
		s.readyHit = true
		s.events <- Ready
	}
}

// Events returns the coalesced event stream.
func (s *Server) Events() <-chan Event { return s.events }

// Close stops the server and closes the event stream.
func (s *Server) Close() error {
	err := s.srv.Shutdown()
	close(s.events)
	return err
}
