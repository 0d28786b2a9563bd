// Package server wires the broker's own configuration (src/config) into a
// running system: authenticator, authorizer chain, broker core, transport
// listeners, the edge translation table, and the external-signal adapter.
// Grounded on _examples/sandrolain-events-bridge/src/main.go's construct-
// then-run wiring idiom, generalized from that file's dynamic plugin
// loading to this repository's static, config-driven component selection.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/authz"
	"github.com/sandrolain/mqtt-edgebroker/src/config"
	"github.com/sandrolain/mqtt-edgebroker/src/edgetranslate"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/broker"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/connio"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/transport"
	"github.com/sandrolain/mqtt-edgebroker/src/policy"
	"github.com/sandrolain/mqtt-edgebroker/src/policy/wasm"
	"github.com/sandrolain/mqtt-edgebroker/src/security/validation"
	"github.com/sandrolain/mqtt-edgebroker/src/signal"
)

// Server owns every long-lived component constructed from a config.Config
// and runs them until its context is cancelled.
type Server struct {
	log       *slog.Logger
	broker    *broker.Broker
	conn      *connio.Task
	listeners []namedSource
	signal    *signal.Server
	wasmAuth  *wasm.Authorizer
}

type namedSource struct {
	name string
	src  transport.Source
}

// Build constructs a Server from cfg without starting anything; Run drives
// it until ctx is cancelled.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Server, error) {
	authenticator, err := buildAuthenticator(cfg.Authn)
	if err != nil {
		return nil, fmt.Errorf("server: building authenticator: %w", err)
	}

	var deviceID string
	if cfg.EdgeHub != nil {
		deviceID = cfg.EdgeHub.DeviceID
	}

	authorizer, wasmAuth, err := buildAuthorizer(ctx, cfg.Authz, deviceID)
	if err != nil {
		return nil, fmt.Errorf("server: building authorizer: %w", err)
	}

	// translate is left a true nil interface (not a typed-nil *Table) when
	// no edge hub is configured, since connio.Task's nil check relies on
	// interface-level nil.
	var translate connio.Translator
	if cfg.EdgeHub != nil {
		translate = edgetranslate.NewTable(cfg.EdgeHub.Routes)
	}

	b := broker.New(authorizer, log.With("context", "broker"))
	connTask := connio.New(b, authenticator, translate, log.With("context", "connio"))

	listeners := make([]namedSource, 0, len(cfg.Listeners))
	for _, lc := range cfg.Listeners {
		src, err := buildListener(lc)
		if err != nil {
			for _, l := range listeners {
				_ = l.src.Close()
			}
			return nil, fmt.Errorf("server: building listener %q: %w", lc.Name, err)
		}
		listeners = append(listeners, namedSource{name: lc.Name, src: src})
	}

	var sig *signal.Server
	if cfg.Signal.Address != "" {
		sig, err = signal.Listen(cfg.Signal.Address, log.With("context", "signal"))
		if err != nil {
			for _, l := range listeners {
				_ = l.src.Close()
			}
			return nil, fmt.Errorf("server: starting signal adapter: %w", err)
		}
	}

	return &Server{
		log:       log,
		broker:    b,
		conn:      connTask,
		listeners: listeners,
		signal:    sig,
		wasmAuth:  wasmAuth,
	}, nil
}

// Run starts the broker loop, every transport listener's accept loop, and
// (if configured) the signal adapter, blocking until ctx is cancelled.
func (s *Server) Run(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		s.broker.Run(ctx)
		close(done)
	}()

	for _, l := range s.listeners {
		l := l
		go func() {
			s.log.Info("listener accepting connections", "name", l.name)
			transport.AcceptLoop(ctx, l.src, s.log.With("listener", l.name), func(accepted transport.Accepted) {
				go s.conn.Handle(ctx, accepted)
			})
		}()
	}

	if s.signal != nil {
		go s.watchSignals(ctx)
	}

	<-ctx.Done()
	<-done

	for _, l := range s.listeners {
		_ = l.src.Close()
	}
	if s.signal != nil {
		_ = s.signal.Close()
	}
	if s.wasmAuth != nil {
		_ = s.wasmAuth.Close(context.Background())
	}
}

// watchSignals logs the coalesced external-signal stream (spec.md §4.8).
// Reacting to Restart by reloading listeners/certificates is out of scope
// (spec.md §1 Non-goals: "clustering, hot config reload orchestration");
// this loop only surfaces the event for operators to act on.
func (s *Server) watchSignals(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.signal.Events():
			if !ok {
				return
			}
			switch ev {
			case signal.Ready:
				s.log.Info("external signal: configuration and certificates ready")
			case signal.Restart:
				s.log.Warn("external signal: configuration or certificates changed, restart recommended")
			}
		}
	}
}

func buildAuthenticator(cfg config.AuthnConfig) (auth.Authenticator, error) {
	return auth.NewStaticAuthenticator(cfg.Credentials, cfg.AllowAnonymous)
}

// buildAuthorizer composes the Authorizer chain per spec.md §4.5: Local (if
// enabled) wraps EdgeHub (if configured) wraps the policy-or-WASM
// authorizer, via the LocalAuthorizer/EdgeHubAuthorizer combinators.
// It returns the constructed *wasm.Authorizer separately so Server can close
// it on shutdown.
func buildAuthorizer(ctx context.Context, cfg config.AuthzConfig, deviceID string) (authz.Authorizer, *wasm.Authorizer, error) {
	var inner authz.Authorizer
	var wasmAuth *wasm.Authorizer

	switch {
	case cfg.Wasm != nil:
		a, err := wasm.New(ctx, *cfg.Wasm)
		if err != nil {
			return nil, nil, fmt.Errorf("wasm policy: %w", err)
		}
		wasmAuth = a
		inner = authz.NewWasmAuthorizer(a)

	case cfg.PolicyInline != "" || cfg.PolicyFile != "":
		p, err := buildPolicy(cfg, deviceID)
		if err != nil {
			return nil, nil, err
		}
		inner = authz.NewPolicyAuthorizer(p)

	default:
		inner = authz.AuthorizerFunc(func(_ context.Context, _ authz.Activity) (authz.Authorization, error) {
			return authz.Forbid("no authorizer configured"), nil
		})
	}

	if cfg.EdgeHub != nil {
		inner = authz.NewEdgeHubAuthorizer(cfg.EdgeHub.ServiceIdentity, cfg.EdgeHub.Resources, inner)
	}

	if cfg.Local {
		inner = authz.NewLocalAuthorizer(func(a authz.Activity) bool { return a.ClientInfo.Local }, inner)
	}

	return inner, wasmAuth, nil
}

func buildPolicy(cfg config.AuthzConfig, deviceID string) (*policy.Policy, error) {
	var doc []byte
	if cfg.PolicyInline != "" {
		doc = []byte(cfg.PolicyInline)
	} else {
		data, err := loadPolicyFile(cfg.PolicyFile)
		if err != nil {
			return nil, err
		}
		doc = data
	}

	def, err := policy.DecodeDefinition(doc)
	if err != nil {
		return nil, err
	}

	builder := policy.NewBuilder(def, deviceID)
	if cfg.DefaultDecision == "allow" {
		builder.DefaultDecision = policy.DecisionAllowed
	}
	return builder.Build()
}

func loadPolicyFile(path string) ([]byte, error) {
	clean, err := validation.SanitizePath(path)
	if err != nil {
		return nil, fmt.Errorf("policy file: %w", err)
	}
	data, err := os.ReadFile(clean)
	if err != nil {
		return nil, fmt.Errorf("policy file: reading %s: %w", clean, err)
	}
	if len(data) > validation.MaxConfigSize {
		return nil, fmt.Errorf("policy file: %s exceeds maximum size of %d bytes", clean, validation.MaxConfigSize)
	}
	return data, nil
}

func buildListener(cfg config.ListenerConfig) (transport.Source, error) {
	switch cfg.Transport {
	case "tcp":
		return transport.ListenTCP(cfg.Address)
	case "tls":
		if cfg.TLS == nil {
			return nil, fmt.Errorf("listener %q: transport is tls but no tls config given", cfg.Name)
		}
		tlsCfg := *cfg.TLS
		tlsCfg.Enabled = true
		return transport.ListenTLS(cfg.Address, &tlsCfg)
	case "websocket":
		return transport.ListenWebSocket(cfg.Address, "/mqtt")
	default:
		return nil, fmt.Errorf("listener %q: unknown transport %q", cfg.Name, cfg.Transport)
	}
}
