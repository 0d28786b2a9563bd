// Package wasm hosts an external, WebAssembly-compiled policy engine
// (e.g. a compiled Rego/OPA bundle) as an Authorizer, per spec.md §4.6
// ("External policy option"). Adapted from
// _examples/sandrolain-events-bridge/src/connectors/wasm/wasmrunner.go:
// the module is compiled once at construction and a fresh instance is
// created per call for isolation.
package wasm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/sandrolain/mqtt-edgebroker/src/security/crypto"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// Config configures an Authorizer.
type Config struct {
	// Path is the filesystem path to the compiled WASM policy module.
	Path string `mapstructure:"path" validate:"required"`

	// Timeout bounds a single evaluation call.
	Timeout time.Duration `mapstructure:"timeout" default:"2s" validate:"required"`

	// MaxMemoryPages limits the module's linear memory (64KB per page).
	MaxMemoryPages uint32 `mapstructure:"maxMemoryPages" default:"256" validate:"max=65536"`

	// ExpectedSHA256, if set, is verified against the module file before
	// it is loaded (adapted from src/security/crypto.VerifySHA256).
	ExpectedSHA256 string `mapstructure:"expectedSha256"`
}

// decisionInput is what gets marshaled to the module's stdin.
type decisionInput struct {
	ClientID  string            `json:"clientId"`
	Identity  string            `json:"identity"`
	Operation string            `json:"operation"`
	Resource  string            `json:"resource"`
}

// Authorizer hosts a compiled policy module. The wazero runtime is not safe
// for concurrent instantiation without synchronization, so calls are
// serialized with a mutex (spec.md §9: "the WASM instance is Send but not
// Sync; serialize calls if shared").
type Authorizer struct {
	cfg    Config
	log    *slog.Logger
	rt     wazero.Runtime
	module wazero.CompiledModule
	mu     sync.Mutex
}

// New compiles the policy module at cfg.Path and returns an Authorizer
// ready to serve authorize() calls.
func New(ctx context.Context, cfg Config) (*Authorizer, error) {
	log := slog.Default().With("context", "wasm policy authorizer")

	if cfg.ExpectedSHA256 != "" {
		if err := crypto.VerifySHA256(cfg.Path, cfg.ExpectedSHA256); err != nil {
			return nil, fmt.Errorf("wasm policy: module integrity check failed: %w", err)
		}
	}

	wasmBytes, err := os.ReadFile(cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("wasm policy: reading module: %w", err)
	}

	runtimeConfig := wazero.NewRuntimeConfig()
	if cfg.MaxMemoryPages > 0 {
		runtimeConfig = runtimeConfig.WithMemoryLimitPages(cfg.MaxMemoryPages)
	}
	rt := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm policy: instantiating WASI: %w", err)
	}

	cmod, err := rt.CompileModule(ctx, wasmBytes)
	if err != nil {
		_ = rt.Close(ctx)
		return nil, fmt.Errorf("wasm policy: compiling module: %w", err)
	}

	return &Authorizer{cfg: cfg, log: log, rt: rt, module: cmod}, nil
}

// Decision is the outcome reported back to the caller.
type Decision struct {
	Allowed bool
	Reason  string
}

// Evaluate runs the policy module against input, returning Allowed when the
// module emits a non-empty JSON array decision set, Forbidden otherwise —
// including on evaluation failure, per spec.md §4.6.
func (a *Authorizer) Evaluate(ctx context.Context, clientID, identity, operation, resource string) (Decision, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	input := decisionInput{ClientID: clientID, Identity: identity, Operation: operation, Resource: resource}
	inData, err := json.Marshal(input)
	if err != nil {
		return Decision{Allowed: false, Reason: "failed to encode policy input"}, nil
	}

	stdin := bytes.NewReader(inData)
	stdout := bytes.NewBuffer(nil)

	config := wazero.NewModuleConfig().
		WithStdin(stdin).
		WithStdout(stdout).
		WithStderr(os.Stderr)

	callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	module, err := a.rt.InstantiateModule(callCtx, a.module, config)
	if err != nil {
		if callCtx.Err() != nil {
			a.log.Warn("wasm policy evaluation timeout")
		}
		return Decision{Allowed: false, Reason: fmt.Sprintf("policy evaluation failed: %v", err)}, nil
	}
	defer func() {
		if cerr := module.Close(callCtx); cerr != nil {
			a.log.Error("failed to close wasm module instance", "err", cerr)
		}
	}()

	return decisionFromOutput(stdout.Bytes()), nil
}

// decisionFromOutput interprets a policy module's stdout as a decision set:
// a non-empty JSON array means Allowed, an empty array means Forbidden, and
// malformed output is treated as a failed evaluation — also Forbidden,
// per spec.md §4.6 ("evaluation failure → Forbidden").
func decisionFromOutput(out []byte) Decision {
	var decisions []json.RawMessage
	if err := json.Unmarshal(out, &decisions); err != nil {
		return Decision{Allowed: false, Reason: "policy emitted a malformed decision set"}
	}
	if len(decisions) == 0 {
		return Decision{Allowed: false, Reason: "Authorization denied by policy"}
	}
	return Decision{Allowed: true}
}

// Close releases the wazero runtime.
func (a *Authorizer) Close(ctx context.Context) error {
	return a.rt.Close(ctx)
}
