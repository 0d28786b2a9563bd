package config

import (
	"github.com/sandrolain/mqtt-edgebroker/src/auth"
	"github.com/sandrolain/mqtt-edgebroker/src/common/tlsconfig"
	"github.com/sandrolain/mqtt-edgebroker/src/edgetranslate"
	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
	"github.com/sandrolain/mqtt-edgebroker/src/policy/wasm"
)

// EnvConfig locates the broker's configuration: either a file path or
// inline content, resolved from the environment before any file I/O
// happens.
type EnvConfig struct {
	ConfigFilePath string `env:"EB_CONFIG_FILE_PATH" envDefault:"/etc/mqtt-edgebroker/config.yaml" validate:"omitempty,filepath"`
	// Optional: raw configuration content (YAML or JSON). If set, it takes precedence over ConfigFilePath.
	ConfigContent string `env:"EB_CONFIG_CONTENT" validate:"omitempty"`
	// Optional: explicit config format when using ConfigContent. One of: yaml, yml, json.
	ConfigFormat string `env:"EB_CONFIG_FORMAT" validate:"omitempty,oneof=yaml yml json"`
}

// Config is the broker's own configuration file format (spec.md §6):
// listeners, authenticator selection, authorizer chain, and the optional
// edge translation table.
type Config struct {
	Listeners []ListenerConfig `yaml:"listeners" json:"listeners" validate:"required,min=1,dive"`
	Authn     AuthnConfig      `yaml:"authn" json:"authn"`
	Authz     AuthzConfig      `yaml:"authz" json:"authz"`
	EdgeHub   *EdgeHubConfig   `yaml:"edgeHub,omitempty" json:"edgeHub,omitempty"`
	Signal    SignalConfig     `yaml:"signal" json:"signal"`
}

// ListenerConfig configures one transport acceptor (spec.md §4.2).
type ListenerConfig struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	Transport string `yaml:"transport" json:"transport" validate:"required,oneof=tcp tls websocket"`
	Address   string `yaml:"address" json:"address" validate:"required"`

	// TLS is consulted only when Transport == "tls"; its own Enabled flag
	// is forced true by the listener construction code.
	TLS *tlsconfig.Config `yaml:"tls,omitempty" json:"tls,omitempty"`
}

// AuthnConfig selects and configures the Authenticator (spec.md §4.3,
// §6: "authn (authenticator selection)").
type AuthnConfig struct {
	AllowAnonymous bool              `yaml:"allowAnonymous" json:"allowAnonymous"`
	Credentials    []auth.Credential `yaml:"credentials,omitempty" json:"credentials,omitempty" validate:"dive"`
}

// AuthzConfig selects and configures the composed Authorizer chain
// (spec.md §4.5, §6: "authz (authorizer chain + policy document path or
// inline document)").
type AuthzConfig struct {
	// Local, if true, prepends a LocalAuthorizer that allows any activity
	// originating on a loopback listener before consulting the rest of
	// the chain.
	Local bool `yaml:"local" json:"local"`

	EdgeHub *EdgeHubAuthzConfig `yaml:"edgeHub,omitempty" json:"edgeHub,omitempty"`

	// PolicyFile and PolicyInline are mutually exclusive sources for the
	// declarative policy document (spec.md §4.6); PolicyInline wins if
	// both are set.
	PolicyFile      string `yaml:"policyFile,omitempty" json:"policyFile,omitempty"`
	PolicyInline    string `yaml:"policyInline,omitempty" json:"policyInline,omitempty"`
	DefaultDecision string `yaml:"defaultDecision,omitempty" json:"defaultDecision,omitempty" validate:"omitempty,oneof=allow deny"`

	Wasm *wasm.Config `yaml:"wasm,omitempty" json:"wasm,omitempty"`
}

// EdgeHubAuthzConfig configures the distinguished edge-hub service
// identity's blanket resource grants (spec.md §4.5, EdgeHubAuthorizer).
type EdgeHubAuthzConfig struct {
	ServiceIdentity string              `yaml:"serviceIdentity" json:"serviceIdentity" validate:"required"`
	Resources       map[string][]string `yaml:"resources" json:"resources"`
}

// EdgeHubConfig configures the optional edge topic-translation layer
// (spec.md §4.7, §6: "edgeHub (device id, translation table)").
type EdgeHubConfig struct {
	DeviceID string                               `yaml:"deviceId" json:"deviceId" validate:"required"`
	Routes   map[clientid.ID]edgetranslate.Route `yaml:"routes,omitempty" json:"routes,omitempty" validate:"dive"`
}

// SignalConfig configures the external-signal adapter (spec.md §4.8). An
// empty Address disables the adapter entirely.
type SignalConfig struct {
	Address string `yaml:"address,omitempty" json:"address,omitempty"`
}
