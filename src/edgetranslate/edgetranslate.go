// Package edgetranslate implements the optional topic-translation layer
// for a companion identity service (spec.md §4.7): inbound Publish,
// Subscribe, and Unsubscribe topics are rewritten via a per-client
// device/module routing table before reaching the broker, and outbound
// Publish topics are rewritten back on the way out.
package edgetranslate

import (
	"fmt"
	"strings"

	"github.com/sandrolain/mqtt-edgebroker/src/mqtt/clientid"
)

// Route is one client's registered identity within the routing table.
type Route struct {
	DeviceID string `mapstructure:"deviceId" validate:"required"`
	ModuleID string `mapstructure:"moduleId"`
}

// placeholderPrefix marks a topic as subject to translation: a leading
// "~" level is rewritten to "$edgehub/<device>/<module>" and back.
const placeholderPrefix = "~/"

// Table is the pure, validated routing table: a per-client-id Route.
type Table struct {
	Routes map[clientid.ID]Route `validate:"dive"`
}

// NewTable builds a Table from routes.
func NewTable(routes map[clientid.ID]Route) *Table {
	return &Table{Routes: routes}
}

// Inbound rewrites topic for a Publish/Subscribe/Unsubscribe originating
// from clientID, replacing a leading "~/" with the client's registered
// device/module path. Topics not using the placeholder pass through
// unchanged. An unregistered client referencing the placeholder is a
// protocol error (spec.md §4.7: "failures propagate as protocol errors").
func (t *Table) Inbound(id clientid.ID, topic string) (string, error) {
	if !strings.HasPrefix(topic, placeholderPrefix) {
		return topic, nil
	}
	route, ok := t.Routes[id]
	if !ok {
		return "", fmt.Errorf("edgetranslate: no route registered for client %q", id)
	}
	rest := strings.TrimPrefix(topic, placeholderPrefix)
	return joinDeviceModule(route) + "/" + rest, nil
}

// Outbound rewrites an outbound Publish topic back to the client-local
// "~/" form when it falls under the client's registered device/module
// path; otherwise it is returned unchanged.
func (t *Table) Outbound(id clientid.ID, topic string) (string, error) {
	route, ok := t.Routes[id]
	if !ok {
		return topic, nil
	}
	prefix := joinDeviceModule(route) + "/"
	if !strings.HasPrefix(topic, prefix) {
		return topic, nil
	}
	return placeholderPrefix + strings.TrimPrefix(topic, prefix), nil
}

func joinDeviceModule(r Route) string {
	if r.ModuleID == "" {
		return "$edgehub/" + r.DeviceID
	}
	return "$edgehub/" + r.DeviceID + "/" + r.ModuleID
}
