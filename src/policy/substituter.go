package policy

import "strings"

// Substituter rewrites {{name}} tokens in an identity or resource string
// using context carried by a Request. Grounded on
// _examples/original_source/mqtt/mqtt-policy/src/substituter.rs.
type Substituter interface {
	Substitute(s string, req Request) string
}

// MqttSubstituter implements the variable table of spec.md §4.6.
type MqttSubstituter struct {
	// ThisDeviceID is the broker's own configured device id, used for
	// {{iot:this_device_id}}.
	ThisDeviceID string
}

func (m MqttSubstituter) Substitute(s string, req Request) string {
	replacer := strings.NewReplacer(
		"{{mqtt:client_id}}", req.Properties["mqtt:client_id"],
		"{{iot:identity}}", req.Properties["iot:identity"],
		"{{iot:device_id}}", req.Properties["iot:device_id"],
		"{{iot:module_id}}", req.Properties["iot:module_id"],
		"{{iot:this_device_id}}", m.ThisDeviceID,
		"{{mqtt:topic}}", req.Properties["mqtt:topic"],
	)
	return replacer.Replace(s)
}

// SplitIdentity divides an identity string on its first '/' into a device
// id and an optional module id, per spec.md §4.6
// ("{{iot:device_id}}"/"{{iot:module_id}}"). This supersedes the original
// Rust substituter's behavior of reusing the whole auth id for both
// variables, which spec.md §4.6 defines more precisely.
func SplitIdentity(identity string) (deviceID, moduleID string) {
	if idx := strings.IndexByte(identity, '/'); idx >= 0 {
		return identity[:idx], identity[idx+1:]
	}
	return identity, ""
}
