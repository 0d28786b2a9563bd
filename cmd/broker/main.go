// Command broker is the MQTT edge broker's entrypoint: a cobra CLI
// exposing "serve" (run the broker) and "validate-policy" (load and
// validate a policy document, then exit), per spec.md §2's AMBIENT CLI
// entrypoint. Structured logging and signal handling mirror
// _examples/sandrolain-events-bridge/src/main.go.
package main

import (
	"fmt"
	"log/slog"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "err", err)
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
