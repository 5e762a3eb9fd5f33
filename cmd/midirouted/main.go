// midirouted is the MIDI routing daemon: it keeps OS ports in sync with the
// endpoint catalog, dispatches packets across the route matrix and serves
// the control API on a unix socket.
package main

import (
	"fmt"
	"os"

	"github.com/g960059/midiroute/cmd/midirouted/cmd"
)

// Build information (set via ldflags during build)
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersionInfo(version, gitCommit)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "midirouted: %v\n", err)
		os.Exit(1)
	}
}
