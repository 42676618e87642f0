// Command enginectl drives the download engine: "enginectl serve" runs the
// daemon (queue dispatcher, scheduler, control API, ingress bridge), and
// every other subcommand is a thin client that talks to a running daemon
// over the loopback control API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
