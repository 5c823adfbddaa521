// robotctl is a command line client for a robotlink server.
//
// It speaks the same MQTT request/reply and broadcast protocol as any other
// client: queries print their data, submissions print their handle and,
// with --wait, every lifecycle event until the operation ends.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/nerrad567/robotlink/internal/client"
)

// Version information - set at build time via ldflags
var version = "dev"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode is 2 when the broker channel broke, so scripts can retry, and 1
// for every other failure.
func exitCode(err error) int {
	if client.IsTransportError(err) {
		return 2
	}
	return 1
}
