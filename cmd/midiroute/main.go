// midiroute is the operator CLI for the midirouted daemon.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/midiroute/internal/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	socketPath, rest, err := cli.ParseGlobalArgs(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(2)
	}
	runner := cli.NewRunner(socketPath, os.Stdout, os.Stderr)
	os.Exit(runner.Run(ctx, rest))
}
