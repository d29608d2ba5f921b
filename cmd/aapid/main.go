package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// Version is stamped at build time with -ldflags "-X main.Version=...".
var Version = "0.1.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newApp(ctx).Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "aapid: %v\n", err)
		os.Exit(1)
	}
}
