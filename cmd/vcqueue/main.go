package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tbourn/go-voice-queue/internal/cli"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := cli.NewRoot(version).ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "vcqueue:", err)
		os.Exit(1)
	}
}
