package main

import (
	"fmt"
	"os"

	"github.com/PicoPiece/ats-ats-node/internal/results"
)

// Overridden at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(results.ExitInternalError)
	}
}
