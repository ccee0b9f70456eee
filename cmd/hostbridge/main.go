package main

// ============================================================================
// hostbridge entry point
// Builds the CLI and turns errors and panics into a non-zero exit code.
// All logic lives in internal/cli.
// ============================================================================

import (
	"fmt"
	"os"

	"github.com/ChuLiYu/hostbridge/internal/cli"
)

func main() {
	defer cli.ExitOnPanic()

	if err := cli.BuildCLI().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
