package main

// ============================================================================
// bulkop entry point
// ============================================================================
//
// All commands live in internal/cli; main only runs the command tree and
// turns errors and panics into a non-zero exit.
//
//   go build -o bin/bulkop ./cmd/bulkop
//   ./bin/bulkop serve -c configs/default.yaml
//   ./bin/bulkop submit remove -p logical_path=/tempZone/home/rods/run42 -p recursive=true
//
// ============================================================================

import (
	"context"
	"fmt"
	"os"

	"github.com/ChuLiYu/bulkop/internal/cli"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			os.Exit(1)
		}
	}()

	rootCmd := cli.BuildCLI()
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
