// Command spectre runs incremental units of work
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/fatih/color"

	"github.com/poltergeist/spectre/pkg/cli"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	err := cli.Execute(context.Background(), version)
	switch {
	case err == nil:
		return
	case errors.Is(err, context.Canceled):
		os.Exit(130)
	case cli.IsFailure(err):
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(1)
	default:
		fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
		os.Exit(2)
	}
}
