package main

import (
	"fmt"
	"io"
	"runtime"

	"github.com/spf13/cobra"
	"tinygo.org/x/go-llvm"
)

// Build-time variables injected via linker flags (ldflags):
//
//	go build -ldflags "-X main.Version=$(git describe --tags) -X main.Commit=$(git rev-parse HEAD)"
//
// See: https://pkg.go.dev/cmd/link (-X importpath.name=value)
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// printVersion prints version information to w.
func printVersion(w io.Writer) {
	fmt.Fprintf(w, "cppjit %s (%s/%s, llvm %s)\n", Version, runtime.GOOS, runtime.GOARCH, llvm.Version)
	if Commit != "unknown" {
		fmt.Fprintf(w, "  commit: %s\n", Commit)
	}
	if BuildDate != "unknown" {
		fmt.Fprintf(w, "  built:  %s\n", BuildDate)
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			printVersion(cmd.OutOrStdout())
		},
	}
}
