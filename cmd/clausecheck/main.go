// Command clausecheck is the entry point for the ClauseCheck contract
// validation service. It provides a CLI interface (via Cobra) and an HTTP
// server exposing upload, validation, search and chat endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/lexon/clausecheck/cmd/clausecheck/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
