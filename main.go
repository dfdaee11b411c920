// Package main is the entry point for the rebuild CLI application.
package main

import (
	"os"

	"github.com/rsepassi/rebuild-go/cmd"
)

// main executes the root command and exits with the code it computes from
// spec.md §6's exit-code table.
func main() {
	os.Exit(cmd.Execute())
}
