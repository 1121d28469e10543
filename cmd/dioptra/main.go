/*
main.go - Application entry point

PURPOSE:
  Runs the dioptra command line. `dioptra serve` starts the HTTP API; the
  other subcommands are batch jobs sharing the same configuration.

EXAMPLES:
  # Run the API against a local SQLite file
  DATABASE_URL=./data/dioptra.db dioptra serve

  # Load the embedded reference data
  dioptra seed

  # Import a ledger into analysis 12
  dioptra import-transactions 12 ./ledger.xlsx

SEE ALSO:
  - commands/root.go: Shared startup (logging, config, store)
  - config/config.go: Environment variables
*/
package main

import (
	"fmt"
	"os"

	"github.com/dioptra/analysis-engine/cmd/dioptra/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
