package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/dioptra/analysis-engine/engine"
)

// =============================================================================
// REFERENCE DATA
// =============================================================================

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Load the embedded reference data",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		res, err := rt.engine.Seed(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd, res)
	},
}

var importMappingsCmd = &cobra.Command{
	Use:   "import-mappings FILE",
	Short: "Replace the cost type and category mapping table",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFile(cmd, args[0], func(rt *runtime, f *os.File) (engine.LoadOutcome, error) {
			return rt.engine.ImportMappings(cmd.Context(), f)
		})
	},
}

var importCountriesCmd = &cobra.Command{
	Use:   "import-countries FILE",
	Short: "Create or update countries",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withFile(cmd, args[0], func(rt *runtime, f *os.File) (engine.LoadOutcome, error) {
			return rt.engine.ImportCountries(cmd.Context(), f)
		})
	},
}

// =============================================================================
// ANALYSIS DATA
// =============================================================================

var importTransactionsCmd = &cobra.Command{
	Use:   "import-transactions ANALYSIS_ID FILE",
	Short: "Load a transaction ledger into an analysis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withFile(cmd, args[1], func(rt *runtime, f *os.File) (engine.LoadOutcome, error) {
			return rt.engine.LoadTransactionsFromFile(cmd.Context(), id, filepath.Base(f.Name()), f)
		})
	},
}

var importLineItemsCmd = &cobra.Command{
	Use:   "import-line-items ANALYSIS_ID FILE",
	Short: "Load a cost line item sheet into an analysis",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		return withFile(cmd, args[1], func(rt *runtime, f *os.File) (engine.LoadOutcome, error) {
			return rt.engine.LoadCostLineItems(cmd.Context(), id, filepath.Base(f.Name()), f)
		})
	},
}

var resyncCmd = &cobra.Command{
	Use:   "resync",
	Short: "Reload every data store analysis flagged for resync",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		n, err := rt.engine.ResyncAll(cmd.Context())
		log.Info().Int("resynced", n).Msg("resync finished")
		return err
	},
}

var clearOutputCostsCmd = &cobra.Command{
	Use:   "clear-output-costs",
	Short: "Drop the cached output costs of every analysis",
	RunE: func(cmd *cobra.Command, args []string) error {
		rt, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.close()

		n, err := rt.engine.ClearOutputCosts(cmd.Context())
		if err != nil {
			return err
		}
		log.Info().Int("cleared", n).Msg("output costs cleared")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(
		seedCmd,
		importMappingsCmd,
		importCountriesCmd,
		importTransactionsCmd,
		importLineItemsCmd,
		resyncCmd,
		clearOutputCostsCmd,
	)
}

// =============================================================================
// HELPERS
// =============================================================================

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid analysis id %q", s)
	}
	return id, nil
}

// withFile opens path, runs a load and prints its outcome. A rejected load
// exits non-zero.
func withFile(cmd *cobra.Command, path string, load func(*runtime, *os.File) (engine.LoadOutcome, error)) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	rt, err := open(cmd.Context())
	if err != nil {
		return err
	}
	defer rt.close()

	out, err := load(rt, f)
	if err != nil {
		return err
	}
	if err := printJSON(cmd, out); err != nil {
		return err
	}
	if !out.OK {
		return fmt.Errorf("load %s rejected with %d errors", out.LoadID, len(out.Errors))
	}
	return nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
