package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/research-ingest/internal/canonical"
)

var extractCmd = &cobra.Command{
	Use:   "extract [file]",
	Short: "Extract company-name candidates from free text",
	Long:  "Runs the name extraction chain over a text file (or stdin) and prints deduplicated candidates with their confidence and strategy.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if len(args) == 1 && args[0] != "-" {
			f, err := os.Open(args[0])
			if err != nil {
				return eris.Wrap(err, "open input file")
			}
			defer f.Close()
			r = f
		}
		raw, err := io.ReadAll(r)
		if err != nil {
			return eris.Wrap(err, "read input")
		}

		candidates := canonical.DefaultChain().Extract(string(raw))
		out := json.NewEncoder(os.Stdout)
		out.SetIndent("", "  ")
		return out.Encode(candidates)
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
