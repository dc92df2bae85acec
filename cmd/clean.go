package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"github.com/tanq16/modelfetch/internal/output"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [OUTPUT_PATH...]",
		Short: "Remove resume state and partial chunks for the given downloads",
		Args:  cobra.MinimumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			failed := false
			for _, path := range args {
				if err := mfhttp.Cleanup(afero.NewOsFs(), path); err != nil {
					output.PrintError(fmt.Sprintf("Error cleaning up %s: %v", path, err))
					failed = true
					continue
				}
				output.PrintSuccess(fmt.Sprintf("Temporary files for %s cleaned up", path))
			}
			if failed {
				os.Exit(1)
			}
		},
	}
}
