package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	mfhttp "github.com/tanq16/modelfetch/internal/downloaders/http"
	"github.com/tanq16/modelfetch/internal/output"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status [OUTPUT_PATH]",
		Short: "Show the persisted state of an interrupted download",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			plan, err := mfhttp.Inspect(afero.NewOsFs(), args[0])
			if errors.Is(err, mfhttp.ErrNoPlan) {
				output.PrintWarning(fmt.Sprintf("No resumable download for %s", args[0]))
				return
			}
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			printPlan(os.Stdout, plan)
		},
	}
}

func printPlan(w io.Writer, plan mfhttp.TransferPlan) {
	downloaded := plan.DownloadedBytes()
	fmt.Fprintln(w, output.FDetail(plan.FileName))
	fmt.Fprintf(w, "  %s %s\n", output.FDebug("url"), plan.URL)
	fmt.Fprintf(w, "  %s%s of %s\n", output.PrintProgressBar(downloaded, plan.TotalSize, 30),
		output.FormatBytes(uint64(downloaded)), output.FormatBytes(uint64(plan.TotalSize)))
	mode := "ranged"
	if !plan.SupportsRangeRequests {
		mode = "single stream"
	}
	fmt.Fprintf(w, "  %s %d chunks, %d pending, %s\n", output.FDebug("plan"), len(plan.Chunks), len(plan.Pending()), mode)
	for _, c := range plan.Chunks {
		status := output.FSuccess(output.StyleSymbols["pass"])
		if !c.Completed {
			status = output.FWarning(output.StyleSymbols["pending"])
		}
		line := fmt.Sprintf("    %s %04d %s / %s", status, c.Index,
			output.FormatBytes(uint64(c.BytesDownloaded)), output.FormatBytes(uint64(c.ExpectedLength())))
		if c.RetryCount > 0 {
			line += output.FDebug(fmt.Sprintf(" retries=%d", c.RetryCount))
		}
		if c.LastError != "" && !c.Completed {
			line += " " + output.FError(c.LastError)
		}
		fmt.Fprintln(w, line)
	}
}
