package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/modelfetch/internal/output"
	"github.com/tanq16/modelfetch/internal/scheduler"
)

func newGetCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "get [URL] [--output OUTPUT_PATH]",
		Short: "Download one file over HTTP/HTTPS or from s3://bucket/key",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newSession()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			job := scheduler.Job{URL: args[0], OutputPath: outputPath}
			err = s.run(func(ctx context.Context) error {
				return scheduler.Run(ctx, []scheduler.Job{job}, 1, s.manager, s.output.Register)
			})
			if err != nil {
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file path (server-provided name, else the URL name, if not provided)")
	return cmd
}
