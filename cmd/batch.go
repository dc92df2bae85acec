package cmd

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/modelfetch/internal/output"
	"github.com/tanq16/modelfetch/internal/scheduler"
	"gopkg.in/yaml.v3"
)

type BatchEntry struct {
	OutputPath string `yaml:"op,omitempty"`
	Link       string `yaml:"link"`
}

// BatchFile groups entries by source type:
//
//	http:
//	  - link: https://huggingface.co/org/model/resolve/main/model.safetensors
//	    op: models/model.safetensors
//	s3:
//	  - link: s3://bucket/weights.bin
type BatchFile map[string][]BatchEntry

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			data, err := os.ReadFile(args[0])
			if err != nil {
				output.PrintError(fmt.Sprintf("Error reading YAML file: %v", err))
				os.Exit(1)
			}
			jobs, err := parseBatch(data)
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			s, err := newSession()
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			err = s.run(func(ctx context.Context) error {
				return scheduler.Run(ctx, jobs, cfg.Workers, s.manager, s.output.Register)
			})
			if err != nil {
				os.Exit(1)
			}
		},
	}
	return cmd
}

func parseBatch(data []byte) ([]scheduler.Job, error) {
	var batchFile BatchFile
	if err := yaml.Unmarshal(data, &batchFile); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	jobs := buildJobsFromBatch(batchFile)
	if len(jobs) == 0 {
		return nil, fmt.Errorf("no valid jobs found in the batch file")
	}
	return jobs, nil
}

func buildJobsFromBatch(batchFile BatchFile) []scheduler.Job {
	types := make([]string, 0, len(batchFile))
	for jobType := range batchFile {
		types = append(types, jobType)
	}
	sort.Strings(types)
	var jobs []scheduler.Job
	for _, jobType := range types {
		normalizedType := normalizeJobType(jobType)
		if normalizedType == "" {
			output.PrintWarning(fmt.Sprintf("Warning: Unknown job type '%s', skipping...", jobType))
			continue
		}
		for _, entry := range batchFile[jobType] {
			if entry.Link == "" {
				output.PrintWarning(fmt.Sprintf("Warning: Empty link found in %s section, skipping...", jobType))
				continue
			}
			if normalizedType == "s3" && !strings.HasPrefix(entry.Link, "s3://") {
				output.PrintWarning(fmt.Sprintf("Warning: %s is not an s3:// URL, skipping...", entry.Link))
				continue
			}
			jobs = append(jobs, scheduler.Job{URL: entry.Link, OutputPath: entry.OutputPath})
		}
	}
	return jobs
}

func normalizeJobType(jobType string) string {
	switch strings.ToLower(jobType) {
	case "http", "https", "url":
		return "http"
	case "s3", "aws":
		return "s3"
	}
	return ""
}
