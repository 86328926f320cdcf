package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Run exactly one collection pass and print the result as JSON",
	Long:  "Run exactly one collection+reconciliation pass and print the resulting report as JSON, then exit. Useful for scripting and for exercising the pipeline without running the HTTP server.",
	RunE:  runCollect,
}

func runCollect(cmd *cobra.Command, args []string) error {
	collector, err := buildCollector()
	if err != nil {
		return err
	}

	report, err := collector.Collect(context.Background())
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
