package main

import (
	"github.com/spf13/cobra"
)

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Run and inspect the storm pipeline",
}

func init() {
	rootCmd.AddCommand(pipelineCmd)
}
