package main

import (
	"log"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:          "trainkit",
		Short:        "Training loop with checkpointing",
		Long:         `trainkit trains a classifier on WebDataset shards, tracks top-k accuracy and keeps the best checkpoints by loss and accuracy.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		newTrainCmd(),
		newInspectCmd(),
		newDeviceCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
