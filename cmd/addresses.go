package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/address"
)

var addressesCmd = &cobra.Command{
	Use:   "addresses",
	Short: "Manage the address catalog",
}

var (
	addrRegion string
	addrForce  bool
)

var addressesLoadCmd = &cobra.Command{
	Use:   "load <files...>",
	Short: "Load address CSVs into the catalog",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := cfg.Validate("addresses"); err != nil {
			return err
		}

		pool, err := openPool(ctx)
		if err != nil {
			return err
		}
		defer pool.Close()

		loader := address.NewLoader(pool, cfg.Addresses.Table, cfg.Addresses.BatchSize, addrForce)
		sum, err := loader.LoadAll(ctx, args, addrRegion)
		if err != nil {
			return err
		}

		zap.L().Info("address load finished",
			zap.Int("files", sum.Files),
			zap.Int64("rows", sum.Rows),
			zap.Int("skipped", sum.Skipped),
			zap.Int("failed", sum.Failed))
		fmt.Printf("%d files loaded (%d rows), %d skipped, %d unreadable\n",
			sum.Files, sum.Rows, sum.Skipped, sum.Failed)
		return nil
	},
}

func init() {
	addressesLoadCmd.Flags().StringVar(&addrRegion, "region", "", "region code the files belong to")
	addressesLoadCmd.Flags().BoolVar(&addrForce, "force", false, "reload files already recorded in the manifest")
	_ = addressesLoadCmd.MarkFlagRequired("region")
	addressesCmd.AddCommand(addressesLoadCmd)
	rootCmd.AddCommand(addressesCmd)
}
