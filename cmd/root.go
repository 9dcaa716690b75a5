package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/stormlead-cli/internal/config"
	"github.com/sells-group/stormlead-cli/internal/faults"
)

var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "stormlead",
	Short: "Storm-event lead pipeline",
	Long:  "Fetches NOAA severe-weather reports, clusters hail and address density in PostGIS, exports ranked target lists, submits them for skip tracing.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_ = godotenv.Load()

		c, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = c

		if err := config.InitLogger(cfg.Log); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}

		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		_ = zap.L().Sync()
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(faults.ExitCode(err))
	}
}
