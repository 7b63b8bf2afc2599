package main

import (
	"github.com/spf13/cobra"

	"github.com/arenaledger/arena-stack/common/logging"
	"github.com/arenaledger/arena-stack/ledger/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	logger  *logging.Logger
)

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Arena ledger service",
	Long: `ledger ingests contract events from the chain stream into a versioned
write model, keeps the statistics read model current and reconciles the two.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		logger = newLogger(cfg.Logging)
		logging.SetDefault(logger)
		return nil
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/arena/ledger/config.yaml)")
}
