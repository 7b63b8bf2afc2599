package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	natsclient "github.com/arenaledger/arena-stack/common/messaging/nats"
	"github.com/arenaledger/arena-stack/ledger/internal/seeder"
)

var (
	seedCount       int
	seedSeed        int64
	seedContract    string
	seedInterval    time.Duration
	seedAnomalyRate float64
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Publish synthetic contract events to the chain stream",
	Long: `Generate a deterministic stream of contract events and publish them to
the chain events stream, for local development and load tests.

Examples:
  ledger seed --count 500
  ledger seed --count 2000 --anomaly-rate 0.05 --interval 10ms`,
	RunE: runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
	seedCmd.Flags().IntVar(&seedCount, "count", 100, "number of events to publish")
	seedCmd.Flags().Int64Var(&seedSeed, "seed", 0, "generator seed (0 uses the current time)")
	seedCmd.Flags().StringVar(&seedContract, "contract", "CARENA", "contract id stamped on events")
	seedCmd.Flags().DurationVar(&seedInterval, "interval", 0, "delay between events")
	seedCmd.Flags().Float64Var(&seedAnomalyRate, "anomaly-rate", 0, "fraction of events that plant reconciliation findings")
}

func runSeed(cmd *cobra.Command, args []string) error {
	if seedCount < 1 {
		return fmt.Errorf("--count must be positive")
	}
	if seedAnomalyRate < 0 || seedAnomalyRate > 1 {
		return fmt.Errorf("--anomaly-rate must be between 0 and 1")
	}
	if seedSeed == 0 {
		seedSeed = time.Now().UnixNano()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	js, err := connectJetStream(cfg.NATS)
	if err != nil {
		return err
	}
	defer func() { _ = js.Drain() }()

	if _, err := js.CreateOrUpdateStream(ctx, natsclient.ChainEventsStream); err != nil {
		return err
	}

	gen := seeder.NewGenerator(seedSeed, seedContract, seeder.WithAnomalyRate(seedAnomalyRate))
	sent, err := seeder.NewRunner(js, gen, seedInterval, logger).Run(ctx, seedCount)
	fmt.Fprintf(cmd.OutOrStdout(), "published %d event(s) (seed %d)\n", sent, seedSeed)
	return err
}
