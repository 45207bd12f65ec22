package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/beaulazear/voxxy-campaign-engine/internal/api"
	"github.com/beaulazear/voxxy-campaign-engine/internal/config"
	"github.com/beaulazear/voxxy-campaign-engine/internal/logging"
	"github.com/beaulazear/voxxy-campaign-engine/internal/store"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "campaignctl",
	Short: "Operator commands for the campaign engine",
	Long: `campaignctl runs migrations, maintains the suppression list and inspects
scheduled instances against the same database the server uses.`,
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "campaignctl %s\n", api.Version)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(suppressionCmd)
	rootCmd.AddCommand(instanceCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env is what every database-backed command needs.
type env struct {
	cfg    *config.Config
	store  *store.PostgresStore
	logger *slog.Logger
}

func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(cfg.LogLevel))

	pg, err := store.NewPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	return &env{cfg: cfg, store: pg, logger: logger}, nil
}

func (e *env) Close() {
	e.store.Close()
}
