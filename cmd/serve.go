package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"turnrelay/pkg/channel"
	"turnrelay/pkg/channel/turn"
	"turnrelay/pkg/config"
	"turnrelay/pkg/dedup"
	"turnrelay/pkg/gateway"
	"turnrelay/pkg/logger"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the webhook relay",
	Long:  "Runs the Turn webhook server, the agent workers and the health and readiness endpoints.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			return
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			return
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		store := dedup.FromConfig(cfg.Dedup)
		filter := dedup.NewFilter(store, cfg.Dedup.Retention(), slog.Default().With("component", "dedup.filter"))
		defer func() {
			if err := filter.Close(); err != nil {
				log.Error("Failed to close dedup store", "error", err)
			}
		}()

		if err := startSweeper(runCtx, cfg.Dedup, store); err != nil {
			log.Error("Dedup sweeper configuration invalid", "error", err)
			return
		}

		adapters, err := enabledAdapters(cfg, filter, slog.Default())
		if err != nil {
			log.Error("Relay configuration invalid", "error", err)
			return
		}

		svc, err := gateway.NewService(cfg, adapters, filter, slog.Default())
		if err != nil {
			log.Error("Failed to initialize gateway service", "error", err)
			return
		}

		log.Info("Relay started",
			"channels", enabledChannelNames(adapters),
			"provider", cfg.Agents.Defaults.Provider,
			"model", cfg.Agents.Defaults.Model,
			"dedup_driver", cfg.Dedup.Driver,
		)
		if err := svc.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.Error("Relay runtime failed", "error", err)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func enabledAdapters(cfg *config.Config, filter turn.Deduplicator, log *slog.Logger) ([]channel.Adapter, error) {
	adapters := make([]channel.Adapter, 0, 1)

	if cfg.Channels.Turn.Enabled {
		adapter, err := turn.NewAdapter(cfg.Channels.Turn, filter, log)
		if err != nil {
			return nil, fmt.Errorf("configure %s channel: %w", turn.ChannelName, err)
		}
		adapters = append(adapters, adapter)
	}

	if len(adapters) == 0 {
		return nil, errors.New("no channels are enabled")
	}

	return adapters, nil
}

// startSweeper schedules pruning when a schedule is set and the store supports it.
func startSweeper(ctx context.Context, cfg config.DedupConfig, store dedup.Store) error {
	schedule := strings.TrimSpace(cfg.PruneSchedule)
	if schedule == "" {
		return nil
	}

	pruner, ok := store.(dedup.Pruner)
	if !ok {
		slog.Default().Warn("Dedup store does not support pruning; ignoring prune_schedule", "driver", cfg.Driver)
		return nil
	}

	sweeper, err := dedup.NewSweeper(schedule, pruner, cfg.Retention(), slog.Default().With("component", "dedup.sweeper"))
	if err != nil {
		return err
	}
	sweeper.Start(ctx)
	return nil
}

func enabledChannelNames(adapters []channel.Adapter) string {
	names := make([]string, 0, len(adapters))
	for _, adapter := range adapters {
		names = append(names, adapter.Name())
	}

	return strings.Join(names, ",")
}
