package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/kasuboski/reconcilearr/config"
	"github.com/kasuboski/reconcilearr/pkg/logger"
	"github.com/kasuboski/reconcilearr/pkg/manager"
	"github.com/kasuboski/reconcilearr/pkg/supervisor"
	"github.com/kasuboski/reconcilearr/pkg/webhook"
)

// Exit codes per the configuration surface's startup contract: 0 normal,
// 1 config error, 2 unrecoverable auth failure, 3 runtime panic.
const (
	exitOK          = 0
	exitConfigError = 1
	exitAuthFailure = 2
	exitPanic       = 3
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the reconciliation engine and webhook receiver",
	Long:  `run the reconciliation engine and webhook receiver`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.New(viper.GetViper())
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read configuration: %v\n", err)
			os.Exit(exitConfigError)
		}

		if cfg.Logging.Level != "" {
			os.Setenv("LOG_LEVEL", cfg.Logging.Level)
		}
		if cfg.Logging.Format != "" {
			os.Setenv("LOG_FORMAT", cfg.Logging.Format)
		}

		log := logger.Get()

		defer func() {
			if r := recover(); r != nil {
				log.Errorw("unrecoverable panic", "panic", r)
				os.Exit(exitPanic)
			}
		}()

		if cfg.Webhook.Secret == "" {
			cfg.Webhook.Secret = uuid.NewString()
			log.Warnw("no webhook secret configured, generated one for this run", "secret", cfg.Webhook.Secret)
		}

		client := manager.New(manager.Config{
			URL:      cfg.Manager.URL,
			APIKey:   cfg.Manager.APIKey,
			Timeout:  time.Duration(cfg.Manager.TimeoutS) * time.Second,
			PoolSize: cfg.Manager.PoolSize,
		})

		if _, err := client.CustomFormats(context.Background()); err != nil {
			if errors.Is(err, manager.ErrUnauthorized) {
				log.Error("manager rejected API key at startup")
				os.Exit(exitAuthFailure)
			}
			log.Warnw("could not reach manager at startup, continuing", "error", err)
		}

		var engine *manager.Engine
		scheduler := manager.NewScheduler(func(ctx context.Context, task manager.ReconciliationTask) {
			engine.HandleScheduledTask(ctx, task)
		})

		engine = manager.NewEngine(client, scheduler, manager.EngineConfig{
			Interval:          time.Duration(cfg.Monitoring.IntervalS) * time.Second,
			ForceImportThresh: cfg.Monitoring.ForceImportThreshold,
			PrivateTrackers:   cfg.Trackers.Private,
			PublicTrackers:    cfg.Trackers.Public,
			DryRun:            cfg.Mode.DryRun,
		})

		sup := supervisor.New(log, supervisor.DefaultConfig())
		sup.Add(client)
		sup.Add(scheduler)
		sup.Add(engine)

		if cfg.Webhook.Enabled {
			server := webhook.New(webhook.Config{
				Host:             cfg.Webhook.Host,
				Port:             cfg.Webhook.Port,
				Secret:           cfg.Webhook.Secret,
				ImportCheckDelay: time.Duration(cfg.Webhook.ImportCheckDelayS) * time.Second,
				RateLimitPerMin:  cfg.Webhook.RateLimitPerMin,
			}, client, scheduler, engine, log)
			sup.Add(server)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		ctx = logger.WithCtx(ctx, log)

		log.Infow("reconcilearr starting",
			"manager_url", cfg.Manager.URL,
			"webhook_enabled", cfg.Webhook.Enabled,
			"dry_run", cfg.Mode.DryRun,
		)

		if err := sup.Serve(ctx); err != nil && err != context.Canceled {
			log.Errorw("supervisor exited with error", "error", err)
		}

		log.Info("reconcilearr stopped")
		os.Exit(exitOK)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
