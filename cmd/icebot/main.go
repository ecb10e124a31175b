package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/icified/icebot/pkg/attachments"
	"github.com/icified/icebot/pkg/channels"
	"github.com/icified/icebot/pkg/config"
	"github.com/icified/icebot/pkg/deadletter"
	"github.com/icified/icebot/pkg/dedupe"
	"github.com/icified/icebot/pkg/delivery"
	"github.com/icified/icebot/pkg/gateway"
	"github.com/icified/icebot/pkg/handlers"
	"github.com/icified/icebot/pkg/icify"
	"github.com/icified/icebot/pkg/logger"
	"github.com/icified/icebot/pkg/normalize"
	"github.com/icified/icebot/pkg/pool"
	"github.com/icified/icebot/pkg/router"
)

func main() {
	home, _ := os.UserHomeDir()
	configPath := flag.String("config", filepath.Join(home, ".icebot", "config.json"), "path to config file")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.FatalC("main", "Failed to load config: "+err.Error())
	}

	logger.SetLevel(logger.ParseLevel(cfg.Logging.Level))
	if cfg.Logging.FileEnabled {
		if err := logger.EnableFileLoggingWithRotation(
			cfg.Logging.FilePath,
			cfg.Logging.RotationEnabled,
			cfg.Logging.MaxSizeMB,
			cfg.Logging.MaxAgeDays,
		); err != nil {
			logger.WarnC("main", "File logging unavailable: "+err.Error())
		}
	}

	workspace := cfg.WorkspacePath()
	attachmentStore := attachments.NewStore(workspace)
	deadletterStore := deadletter.NewStore(workspace)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Outbound side: channel adapters behind one transport mux.
	mux := channels.NewMux()
	registry := normalize.NewRegistry(cfg.Pipeline.MaxPayloadBytes)
	fetchers := map[string]handlers.FileFetcher{}

	if cfg.Channels.Telegram.Enabled {
		tg, err := channels.NewTelegramChannel(cfg.Channels.Telegram.Token)
		if err != nil {
			logger.FatalC("main", "Telegram channel: "+err.Error())
		}
		mux.Register(tg)
		registry.Register(normalize.NewTelegramNormalizer())
		fetchers["telegram"] = tg
	}
	if cfg.Channels.Slack.Enabled {
		mux.Register(channels.NewSlackChannel(cfg.Channels.Slack.BotToken))
		registry.Register(normalize.NewSlackNormalizer())
	}
	if cfg.Channels.Discord.Enabled {
		dc, err := channels.NewDiscordChannel(cfg.Channels.Discord.Token)
		if err != nil {
			logger.FatalC("main", "Discord channel: "+err.Error())
		}
		mux.Register(dc)
	}

	queue := delivery.NewQueue(mux, delivery.Options{
		MaxAttempts: cfg.Pipeline.MaxDeliveryAttempts,
		OnExhausted: deadletterStore.Report,
	})

	var icifyClient *icify.Client
	if cfg.Icify.Enabled && cfg.Icify.APIToken != "" {
		icifyClient = icify.NewClient(cfg.Icify.APIToken, cfg.Icify.APIBase, cfg.Icify.Model, cfg.IcifyWait())
	}

	table := router.NewTable()
	if err := handlers.Register(table, handlers.Deps{
		Attachments: attachmentStore,
		Icify:       icifyClient,
		Files:       fetchers,
	}); err != nil {
		logger.FatalC("main", "Handler registration: "+err.Error())
	}
	table.Seal()

	handlerTimeout := cfg.HandlerTimeout()
	if icifyClient != nil {
		// /icify holds its worker for the whole generation; the pool
		// deadline covers the wait budget on top of the normal
		// allowance.
		handlerTimeout += cfg.IcifyWait()
	}
	execPool := pool.New(table, queue, pool.Options{
		Workers:    cfg.Pipeline.Workers,
		Timeout:    handlerTimeout,
		QueueDepth: cfg.Pipeline.QueueDepth,
	})
	execPool.Start()

	guard := dedupe.NewGuard(cfg.IdempotencyWindow())
	guard.Start(ctx)

	if err := mux.StartAll(ctx); err != nil {
		// A channel that cannot authenticate is degraded, not fatal:
		// the listener still acknowledges its webhooks.
		logger.ErrorC("main", "Channel startup: "+err.Error())
	}

	server := gateway.NewServer(cfg.Gateway.Host, cfg.Gateway.Port, registry, guard, execPool)

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh
		logger.InfoCF("main", "Shutting down", map[string]interface{}{
			"signal": sig.String(),
		})

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)

		execPool.Stop()
		queue.Stop()
		mux.StopAll(shutdownCtx)
		cancel()
	}()

	if err := server.Start(); err != nil {
		logger.FatalC("main", "Gateway: "+err.Error())
	}
	logger.InfoC("main", "Goodbye")
}
