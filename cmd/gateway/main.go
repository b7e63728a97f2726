// Command gateway runs the chat gateway: one HTTP surface routing chat
// traffic to the configured providers through the request-safety pipeline.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/upb/chat-gateway/config"
	"github.com/upb/chat-gateway/internal/observability"
	"github.com/upb/chat-gateway/providers"
	"github.com/upb/chat-gateway/providers/anthropic"
	"github.com/upb/chat-gateway/providers/deepseek"
	"github.com/upb/chat-gateway/providers/gemini"
	"github.com/upb/chat-gateway/providers/grok"
	"github.com/upb/chat-gateway/providers/openai"
	"github.com/upb/chat-gateway/providers/perplexity"
	"github.com/upb/chat-gateway/providers/proxy"
	"github.com/upb/chat-gateway/providers/qwen"
	"github.com/upb/chat-gateway/router"
	"github.com/upb/chat-gateway/server"
	"github.com/upb/chat-gateway/services/abuse"
	"github.com/upb/chat-gateway/services/gate"
	"github.com/upb/chat-gateway/services/history"
	"github.com/upb/chat-gateway/services/injection"
	"github.com/upb/chat-gateway/services/notify"
	"github.com/upb/chat-gateway/services/quota"
	"github.com/upb/chat-gateway/services/session"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:               "gateway",
	Short:             "Unified chat gateway for hosted LLM providers",
	SilenceUsage:      true,
	DisableAutoGenTag: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the gateway version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd, versionCmd)
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.New()
	if err != nil {
		return err
	}

	logger, err := observability.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	tokens := session.NewStaticTokenSource(cfg.Proxy.SessionToken)
	notifier := notify.NewLogNotifier(logger)
	store := history.NewMemoryStore()
	client := proxy.NewClient(cfg.Proxy.BaseURL, tokens, notifier, logger)

	detector := injection.NewDetector(injection.NewLogAuditSink(logger), logger)
	tracker := abuse.NewTracker(abuse.DefaultLimits(), logger)
	go tracker.StartCleanupWorker(ctx, time.Minute)
	ledger := quota.NewLedger(cfg.Quota.DefaultBalance, logger)

	gates := gate.NewPipeline(detector, tracker, ledger, gate.Limits{
		MaxTotalChars: cfg.Gate.MaxTotalChars,
		MaxMessages:   cfg.Gate.MaxMessages,
	}, logger)

	registry := providers.NewRegistry(logger)
	registerAdapters(cfg, registry, client, store, logger)

	retry := router.DefaultRetryPolicy()
	retry.MaxRetries = cfg.Retry.MaxRetries
	retry.BaseDelay = cfg.Retry.BaseDelay
	retry.MaxDelay = cfg.Retry.MaxDelay

	rt := router.New(registry, gates, tracker, ledger, retry, logger)

	srv, err := server.New(cfg, rt, logger)
	if err != nil {
		return err
	}

	logger.Info("gateway starting",
		zap.String("version", version),
		zap.String("default_provider", cfg.Providers.Default),
		zap.Int("providers", registry.Count()))
	return srv.Run(ctx)
}

func registerAdapters(cfg *config.Config, registry *providers.Registry, client *proxy.Client, store *history.MemoryStore, logger *zap.Logger) {
	constructors := map[providers.Identity]func() providers.Provider{
		providers.OpenAI:     func() providers.Provider { return openai.New(client, store, logger) },
		providers.Anthropic:  func() providers.Provider { return anthropic.New(client, store, logger) },
		providers.Gemini:     func() providers.Provider { return gemini.New(client, store, logger) },
		providers.DeepSeek:   func() providers.Provider { return deepseek.New(client, store, logger) },
		providers.Grok:       func() providers.Provider { return grok.New(client, store, logger) },
		providers.Qwen:       func() providers.Provider { return qwen.New(client, store, logger) },
		providers.Perplexity: func() providers.Provider { return perplexity.New(client, store, logger) },
	}

	for _, id := range providers.Identities() {
		if !cfg.ProviderEnabled(id) {
			logger.Info("provider disabled", zap.String("provider", string(id)))
			continue
		}
		registry.Register(constructors[id]())
	}
}
