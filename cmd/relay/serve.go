package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stupiduntilnot/promptrelay/internal/config"
	"github.com/stupiduntilnot/promptrelay/internal/control"
	"github.com/stupiduntilnot/promptrelay/internal/conversation"
	"github.com/stupiduntilnot/promptrelay/internal/db"
	"github.com/stupiduntilnot/promptrelay/internal/dummy"
	"github.com/stupiduntilnot/promptrelay/internal/logging"
	"github.com/stupiduntilnot/promptrelay/internal/model"
	"github.com/stupiduntilnot/promptrelay/internal/openai"
	"github.com/stupiduntilnot/promptrelay/internal/persist"
	"github.com/stupiduntilnot/promptrelay/internal/ratelimit"
	"github.com/stupiduntilnot/promptrelay/internal/relay"
	"github.com/stupiduntilnot/promptrelay/internal/server"
	"github.com/stupiduntilnot/promptrelay/internal/session"
	"github.com/stupiduntilnot/promptrelay/internal/tokenizer"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.load(false)
			if err != nil {
				return err
			}
			logger, closer, err := logging.New(logging.Options{
				Level:  cfg.LogLevel,
				Format: cfg.LogFormat,
				Dir:    cfg.LogDir,
				Stderr: cmd.ErrOrStderr(),
			})
			if err != nil {
				return err
			}
			defer closer.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ln, err := net.Listen("tcp", cfg.ListenAddr)
			if err != nil {
				return fmt.Errorf("listen on %s: %w", cfg.ListenAddr, err)
			}
			return serve(ctx, cfg, ln, logger)
		},
	}
}

// serve runs the relay on ln until ctx ends, then drains pending
// writes and records the process exit.
func serve(ctx context.Context, cfg config.Config, ln net.Listener, logger zerolog.Logger) error {
	database, err := db.Open(ctx, cfg.DBPath)
	if err != nil {
		ln.Close()
		return err
	}
	defer database.Close()

	events := &db.EventLog{DB: database}
	rootID, err := db.LogEvent(ctx, database, nil, db.EventProcessStarted, map[string]any{
		"pid":      os.Getpid(),
		"profile":  cfg.Profile,
		"provider": cfg.ModelProvider,
		"model":    cfg.OpenAIModel,
		"addr":     ln.Addr().String(),
	})
	if err != nil {
		logger.Warn().Err(err).Msg("failed to log process.started")
	} else {
		events.RootID = &rootID
	}

	counter, err := tokenizer.New(cfg.Tokenizer, cfg.OpenAIModel)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to init tokenizer: %w", err)
	}
	provider, err := newModelProvider(cfg)
	if err != nil {
		ln.Close()
		return fmt.Errorf("failed to init model provider: %w", err)
	}

	policy := control.DefaultPolicy()
	policy.MaxRetries = cfg.PersistMaxRetries
	writer := persist.NewWriter(&db.Exchanges{DB: database}, events, persist.Options{
		QueueSize: cfg.PersistQueueSize,
		Workers:   cfg.PersistWorkers,
		Policy:    policy,
	}, logging.Component(logger, "persist"))

	window := conversation.NewWindow(conversation.NewCachingCounter(counter, 0), cfg.Eviction)
	service := relay.NewService(
		window,
		&conversation.SQLiteProvider{DB: database},
		provider,
		control.NewCircuitBreaker(cfg.CircuitThreshold, cfg.CircuitCooldown),
		writer,
		relay.Options{
			SystemPrompt:      cfg.SystemPrompt,
			Budget:            cfg.Budget(),
			HistoryExchanges:  cfg.HistoryExchanges,
			CapResponseTokens: cfg.CapResponseTokens,
			JSONResponse:      cfg.JSONResponse,
		},
		logging.Component(logger, "relay"),
	)

	srv := server.New(service, session.NewMemoryStore(), ratelimit.New(cfg.Rate), server.Options{
		TrustProxy:    cfg.TrustProxy,
		CookieSecure:  cfg.CookieSecure,
		SessionIdle:   cfg.SessionIdleTimeout,
		SweepSchedule: cfg.SweepSchedule,
	}, logging.Component(logger, "server"))

	var serveErr error
	if err := srv.StartSweeper(); err != nil {
		ln.Close()
		serveErr = err
	} else {
		logger.Info().
			Str("profile", cfg.Profile).
			Str("provider", cfg.ModelProvider).
			Str("model", cfg.OpenAIModel).
			Str("tokenizer", cfg.Tokenizer).
			Str("rate_limit", cfg.Rate.String()).
			Msg("relay started")
		serveErr = srv.Serve(ctx, ln, cfg.ShutdownTimeout)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	srv.StopSweeper(shutdownCtx)
	if err := writer.Close(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("persistence queue not drained before shutdown")
	}

	stats := writer.Stats()
	payload := map[string]any{
		"written": stats.Written,
		"failed":  stats.Failed,
		"dropped": stats.Dropped,
	}
	if serveErr != nil {
		payload["error"] = serveErr.Error()
	}
	if _, err := events.Record(shutdownCtx, db.EventProcessStopped, payload); err != nil {
		logger.Warn().Err(err).Msg("failed to log process.stopped")
	}
	logger.Info().Int64("written", stats.Written).Int64("dropped", stats.Dropped).Msg("relay stopped")
	return serveErr
}

func newModelProvider(cfg config.Config) (model.Provider, error) {
	switch cfg.ModelProvider {
	case "dummy":
		p, err := dummy.NewProvider(cfg.OpenAIModel, cfg.DummyScript)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		c, err := openai.NewClient(openai.Config{
			APIKey:     cfg.OpenAIAPIKey,
			BaseURL:    cfg.OpenAIBaseURL,
			Model:      cfg.OpenAIModel,
			Timeout:    cfg.OpenAITimeout,
			MaxRetries: cfg.OpenAIMaxRetries,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	}
}
