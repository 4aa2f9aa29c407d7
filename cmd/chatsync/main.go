package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/fathima-sithara/chatsync/internal/api"
	"github.com/fathima-sithara/chatsync/internal/config"
	"github.com/fathima-sithara/chatsync/internal/engine"
	"github.com/fathima-sithara/chatsync/internal/logger"
	"github.com/fathima-sithara/chatsync/internal/models"
	"github.com/fathima-sithara/chatsync/internal/transport"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "chatsync",
		Short:         "Realtime conversation sync client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("CHATSYNC_CONFIG"), "config file (yaml)")

	root.AddCommand(
		conversationsCmd(),
		contactsCmd(),
		historyCmd(),
		startCmd(),
		sendCmd(),
		tailCmd(),
		tokenCmd(),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

type app struct {
	cfg     *config.Config
	log     *zap.Logger
	session *engine.Session
}

// setup loads configuration and builds a started session.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateClient(); err != nil {
		return nil, err
	}
	log, err := logger.New(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	tr := transport.New(transport.Config{
		URL:            cfg.Transport.URL,
		PingInterval:   cfg.PingInterval,
		WriteDeadline:  cfg.WriteDeadline,
		MaxMessageSize: cfg.Transport.MaxMessageSizeBytes,
		ReconnectMax:   cfg.ReconnectMax,
		EmitRate:       rate.Limit(cfg.Transport.EmitRatePerSec),
		EmitBurst:      cfg.Transport.EmitBurst,
	}, log.Named("transport"))

	client, err := api.New(api.Config{
		BaseURL:            cfg.API.BaseURL,
		Token:              cfg.Identity.Token,
		Timeout:            cfg.RequestTimeout,
		RetryMaxElapsed:    cfg.RetryMaxElapsed,
		BreakerMaxFailures: cfg.API.BreakerMaxFailures,
		BreakerTimeout:     cfg.BreakerTimeout,
	}, log.Named("api"))
	if err != nil {
		return nil, err
	}

	metrics := engine.NewMetrics(prometheus.NewRegistry())
	metrics.ObserveTransport(tr.Stats)

	s := engine.New(models.Identity{UserID: cfg.Identity.UserID, Token: cfg.Identity.Token}, tr, client, engine.Options{
		TypingTimeout:   cfg.TypingTimeout,
		TypingIdle:      cfg.TypingIdle,
		TypingSweep:     cfg.TypingSweep,
		ConfirmTimeout:  cfg.ConfirmTimeout,
		HistoryPageSize: cfg.Sync.HistoryPageSize,
		AutoMarkRead:    cfg.Sync.AutoMarkRead,
		Metrics:         metrics,
		Logger:          log.Named("engine"),
	})
	if err := s.Start(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return &app{cfg: cfg, log: log, session: s}, nil
}

func (a *app) close() {
	a.session.Close()
	_ = a.log.Sync()
}

func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(v)
}
