package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fathima-sithara/chatsync/internal/config"
	"github.com/fathima-sithara/chatsync/internal/logger"
	"github.com/fathima-sithara/chatsync/internal/relay"
)

func main() {
	// load config
	cfg, err := config.Load(os.Getenv("CHATSYNC_CONFIG"))
	if err != nil {
		panic(err)
	}
	if err := cfg.ValidateRelay(); err != nil {
		panic(err)
	}

	log, err := logger.New(cfg.App.Env, cfg.Log.Level)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	// presence
	var pres relay.Presence = relay.NewMemoryPresence()
	var rdb *redis.Client
	if cfg.Relay.Presence == "redis" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Relay.Redis.Addr,
			Password: cfg.Relay.Redis.Password,
			DB:       cfg.Relay.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.Fatal("redis ping failed", zap.String("addr", cfg.Relay.Redis.Addr), zap.Error(err))
		}
		pres = relay.NewRedisPresence(rdb, cfg.Relay.Redis.Prefix, 24*time.Hour)
	}

	// downstream publisher
	var pub relay.Publisher = relay.NopPublisher{}
	switch cfg.Relay.Publisher {
	case "kafka":
		pub = relay.NewKafkaPublisher(cfg.Relay.Kafka.Brokers, cfg.Relay.Kafka.TopicMessageSent, cfg.Relay.Kafka.TopicMessageRead)
	case "nats":
		np, err := relay.NewNATSPublisher(cfg.Relay.NATS.URL)
		if err != nil {
			log.Fatal("nats connect failed", zap.String("url", cfg.Relay.NATS.URL), zap.Error(err))
		}
		pub = np
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	srv := relay.New(relay.Options{
		JWTSecret:       cfg.Relay.JWTSecret,
		RateLimitPerSec: cfg.Relay.RateLimitPerSec,
		Users:           cfg.Relay.Users,
		PingInterval:    cfg.PingInterval,
		WriteDeadline:   cfg.WriteDeadline,
		MaxMessageSize:  cfg.Transport.MaxMessageSizeBytes,
		HistoryLimit:    cfg.Sync.HistoryPageSize,
	}, pres, pub, reg, log.Named("relay"))

	go func() {
		addr := ":" + cfg.Relay.PortString()
		log.Info("chat relay listening", zap.String("addr", addr), zap.String("presence", cfg.Relay.Presence), zap.String("publisher", cfg.Relay.Publisher))
		if err := srv.Listen(addr); err != nil {
			log.Fatal("listen failed", zap.Error(err))
		}
	}()

	// graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit
	log.Info("shutdown requested")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn("shutdown", zap.Error(err))
	}
	if rdb != nil {
		_ = rdb.Close()
	}
	log.Info("shutdown completed")
}
