package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/rideflow/realtime-gateway/broker"
	"github.com/rideflow/realtime-gateway/buffer"
	"github.com/rideflow/realtime-gateway/config"
	"github.com/rideflow/realtime-gateway/gateway"
	"github.com/rideflow/realtime-gateway/metrics"
	"github.com/rideflow/realtime-gateway/polling"
	"github.com/rideflow/realtime-gateway/server"
	"github.com/rideflow/realtime-gateway/session"
	"github.com/rideflow/realtime-gateway/store"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env := os.Getenv("ENVIRONMENT")
	if env == "" {
		env = "dev"
	}
	if err := config.Initialize(env); err != nil {
		log.Fatal().Err(err).Msg("Config initialization failed")
	}
	cfg := config.Get()
	setupLogging(cfg.LogLevel)

	serverID := uuid.New().String()
	log.Info().Str("server_id", serverID).Str("env", env).Msg("Starting realtime gateway")

	redisClient, err := store.NewRedisClient(cfg.Broker.Redis.Address, cfg.Broker.Redis.Password,
		cfg.Broker.Redis.DB, cfg.Broker.Redis.PoolSize, cfg.Broker.Redis.PoolTimeout)
	if err != nil {
		log.Fatal().Err(err).Msg("Redis connection failed")
	}
	defer redisClient.Close()

	sharedStore := store.NewRedisStore(redisClient)
	sessionStore := session.NewSharedStore(sharedStore, time.Duration(cfg.Gateway.SessionTTL)*time.Millisecond)

	var messageBroker broker.MessageBroker
	switch strings.ToLower(cfg.Broker.Type) {
	case "redis":
		messageBroker = broker.NewRedisBroker(redisClient)
	case "kafka":
		messageBroker, err = broker.NewKafkaBroker(cfg.Broker.Kafka.Brokers, cfg.Broker.Kafka.GroupID)
		if err != nil {
			log.Fatal().Err(err).Msg("Kafka broker creation failed")
		}
	default:
		log.Fatal().Str("type", cfg.Broker.Type).Msg("Invalid broker type")
	}
	defer messageBroker.Close()
	log.Info().Str("type", messageBroker.Type()).Msg("Message broker ready")

	var validator *gateway.TokenValidator
	if cfg.Auth.Enabled {
		validator = gateway.NewTokenValidator(&cfg.Auth)
		log.Info().Msg("JWT authentication enabled")
	} else {
		log.Warn().Msg("JWT authentication disabled")
	}

	collector := metrics.NewCollector(serverID, sharedStore, cfg.Metrics.LatencyWindow)
	msgBuffer := buffer.New(sharedStore, cfg.Buffer.MaxSize, time.Duration(cfg.Buffer.TTL)*time.Millisecond)

	manager := gateway.NewManager(serverID, cfg, sharedStore, sessionStore, msgBuffer, messageBroker, collector, nil)
	if err := manager.Start(); err != nil {
		log.Fatal().Err(err).Msg("Gateway startup failed")
	}
	if err := manager.ListenForEvents(broker.RideEventsChannel, broker.OrderEventsChannel,
		broker.DispatchEventsChannel); err != nil {
		log.Fatal().Err(err).Msg("Broker subscription failed")
	}

	wsHandler := gateway.NewHandler(manager, validator, &cfg.Auth)
	pollHandler := polling.NewHandler(serverID, &cfg.Polling, sharedStore, msgBuffer, messageBroker,
		cfg.Gateway.RateLimit, cfg.Gateway.RateBurst)

	go msgBuffer.RunSweeper(ctx, time.Duration(cfg.Buffer.SweepInterval)*time.Millisecond)
	go pollHandler.RunSweeper(ctx, time.Duration(cfg.Polling.SweepInterval)*time.Millisecond)
	go collector.Run(ctx, time.Duration(cfg.Metrics.FlushInterval)*time.Millisecond,
		manager.ActiveConnections, func() int64 { return msgBuffer.Depth(ctx) })

	if cfg.Metrics.Enabled {
		go metrics.StartServer(cfg.Metrics.Port, cfg.Metrics.Path)
	}

	srv := server.New(&cfg.Server, wsHandler.HandleWebSocket, pollHandler)
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info().Msg("Shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown error")
	}
	manager.Shutdown(shutdownCtx)
	log.Info().Msg("Gateway stopped")
}

func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		parsed = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(parsed)
	if os.Getenv("LOG_PRETTY") == "true" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
