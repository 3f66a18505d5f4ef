package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"openfms/netcore/internal/bus"
	"openfms/netcore/internal/config"
	"openfms/netcore/internal/gateway"
	"openfms/netcore/internal/httpapi"
	"openfms/netcore/internal/logger"
	"openfms/netcore/internal/registry"
)

func main() {
	log := logger.Scope("main")

	// Load configuration
	cfg := config.Load()
	logger.SetLevel(cfg.LogLevel)
	log.Infof("Starting gateway %s", cfg.GatewayID)

	var opts []gateway.Option

	if cfg.RedisEnabled {
		redisClient := redis.NewClient(&redis.Options{
			Addr: cfg.RedisURL,
			DB:   0,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := redisClient.Ping(ctx).Err()
		cancel()
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to Redis")
		}
		log.Info("Connected to Redis")
		defer redisClient.Close()
		opts = append(opts, gateway.WithRegistry(registry.New(redisClient, cfg.GatewayID)))
		if cfg.CommandRateLimit > 0 {
			opts = append(opts, gateway.WithRateLimit(httpapi.NewRateLimiter(redisClient, cfg.CommandRateLimit, time.Minute)))
		}
	}

	if cfg.NATSEnabled {
		natsConn, err := nats.Connect(cfg.NATSURL,
			nats.Name("netgate-"+cfg.GatewayID),
			nats.MaxReconnects(-1),
		)
		if err != nil {
			log.WithError(err).Fatal("Failed to connect to NATS")
		}
		log.Info("Connected to NATS")
		defer natsConn.Close()
		if cfg.JetStreamRetention > 0 {
			js, err := natsConn.JetStream()
			if err != nil {
				log.WithError(err).Fatal("Failed to create JetStream context")
			}
			if err := bus.EnsureStreams(js, cfg.JetStreamRetention); err != nil {
				log.WithError(err).Fatal("Failed to declare uplink streams")
			}
			log.Infof("Persisting uplinks for %s", cfg.JetStreamRetention)
		}
		opts = append(opts, gateway.WithBus(bus.New(natsConn, cfg.GatewayID)))
	}

	if cfg.HTTPPort > 0 {
		opts = append(opts, gateway.WithAPI(":"+strconv.Itoa(cfg.HTTPPort)))
	}

	g := gateway.New(cfg, gateway.Listeners(cfg), opts...)
	if err := g.Start(context.Background()); err != nil {
		log.WithError(err).Fatal("Failed to start gateway")
	}
	log.Info("Gateway started")

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	<-sigChan
	log.Info("Shutting down...")

	g.Stop()
	log.Info("Gateway stopped")
}
