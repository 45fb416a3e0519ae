/*
Package main runs a long-lived exchange session.

The watcher connects the configured key wallet, follows new block headers
over the node's websocket endpoint and reloads the stock directory on every
block. The wallet re-checks the chain on each header and the session
reconnects when it changes. A gRPC health service reports SERVING while the
session is connected and NOT_SERVING otherwise.

Usage:

	go run ./cmd/watcher [-config=exchange.yaml] [-env=.env] [-health=:50051]
*/
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stockexchange/internal/config"
	"stockexchange/internal/model"
	"stockexchange/internal/service"
	"stockexchange/internal/websocket"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// healthService is the name clients pass to the health check.
const healthService = "stockexchange.Watcher"

const reconnectDelay = 5 * time.Second

var (
	configPath = flag.String("config", "", "Optional YAML configuration file")
	envFile    = flag.String("env", ".env", "Optional .env file")
	healthAddr = flag.String("health", "", "gRPC health listen address, overrides health.addr")
)

func main() {
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})

	cfg, err := config.Load(*configPath, *envFile)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}
	zerolog.SetGlobalLevel(cfg.ZerologLevel())
	log.Info().Object("config", cfg).Msg("configuration loaded")

	addr := cfg.Health.Addr
	if *healthAddr != "" {
		addr = *healthAddr
	}
	if addr == "" {
		addr = ":50051"
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Heads reach the wallet through a channel that outlives websocket
	// reconnects.
	var heads chan model.HeadEvent
	if cfg.Chain.WSURL != "" {
		heads = make(chan model.HeadEvent, 16)
	}

	rt, err := service.Dial(ctx, cfg, service.DialOptions{Heads: heads})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start exchange client")
	}
	defer rt.Close()
	svc := rt.Service

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}

	s := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			MaxConnectionIdle: 5 * time.Minute,
			Time:              20 * time.Second,
			Timeout:           10 * time.Second,
		}),
	)
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	healthServer.SetServingStatus(healthService, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	events, err := svc.Events()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe to events")
	}
	go watchEvents(events, healthServer)

	if heads != nil {
		go followHeads(ctx, cfg.Chain.WSURL, heads, svc)
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("initiating graceful shutdown")
		healthServer.Shutdown()
		s.GracefulStop()
	}()

	if _, err := svc.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("initial connect failed, waiting for wallet events")
	}

	log.Info().Str("addr", addr).Str("contract", cfg.Chain.Contract).Msg("watcher serving health")
	if err := s.Serve(lis); err != nil {
		log.Error().Err(err).Msg("failed to serve")
	}
}

// watchEvents logs service events and mirrors the session state into the
// health service until the subscription closes.
func watchEvents(sub *service.Subscriber, hs *health.Server) {
	for ev := range sub.Events() {
		switch ev.Kind {
		case model.EventSession:
			status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
			if ev.Session.State == model.Connected {
				status = grpc_health_v1.HealthCheckResponse_SERVING
			}
			hs.SetServingStatus("", status)
			hs.SetServingStatus(healthService, status)
			log.Info().
				Str("state", ev.Session.State.String()).
				Str("account", ev.Session.Account.Hex()).
				Str("role", ev.Session.Role.String()).
				Msg("session")
		case model.EventDirectory:
			log.Info().
				Uint64("epoch", ev.Snapshot.Epoch).
				Int("stocks", len(ev.Snapshot.Records)).
				Msg("directory")
		case model.EventOperation:
			log.Info().
				Str("op", ev.Operation.Kind.String()).
				Str("key", ev.Operation.Key).
				Str("status", ev.Operation.Status.String()).
				Msg("operation")
		case model.EventFreshness:
			log.Debug().
				Str("symbol", ev.Freshness.Symbol).
				Str("status", ev.Freshness.Status.String()).
				Msg("freshness")
		}
	}
}

// followHeads streams block headers into heads, reconnecting the websocket
// until ctx ends. Each head also refreshes the directory.
func followHeads(ctx context.Context, endpoint string, heads chan<- model.HeadEvent, svc *service.ExchangeService) {
	logger := log.With().Str("component", "heads").Logger()

	for {
		client, err := websocket.NewClient(ctx, websocket.Config{
			Endpoint:             endpoint,
			Handler:              websocket.HeadHandler,
			SubscriptionMessages: [][]byte{websocket.NewHeadsRequest(1)},
		})
		if err != nil {
			logger.Warn().Err(err).Msg("head stream unavailable")
		} else {
			logger.Info().Str("endpoint", endpoint).Msg("head stream connected")
			pump(ctx, client, heads, svc)
			client.Close()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay):
		}
	}
}

func pump(ctx context.Context, client *websocket.Client, heads chan<- model.HeadEvent, svc *service.ExchangeService) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-client.DisconnectChan():
			log.Warn().Msg("head stream disconnected")
			return
		case err := <-client.ErrChan():
			log.Warn().Err(err).Msg("head stream error")
		case head, ok := <-client.HeadChan:
			if !ok {
				return
			}
			select {
			case heads <- head:
			default:
			}
			log.Debug().Uint64("block", head.Number).Msg("new head")

			if svc.Session().State == model.Connected {
				go func() {
					if _, err := svc.Refresh(ctx); err != nil {
						log.Warn().Err(err).Msg("directory refresh failed")
					}
				}()
			}
		}
	}
}
