package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"traderd/params"
	"traderd/pkg/api"
	"traderd/pkg/book"
	"traderd/pkg/broker"
	"traderd/pkg/engine"
	"traderd/pkg/marketdata"
	"traderd/pkg/store"
	"traderd/pkg/strategy"
	"traderd/pkg/stream"
	"traderd/pkg/util"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	logger, err := util.NewLoggerWithFile(cfg.Engine.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	logger.Info("starting traderd",
		zap.Bool("live_routing", cfg.Engine.LiveRouting),
		zap.String("api_addr", cfg.Engine.APIAddr))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ---- Books and venues ----
	registry := book.NewRegistry()
	paper := broker.NewPaper(registry)

	var brk broker.Broker = paper
	var alpacaData *marketdata.AlpacaProvider
	if cfg.Alpaca.Key != "" {
		alpacaData = marketdata.NewAlpacaProvider(cfg.Alpaca.Key, cfg.Alpaca.Secret, cfg.Alpaca.DataURL)
	}
	if cfg.Engine.LiveRouting {
		if cfg.Alpaca.Key == "" {
			logger.Fatal("live routing requires ALPACA_API_KEY")
		}
		brk = broker.NewAlpaca(cfg.Alpaca.Key, cfg.Alpaca.Secret, cfg.Alpaca.BaseURL, alpacaData)
	}

	// ---- Durable store: redis first, embedded pebble as fallback ----
	var st store.Store
	if cfg.Redis.Addr != "" {
		rs, err := store.NewRedisStore(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			logger.Warn("redis unavailable, falling back to pebble", zap.Error(err))
		} else {
			st = rs
		}
	}
	if st == nil {
		ps, err := store.NewPebbleStore("data/store")
		if err != nil {
			logger.Warn("pebble store unavailable, running without persistence", zap.Error(err))
		} else {
			st = ps
		}
	}
	if st != nil {
		defer st.Close()
	}

	// ---- Market data providers ----
	var providers []marketdata.Provider
	if alpacaData != nil {
		providers = append(providers, alpacaData)
	}
	if cfg.Polygon.Key != "" {
		providers = append(providers, marketdata.NewPolygonProvider(cfg.Polygon.Key, cfg.Polygon.BaseURL))
	}

	// ---- Strategy controller ----
	var ctrl *strategy.Controller
	if len(providers) > 0 {
		ctrl, err = strategy.NewController(
			strategy.ConfigFromParams(cfg.Movers, cfg.Session),
			brk, providers, st, util.RealClock{}, logger)
		if err != nil {
			logger.Fatal("strategy init failed", zap.Error(err))
		}
		ctrl.Start(ctx)
		defer ctrl.Stop()
	} else {
		logger.Warn("no market data credentials, movers strategy disabled")
	}

	// ---- Report fan-out: websocket always, kafka when configured ----
	var publisher *stream.Publisher
	if len(cfg.Kafka.Brokers) > 0 {
		publisher = stream.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		defer publisher.Close()
	}

	// ---- Dispatcher and gateway ----
	opts := []engine.Option{}
	if cfg.Engine.LiveRouting {
		opts = append(opts, engine.WithLiveRouting())
	}
	if ctrl != nil {
		opts = append(opts, engine.WithController(ctrl))
	}
	dispatcher := engine.New(registry, brk, cfg.Engine.DispatchBackoff, logger, opts...)
	server := api.NewServer(dispatcher, registry, logger)
	dispatcher.SetReportSink(func(report book.ExecutionReport) {
		server.Hub().BroadcastReport(report)
		if publisher != nil {
			publisher.PublishReport(report)
		}
	})

	go dispatcher.Run(ctx)

	if err := server.Start(ctx, cfg.Engine.APIAddr); err != nil {
		logger.Error("api server stopped", zap.Error(err))
	}
	logger.Info("shutdown complete")
}
