package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sweeney/asterisk-shipper/internal/aggregate"
	"github.com/sweeney/asterisk-shipper/internal/api"
	"github.com/sweeney/asterisk-shipper/internal/classify"
	"github.com/sweeney/asterisk-shipper/internal/config"
	"github.com/sweeney/asterisk-shipper/internal/correlate"
	"github.com/sweeney/asterisk-shipper/internal/deliver"
	"github.com/sweeney/asterisk-shipper/internal/engine"
	"github.com/sweeney/asterisk-shipper/internal/feed"
	"github.com/sweeney/asterisk-shipper/internal/metrics"
	"github.com/sweeney/asterisk-shipper/internal/notify"
	"github.com/sweeney/asterisk-shipper/internal/ship"
	"github.com/sweeney/asterisk-shipper/internal/state"
)

func main() {
	configPath := flag.String("config", "/etc/asterisk-shipper/asterisk-shipper.yaml", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := run(ctx, cfg, logger); err != nil && ctx.Err() == nil {
		logger.Error("fatal", "error", err)
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	store, err := state.Open(cfg.State.Path)
	if err != nil {
		return fmt.Errorf("opening state: %w", err)
	}

	src, cleanup, err := buildFeed(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	m := &metrics.Metrics{}

	client := deliver.NewHTTPClient(deliver.HTTPOptions{
		Endpoint: cfg.Delivery.Endpoint,
		APIKey:   cfg.Delivery.APIKey,
		Timeout:  cfg.Delivery.Timeout,
	})
	queue := deliver.NewQueue(client, store, m, logger, deliver.QueueOptions{
		BatchSize:      cfg.Delivery.BatchSize,
		MaxWait:        cfg.Delivery.BatchMaxWait,
		InitialBackoff: cfg.Delivery.InitialBackoff,
		MaxBackoff:     cfg.Delivery.MaxBackoff,
		RetryCeiling:   cfg.Delivery.RetryCeiling,
		SubmitTimeout:  cfg.Delivery.Timeout,
	})

	if cfg.MQTT.Broker != "" {
		pub, err := notify.NewMQTTPublisher(notify.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			return fmt.Errorf("connecting to MQTT: %w", err)
		}
		notifier := notify.New(pub, cfg.MQTT.TopicPrefix, logger)
		defer notifier.Close()
		queue.OnShipped = func(agg *aggregate.CallAggregate, phase ship.Phase) {
			notifier.CallShipped(ctx, agg, phase)
		}
		logger.Info("call notifications enabled", "broker", cfg.MQTT.Broker)
	}

	index := correlate.NewIndex(
		correlate.WithQuiescence(cfg.Engine.Quiescence),
		correlate.WithRequireCEL(cfg.RequireCEL()),
	)

	shape := classify.NumberShape{
		MinExtensionLen: cfg.Classify.MinExtensionLen,
		MaxExtensionLen: cfg.Classify.MaxExtensionLen,
		IntlPrefixes:    cfg.Classify.IntlPrefixes,
	}
	direction := classify.NewDirectionClassifier(classify.DirectionConfig{
		InternalContexts: cfg.Classify.InternalContexts,
		ExternalContexts: cfg.Classify.ExternalContexts,
		TrunkPatterns:    cfg.Classify.TrunkPatterns,
		Shape:            shape,
	})
	numbers := classify.NewNumberExtractor(shape)
	tenants := classify.NewTenantResolver(classify.TenantConfig{
		DIDMap:          cfg.Tenants.DIDMap,
		AccountCodeMap:  cfg.Tenants.AccountMap,
		KnownTrunks:     cfg.Tenants.KnownTrunks,
		DefaultTenant:   cfg.Tenants.Default,
		CacheTTLSeconds: int(cfg.Tenants.CacheTTL / time.Second),
		CacheMaxSize:    cfg.Tenants.CacheMaxSize,
	})
	builder := aggregate.NewBuilder(direction, numbers, tenants, cfg.Engine.LongCallThreshold)
	machine := ship.NewMachine(ship.Mode(cfg.Shipping.Mode), cfg.Shipping.LongCallUpdateEvery)

	eng := engine.New(src, index, builder, machine, store, queue, tenants, m, logger, engine.Options{
		SweepInterval: cfg.Engine.SweepInterval,
		Retention:     cfg.State.Retention,
	})

	if cfg.Status.Listen != "" {
		server := api.NewServer(cfg.Status.Listen, eng, logger)
		go func() {
			if err := server.Run(ctx); err != nil {
				logger.Warn("status server stopped", "error", err)
			}
		}()
	}

	logger.Info("engine starting",
		"feed", src.Name(),
		"mode", cfg.Shipping.Mode,
		"endpoint", cfg.Delivery.Endpoint)
	return eng.Run(ctx)
}

// buildFeed selects the configured record source.
func buildFeed(ctx context.Context, cfg *config.Config, logger *slog.Logger) (feed.Feed, func(), error) {
	switch cfg.Feed.Source {
	case "db":
		f, err := feed.NewDBFeed(ctx, feed.DBConfig{
			URL:          cfg.Feed.DB.URL,
			CDRTable:     cfg.Feed.DB.CDRTable,
			CELTable:     cfg.Feed.DB.CELTable,
			PollInterval: cfg.Feed.DB.PollInterval,
			FetchLimit:   cfg.Feed.DB.FetchLimit,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	case "csv":
		f := feed.NewCSVFeed(feed.CSVConfig{
			Path:         cfg.Feed.CSV.Path,
			PollInterval: cfg.Feed.CSV.PollInterval,
		}, logger)
		return f, func() {}, nil
	case "ami":
		f := feed.NewAMIFeed(feed.AMIConfig{
			Address:  cfg.Feed.AMIAddr(),
			Username: cfg.Feed.AMI.Username,
			Secret:   cfg.Feed.AMI.Secret,
		}, logger)
		return f, func() {}, nil
	case "nats":
		f, err := feed.NewNATSFeed(feed.NATSConfig{
			URL:        cfg.Feed.NATS.URL,
			Token:      cfg.Feed.NATS.Token,
			CDRSubject: cfg.Feed.NATS.CDRSubject,
			CELSubject: cfg.Feed.NATS.CELSubject,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return f, f.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown feed source %q", cfg.Feed.Source)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
