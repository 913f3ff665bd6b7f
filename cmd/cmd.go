package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/anicoll/amber-price-integration/internal/pkg/amber"
	"github.com/anicoll/amber-price-integration/internal/pkg/config"
	"github.com/anicoll/amber-price-integration/internal/pkg/coordinator"
	"github.com/anicoll/amber-price-integration/internal/pkg/metrics"
	"github.com/anicoll/amber-price-integration/internal/pkg/model"
	"github.com/anicoll/amber-price-integration/internal/pkg/mqtt"
	"github.com/anicoll/amber-price-integration/internal/pkg/publisher"
	"github.com/anicoll/amber-price-integration/internal/pkg/server"
)

var (
	errCannotConnect   = errors.New("cannot connect")
	errInvalidPostCode = errors.New("invalid postcode")
)

// ServeCommand keeps the price view of every configured postcode up to date and serves it.
func ServeCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() // flushes buffer, if any.
	}()
	zap.ReplaceGlobals(logger)

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}

	if err := run(ctx.Context, cfg, fetcher, logger); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// FetchCommand refreshes each postcode once and prints the snapshots as JSON.
func FetchCommand(ctx *cli.Context) error {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	zap.ReplaceGlobals(logger)

	fetcher, err := newFetcher(cfg, logger)
	if err != nil {
		return err
	}
	return fetchOnce(ctx.Context, cfg, fetcher, logger, ctx.App.Writer)
}

func loadConfig(ctx *cli.Context) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if ctx.IsSet("log-level") {
		cfg.LogLevel = ctx.String("log-level")
	}
	if ctx.IsSet("postcode") {
		cfg.AmberCfg.PostCodes = ctx.StringSlice("postcode")
	}
	if ctx.Args().Len() > 0 {
		cfg.AmberCfg.PostCodes = ctx.Args().Slice()
	}
	if ctx.IsSet("past-hours") {
		cfg.AmberCfg.PastHours = ctx.Int("past-hours")
	}
	if ctx.IsSet("mqtt-host") {
		cfg.MqttCfg.Host = ctx.String("mqtt-host")
	}
	if ctx.IsSet("http-addr") {
		cfg.HTTPCfg.Addr = ctx.String("http-addr")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) (*zap.Logger, error) {
	logCfg := zap.NewProductionConfig()

	var err error
	logCfg.Level, err = zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, err
	}
	logCfg.OutputPaths = []string{"stdout"}
	logCfg.ErrorOutputPaths = []string{"stdout"}
	logCfg.Sampling = nil
	return zap.Must(logCfg.Build(zap.AddCaller(), zap.AddStacktrace(zap.ErrorLevel))), nil
}

func newFetcher(cfg *config.Config, logger *zap.Logger) (PriceFetcher, error) {
	return amber.New(cfg.AmberCfg.Host,
		amber.WithOrigin(cfg.AmberCfg.Origin),
		amber.WithTimeout(cfg.AmberCfg.RequestTimeout),
		amber.WithLogger(logger.With(zap.String("component", "amber"))),
	)
}

func settings(cfg *config.Config) coordinator.Settings {
	return coordinator.Settings{
		LookbackHours:        cfg.AmberCfg.PastHours,
		Schedule:             cfg.RefreshCfg.Schedule,
		SettleDelay:          cfg.RefreshCfg.SettleDelay,
		RetryInitial:         cfg.RefreshCfg.RetryInitial,
		RetryMax:             cfg.RefreshCfg.RetryMax,
		RetryMultiplier:      cfg.RefreshCfg.RetryMultiplier,
		InvalidLocationRetry: cfg.RefreshCfg.InvalidLocationRetry,
	}
}

func run(ctx context.Context, cfg *config.Config, fetcher PriceFetcher, logger *zap.Logger) error {
	eg, ctx := errgroup.WithContext(ctx)

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector, err := metrics.NewPrometheusCollector(reg)
	if err != nil {
		return err
	}

	publishers := publisher.NewRegistry(logger.With(zap.String("component", "publisher")))
	if cfg.MqttCfg.Enabled() {
		mqttSvc := mqtt.New(mqtt.NewClient(cfg.MqttCfg), cfg.MqttCfg.DiscoveryPrefix)
		if err := mqttSvc.Connect(); err != nil {
			return fmt.Errorf("connecting to mqtt broker %s: %w", cfg.MqttCfg.Host, err)
		}
		defer mqttSvc.Disconnect()
		if err := publishers.Register("mqtt", mqttSvc); err != nil {
			return err
		}
	}

	hub := server.NewHub(logger.With(zap.String("component", "websocket")))
	var services []server.PriceService
	var coordinators []*coordinator.Coordinator
	for _, postcode := range cfg.AmberCfg.PostCodes {
		c, err := coordinator.New(postcode, fetcher, settings(cfg),
			coordinator.WithLogger(logger.With(zap.String("component", "coordinator"))),
			coordinator.WithCollector(collector),
			coordinator.OnUpdate(func(snap model.Snapshot) {
				if err := publishers.Publish(ctx, snap); err != nil {
					logger.Error("failed to publish snapshot", zap.Error(err), zap.String("postcode", snap.PostCode))
				}
			}),
		)
		if err != nil {
			return err
		}
		coordinators = append(coordinators, c)
		services = append(services, c)
	}
	api := server.New(services, hub, reg)

	for _, c := range coordinators {
		c.Subscribe(api.Broadcast)
		eg.Go(func() error {
			return c.Run(ctx)
		})
	}

	eg.Go(func() error {
		return hub.Run(ctx)
	})

	if cfg.HTTPCfg.Addr != "" {
		eg.Go(func() error {
			srv := &http.Server{
				Handler:      api.Handler(),
				Addr:         cfg.HTTPCfg.Addr,
				WriteTimeout: 15 * time.Second,
				ReadTimeout:  15 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = srv.Shutdown(shutdownCtx)
			}()

			logger.Info("serving http", zap.String("addr", cfg.HTTPCfg.Addr))
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return ctx.Err()
		})
	}

	eg.Go(func() error {
		<-ctx.Done()
		logger.Info("context done")
		return ctx.Err()
	})

	return eg.Wait()
}

func fetchOnce(ctx context.Context, cfg *config.Config, fetcher PriceFetcher, logger *zap.Logger, w io.Writer) error {
	snapshots := make([]model.Snapshot, 0, len(cfg.AmberCfg.PostCodes))
	var errs []error
	for _, postcode := range cfg.AmberCfg.PostCodes {
		c, err := coordinator.New(postcode, fetcher, settings(cfg), coordinator.WithLogger(logger))
		if err != nil {
			return err
		}
		err = c.Refresh(ctx)
		c.Close()
		if err != nil {
			return err
		}

		snap := c.Snapshot()
		snapshots = append(snapshots, snap)
		for _, ch := range model.Channels {
			if err := classify(postcode, snap.Channel(ch).Err); err != nil {
				errs = append(errs, err)
				break
			}
		}
	}

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(snapshots); err != nil {
		return err
	}
	return errors.Join(errs...)
}

func classify(postcode string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, amber.ErrInvalidLocation):
		return fmt.Errorf("%w %s: %v", errInvalidPostCode, postcode, err)
	case errors.Is(err, amber.ErrProviderUnavailable):
		return fmt.Errorf("%w: %v", errCannotConnect, err)
	}
	return fmt.Errorf("postcode %s: %w", postcode, err)
}
