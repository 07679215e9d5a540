package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/holmbr/norq/config"
	"github.com/holmbr/norq/fetch"
	"github.com/holmbr/norq/internal/logging"
	"github.com/holmbr/norq/nostr"
	"github.com/holmbr/norq/relay"
	"github.com/holmbr/norq/store"
	"github.com/holmbr/norq/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	fetchCoord := flag.String("fetch", "", "Fetch one coordinate (kind:pubkey[:identifier]), print it as JSON and exit")
	force := flag.Bool("force", false, "With -fetch, query relays even when the store already holds a value")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	st, err := openStore(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open event store")
	}
	defer st.Close()

	opts := []fetch.Option{
		fetch.WithLogger(logger),
		fetch.WithTelemetry(collector),
		fetch.WithReconcileInterval(cfg.ReconcileInterval()),
		fetch.WithRequestTimeout(cfg.RequestTimeout()),
		fetch.WithPruneInterval(cfg.PruneInterval()),
		fetch.WithRetention(cfg.Retention()),
	}
	if cfg.Ingest.Rule != "" {
		rule, err := fetch.CompileIngestRule(cfg.Ingest.Rule)
		if err != nil {
			logger.Fatal().Err(err).Msg("invalid ingest rule")
		}
		opts = append(opts, fetch.WithIngestRule(rule))
	}

	coordinator, err := fetch.New(st, relay.NewWebsocketDialer(logger), opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create coordinator")
	}
	defer coordinator.Close()

	if *fetchCoord != "" {
		if err := executeFetch(ctx, coordinator, cfg, *fetchCoord, *force); err != nil {
			logger.Fatal().Err(err).Msg("fetch failed")
		}
		return
	}

	if err := watchCoordinates(coordinator, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("invalid watch entry")
	}

	if cfg.Metrics.Enabled {
		stopMetrics, err := serveMetrics(cfg.Metrics.Listen, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to start metrics endpoint")
		}
		defer stopMetrics()
	}

	logger.Info().
		Str("store", cfg.StoreDriver()).
		Int("relays", len(cfg.Relays)).
		Int("watched", len(cfg.Watch)).
		Msg("norq started")
	if err := coordinator.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("coordinator stopped with error")
	}
}

func executeConfigCheck(cfg *config.Config) int {
	if cfg.Ingest.Rule != "" {
		if _, err := fetch.CompileIngestRule(cfg.Ingest.Rule); err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return 1
		}
	}

	dialer := relay.NewWebsocketDialer(zerolog.Nop())
	for _, url := range cfg.Relays {
		sub, err := dialer.Dial(url, relay.Handlers{})
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return 1
		}
		sub.Close()
	}

	coords := make([]nostr.Coordinate, 0, len(cfg.Watch))
	for _, raw := range cfg.Watch {
		coord, err := nostr.ParseCoordinate(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
			return 1
		}
		coords = append(coords, coord)
	}

	fmt.Printf("Store: %s\n", cfg.StoreDriver())
	fmt.Printf("Relays: %d\n", len(cfg.Relays))
	for _, url := range cfg.Relays {
		fmt.Printf("  - %s\n", url)
	}
	fmt.Printf("Watched coordinates: %d\n", len(coords))
	for _, coord := range coords {
		fmt.Printf("  - %s\n", coord.String())
	}
	fmt.Println("Configuration check completed successfully.")
	return 0
}

// executeFetch resolves a single coordinate and prints the newest known
// event. The coordinator's maintenance loop runs only for the duration of
// the call.
func executeFetch(ctx context.Context, coordinator *fetch.Coordinator, cfg *config.Config, raw string, force bool) error {
	coord, err := nostr.ParseCoordinate(raw)
	if err != nil {
		return err
	}
	if len(cfg.Relays) == 0 {
		return errors.New("no relays configured")
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	done := make(chan error, 1)
	go func() { done <- coordinator.Run(runCtx) }()

	cell := coordinator.Request(cfg.Relays, coord, force)
	awaitCtx, cancelAwait := context.WithTimeout(ctx, cfg.RequestTimeout())
	defer cancelAwait()
	ev, err := cell.Await(awaitCtx)
	cancelRun()
	<-done
	if err != nil {
		return fmt.Errorf("no answer for %s: %w", coord.String(), err)
	}

	out, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

// watchCoordinates requests every configured coordinate and logs each
// accepted replacement for it.
func watchCoordinates(coordinator *fetch.Coordinator, cfg *config.Config, logger zerolog.Logger) error {
	for _, raw := range cfg.Watch {
		coord, err := nostr.ParseCoordinate(raw)
		if err != nil {
			return err
		}
		cell := coordinator.Request(cfg.Relays, coord, false)
		coordinate := coord.String()
		cell.Subscribe(func(ev *nostr.Event) {
			logger.Info().
				Str("coordinate", coordinate).
				Int64("created_at", ev.CreatedAt).
				Msg("watched coordinate updated")
		})
	}
	if len(cfg.Watch) > 0 {
		logger.Info().Int("count", len(cfg.Watch)).Msg("watching coordinates")
	}
	return nil
}

func serveMetrics(listen string, logger zerolog.Logger) (func(), error) {
	if listen == "" {
		listen = ":19090"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return nil, err
	}
	srv := &http.Server{Handler: mux}
	go func() {
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics server stopped")
		}
	}()
	logger.Info().Str("listen", ln.Addr().String()).Msg("metrics endpoint started")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil && err != context.Canceled {
			logger.Error().Err(err).Msg("shutdown metrics server")
		}
	}, nil
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	switch provider {
	case "", "prometheus":
		collector, err := telemetry.NewPrometheusCollector(nil)
		if err != nil {
			return nil, err
		}
		return collector, nil
	default:
		return telemetry.Noop(), fmt.Errorf("unsupported telemetry provider %q", cfg.Provider)
	}
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.StoreDriver() {
	case "sqlite":
		return store.OpenSQLite(cfg.Store.Path)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}
