package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/broker/pkg/api"
	"github.com/cuemby/broker/pkg/config"
	"github.com/cuemby/broker/pkg/engine"
	"github.com/cuemby/broker/pkg/event"
	"github.com/cuemby/broker/pkg/log"
	"github.com/cuemby/broker/pkg/metrics"
	"github.com/cuemby/broker/pkg/muxer"
	"github.com/cuemby/broker/pkg/stream"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/types/known/structpb"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the broker",
	Long: `Run the event multiplexing engine with the muxers declared in the
configuration file. Each muxer feeds a log sink.

Examples:
  # Run with a configuration file
  broker run -c /etc/broker/broker.yaml

  # Run with defaults and publish a synthetic event every second
  broker run --cache-dir ./broker-data --generate 1s`,
	RunE: runBroker,
}

func init() {
	runCmd.Flags().StringP("config", "c", "", "YAML configuration file")
	runCmd.Flags().String("cache-dir", "", "Override the cache directory")
	runCmd.Flags().String("log-level", "", "Override the log level (trace, debug, info, warn, error)")
	runCmd.Flags().Duration("generate", 0, "Publish a synthetic generator event at this interval")
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg := config.Default()
	if path, _ := cmd.Flags().GetString("config"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if dir, _ := cmd.Flags().GetString("cache-dir"); dir != "" {
		cfg.CacheDir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// broker is the set of components run by the run command
type broker struct {
	engine    *engine.Engine
	registry  *muxer.Registry
	feeders   []*stream.Feeder
	collector *metrics.Collector
	server    *api.Server
}

func newBroker(cfg *config.Config) (*broker, error) {
	if err := os.MkdirAll(cfg.CacheDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	eng := engine.New(cfg.EngineConfig())
	b := &broker{
		engine:   eng,
		registry: muxer.NewRegistry(eng, cfg.RegistryConfig()),
	}
	b.server = api.NewServer(eng, b.registry)

	for _, mc := range cfg.Muxers {
		read, write, err := mc.Filters()
		if err != nil {
			b.close()
			return nil, err
		}
		m, err := b.registry.Create(mc.Name, read, write, mc.Persistent)
		if err != nil {
			b.close()
			return nil, fmt.Errorf("failed to create muxer %s: %w", mc.Name, err)
		}

		sink := stream.NewLogStream(
			log.WithComponent("sink").With().Str("muxer", m.Name()).Logger(),
			stream.LogStreamConfig{Level: zerolog.InfoLevel, BatchSize: mc.BatchSize},
		)
		f := stream.NewFeeder(m, sink, stream.FeederConfig{})
		b.feeders = append(b.feeders, f)
		b.server.AddFeeder(m.Name(), f)
	}

	b.collector = metrics.NewCollector(b.registry, cfg.StatsInterval)
	return b, nil
}

func (b *broker) start() error {
	for _, f := range b.feeders {
		f.Start()
	}
	b.collector.Start()
	return b.engine.Start()
}

// shutdown stops multiplexing first so events published meanwhile land in
// the cache file, then releases consumers and files.
func (b *broker) shutdown(ctx context.Context) {
	if err := b.engine.Stop(); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to stop engine")
	}
	for _, f := range b.feeders {
		f.Stop()
	}
	b.collector.Stop()
	if err := b.server.Stop(ctx); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to stop HTTP server")
	}
	b.close()
}

func (b *broker) close() {
	if err := b.registry.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("failed to close muxers")
	}
	if err := b.engine.Close(); err != nil {
		log.Logger.Error().Err(err).Msg("failed to close engine")
	}
}

// generate publishes a synthetic event at every tick until stop is closed
func (b *broker) generate(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq float64
	for {
		select {
		case <-ticker.C:
			seq++
			msg, err := structpb.NewStruct(map[string]interface{}{
				"seq":       seq,
				"generated": time.Now().UTC().Format(time.RFC3339Nano),
			})
			if err != nil {
				log.Logger.Error().Err(err).Msg("failed to build generator event")
				continue
			}
			b.engine.Publish(event.NewMessage(event.GeneratorEvent, msg))
		case <-stop:
			return
		}
	}
}

func runBroker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	log.Init(cfg.LoggerConfig())
	metrics.SetVersion(Version)

	b, err := newBroker(cfg)
	if err != nil {
		return err
	}
	if err := b.start(); err != nil {
		b.shutdown(context.Background())
		return fmt.Errorf("failed to start engine: %w", err)
	}
	log.Logger.Info().Str("name", cfg.Name).Str("cache_dir", cfg.CacheDir).
		Int("muxers", len(cfg.Muxers)).Msg("broker running")

	errCh := make(chan error, 1)
	if cfg.MetricsAddr != "" {
		go func() {
			if err := b.server.Start(cfg.MetricsAddr); err != nil {
				errCh <- fmt.Errorf("HTTP server error: %w", err)
			}
		}()
	}

	stop := make(chan struct{})
	if interval, _ := cmd.Flags().GetDuration("generate"); interval > 0 {
		go b.generate(interval, stop)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.Logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case runErr = <-errCh:
		log.Logger.Error().Err(runErr).Msg("shutting down")
	}
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	b.shutdown(ctx)

	log.Logger.Info().Msg("shutdown complete")
	return runErr
}
