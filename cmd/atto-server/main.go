package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/wallflowercc/wallflower-atto/internal/atto"
	"github.com/wallflowercc/wallflower-atto/internal/config"
	"github.com/wallflowercc/wallflower-atto/internal/notify"
	"github.com/wallflowercc/wallflower-atto/internal/server"
	"github.com/wallflowercc/wallflower-atto/internal/storage"
	"github.com/wallflowercc/wallflower-atto/internal/storage/duck"
	"github.com/wallflowercc/wallflower-atto/internal/storage/postgres"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type flags struct {
	configPath  string
	verbose     bool
	metricsAddr string
	networkID   string
	httpPort    int
}

func (f *flags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configPath, "config", config.DefaultPath, "path to the JSON or YAML config file")
	fs.BoolVar(&f.verbose, "verbose", false, "verbose mode - show debug logs")
	fs.StringVar(&f.metricsAddr, "metrics-addr", ":2112", "address to listen on for prometheus metrics, empty to disable")
	fs.StringVar(&f.networkID, "network-id", "", "override the configured network id")
	fs.IntVar(&f.httpPort, "http-port", 0, "override the configured http port")
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatalf("failed to run: %v", err)
	}
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	root := &cobra.Command{
		Use:           "atto-server",
		Short:         "Wallflower Atto time-series server",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Flags(), f)
		},
	}
	f.register(root.Flags())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		},
	})
	return root
}

func loadConfig(fs *pflag.FlagSet, f *flags) (*config.Config, error) {
	// Optional; a missing .env is fine.
	_ = godotenv.Load()

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if fs.Changed("network-id") {
		cfg.NetworkID = f.networkID
	}
	if fs.Changed("http-port") {
		cfg.HTTPPort = f.httpPort
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(fs *pflag.FlagSet, f *flags) error {
	log := newLogger(f.verbose)

	cfg, err := loadConfig(fs, f)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Set up prometheus metrics server if enabled.
	if f.metricsAddr != "" {
		server.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", f.metricsAddr)
			if err != nil {
				log.Error("Failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("Failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	engine, err := openEngine(ctx, log, cfg.Database)
	if err != nil {
		return err
	}
	defer engine.Close()

	var sinks []notify.Notifier
	if cfg.EnableWS {
		hub, err := notify.NewHub(&notify.HubConfig{Logger: log})
		if err != nil {
			return fmt.Errorf("failed to create websocket hub: %w", err)
		}
		wsListener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.WSPort))
		if err != nil {
			return fmt.Errorf("failed to create websocket listener: %w", err)
		}
		log.Info("websocket events listening", "address", wsListener.Addr().String())
		go func() {
			if err := hub.Serve(ctx, wsListener); err != nil {
				log.Error("websocket hub exited with error", "error", err)
			}
		}()
		sinks = append(sinks, hub)
	}
	if len(cfg.Kafka.Brokers) > 0 {
		k, err := notify.NewKafka(ctx, &notify.KafkaConfig{
			Logger:  log,
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
		})
		if err != nil {
			return fmt.Errorf("failed to create kafka publisher: %w", err)
		}
		defer k.Close()
		log.Info("publishing events to kafka", "brokers", cfg.Kafka.Brokers, "topic", cfg.Kafka.Topic)
		sinks = append(sinks, k)
	}

	storeCfg := &atto.Config{Logger: log, Engine: engine}
	if multi := notify.NewMulti(log, sinks...); multi.Len() > 0 {
		storeCfg.Notifier = multi
	}
	store, err := atto.New(ctx, storeCfg)
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	defer store.Close()

	srv, err := server.New(log, server.Config{
		Gateway:     store,
		NetworkID:   cfg.NetworkID,
		NetworkName: cfg.NetworkName,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(cfg.HTTPPort))
	if err != nil {
		return fmt.Errorf("failed to create listener: %w", err)
	}
	defer listener.Close()

	log.Info("listening on", "address", listener.Addr().String(), "network_id", cfg.NetworkID, "database", engine.Name())
	errCh := srv.Start(ctx, cancel, listener)
	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
		log.Info("context done, stopping")
	}
	return nil
}

func openEngine(ctx context.Context, log *slog.Logger, db config.Database) (storage.Engine, error) {
	switch db.Type {
	case config.DatabaseDuckDB:
		engine, err := duck.New(ctx, log, db.DuckDBPath())
		if err != nil {
			return nil, fmt.Errorf("failed to open duckdb: %w", err)
		}
		return engine, nil
	case config.DatabasePostgreSQL:
		engine, err := postgres.New(ctx, log, postgres.Config{
			URL:      db.URL,
			Host:     db.Host,
			Port:     db.Port,
			Database: db.Database,
			Username: db.User,
			Password: db.Password,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return engine, nil
	}
	return nil, errors.New("unknown database type " + db.Type)
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				t := a.Value.Time().UTC()
				a.Value = slog.StringValue(formatRFC3339Millis(t))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
