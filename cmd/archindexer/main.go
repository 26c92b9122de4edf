// Command archindexer runs the Arch Network ingestion engine: it wires C1-C9
// together behind a single root cancellation context and exposes run/reset/
// healthcheck subcommands, following the teacher's cobra root-command shape
// (cmd/synnergy/main.go) generalized from mock testnet/token commands to the
// indexer's own lifecycle.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/archnetwork/arch-indexer/internal/archrpc"
	"github.com/archnetwork/arch-indexer/internal/archws"
	"github.com/archnetwork/arch-indexer/internal/checkpoint"
	"github.com/archnetwork/arch-indexer/internal/config"
	"github.com/archnetwork/arch-indexer/internal/fetch"
	"github.com/archnetwork/arch-indexer/internal/hybrid"
	"github.com/archnetwork/arch-indexer/internal/realtime"
	"github.com/archnetwork/arch-indexer/internal/store"
	"github.com/archnetwork/arch-indexer/internal/telemetry"
	"github.com/archnetwork/arch-indexer/pkg/envutil"
)

// shutdownDrainTimeout bounds how long run() waits, after the root context
// is cancelled, for the controller and metrics server to finish draining
// before main returns anyway. Overridable via ARCHINDEXER_SHUTDOWN_TIMEOUT
// for operators who need a tighter bound in orchestrated deployments.
var shutdownDrainTimeout = envutil.EnvOrDefaultDuration("ARCHINDEXER_SHUTDOWN_TIMEOUT", 30*time.Second)

func main() {
	var configPath string

	root := &cobra.Command{Use: "archindexer"}
	root.PersistentFlags().StringVar(&configPath, "config", envutil.EnvOrDefault("ARCHINDEXER_CONFIG", ""), "path to indexer config file (YAML)")

	root.AddCommand(runCmd(&configPath))
	root.AddCommand(resetCmd(&configPath))
	root.AddCommand(healthcheckCmd(&configPath))

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the ingestion engine until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(*configPath)
		},
	}
}

func resetCmd(configPath *string) *cobra.Command {
	var sure bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "drop every indexer-owned table (destructive)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !sure {
				return fmt.Errorf("refusing to reset without --yes-i-am-sure")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return store.ResetDB(cfg.Database.WriteDSN)
		},
	}
	cmd.Flags().BoolVar(&sure, "yes-i-am-sure", false, "confirm the destructive reset")
	return cmd
}

func healthcheckCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "healthcheck",
		Short: "probe a running instance's /health endpoint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			addr := cfg.MetricsAddr
			if strings.HasPrefix(addr, ":") {
				addr = "localhost" + addr
			}
			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get("http://" + addr + "/health")
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
			}
			fmt.Println("ok")
			return nil
		},
	}
}

func newLogger(cfg *config.Config) *logrus.Entry {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	if cfg.Logging.File != "" {
		f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err == nil {
			log.SetOutput(f)
		}
	}
	return logrus.NewEntry(log)
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := newLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.ResetDB {
		log.Warn("reset_db is set; dropping and recreating schema")
		if err := store.ResetDB(cfg.Database.WriteDSN); err != nil {
			return err
		}
	}
	if err := store.Migrate(cfg.Database.WriteDSN); err != nil {
		return err
	}

	pools, err := store.OpenPools(ctx, store.Config{
		WriteDSN:      cfg.Database.WriteDSN,
		ReadDSN:       cfg.Database.ReadDSN,
		MaxWriteConns: int32(cfg.Database.MaxWriteConns),
		MaxReadConns:  int32(cfg.Database.MaxReadConns),
	})
	if err != nil {
		return err
	}
	defer pools.Close()

	checkpt, err := openCheckpointStore(ctx, cfg, pools)
	if err != nil {
		return err
	}

	rpcClient := archrpc.New(archrpc.Config{
		URL:               cfg.ArchNode.URL,
		MaxConcurrency:    cfg.Arch.MaxConcurrency,
		InitialBackoffMS:  cfg.Arch.InitialBackoffMS,
		MaxBackoffMS:      cfg.Arch.MaxBackoffMS,
		MaxRetries:        cfg.Arch.MaxRetries,
		RequestsPerSecond: cfg.Arch.RequestsPerSecond,
		RequestBurst:      cfg.Arch.RequestBurst,
	}, log.WithField("component", "archrpc"))

	reader := store.NewReader(pools.Read)
	writer := store.NewWriter(pools.Write, cfg.UseCopyBulk, cfg.Indexer.BulkBatchSize, cfg.Arch.MaxRetries)

	metrics := telemetry.New(reader.Ping, log.WithField("component", "telemetry"))

	pipeline := fetch.New(rpcClient, fetch.Config{
		FetchWindowSize: cfg.Arch.FetchWindowSize,
		MaxConcurrency:  cfg.Arch.MaxConcurrency,
		BulkBatchSize:   cfg.Indexer.BulkBatchSize,
	}, metrics, log.WithField("component", "fetch"))

	var wsClient *archws.Client
	var realtimeProc *realtime.Processor
	if cfg.Indexer.EnableRealtime {
		wsClient = archws.New(archws.Config{
			URL:                      cfg.ArchNode.WebsocketURL,
			ReconnectIntervalSeconds: cfg.Websocket.ReconnectIntervalSeconds,
			MaxReconnectAttempts:     cfg.Websocket.MaxReconnectAttempts,
		}, metrics, log.WithField("component", "archws"))

		realtimeProc, err = realtime.New(realtime.Config{}, pipeline, checkpt, writer, nil, log.WithField("component", "realtime"))
		if err != nil {
			return err
		}
	}

	controller := hybrid.New(hybrid.Config{
		ReconcileInterval: time.Duration(cfg.ReconcileIntervalSeconds) * time.Second,
		HealChunkSize:     uint64(cfg.HealChunkSize),
		BulkThreshold:     uint64(cfg.BulkThreshold),
		BulkBatchSize:     cfg.Indexer.BulkBatchSize,
		EnableRealtime:    cfg.Indexer.EnableRealtime,
	}, rpcClient, wsClient, checkpt, pipeline, writer, reader, realtimeProc, metrics, log.WithField("component", "hybrid"))

	errCh := make(chan error, 2)
	go func() {
		errCh <- controller.Run(ctx)
	}()
	go func() {
		errCh <- metrics.Serve(ctx, cfg.MetricsAddr)
	}()

	var firstErr error
	doneCh := ctx.Done()
	var deadline <-chan time.Time
	for i := 0; i < 2; i++ {
		select {
		case err := <-errCh:
			if err != nil && firstErr == nil {
				firstErr = err
			}
		case <-doneCh:
			// Root context cancelled: stop racing against it and start the
			// bounded drain countdown instead, so a hung component can't
			// block process exit forever.
			doneCh = nil
			t := time.NewTimer(shutdownDrainTimeout)
			defer t.Stop()
			deadline = t.C
			i--
		case <-deadline:
			log.Warn("shutdown drain timeout exceeded; returning without waiting for remaining components")
			return firstErr
		}
	}
	return firstErr
}

func openCheckpointStore(ctx context.Context, cfg *config.Config, pools *store.Pools) (checkpoint.Store, error) {
	switch cfg.Checkpoint.Backend {
	case "sql":
		return checkpoint.OpenSQLStore(ctx, pools.Write)
	default:
		return checkpoint.OpenFileStore(cfg.Checkpoint.Path)
	}
}
