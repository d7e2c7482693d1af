package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/apply"
	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/capture"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/command"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/dispatch"
	"github.com/openhme/envoy/export"
	"github.com/openhme/envoy/status"
	"github.com/openhme/envoy/telemetry"
	"github.com/openhme/envoy/transport"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("customer", cfg.Config.Customer).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Envoy - Bidirectional Database Sync Bridge")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Phase 1: database connection with boot retry
	log.Info().Str("database", cfg.Config.Database.Name).Msg("Connecting to database")
	pool, err := db.Open(ctx, cfg.DSN(),
		cfg.Config.Database.MaxOpenConns,
		time.Duration(cfg.Config.Database.QueryTimeout)*time.Second,
		time.Duration(cfg.Config.Database.RetryAfter)*time.Second,
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
		return
	}
	defer pool.Close()

	if *cfg.CleanupFlag {
		log.Info().Msg("Cleanup requested, removing all capture artifacts")
		if err := db.DropAllArtifacts(ctx, pool, cfg.Config.Database.Name); err != nil {
			log.Fatal().Err(err).Msg("Cleanup failed")
		}
		log.Info().Msg("Cleanup complete")
		return
	}

	// Phase 2: resolve monitored tables against the live schema
	pending := cache.New()
	monitors, logs := buildMonitors(ctx, pool, pending)
	if len(monitors) == 0 {
		log.Fatal().Msg("No configured table exists in the database")
		return
	}

	// Phase 3: broker link covering all four subjects
	log.Info().Str("url", cfg.Config.Broker.URL).Msg("Connecting to broker")
	broker, err := transport.Connect(ctx,
		cfg.Config.Broker.URL,
		cfg.Config.Broker.StreamName,
		cfg.Config.Broker.DurablePrefix,
		[]string{
			cfg.Config.Broker.SyncSubject,
			cfg.Config.Broker.InboundSubject,
			cfg.Config.Broker.ControlSubject,
			cfg.Config.Broker.ResponseSubject,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to broker")
		return
	}
	defer broker.Close()

	// Phase 4: capture monitors
	for _, m := range monitors {
		if err := m.Prepare(ctx); err != nil {
			log.Fatal().Err(err).Str("table", m.Table()).Msg("Capture setup failed")
			return
		}
		go m.Run(ctx)
	}

	// Phase 5: first-start bootstrap pushes schema and data to the peer
	collector := capture.NewCollector(pool, pending)
	if !cfg.LoadBootstrapped(*cfg.ConfigPathFlag) {
		log.Info().Msg("First start, pushing schemas and full data set")
		if err := collector.SchemaAll(ctx); err != nil {
			log.Fatal().Err(err).Msg("Schema push failed")
			return
		}
		if err := collector.FullSyncAll(ctx); err != nil {
			log.Fatal().Err(err).Msg("Full sync push failed")
			return
		}
		if err := cfg.SaveBootstrapped(*cfg.ConfigPathFlag); err != nil {
			log.Warn().Err(err).Msg("Recording bootstrap marker failed")
		}
	}

	// Phase 6: outbound dispatcher
	dispatcher := dispatch.New(pending, broker, logs)
	go dispatcher.Run(ctx)

	// Phase 7: inbound apply engine, serialized per subject
	engine := apply.NewEngine(pool, pending)
	stopApply, err := broker.Consume(ctx, cfg.Config.Broker.InboundSubject, "apply", engine.Handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to attach inbound consumer")
		return
	}
	defer stopApply()

	// Phase 8: control channel
	uploader, err := export.NewLocalUploader(cfg.ExportDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare export directory")
		return
	}
	updater, err := command.NewFileUpdater(cfg.ExportDir())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to prepare updater signal directory")
		return
	}
	dumper := export.NewDumper(pool, uploader)
	commands := command.NewDispatcher(pool, pending, collector, dumper, broker, updater,
		func(reason string) {
			log.Warn().Str("reason", reason).Msg("Terminating for supervisor restart")
			stop()
		}, *cfg.ConfigPathFlag)
	stopControl, err := broker.Consume(ctx, cfg.Config.Broker.ControlSubject, "control", commands.Handle)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to attach control consumer")
		return
	}
	defer stopControl()

	// Phase 9: diagnostics
	health := telemetry.NewHealthCollector(healthSource{pool: pool, cache: pending, broker: broker}, 15*time.Second)
	health.Start()
	defer health.Stop()

	var statusSrv *status.Server
	if cfg.Config.Status.Enabled {
		statusSrv = status.NewServer(pool, pending, broker, monitors)
		statusSrv.Start()
		defer statusSrv.Stop()
	}

	log.Info().
		Int("tables", len(monitors)).
		Str("sync_subject", cfg.Config.Broker.SyncSubject).
		Msg("Envoy is operational")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

// buildMonitors validates each configured table against the live schema and
// wires its capture stack. Missing tables are skipped with an error log so
// one bad entry does not take the service down.
func buildMonitors(ctx context.Context, pool *db.Pool, pending *cache.PendingCache) ([]*capture.Monitor, map[string]dispatch.StatusStore) {
	var monitors []*capture.Monitor
	logs := make(map[string]dispatch.StatusStore, len(cfg.Config.TableOrder))

	for _, table := range cfg.Config.TableOrder {
		exists, err := pool.TableExists(ctx, table)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("Schema probe failed")
		}
		if !exists {
			log.Error().Str("table", table).Msg("Configured table missing, skipping")
			continue
		}

		columns, err := resolveColumns(ctx, pool, table)
		if err != nil {
			log.Fatal().Err(err).Str("table", table).Msg("Resolving columns failed")
		}

		var ignore *db.IgnoreSpec
		if ig, ok := cfg.Config.IgnoreFields[table]; ok {
			ignore = &db.IgnoreSpec{Fields: ig.Fields, PK: ig.PK, SendTouch: ig.SendTouch}
		}

		pk := pkFor(ctx, pool, table, ignore)
		changeLog := db.NewChangeLog(pool, table, columns, ignore)
		logs[table] = changeLog
		monitors = append(monitors, capture.NewMonitor(changeLog, pending, pk,
			cfg.Config.FieldAliases[table], ignore != nil && ignore.SendTouch))
		cfg.Config.Tables[table] = columns
	}
	return monitors, logs
}

// resolveColumns expands an empty configured column list to the full table
// schema and verifies explicitly configured columns exist.
func resolveColumns(ctx context.Context, pool *db.Pool, table string) ([]string, error) {
	actual, err := pool.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	configured := cfg.Config.Tables[table]
	if len(configured) == 0 {
		return actual, nil
	}

	known := make(map[string]string, len(actual))
	for _, col := range actual {
		known[strings.ToLower(col)] = col
	}
	resolved := make([]string, 0, len(configured))
	for _, col := range configured {
		name, ok := known[strings.ToLower(col)]
		if !ok {
			return nil, fmt.Errorf("column %s.%s does not exist", table, col)
		}
		resolved = append(resolved, name)
	}
	return resolved, nil
}

// pkFor prefers the configured key column and falls back to the table's
// declared primary key.
func pkFor(ctx context.Context, pool *db.Pool, table string, ignore *db.IgnoreSpec) string {
	if ignore != nil && ignore.PK != "" {
		return ignore.PK
	}
	pk, err := pool.PrimaryKey(ctx, table)
	if err != nil || pk == "" {
		log.Warn().Err(err).Str("table", table).Msg("No primary key discovered")
		return "id"
	}
	return pk
}

type healthSource struct {
	pool   *db.Pool
	cache  *cache.PendingCache
	broker transport.Broker
}

func (h healthSource) CacheSize() int        { return h.cache.Size() }
func (h healthSource) BrokerHealthy() bool   { return h.broker.Healthy() }
func (h healthSource) DatabaseHealthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return h.pool.Reachable(ctx)
}
