// Package command routes control-channel messages to operational actions:
// resyncs, schema pushes, dumps, counts, ad-hoc queries, and process
// lifecycle commands issued by the peer.
package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/capture"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
	"github.com/openhme/envoy/export"
	"github.com/openhme/envoy/telemetry"
	"github.com/openhme/envoy/transport"
)

// Updater signals the external update service.
type Updater interface {
	SignalUpdate(ctx context.Context, code string) error
}

// Dispatcher consumes the control channel and executes admin commands.
type Dispatcher struct {
	pool      *db.Pool
	cache     *cache.PendingCache
	collector *capture.Collector
	dumper    *export.Dumper
	broker    transport.Broker
	updater   Updater

	// shutdown requests process termination; injected so tests can observe
	// it instead of exiting.
	shutdown func(reason string)

	configPath string
}

func NewDispatcher(pool *db.Pool, pending *cache.PendingCache, collector *capture.Collector, dumper *export.Dumper, broker transport.Broker, updater Updater, shutdown func(string), configPath string) *Dispatcher {
	return &Dispatcher{
		pool:       pool,
		cache:      pending,
		collector:  collector,
		dumper:     dumper,
		broker:     broker,
		updater:    updater,
		shutdown:   shutdown,
		configPath: configPath,
	}
}

// Handle is the transport handler for the control channel. Commands are
// acknowledged up front: a command is never retried by redelivery, and the
// terminating ones must settle before the connection goes away with the
// process.
func (d *Dispatcher) Handle(ctx context.Context, msg transport.Message) {
	if err := msg.Ack(); err != nil {
		log.Error().Err(err).Msg("Ack failed on control channel")
	}

	cmd, err := envelope.ParseAdminCommand(msg.Data())
	if err != nil || cmd.Kind == envelope.KindUnknown {
		log.Warn().Err(err).Msg("Ignoring unrecognized control message")
		telemetry.CommandsTotal.With("unknown", "rejected").Inc()
		return
	}

	result := "success"
	if err := d.route(ctx, cmd); err != nil {
		log.Error().Err(err).Str("command", cmd.Kind.String()).Msg("Command failed")
		result = "failed"
	}
	telemetry.CommandsTotal.With(cmd.Kind.String(), result).Inc()
}

func (d *Dispatcher) route(ctx context.Context, cmd envelope.AdminCommand) error {
	log.Info().Str("command", cmd.Kind.String()).Msg("Control command received")

	switch cmd.Kind {
	case envelope.KindConfig:
		return d.handleConfig(ctx, cmd)
	case envelope.KindAdmin:
		return d.handleAdmin(ctx, cmd)
	case envelope.KindSync:
		return d.handleSync(ctx, cmd)
	case envelope.KindSchema:
		return d.handleSchema(ctx, cmd)
	case envelope.KindDump:
		return d.handleDump(ctx, cmd.Table, cmd)
	case envelope.KindDumps:
		for _, table := range cmd.Tables {
			if err := d.handleDump(ctx, table, cmd); err != nil {
				return err
			}
		}
		return nil
	case envelope.KindCount:
		return d.handleCount(ctx, cmd)
	case envelope.KindRunQuery:
		return d.handleRunQuery(ctx, cmd)
	default:
		log.Warn().Msg("Control message matched no command shape")
		return nil
	}
}

// handleConfig records the new configuration source, removes all capture
// artifacts, and exits so the supervisor restarts against the new config.
func (d *Dispatcher) handleConfig(ctx context.Context, cmd envelope.AdminCommand) error {
	if cmd.ConfigURL == "" {
		return fmt.Errorf("config command without source url")
	}
	if err := cfg.SaveConfigURL(d.configPath, cmd.ConfigURL); err != nil {
		return err
	}
	if err := db.DropAllArtifacts(ctx, d.pool, cfg.Config.Database.Name); err != nil {
		return err
	}
	d.shutdown("configuration replaced")
	return nil
}

func (d *Dispatcher) handleSync(ctx context.Context, cmd envelope.AdminCommand) error {
	table, columns, err := d.configuredTable(cmd.Table)
	if err != nil {
		return err
	}
	_, err = d.collector.FullSync(ctx, table, columns, cfg.Config.FieldAliases[table], cmd.Filter)
	return err
}

func (d *Dispatcher) handleSchema(ctx context.Context, cmd envelope.AdminCommand) error {
	table, columns, err := d.configuredTable(cmd.Table)
	if err != nil {
		return err
	}
	return d.collector.Schema(ctx, table, columns)
}

func (d *Dispatcher) handleDump(ctx context.Context, table string, cmd envelope.AdminCommand) error {
	table, columns, err := d.configuredTable(table)
	if err != nil {
		return err
	}
	location, rows, err := d.dumper.DumpTable(ctx, table, columns, export.Options{
		Where:          cmd.RawFilter,
		ExcludeColumns: cmd.ExcludeColumns,
		Format:         cmd.Format,
	})
	if err != nil {
		return err
	}
	return d.respond(ctx, envelope.NewChangeEnvelope(envelope.TypeURL, table, cfg.Config.Customer, map[string]any{
		"file": location,
		"rows": rows,
	}))
}

func (d *Dispatcher) handleCount(ctx context.Context, cmd envelope.AdminCommand) error {
	table, _, err := d.configuredTable(cmd.Table)
	if err != nil {
		return err
	}
	count, err := d.pool.CountWhere(ctx, table, cmd.RawFilter)
	if err != nil {
		return err
	}
	return d.respond(ctx, envelope.NewChangeEnvelope(envelope.TypeCount, table, cfg.Config.Customer, map[string]any{
		"environment": cfg.Config.Environment,
		"value":       count,
	}))
}

// handleRunQuery executes a read-only query and exports the result. Anything
// that is not a select is rejected before touching the database.
func (d *Dispatcher) handleRunQuery(ctx context.Context, cmd envelope.AdminCommand) error {
	query := strings.TrimSpace(cmd.Query)
	if !strings.HasPrefix(strings.ToLower(query), "select") {
		return fmt.Errorf("run_query only accepts select statements")
	}

	location, rows, err := d.dumper.DumpQuery(ctx, query, cmd.ResultFile, cmd.ResultType)
	if err != nil {
		return err
	}
	return d.respond(ctx, envelope.NewChangeEnvelope(envelope.TypeURL, "run_query", cfg.Config.Customer, map[string]any{
		"file": location,
		"rows": rows,
	}))
}

// respond publishes a result envelope on the control response channel.
func (d *Dispatcher) respond(ctx context.Context, env envelope.ChangeEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return d.broker.Publish(ctx, cfg.Config.Broker.ResponseSubject, payload)
}

// configuredTable resolves a command's table against the monitored set.
func (d *Dispatcher) configuredTable(name string) (string, []string, error) {
	table := strings.ToUpper(strings.TrimSpace(name))
	columns, ok := cfg.Config.Tables[table]
	if !ok {
		return "", nil, fmt.Errorf("table %q is not configured", name)
	}
	return table, columns, nil
}
