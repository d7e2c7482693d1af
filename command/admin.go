package command

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
)

// Cache key for the timezone envelope; refreshed in place on each request.
const timezoneCacheKey = "ADMIN:UTC_TIMEZONE"

const restartDelay = 2 * time.Second

func (d *Dispatcher) handleAdmin(ctx context.Context, cmd envelope.AdminCommand) error {
	switch strings.ToLower(cmd.Admin) {
	case "schema":
		return d.collector.SchemaAll(ctx)
	case "fullsync":
		return d.collector.FullSyncAll(ctx)
	case "dump_schema":
		return d.handleDumpSchema(ctx)
	case "restart":
		// Delayed so the ack and any queued responses flush first.
		time.AfterFunc(restartDelay, func() { d.shutdown("restart requested") })
		return nil
	case "reload":
		if err := db.DropAllArtifacts(ctx, d.pool, cfg.Config.Database.Name); err != nil {
			return err
		}
		d.shutdown("reload requested")
		return nil
	case "timezone":
		return d.handleTimezone(ctx)
	case "ping":
		return d.handlePing(ctx, cmd.UUID)
	case "update":
		return d.updater.SignalUpdate(ctx, UpdateCode(cfg.Config.Environment, cmd.Version))
	default:
		return fmt.Errorf("unknown admin subcommand %q", cmd.Admin)
	}
}

func (d *Dispatcher) handleDumpSchema(ctx context.Context) error {
	location, err := d.dumper.DumpSchemas(ctx)
	if err != nil {
		return err
	}
	return d.respond(ctx, envelope.NewChangeEnvelope(envelope.TypeURL, "dump_schema", cfg.Config.Customer, map[string]any{
		"file": location,
	}))
}

// handleTimezone reports the database clock and its UTC offset. The envelope
// is staged in the cache, replacing any previous one under the same key, so
// the dispatcher delivers only the latest reading.
func (d *Dispatcher) handleTimezone(ctx context.Context) error {
	var now, utcNow time.Time
	row := d.pool.DB.QueryRowContext(ctx, "SELECT NOW(), UTC_TIMESTAMP()")
	if err := row.Scan(&now, &utcNow); err != nil {
		return fmt.Errorf("read database clock: %w", err)
	}

	offset := now.Sub(utcNow).Round(time.Minute)
	env := envelope.NewChangeEnvelope(envelope.TypeTimezone, "admin", cfg.Config.Customer, map[string]any{
		"offset":  formatOffset(offset),
		"utc_now": utcNow.Format(time.RFC3339),
		"now":     now.Format(time.RFC3339),
	})
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	d.cache.Put(timezoneCacheKey, payload)
	return nil
}

// handlePing publishes a health snapshot, echoing the caller's correlation id
// when one was supplied.
func (d *Dispatcher) handlePing(ctx context.Context, correlationID string) error {
	env := envelope.NewChangeEnvelope(envelope.TypePong, "admin", cfg.Config.Customer, map[string]any{
		"memory_usage":         memoryUsagePercent(ctx),
		"cpu_usage":            cpuUsagePercent(ctx),
		"db_connection_status": d.pool.Reachable(ctx),
	})
	if correlationID != "" {
		env.UUID = correlationID
	}
	return d.respond(ctx, env)
}

func memoryUsagePercent(ctx context.Context) float64 {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Reading memory stats failed")
		return -1
	}
	return vm.UsedPercent
}

func cpuUsagePercent(ctx context.Context) float64 {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil || len(percents) == 0 {
		log.Warn().Err(err).Msg("Reading cpu stats failed")
		return -1
	}
	return percents[0]
}

// UpdateCode builds the signal the external updater expects: the environment
// scopes which installation updates, the optional version pins the target.
func UpdateCode(environment, version string) string {
	code := "UPDATE:" + strings.ToUpper(environment)
	if version != "" {
		code += ":" + version
	}
	return code
}

func formatOffset(offset time.Duration) string {
	sign := "+"
	if offset < 0 {
		sign = "-"
		offset = -offset
	}
	return fmt.Sprintf("%s%02d:%02d", sign, int(offset.Hours()), int(offset.Minutes())%60)
}
