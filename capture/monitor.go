// Package capture turns trigger-logged row mutations into outbound change
// envelopes. One Monitor runs per configured table; all of them feed the
// shared pending cache, which the dispatcher drains.
package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
	"github.com/openhme/envoy/telemetry"
)

const rowKeyPrefix = "row:"

// RowKey builds the cache key for a log-backed entry. The dispatcher parses
// it back to settle the row's delivery status.
func RowKey(table string, id int64) string {
	return rowKeyPrefix + table + ":" + strconv.FormatInt(id, 10)
}

// ParseRowKey recovers the table and log row id from a cache key. ok is
// false for opaque keys that have no backing log row.
func ParseRowKey(key string) (table string, id int64, ok bool) {
	rest, found := strings.CutPrefix(key, rowKeyPrefix)
	if !found {
		return "", 0, false
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", 0, false
	}
	id, err := strconv.ParseInt(rest[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return rest[:idx], id, true
}

// ChangeSource is the shadow-table surface the monitor drives: capture
// artifact lifecycle, recovery sweeps, and the pending-row feed.
type ChangeSource interface {
	Table() string
	Columns() []string
	EnsureLogTable(ctx context.Context) error
	EnsureTriggers(ctx context.Context) error
	Truncate(ctx context.Context) error
	ResetStalled(ctx context.Context) (bool, error)
	DeleteConfirmed(ctx context.Context) error
	HasRows(ctx context.Context) (bool, error)
	FetchPending(ctx context.Context, limit int) ([]db.LogRow, error)
	MarkDispatching(ctx context.Context, ids []int64) error
	DeleteRows(ctx context.Context, ids []int64) error
}

// Monitor owns the capture pipeline for one table.
type Monitor struct {
	log   ChangeSource
	cache *cache.PendingCache

	table     string
	pk        string
	aliases   map[string]string
	sendTouch bool

	pollInterval time.Duration
	batchSize    int
}

// NewMonitor wires a monitor for one table. aliases maps source column names
// to the field names the peer expects; it may be nil.
func NewMonitor(changeLog ChangeSource, pending *cache.PendingCache, pk string, aliases map[string]string, sendTouch bool) *Monitor {
	lowered := make(map[string]string, len(aliases))
	for from, to := range aliases {
		lowered[strings.ToLower(from)] = strings.ToLower(to)
	}
	return &Monitor{
		log:          changeLog,
		cache:        pending,
		table:        changeLog.Table(),
		pk:           strings.ToLower(pk),
		aliases:      lowered,
		sendTouch:    sendTouch,
		pollInterval: time.Duration(cfg.Config.Capture.PollIntervalSeconds) * time.Second,
		batchSize:    cfg.Config.Capture.BatchSize,
	}
}

// Table returns the monitored table name.
func (m *Monitor) Table() string { return m.table }

// ChangeLog exposes the underlying shadow table store.
func (m *Monitor) ChangeLog() ChangeSource { return m.log }

// Prepare provisions the capture artifacts and recovers delivery state left
// by a previous run. Called once before the poll loop starts.
func (m *Monitor) Prepare(ctx context.Context) error {
	if err := m.log.EnsureLogTable(ctx); err != nil {
		return fmt.Errorf("prepare %s: %w", m.table, err)
	}
	if err := m.log.EnsureTriggers(ctx); err != nil {
		return fmt.Errorf("prepare %s: %w", m.table, err)
	}
	if cfg.Config.Capture.CleanupOnRestart {
		if err := m.log.Truncate(ctx); err != nil {
			return fmt.Errorf("cleanup %s: %w", m.table, err)
		}
		log.Info().Str("table", m.table).Msg("Change log truncated on restart")
	}
	return nil
}

// Run polls the change log until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	log.Info().Str("table", m.table).Dur("interval", m.pollInterval).Msg("Capture monitor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("table", m.table).Msg("Capture monitor stopped")
			return
		case <-ticker.C:
			m.cycle(ctx)
		}
	}
}

// cycle runs one capture round: recover stalled rows, sweep confirmed ones,
// then stage the next pending batch into the cache.
func (m *Monitor) cycle(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.CaptureCycleSeconds.Observe(time.Since(start).Seconds())
	}()

	reset, err := m.log.ResetStalled(ctx)
	if err != nil {
		log.Error().Err(err).Str("table", m.table).Msg("Recovery sweep failed")
		return
	}
	if reset {
		telemetry.StalledResetsTotal.Inc()
	}

	if err := m.log.DeleteConfirmed(ctx); err != nil {
		log.Error().Err(err).Str("table", m.table).Msg("Confirmed sweep failed")
		return
	}

	rows, err := m.log.FetchPending(ctx, m.batchSize)
	if err != nil {
		log.Error().Err(err).Str("table", m.table).Msg("Fetching pending rows failed")
		return
	}
	if len(rows) == 0 {
		return
	}

	var (
		dispatch  []int64
		suppress  []int64
		envelopes = make(map[int64][]byte, len(rows))
	)
	for _, row := range rows {
		action := normalizeAction(row.Action)
		telemetry.RowsCaptured.With(m.table, action).Inc()

		if action == envelope.TypeTouch && !m.sendTouch {
			suppress = append(suppress, row.ID)
			telemetry.TouchesSuppressed.With(m.table).Inc()
			continue
		}

		payload, err := m.buildEnvelope(action, row)
		if err != nil {
			log.Error().Err(err).Str("table", m.table).Int64("row", row.ID).
				Msg("Dropping unencodable change")
			suppress = append(suppress, row.ID)
			continue
		}
		dispatch = append(dispatch, row.ID)
		envelopes[row.ID] = payload
	}

	if err := m.log.DeleteRows(ctx, suppress); err != nil {
		log.Error().Err(err).Str("table", m.table).Msg("Deleting suppressed rows failed")
	}

	// Status moves to dispatching before the cache sees the entry, so a
	// crash in between leaves the row recoverable by the stall sweep.
	if err := m.log.MarkDispatching(ctx, dispatch); err != nil {
		log.Error().Err(err).Str("table", m.table).Msg("Marking batch failed")
		return
	}
	for _, id := range dispatch {
		m.cache.Put(RowKey(m.table, id), envelopes[id])
	}

	log.Debug().Str("table", m.table).Int("staged", len(dispatch)).
		Int("suppressed", len(suppress)).Msg("Capture cycle complete")
}

// buildEnvelope renders one log row as the outbound JSON payload. Touch
// envelopes carry only the row identity; everything else carries the full
// captured image with aliases applied.
func (m *Monitor) buildEnvelope(action string, row db.LogRow) ([]byte, error) {
	var data map[string]any
	if action == envelope.TypeTouch {
		data = map[string]any{}
		if v, ok := row.Data[m.pk]; ok {
			data[m.aliasFor(m.pk)] = v
		}
		if v, ok := row.Data[db.TouchColumn]; ok {
			data[db.TouchColumn] = v
		}
	} else {
		data = make(map[string]any, len(row.Data))
		for col, v := range row.Data {
			data[m.aliasFor(col)] = v
		}
	}

	env := envelope.NewChangeEnvelope(action, m.table, cfg.Config.Customer, data)
	env.Datetime = envelope.UnixTimestamp(row.CapturedAt)
	return json.Marshal(env)
}

func (m *Monitor) aliasFor(col string) string {
	if alias, ok := m.aliases[col]; ok {
		return alias
	}
	return col
}

func normalizeAction(action string) string {
	switch strings.ToLower(action) {
	case envelope.TypeInsert, envelope.TypeUpdate, envelope.TypeDelete, envelope.TypeTouch:
		return strings.ToLower(action)
	default:
		return envelope.TypeUpdate
	}
}
