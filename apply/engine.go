// Package apply consumes peer change messages and writes them to the local
// database. Updates are guarded by an optimistic concurrency check against
// the row's touch timestamp; losing writes come back to the peer as conflict
// envelopes instead of being applied.
package apply

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
	"github.com/openhme/envoy/telemetry"
	"github.com/openhme/envoy/transport"
)

// Apply outcomes, used as metric labels and for settlement decisions.
const (
	ResultSuccess  = "success"
	ResultConflict = "conflict"
	ResultRejected = "rejected"
	ResultFailed   = "failed"
)

// Store is the database surface the engine writes through. *db.Pool is the
// production implementation.
type Store interface {
	ApplyInsert(ctx context.Context, table string, data map[string]any) error
	ApplyUpdate(ctx context.Context, table string, data map[string]any, key string, value any, upsert bool) error
	ApplyDelete(ctx context.Context, table string, key string, value any) error
	TouchTimestamp(ctx context.Context, table string, key string, value any) (time.Time, bool, error)
}

// Engine applies inbound sync commands. The transport delivers messages one
// at a time, so conflict checks and writes are serialized.
type Engine struct {
	store Store
	cache *cache.PendingCache
}

func NewEngine(store Store, pending *cache.PendingCache) *Engine {
	return &Engine{store: store, cache: pending}
}

// Handle is the transport handler for the inbound sync channel. Messages are
// acknowledged after a successful apply or a definitive rejection; only
// transient infrastructure failures requeue.
func (e *Engine) Handle(ctx context.Context, msg transport.Message) {
	start := time.Now()

	cmd, err := envelope.ParseSyncCommand(msg.Data())
	if err != nil {
		log.Warn().Err(err).Msg("Dropping malformed sync message")
		telemetry.ChangesApplied.With("unknown", ResultRejected).Inc()
		e.ack(msg)
		return
	}

	result, err := e.Process(ctx, cmd)
	telemetry.ApplySeconds.Observe(time.Since(start).Seconds())

	if err != nil && db.IsTransient(err) {
		log.Warn().Err(err).Str("source", cmd.Source).Str("uuid", cmd.UUID).
			Msg("Transient apply failure, requeueing")
		telemetry.RedeliveriesTotal.Inc()
		if nakErr := msg.Nak(); nakErr != nil {
			log.Error().Err(nakErr).Msg("Nak failed")
		}
		return
	}
	if err != nil {
		log.Error().Err(err).Str("source", cmd.Source).Str("uuid", cmd.UUID).
			Msg("Apply failed permanently, dropping message")
		result = ResultFailed
	}

	telemetry.ChangesApplied.With(strings.ToLower(cmd.Type), result).Inc()
	e.ack(msg)
}

func (e *Engine) ack(msg transport.Message) {
	if err := msg.Ack(); err != nil {
		log.Error().Err(err).Msg("Ack failed")
	}
}

// Process runs one sync command through validate, conflict check, and apply.
// A nil error with a non-success result is a business-level rejection; an
// error is an infrastructure failure whose class decides the settlement.
func (e *Engine) Process(ctx context.Context, cmd envelope.SyncCommand) (string, error) {
	action := strings.ToLower(cmd.Type)
	if action == "" || cmd.Source == "" {
		log.Warn().Str("type", cmd.Type).Str("source", cmd.Source).
			Msg("Sync message missing type or source")
		return ResultRejected, nil
	}

	table := strings.ToUpper(cmd.Source)
	data := e.localizeColumns(table, cmd.Data)
	key := e.localizeKey(table, cmd.Key)

	switch action {
	case envelope.TypeInsert:
		if len(data) == 0 {
			log.Warn().Str("table", table).Msg("Insert without data rejected")
			return ResultRejected, nil
		}
		if err := e.store.ApplyInsert(ctx, table, data); err != nil {
			return ResultFailed, err
		}
		return ResultSuccess, nil

	case envelope.TypeUpdate, "upsert":
		return e.applyUpdate(ctx, cmd, table, key, data, action == "upsert")

	case envelope.TypeDelete:
		if key == "" || cmd.Value == nil {
			log.Warn().Str("table", table).Msg("Delete without predicate rejected")
			return ResultRejected, nil
		}
		if err := e.store.ApplyDelete(ctx, table, key, cmd.Value); err != nil {
			return ResultFailed, err
		}
		return ResultSuccess, nil

	default:
		log.Warn().Str("type", cmd.Type).Str("table", table).
			Msg("Unknown sync type rejected")
		return ResultRejected, nil
	}
}

func (e *Engine) applyUpdate(ctx context.Context, cmd envelope.SyncCommand, table, key string, data map[string]any, upsert bool) (string, error) {
	if key == "" || cmd.Value == nil || len(data) == 0 {
		log.Warn().Str("table", table).Msg("Update without predicate or data rejected")
		return ResultRejected, nil
	}
	if cmd.LastSeen == "" {
		log.Warn().Str("table", table).Str("uuid", cmd.UUID).
			Msg("Update without last_seen rejected")
		return ResultRejected, nil
	}
	lastSeen, err := envelope.ParseLastSeen(cmd.LastSeen)
	if err != nil {
		log.Warn().Err(err).Str("table", table).Str("uuid", cmd.UUID).
			Msg("Unparseable last_seen rejected")
		return ResultRejected, nil
	}

	touched, ok, err := e.store.TouchTimestamp(ctx, table, key, cmd.Value)
	if err != nil {
		return ResultFailed, err
	}
	if ok && envelope.TruncateTouch(lastSeen).Before(envelope.TruncateTouch(touched)) {
		e.stageConflict(cmd, key)
		return ResultConflict, nil
	}

	err = e.store.ApplyUpdate(ctx, table, data, key, cmd.Value, upsert)
	var notFound db.ErrValueNotFound
	if errors.As(err, &notFound) {
		log.Warn().Str("table", table).Str("key", key).Str("value", cmd.ValueString()).
			Msg("Value not found, update rejected")
		return ResultRejected, nil
	}
	if err != nil {
		return ResultFailed, err
	}
	return ResultSuccess, nil
}

// stageConflict queues an error envelope for the dispatcher carrying the
// original message identity, so the peer can correlate the rejection.
func (e *Engine) stageConflict(cmd envelope.SyncCommand, key string) {
	telemetry.ConflictsTotal.Inc()
	log.Info().Str("table", cmd.Source).Str("uuid", cmd.UUID).
		Str("last_seen", cmd.LastSeen).Msg("Inbound update lost conflict check")

	conflict := envelope.NewConflictEnvelope(cmd.UUID, cmd.Source, key, cmd.Value)
	payload, err := json.Marshal(conflict)
	if err != nil {
		log.Error().Err(err).Msg("Encoding conflict envelope failed")
		return
	}
	e.cache.Put("conflict:"+cmd.UUID, payload)
}

// localizeColumns maps peer field names back to local column names using the
// reverse of the table's outbound alias map.
func (e *Engine) localizeColumns(table string, data map[string]any) map[string]any {
	aliases := cfg.Config.FieldAliases[table]
	if len(aliases) == 0 || len(data) == 0 {
		return data
	}
	reverse := make(map[string]string, len(aliases))
	for local, remote := range aliases {
		reverse[strings.ToLower(remote)] = strings.ToLower(local)
	}
	localized := make(map[string]any, len(data))
	for col, v := range data {
		if local, ok := reverse[strings.ToLower(col)]; ok {
			col = local
		}
		localized[col] = v
	}
	return localized
}

func (e *Engine) localizeKey(table, key string) string {
	if key == "" {
		return ""
	}
	for local, remote := range cfg.Config.FieldAliases[table] {
		if strings.EqualFold(remote, key) {
			return strings.ToLower(local)
		}
	}
	return key
}
