package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cache"
	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/envelope"
)

// Collector produces full-table and schema envelopes on demand: at first
// start to seed the peer, and whenever an admin command asks for a refresh.
type Collector struct {
	pool  *db.Pool
	cache *cache.PendingCache
}

func NewCollector(pool *db.Pool, pending *cache.PendingCache) *Collector {
	return &Collector{pool: pool, cache: pending}
}

// FullSync stages one fullsync envelope per row of table, optionally
// restricted by filter. Returns the number of rows staged.
func (c *Collector) FullSync(ctx context.Context, table string, columns []string, aliases map[string]string, filter *envelope.SyncFilter) (int, error) {
	selectCols := make([]any, len(columns))
	for i, col := range columns {
		selectCols[i] = goqu.C(col)
	}
	ds := db.Dialect.From(table).Select(selectCols...)

	if filter != nil {
		cond, err := FilterExpression(filter)
		if err != nil {
			return 0, err
		}
		ds = ds.Where(cond)
	}

	query, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return 0, err
	}

	rows, err := c.pool.QueryMaps(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	lowered := make(map[string]string, len(aliases))
	for from, to := range aliases {
		lowered[strings.ToLower(from)] = strings.ToLower(to)
	}

	staged := 0
	for _, row := range rows {
		data := make(map[string]any, len(row))
		for col, v := range row {
			if alias, ok := lowered[col]; ok {
				col = alias
			}
			data[col] = v
		}

		env := envelope.NewChangeEnvelope(envelope.TypeFullSync, table, cfg.Config.Customer, data)
		payload, err := json.Marshal(env)
		if err != nil {
			return staged, err
		}
		c.cache.Put("fullsync:"+table+":"+env.UUID, payload)
		staged++
	}

	log.Info().Str("table", table).Int("rows", staged).Msg("Full sync staged")
	return staged, nil
}

// Schema stages one schema envelope describing table's captured columns and
// their coarse type classes.
func (c *Collector) Schema(ctx context.Context, table string, columns []string) error {
	types, err := c.pool.FieldTypes(ctx, table, columns)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", table, err)
	}

	fields := make(map[string]string, len(types))
	for col, nativeType := range types {
		fields[col] = db.TypeClass(nativeType)
	}

	env := envelope.SchemaEnvelope{
		Type:     envelope.TypeSchema,
		Table:    table,
		Datetime: envelope.UnixTimestamp(time.Now()),
		UUID:     uuid.NewString(),
		Customer: cfg.Config.Customer,
		Fields:   fields,
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	c.cache.Put("schema:"+table+":"+env.UUID, payload)

	log.Info().Str("table", table).Int("fields", len(fields)).Msg("Schema staged")
	return nil
}

// SchemaAll stages schema envelopes for every configured table.
func (c *Collector) SchemaAll(ctx context.Context) error {
	for _, table := range cfg.Config.TableOrder {
		if err := c.Schema(ctx, table, cfg.Config.Tables[table]); err != nil {
			return err
		}
	}
	return nil
}

// FullSyncAll stages fullsync envelopes for every configured table in order.
func (c *Collector) FullSyncAll(ctx context.Context) error {
	for _, table := range cfg.Config.TableOrder {
		if _, err := c.FullSync(ctx, table, cfg.Config.Tables[table], cfg.Config.FieldAliases[table], nil); err != nil {
			return err
		}
	}
	return nil
}

// FilterExpression turns a sync filter into a query condition. Only the
// closed operator set is accepted; anything else is rejected before it can
// reach the database.
func FilterExpression(f *envelope.SyncFilter) (exp.Expression, error) {
	if f.Field == "" {
		return nil, fmt.Errorf("filter field is required")
	}
	col := goqu.C(f.Field)

	switch strings.ToUpper(strings.TrimSpace(f.Op)) {
	case "=":
		return col.Eq(f.Value), nil
	case "<>":
		return col.Neq(f.Value), nil
	case ">":
		return col.Gt(f.Value), nil
	case "<":
		return col.Lt(f.Value), nil
	case ">=":
		return col.Gte(f.Value), nil
	case "<=":
		return col.Lte(f.Value), nil
	case "LIKE":
		s, ok := f.Value.(string)
		if !ok {
			return nil, fmt.Errorf("LIKE filter requires a string value")
		}
		return col.Like(s), nil
	case "BETWEEN":
		bounds, ok := f.Value.([]any)
		if !ok || len(bounds) != 2 {
			return nil, fmt.Errorf("BETWEEN filter requires a two-element list")
		}
		return col.Between(goqu.Range(bounds[0], bounds[1])), nil
	case "IN":
		values, ok := f.Value.([]any)
		if !ok || len(values) == 0 {
			return nil, fmt.Errorf("IN filter requires a non-empty list")
		}
		return col.In(values...), nil
	default:
		return nil, fmt.Errorf("unsupported filter operator %q", f.Op)
	}
}
