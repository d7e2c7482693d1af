package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/rs/zerolog/log"
)

// Delivery status of a captured row. Status only advances pending ->
// dispatching -> confirmed, or resets dispatching -> pending after a failed
// publish. Confirmed rows are physically deleted on the next capture cycle.
const (
	StatusPending     = 0
	StatusDispatching = 1
	StatusConfirmed   = 2
)

// Meta columns appended to every log table.
const (
	ColID       = "envoy_id"
	ColAction   = "envoy_action"
	ColDatetime = "envoy_datetime"
	ColStatus   = "envoy_status"

	artifactPrefix = "envoy_"
)

// IgnoreSpec configures touch classification for a table.
type IgnoreSpec struct {
	Fields    []string
	PK        string
	SendTouch bool
}

// Ignored reports whether a column is on the ignore list.
func (s *IgnoreSpec) Ignored(column string) bool {
	for _, f := range s.Fields {
		if strings.EqualFold(f, column) {
			return true
		}
	}
	return false
}

// LogRow is one captured mutation read back from a shadow table.
type LogRow struct {
	ID         int64
	Action     string
	CapturedAt time.Time
	Data       map[string]any
}

// ChangeLog is the per-table shadow table store. Triggers write it; the
// capture monitor and outbound dispatcher mutate its status column.
type ChangeLog struct {
	pool    *Pool
	table   string
	columns []string
	ignore  *IgnoreSpec
}

// NewChangeLog builds the store for one monitored table. columns is the
// captured subset of the source schema; ignore may be nil.
func NewChangeLog(pool *Pool, table string, columns []string, ignore *IgnoreSpec) *ChangeLog {
	return &ChangeLog{pool: pool, table: table, columns: columns, ignore: ignore}
}

// Table returns the monitored source table name.
func (c *ChangeLog) Table() string { return c.table }

// Columns returns the captured source columns.
func (c *ChangeLog) Columns() []string { return c.columns }

// Ignore returns the table's ignore spec, or nil.
func (c *ChangeLog) Ignore() *IgnoreSpec { return c.ignore }

// LogTable returns the shadow table name for the monitored table.
func (c *ChangeLog) LogTable() string {
	return LogTableName(c.table)
}

// LogTableName maps a source table to its shadow table.
func LogTableName(table string) string {
	return fmt.Sprintf("%s%s_logs", artifactPrefix, strings.ToLower(table))
}

// EnsureLogTable provisions the shadow table if absent: captured columns plus
// identity, action, capture timestamp, and delivery status.
func (c *ChangeLog) EnsureLogTable(ctx context.Context) error {
	exists, err := c.pool.TableExists(ctx, c.LogTable())
	if err != nil {
		return err
	}
	if exists {
		log.Debug().Str("table", c.table).Msg("Log table already created")
		return nil
	}

	log.Info().Str("log_table", c.LogTable()).Msg("Creating log table")

	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	create := fmt.Sprintf(
		"CREATE TABLE `%s` AS SELECT %s FROM `%s` WHERE 1 = 0",
		c.LogTable(), quoteColumns(c.columns), c.table)
	if _, err := c.pool.DB.ExecContext(opCtx, create); err != nil && !IsAlreadyExists(err) {
		return fmt.Errorf("create log table %s: %w", c.LogTable(), err)
	}

	alter := fmt.Sprintf(
		"ALTER TABLE `%s` "+
			"ADD COLUMN %s BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY, "+
			"ADD COLUMN %s VARCHAR(30) NOT NULL DEFAULT '', "+
			"ADD COLUMN %s DATETIME(6) NOT NULL DEFAULT CURRENT_TIMESTAMP(6), "+
			"ADD COLUMN %s INT NOT NULL DEFAULT 0",
		c.LogTable(), ColID, ColAction, ColDatetime, ColStatus)
	if _, err := c.pool.DB.ExecContext(opCtx, alter); err != nil && !IsAlreadyExists(err) {
		return fmt.Errorf("add meta columns to %s: %w", c.LogTable(), err)
	}

	return nil
}

// Truncate clears the shadow table; used by the optional cleanup-on-restart
// mode.
func (c *ChangeLog) Truncate(ctx context.Context) error {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()
	_, err := c.pool.DB.ExecContext(opCtx, fmt.Sprintf("DELETE FROM `%s`", c.LogTable()))
	return err
}

// ResetStalled recovers from an interrupted delivery round: when every row in
// the log is stuck at dispatching (a crash between mark and confirm), they
// are all reset to pending.
func (c *ChangeLog) ResetStalled(ctx context.Context) (bool, error) {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	var total, dispatching int
	row := c.pool.DB.QueryRowContext(opCtx, fmt.Sprintf(
		"SELECT COUNT(*), COALESCE(SUM(%s = %d), 0) FROM `%s`",
		ColStatus, StatusDispatching, c.LogTable()))
	if err := row.Scan(&total, &dispatching); err != nil {
		return false, err
	}

	if total == 0 || total != dispatching {
		return false, nil
	}

	log.Warn().Str("table", c.table).Int("rows", total).
		Msg("All log rows stuck dispatching, resetting to pending")

	query, args, err := Dialect.Update(c.LogTable()).
		Set(goqu.Record{ColStatus: StatusPending}).
		Prepared(true).ToSQL()
	if err != nil {
		return false, err
	}
	if _, err := c.pool.DB.ExecContext(opCtx, query, args...); err != nil {
		return false, err
	}
	return true, nil
}

// DeleteConfirmed sweeps rows whose delivery was confirmed.
func (c *ChangeLog) DeleteConfirmed(ctx context.Context) error {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	query, args, err := Dialect.Delete(c.LogTable()).
		Where(goqu.C(ColStatus).Eq(StatusConfirmed)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = c.pool.DB.ExecContext(opCtx, query, args...)
	return err
}

// HasRows reports whether the shadow table holds any captured rows.
func (c *ChangeLog) HasRows(ctx context.Context) (bool, error) {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	var count int
	err := c.pool.DB.QueryRowContext(opCtx,
		fmt.Sprintf("SELECT COUNT(*) FROM `%s`", c.LogTable())).Scan(&count)
	return count > 0, err
}

// FetchPending reads up to limit pending rows in capture-timestamp order,
// enforcing per-table FIFO delivery.
func (c *ChangeLog) FetchPending(ctx context.Context, limit int) ([]LogRow, error) {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	selectCols := make([]any, 0, len(c.columns)+3)
	for _, col := range c.columns {
		selectCols = append(selectCols, goqu.C(col))
	}
	selectCols = append(selectCols, goqu.C(ColAction), goqu.C(ColDatetime), goqu.C(ColID))

	query, args, err := Dialect.From(c.LogTable()).
		Select(selectCols...).
		Where(goqu.C(ColStatus).Eq(StatusPending)).
		Order(goqu.C(ColDatetime).Asc()).
		Limit(uint(limit)).
		Prepared(true).ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := c.pool.DB.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []LogRow
	for rows.Next() {
		values := make([]any, len(c.columns)+3)
		ptrs := make([]any, len(values))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			// Malformed row: log and skip, the rest of the batch proceeds.
			log.Error().Err(err).Str("table", c.table).Msg("Skipping unreadable log row")
			continue
		}

		row := LogRow{Data: make(map[string]any, len(c.columns))}
		for i, col := range c.columns {
			row.Data[strings.ToLower(col)] = normalizeValue(values[i])
		}

		n := len(c.columns)
		row.Action, _ = normalizeValue(values[n]).(string)
		if ts, ok := values[n+1].(time.Time); ok {
			row.CapturedAt = ts
		}
		switch id := values[n+2].(type) {
		case int64:
			row.ID = id
		case uint64:
			row.ID = int64(id)
		}

		result = append(result, row)
	}
	return result, rows.Err()
}

// MarkDispatching moves the given rows from pending to dispatching before
// their envelopes are handed to the cache.
func (c *ChangeLog) MarkDispatching(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	query, args, err := Dialect.Update(c.LogTable()).
		Set(goqu.Record{ColStatus: StatusDispatching}).
		Where(goqu.C(ColID).In(ids)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = c.pool.DB.ExecContext(opCtx, query, args...)
	return err
}

// DeleteRows removes specific rows; used for suppressed touch rows that are
// never delivered.
func (c *ChangeLog) DeleteRows(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	query, args, err := Dialect.Delete(c.LogTable()).
		Where(goqu.C(ColID).In(ids)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	_, err = c.pool.DB.ExecContext(opCtx, query, args...)
	return err
}

// Confirm marks a dispatched row delivered; the next capture cycle sweeps it.
func (c *ChangeLog) Confirm(ctx context.Context, id int64) error {
	return c.settle(ctx, id, StatusConfirmed)
}

// Requeue returns a dispatched row to pending after a failed publish.
func (c *ChangeLog) Requeue(ctx context.Context, id int64) error {
	return c.settle(ctx, id, StatusPending)
}

func (c *ChangeLog) settle(ctx context.Context, id int64, status int) error {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	query, args, err := settleStatusSQL(c.LogTable(), id, status)
	if err != nil {
		return err
	}
	_, err = c.pool.DB.ExecContext(opCtx, query, args...)
	return err
}

// settleStatusSQL builds the guarded status transition for one dispatched
// row. The dispatching guard keeps a late publish outcome from touching a
// row that the recovery sweep or a later capture already moved on; in
// particular a confirmed row never drops back to pending.
func settleStatusSQL(logTable string, id int64, status int) (string, []any, error) {
	return Dialect.Update(logTable).
		Set(goqu.Record{ColStatus: status}).
		Where(goqu.C(ColID).Eq(id), goqu.C(ColStatus).Eq(StatusDispatching)).
		Prepared(true).ToSQL()
}

// normalizeValue converts driver values to envelope-friendly types; []byte
// comes back for text columns and must not be emitted as base64.
func normalizeValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

func quoteColumns(columns []string) string {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = "`" + c + "`"
	}
	return strings.Join(quoted, ",")
}
