package db

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
)

// TouchColumn is probed before inbound updates for optimistic concurrency.
// Tables without it skip the conflict check.
const TouchColumn = "touchdate"

// ErrValueNotFound reports an inbound update whose predicate matched no row
// and which was not allowed to fall back to insert.
type ErrValueNotFound struct {
	Table string
	Key   string
	Value any
}

func (e ErrValueNotFound) Error() string {
	return fmt.Sprintf("%s: no row with %s = %v", e.Table, e.Key, e.Value)
}

// keyPredicate builds the row-selection expression. A string value wrapped in
// % markers selects LIKE matching, anything else exact equality.
func keyPredicate(key string, value any) exp.Expression {
	if s, ok := value.(string); ok && len(s) >= 2 &&
		strings.HasPrefix(s, "%") && strings.HasSuffix(s, "%") {
		return goqu.C(key).Like(s)
	}
	return goqu.C(key).Eq(value)
}

// withSuppressedTx runs fn in a transaction with the apply marker set on the
// connection, so capture triggers stay silent for the writes inside. The
// marker is always cleared before the connection returns to the pool.
func (p *Pool) withSuppressedTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	conn, err := p.DB.Conn(opCtx)
	if err != nil {
		return err
	}
	defer conn.Close()

	if _, err := conn.ExecContext(opCtx, "SET "+ApplyMarker+" = 1"); err != nil {
		return fmt.Errorf("set apply marker: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SET "+ApplyMarker+" = NULL")
	}()

	tx, err := conn.BeginTx(opCtx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ApplyInsert writes an inbound insert without echoing into the change log.
func (p *Pool) ApplyInsert(ctx context.Context, table string, data map[string]any) error {
	query, args, err := Dialect.Insert(table).
		Rows(goqu.Record(data)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return p.withSuppressedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// ApplyUpdate writes an inbound update to the row selected by key/value.
// When no row matches: with upsert the data is inserted instead, otherwise
// ErrValueNotFound is returned.
func (p *Pool) ApplyUpdate(ctx context.Context, table string, data map[string]any, key string, value any, upsert bool) error {
	query, args, err := Dialect.Update(table).
		Set(goqu.Record(data)).
		Where(keyPredicate(key, value)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}

	return p.withSuppressedTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected > 0 {
			return nil
		}

		if !upsert {
			return ErrValueNotFound{Table: table, Key: key, Value: value}
		}

		insQuery, insArgs, err := Dialect.Insert(table).
			Rows(goqu.Record(data)).
			Prepared(true).ToSQL()
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, insQuery, insArgs...)
		return err
	})
}

// ApplyDelete removes the rows selected by key/value without echoing into
// the change log.
func (p *Pool) ApplyDelete(ctx context.Context, table string, key string, value any) error {
	query, args, err := Dialect.Delete(table).
		Where(keyPredicate(key, value)).
		Prepared(true).ToSQL()
	if err != nil {
		return err
	}
	return p.withSuppressedTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, query, args...)
		return err
	})
}

// TouchTimestamp reads the stored touch timestamp for the row selected by
// key/value. ok is false when the table has no touch column or no row
// matches, in which case the caller skips the conflict check.
func (p *Pool) TouchTimestamp(ctx context.Context, table string, key string, value any) (ts time.Time, ok bool, err error) {
	query, args, err := Dialect.From(table).
		Select(goqu.C(TouchColumn)).
		Where(keyPredicate(key, value)).
		Limit(1).
		Prepared(true).ToSQL()
	if err != nil {
		return time.Time{}, false, err
	}

	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	var stored sql.NullTime
	err = p.DB.QueryRowContext(opCtx, query, args...).Scan(&stored)
	switch {
	case err == sql.ErrNoRows:
		return time.Time{}, false, nil
	case IsUnknownColumn(err):
		return time.Time{}, false, nil
	case err != nil:
		return time.Time{}, false, err
	}
	if !stored.Valid {
		return time.Time{}, false, nil
	}
	return stored.Time, true, nil
}

// QueryMaps runs an arbitrary select and returns rows as lower-cased
// column-keyed maps; used by the query, count, and dump admin operations.
func (p *Pool) QueryMaps(ctx context.Context, query string, args ...any) ([]map[string]any, error) {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.DB.QueryContext(opCtx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	var result []map[string]any
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			row[strings.ToLower(col)] = normalizeValue(values[i])
		}
		result = append(result, row)
	}
	return result, rows.Err()
}

// CountWhere counts rows in table, optionally restricted by a raw WHERE
// fragment supplied by an admin command.
func (p *Pool) CountWhere(ctx context.Context, table string, where string) (int64, error) {
	opCtx, cancel := p.opCtx(ctx)
	defer cancel()

	query := fmt.Sprintf("SELECT COUNT(*) FROM `%s`", table)
	if where != "" {
		query += " WHERE " + where
	}
	var count int64
	err := p.DB.QueryRowContext(opCtx, query).Scan(&count)
	return count, err
}
