package db

import (
	"context"
	"strings"
)

// TableExists checks information_schema for the table in the current database.
func (p *Pool) TableExists(ctx context.Context, table string) (bool, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	var count int
	err := p.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables
		 WHERE table_schema = DATABASE() AND table_name = ?`, table).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Columns returns the table's column names in ordinal order.
func (p *Pool) Columns(ctx context.Context, table string) ([]string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.DB.QueryContext(ctx,
		`SELECT column_name FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?
		 ORDER BY ordinal_position`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols = append(cols, name)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, ErrNoSuchTable{Table: table}
	}
	return cols, nil
}

// PrimaryKey returns the first primary-key column of the table, or "" when
// the table has no primary key.
func (p *Pool) PrimaryKey(ctx context.Context, table string) (string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.DB.QueryContext(ctx,
		`SELECT column_name FROM information_schema.key_column_usage
		 WHERE table_schema = DATABASE() AND table_name = ?
		   AND constraint_name = 'PRIMARY'
		 ORDER BY ordinal_position LIMIT 1`, table)
	if err != nil {
		return "", err
	}
	defer rows.Close()

	if rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return "", err
		}
		return name, nil
	}
	return "", rows.Err()
}

// FieldTypes returns column name -> coarse type class for the table,
// restricted to wanted columns when wanted is non-empty. Keys are lower-cased
// to match the schema envelope contract.
func (p *Pool) FieldTypes(ctx context.Context, table string, wanted []string) (map[string]string, error) {
	ctx, cancel := p.opCtx(ctx)
	defer cancel()

	rows, err := p.DB.QueryContext(ctx,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = DATABASE() AND table_name = ?`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keep := map[string]bool{}
	for _, c := range wanted {
		keep[strings.ToLower(c)] = true
	}

	fields := map[string]string{}
	for rows.Next() {
		var name, dataType string
		if err := rows.Scan(&name, &dataType); err != nil {
			return nil, err
		}
		name = strings.ToLower(name)
		if len(keep) > 0 && !keep[name] {
			continue
		}
		fields[name] = TypeClass(dataType)
	}
	return fields, rows.Err()
}

// TypeClass folds a native column type into the coarse class vocabulary the
// peer understands.
func TypeClass(dataType string) string {
	switch strings.ToLower(dataType) {
	case "bigint", "bit", "int", "smallint", "tinyint", "mediumint":
		return "integer"
	case "numeric", "decimal", "float", "double", "real":
		return "decimal"
	case "datetime", "datetimeoffset", "smalldatetime":
		return "datetime"
	case "date":
		return "date"
	case "time":
		return "time"
	case "timestamp":
		return "timestamp"
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext", "enum", "set":
		return "text"
	case "binary", "varbinary", "blob", "tinyblob", "mediumblob", "longblob":
		return "binary"
	default:
		return "unknown"
	}
}
