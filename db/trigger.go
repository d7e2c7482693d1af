package db

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// Inbound writes set @envoy_apply for the duration of their transaction; the
// triggers skip logging when the marker is present so applied changes never
// echo back to their origin.
const ApplyMarker = "@envoy_apply"

// TriggerName returns the capture trigger name for a table and event suffix
// (ins, upd, del).
func TriggerName(table, event string) string {
	return fmt.Sprintf("%s%s_data_change_trigger_%s", artifactPrefix, strings.ToLower(table), event)
}

// InsertTriggerDDL builds the AFTER INSERT capture trigger.
func InsertTriggerDDL(table string, columns []string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER `%s` AFTER INSERT ON `%s` FOR EACH ROW\n"+
			"BEGIN\n"+
			"  IF %s IS NULL THEN\n"+
			"    INSERT INTO `%s` (%s, %s) VALUES (%s, 'insert');\n"+
			"  END IF;\n"+
			"END",
		TriggerName(table, "ins"), table,
		ApplyMarker,
		LogTableName(table), quoteColumns(columns), ColAction, rowValues("NEW", columns))
}

// UpdateTriggerDDL builds the AFTER UPDATE capture trigger. When an ignore
// spec covers the table, updates touching only ignored columns are classified
// as 'touch' instead of 'update'.
func UpdateTriggerDDL(table string, columns []string, ignore *IgnoreSpec) string {
	action := "'update'"
	body := ""
	if ignore != nil && len(ignore.Fields) > 0 {
		var changed []string
		for _, col := range columns {
			if ignore.Ignored(col) {
				continue
			}
			// <=> is null-safe equality, so NULL transitions count as changes.
			changed = append(changed, fmt.Sprintf("NOT (NEW.`%s` <=> OLD.`%s`)", col, col))
		}
		if len(changed) > 0 {
			action = "@envoy_action"
			body = fmt.Sprintf(
				"    SET @envoy_action = 'update';\n"+
					"    IF NOT (%s) THEN\n"+
					"      SET @envoy_action = 'touch';\n"+
					"    END IF;\n",
				strings.Join(changed, " OR "))
		} else {
			// Every captured column is ignored; any update is a touch.
			action = "'touch'"
		}
	}

	return fmt.Sprintf(
		"CREATE TRIGGER `%s` AFTER UPDATE ON `%s` FOR EACH ROW\n"+
			"BEGIN\n"+
			"  IF %s IS NULL THEN\n"+
			"%s"+
			"    INSERT INTO `%s` (%s, %s) VALUES (%s, %s);\n"+
			"  END IF;\n"+
			"END",
		TriggerName(table, "upd"), table,
		ApplyMarker,
		body,
		LogTableName(table), quoteColumns(columns), ColAction, rowValues("NEW", columns), action)
}

// DeleteTriggerDDL builds the AFTER DELETE capture trigger; values come from
// the OLD row image.
func DeleteTriggerDDL(table string, columns []string) string {
	return fmt.Sprintf(
		"CREATE TRIGGER `%s` AFTER DELETE ON `%s` FOR EACH ROW\n"+
			"BEGIN\n"+
			"  IF %s IS NULL THEN\n"+
			"    INSERT INTO `%s` (%s, %s) VALUES (%s, 'delete');\n"+
			"  END IF;\n"+
			"END",
		TriggerName(table, "del"), table,
		ApplyMarker,
		LogTableName(table), quoteColumns(columns), ColAction, rowValues("OLD", columns))
}

// EnsureTriggers recreates the capture trigger trio so a changed ignore list
// or column set takes effect on restart. MySQL has no trigger alteration, so
// drop-and-create is the idempotent path.
func (c *ChangeLog) EnsureTriggers(ctx context.Context) error {
	ddls := map[string]string{
		"ins": InsertTriggerDDL(c.table, c.columns),
		"upd": UpdateTriggerDDL(c.table, c.columns, c.ignore),
		"del": DeleteTriggerDDL(c.table, c.columns),
	}

	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	for event, ddl := range ddls {
		name := TriggerName(c.table, event)
		if _, err := c.pool.DB.ExecContext(opCtx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS `%s`", name)); err != nil {
			return fmt.Errorf("drop trigger %s: %w", name, err)
		}
		if _, err := c.pool.DB.ExecContext(opCtx, ddl); err != nil {
			return fmt.Errorf("create trigger %s: %w", name, err)
		}
		log.Debug().Str("trigger", name).Msg("Capture trigger installed")
	}
	return nil
}

// DropArtifacts removes the trigger trio and shadow table for one monitored
// table; used by cleanup and reconfiguration.
func (c *ChangeLog) DropArtifacts(ctx context.Context) error {
	opCtx, cancel := c.pool.opCtx(ctx)
	defer cancel()

	for _, event := range []string{"ins", "upd", "del"} {
		name := TriggerName(c.table, event)
		if _, err := c.pool.DB.ExecContext(opCtx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS `%s`", name)); err != nil {
			return fmt.Errorf("drop trigger %s: %w", name, err)
		}
	}
	if _, err := c.pool.DB.ExecContext(opCtx,
		fmt.Sprintf("DROP TABLE IF EXISTS `%s`", c.LogTable())); err != nil {
		return fmt.Errorf("drop log table %s: %w", c.LogTable(), err)
	}
	return nil
}

// DropAllArtifacts removes every capture trigger and shadow table in the
// schema, including ones left behind by tables no longer monitored.
func DropAllArtifacts(ctx context.Context, pool *Pool, schema string) error {
	opCtx, cancel := pool.opCtx(ctx)
	defer cancel()

	rows, err := pool.DB.QueryContext(opCtx,
		"SELECT trigger_name FROM information_schema.triggers "+
			"WHERE trigger_schema = ? AND trigger_name LIKE 'envoy\\_%'", schema)
	if err != nil {
		return err
	}
	var triggers []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		triggers = append(triggers, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range triggers {
		if _, err := pool.DB.ExecContext(opCtx,
			fmt.Sprintf("DROP TRIGGER IF EXISTS `%s`", name)); err != nil {
			return err
		}
		log.Info().Str("trigger", name).Msg("Dropped capture trigger")
	}

	rows, err = pool.DB.QueryContext(opCtx,
		"SELECT table_name FROM information_schema.tables "+
			"WHERE table_schema = ? AND table_name LIKE 'envoy\\_%\\_logs'", schema)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, name := range tables {
		if _, err := pool.DB.ExecContext(opCtx,
			fmt.Sprintf("DROP TABLE IF EXISTS `%s`", name)); err != nil {
			return err
		}
		log.Info().Str("table", name).Msg("Dropped log table")
	}
	return nil
}

func rowValues(image string, columns []string) string {
	parts := make([]string, len(columns))
	for i, c := range columns {
		parts[i] = fmt.Sprintf("%s.`%s`", image, c)
	}
	return strings.Join(parts, ", ")
}
