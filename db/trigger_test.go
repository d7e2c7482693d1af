package db

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertTriggerDDL(t *testing.T) {
	ddl := InsertTriggerDDL("HR", []string{"id", "name"})

	assert.Contains(t, ddl, "CREATE TRIGGER `envoy_hr_data_change_trigger_ins` AFTER INSERT ON `HR`")
	assert.Contains(t, ddl, "IF @envoy_apply IS NULL THEN")
	assert.Contains(t, ddl, "INSERT INTO `envoy_hr_logs` (`id`,`name`, envoy_action)")
	assert.Contains(t, ddl, "VALUES (NEW.`id`, NEW.`name`, 'insert')")
}

func TestDeleteTriggerDDLReadsOldImage(t *testing.T) {
	ddl := DeleteTriggerDDL("HR", []string{"id", "name"})

	assert.Contains(t, ddl, "AFTER DELETE ON `HR`")
	assert.Contains(t, ddl, "VALUES (OLD.`id`, OLD.`name`, 'delete')")
	assert.NotContains(t, ddl, "NEW.")
}

func TestUpdateTriggerDDLWithoutIgnoreSpec(t *testing.T) {
	ddl := UpdateTriggerDDL("HR", []string{"id", "name"}, nil)

	assert.Contains(t, ddl, "AFTER UPDATE ON `HR`")
	assert.Contains(t, ddl, "'update'")
	assert.NotContains(t, ddl, "touch")
}

func TestUpdateTriggerDDLClassifiesTouch(t *testing.T) {
	ignore := &IgnoreSpec{Fields: []string{"login_count", "last_login"}, PK: "id"}
	ddl := UpdateTriggerDDL("HR", []string{"id", "name", "login_count", "last_login"}, ignore)

	// Only the non-ignored columns participate in the change detection.
	assert.Contains(t, ddl, "NOT (NEW.`id` <=> OLD.`id`)")
	assert.Contains(t, ddl, "NOT (NEW.`name` <=> OLD.`name`)")
	assert.NotContains(t, ddl, "NEW.`login_count` <=> OLD.`login_count`")
	assert.Contains(t, ddl, "SET @envoy_action = 'touch'")
	// All columns, ignored included, are still captured into the log row.
	assert.Contains(t, ddl, "NEW.`login_count`")
}

func TestUpdateTriggerDDLAllColumnsIgnored(t *testing.T) {
	ignore := &IgnoreSpec{Fields: []string{"a", "b"}, PK: "a"}
	ddl := UpdateTriggerDDL("T", []string{"a", "b"}, ignore)

	assert.NotContains(t, ddl, "@envoy_action")
	assert.Contains(t, ddl, "'touch'")
}

func TestTriggerAndLogTableNames(t *testing.T) {
	assert.Equal(t, "envoy_orders_data_change_trigger_upd", TriggerName("ORDERS", "upd"))
	assert.Equal(t, "envoy_orders_logs", LogTableName("ORDERS"))
}

func TestIgnoreSpecIgnoredIsCaseInsensitive(t *testing.T) {
	spec := &IgnoreSpec{Fields: []string{"Touchdate"}}

	require.True(t, spec.Ignored("touchdate"))
	require.True(t, spec.Ignored("TOUCHDATE"))
	require.False(t, spec.Ignored("name"))
}

func TestTriggerDDLHasNoDelimiterCommands(t *testing.T) {
	// DDL is sent through the driver, not the mysql client, so it must not
	// carry client-side DELIMITER directives.
	for _, ddl := range []string{
		InsertTriggerDDL("t", []string{"a"}),
		UpdateTriggerDDL("t", []string{"a"}, nil),
		DeleteTriggerDDL("t", []string{"a"}),
	} {
		assert.False(t, strings.Contains(ddl, "DELIMITER"))
	}
}
