package cfg

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "envoy.toml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0644))
	return p
}

func resetConfig() {
	Config = &Configuration{
		Environment: "p",
		Database: DatabaseConfiguration{
			Host: "127.0.0.1", Port: 3306,
			ConnectTimeout: 15, QueryTimeout: 300, MaxOpenConns: 8, RetryAfter: 30,
		},
		Broker: BrokerConfiguration{
			URL:             "nats://127.0.0.1:4222",
			SyncSubject:     "envoy.cud",
			InboundSubject:  "bridge.cud",
			ControlSubject:  "envoy.control",
			ResponseSubject: "envoy.control.response",
			StreamName:      "ENVOY",
			DurablePrefix:   "envoy",
		},
		Capture: CaptureConfiguration{PollIntervalSeconds: 10, SweepIntervalSeconds: 5, BatchSize: 10},
		Export:  ExportConfiguration{Format: "csv"},
		Logging: LoggingConfiguration{Format: "console"},
	}
}

func TestLoadCanonicalizesTableNames(t *testing.T) {
	resetConfig()
	p := writeConfig(t, `
customer = "acme"

[database]
name = "cpr"
username = "envoy"

[tables]
hr = ["MRN", "FIRST_NAME"]
pronotes = []

[ignore_fields.hr]
fields = ["touchdate"]
pk = "MRN"
send_touch = false
`)
	require.NoError(t, Load(p))

	_, ok := Config.Tables["HR"]
	assert.True(t, ok, "table names should be upper-cased")
	_, ok = Config.Tables["PRONOTES"]
	assert.True(t, ok)
	_, ok = Config.IgnoreFields["HR"]
	assert.True(t, ok, "ignore_fields keys should follow table canonicalization")

	assert.ElementsMatch(t, []string{"HR", "PRONOTES"}, Config.TableOrder,
		"table order defaults to configured tables")

	require.NoError(t, Validate())
}

func TestValidateRejectsMissingCustomer(t *testing.T) {
	resetConfig()
	Config.Tables = map[string][]string{"HR": nil}
	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "customer")
}

func TestValidateRejectsUnknownIgnoreTable(t *testing.T) {
	resetConfig()
	Config.Customer = "acme"
	Config.Database.Name = "cpr"
	Config.Database.Username = "envoy"
	Config.Tables = map[string][]string{"HR": nil}
	Config.TableOrder = []string{"HR"}
	Config.IgnoreFields = map[string]IgnoreFields{
		"OT": {Fields: []string{"touchdate"}},
	}
	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table")
}

func TestValidateRejectsBadExportFormat(t *testing.T) {
	resetConfig()
	Config.Customer = "acme"
	Config.Database.Name = "cpr"
	Config.Database.Username = "envoy"
	Config.Tables = map[string][]string{"HR": nil}
	Config.Export.Format = "xml"
	err := Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "export format")
}

func TestDSNIncludesDatabase(t *testing.T) {
	resetConfig()
	Config.Database.Username = "envoy"
	Config.Database.Password = "secret"
	Config.Database.Name = "cpr"
	dsn := DSN()
	assert.Contains(t, dsn, "envoy:secret@tcp(127.0.0.1:3306)/cpr")
	assert.Contains(t, dsn, "parseTime=true")
	assert.Contains(t, dsn, "multiStatements=true")
}

func TestCCE(t *testing.T) {
	resetConfig()
	Config.Customer = "ACME"
	Config.Environment = "P"
	assert.Equal(t, "acmep", CCE())
}
