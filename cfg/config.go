package cfg

import (
	"flag"
	"fmt"
	"os"
	"path"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-sql-driver/mysql"
	"github.com/rs/zerolog/log"
)

// IgnoreFields configures touch detection for one table: updates that only
// change the listed columns are logged as "touch" instead of "update".
type IgnoreFields struct {
	Fields    []string `toml:"fields"`
	PK        string   `toml:"pk"`
	SendTouch bool     `toml:"send_touch"`
}

// DatabaseConfiguration for the monitored MySQL database
type DatabaseConfiguration struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Name           string `toml:"name"`
	Username       string `toml:"username"`
	Password       string `toml:"password"`
	ConnectTimeout int    `toml:"connect_timeout_seconds"`
	QueryTimeout   int    `toml:"query_timeout_seconds"`
	MaxOpenConns   int    `toml:"max_open_conns"`
	RetryAfter     int    `toml:"retry_after_seconds"` // backoff when the DB is unreachable at boot
}

// BrokerConfiguration for the NATS JetStream peer link
type BrokerConfiguration struct {
	URL             string `toml:"url"`
	SyncSubject     string `toml:"sync_subject"`     // outbound change envelopes
	InboundSubject  string `toml:"inbound_subject"`  // peer sync commands
	ControlSubject  string `toml:"control_subject"`  // admin commands
	ResponseSubject string `toml:"response_subject"` // command responses (pong, url notices)
	StreamName      string `toml:"stream_name"`
	DurablePrefix   string `toml:"durable_prefix"`
}

// CaptureConfiguration controls the per-table change monitors
type CaptureConfiguration struct {
	PollIntervalSeconds  int  `toml:"poll_interval_seconds"`
	SweepIntervalSeconds int  `toml:"sweep_interval_seconds"`
	BatchSize            int  `toml:"batch_size"`
	CleanupOnRestart     bool `toml:"cleanup_on_restart"` // truncate log tables at startup
}

// ExportConfiguration controls table dumps and run_query exports
type ExportConfiguration struct {
	Dir            string              `toml:"dir"` // empty = os.TempDir
	Format         string              `toml:"format"`
	ExcludeColumns map[string][]string `toml:"exclude_columns"`
}

// StatusConfiguration for the diagnostics HTTP endpoint
type StatusConfiguration struct {
	Enabled bool   `toml:"enabled"`
	Address string `toml:"address"`
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// Configuration is the main configuration structure
type Configuration struct {
	Customer     string `toml:"customer"`
	Environment  string `toml:"environment"`
	ConfigURL    string `toml:"config_url"`   // remote source this file was fetched from
	Bootstrapped bool   `toml:"bootstrapped"` // schema+data already pushed once

	// Monitored tables: table name -> captured columns (empty = all columns).
	Tables map[string][]string `toml:"tables"`
	// Full-sync order; defaults to the map keys when absent.
	TableOrder []string `toml:"table_order"`

	IgnoreFields map[string]IgnoreFields      `toml:"ignore_fields"`
	FieldAliases map[string]map[string]string `toml:"field_aliases"`

	Database DatabaseConfiguration `toml:"database"`
	Broker   BrokerConfiguration   `toml:"broker"`
	Capture  CaptureConfiguration  `toml:"capture"`
	Export   ExportConfiguration   `toml:"export"`
	Status   StatusConfiguration   `toml:"status"`
	Logging  LoggingConfiguration  `toml:"logging"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "envoy.toml", "Path to configuration file")
	CleanupFlag    = flag.Bool("cleanup", false, "Drop all envoy triggers and log tables, then exit")
	VerboseFlag    = flag.Bool("verbose", false, "Verbose logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	Customer:    "",
	Environment: "p",

	Database: DatabaseConfiguration{
		Host:           "127.0.0.1",
		Port:           3306,
		ConnectTimeout: 15,
		QueryTimeout:   300,
		MaxOpenConns:   8,
		RetryAfter:     30,
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

	Capture: CaptureConfiguration{
		PollIntervalSeconds:  10,
		SweepIntervalSeconds: 5,
		BatchSize:            10,
		CleanupOnRestart:     false,
	},

	Export: ExportConfiguration{
		Format: "csv",
	},

	Status: StatusConfiguration{
		Enabled: true,
		Address: "127.0.0.1:9410",
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Table names are matched case-insensitively everywhere; canonicalize once.
	tables := make(map[string][]string, len(Config.Tables))
	for name, cols := range Config.Tables {
		tables[strings.ToUpper(name)] = cols
	}
	Config.Tables = tables

	if len(Config.TableOrder) == 0 {
		for name := range Config.Tables {
			Config.TableOrder = append(Config.TableOrder, name)
		}
	} else {
		for i, name := range Config.TableOrder {
			Config.TableOrder[i] = strings.ToUpper(name)
		}
	}

	ignore := make(map[string]IgnoreFields, len(Config.IgnoreFields))
	for name, f := range Config.IgnoreFields {
		ignore[strings.ToUpper(name)] = f
	}
	Config.IgnoreFields = ignore

	aliases := make(map[string]map[string]string, len(Config.FieldAliases))
	for name, m := range Config.FieldAliases {
		aliases[strings.ToUpper(name)] = m
	}
	Config.FieldAliases = aliases

	exclude := make(map[string][]string, len(Config.Export.ExcludeColumns))
	for name, cols := range Config.Export.ExcludeColumns {
		exclude[strings.ToUpper(name)] = cols
	}
	Config.Export.ExcludeColumns = exclude

	return nil
}

// Validate checks configuration for errors. A failure here is fatal: the
// service must not run with a partial config.
func Validate() error {
	if Config.Customer == "" {
		return fmt.Errorf("customer code is required")
	}

	if len(Config.Tables) == 0 {
		return fmt.Errorf("no tables configured")
	}

	if Config.Database.Name == "" {
		return fmt.Errorf("database name is required")
	}

	if Config.Database.Username == "" {
		return fmt.Errorf("database username is required")
	}

	if Config.Broker.URL == "" {
		return fmt.Errorf("broker url is required")
	}

	for _, subject := range []string{
		Config.Broker.SyncSubject,
		Config.Broker.InboundSubject,
		Config.Broker.ControlSubject,
		Config.Broker.ResponseSubject,
	} {
		if subject == "" {
			return fmt.Errorf("broker subjects must all be set")
		}
	}

	if Config.Capture.PollIntervalSeconds < 1 {
		return fmt.Errorf("capture poll interval must be >= 1 second")
	}

	if Config.Capture.SweepIntervalSeconds < 1 {
		return fmt.Errorf("capture sweep interval must be >= 1 second")
	}

	if Config.Capture.BatchSize < 1 {
		return fmt.Errorf("capture batch size must be >= 1")
	}

	if f := Config.Export.Format; f != "csv" && f != "json" {
		return fmt.Errorf("invalid export format: %s", f)
	}

	for table, ig := range Config.IgnoreFields {
		if _, ok := Config.Tables[table]; !ok {
			return fmt.Errorf("ignore_fields references unknown table %s", table)
		}
		if len(ig.Fields) == 0 {
			return fmt.Errorf("ignore_fields for table %s has no fields", table)
		}
	}

	for _, table := range Config.TableOrder {
		if _, ok := Config.Tables[table]; !ok {
			return fmt.Errorf("table_order references unknown table %s", table)
		}
	}

	return nil
}

// CCE returns the lower-cased customer-code+environment tag used in
// export paths and response routing.
func CCE() string {
	return strings.ToLower(Config.Customer + Config.Environment)
}

// DSN builds the MySQL connection string for the configured database.
func DSN() string {
	mc := mysql.NewConfig()
	mc.User = Config.Database.Username
	mc.Passwd = Config.Database.Password
	mc.Net = "tcp"
	mc.Addr = fmt.Sprintf("%s:%d", Config.Database.Host, Config.Database.Port)
	mc.DBName = Config.Database.Name
	mc.ParseTime = true
	mc.MultiStatements = true
	mc.Timeout = time.Duration(Config.Database.ConnectTimeout) * time.Second
	return mc.FormatDSN()
}

// ExportDir returns the directory export files are written to.
func ExportDir() string {
	if Config.Export.Dir != "" {
		return Config.Export.Dir
	}
	return os.TempDir()
}

// SaveBootstrapped persists the bootstrapped marker next to the config file
// so schema+data push happens only on the first successful start.
func SaveBootstrapped(configPath string) error {
	Config.Bootstrapped = true
	f, err := os.Create(markerPath(configPath))
	if err != nil {
		return err
	}
	return f.Close()
}

// LoadBootstrapped reads the marker written by SaveBootstrapped.
func LoadBootstrapped(configPath string) bool {
	if Config.Bootstrapped {
		return true
	}
	_, err := os.Stat(markerPath(configPath))
	return err == nil
}

// SaveConfigURL records the remote config location announced by a config
// command; the supervisor restart picks it up.
func SaveConfigURL(configPath, url string) error {
	Config.ConfigURL = url
	f, err := os.Create(markerPath(configPath) + ".url")
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(url + "\n")
	return err
}

func markerPath(configPath string) string {
	dir := path.Dir(configPath)
	return path.Join(dir, ".envoy-bootstrapped")
}
