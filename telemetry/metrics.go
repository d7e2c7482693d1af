package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// QueryBuckets for single-statement database operations
	QueryBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// CycleBuckets for capture and dispatch cycle durations
	CycleBuckets = []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30}
)

// Capture Metrics
var (
	// RowsCaptured counts rows read from the change logs by table and action
	RowsCaptured CounterVec = noopCounterVec{}

	// TouchesSuppressed counts touch rows discarded instead of delivered
	TouchesSuppressed CounterVec = noopCounterVec{}

	// CaptureCycleSeconds measures one full poll cycle per table
	CaptureCycleSeconds Histogram = NoopStat{}

	// StalledResetsTotal counts recovery sweeps that reset stuck rows
	StalledResetsTotal Counter = NoopStat{}
)

// Dispatch Metrics
var (
	// EnvelopesPublished counts outbound publishes by result (success, failed)
	EnvelopesPublished CounterVec = noopCounterVec{}

	// PublishSeconds measures broker publish-and-confirm latency
	PublishSeconds Histogram = NoopStat{}

	// CacheEntries tracks entries waiting in the pending cache
	CacheEntries Gauge = NoopStat{}
)

// Apply Metrics
var (
	// ChangesApplied counts inbound changes by action and result
	// (success, conflict, rejected, failed)
	ChangesApplied CounterVec = noopCounterVec{}

	// ConflictsTotal counts optimistic concurrency rejections
	ConflictsTotal Counter = NoopStat{}

	// ApplySeconds measures one inbound change end to end
	ApplySeconds Histogram = NoopStat{}

	// RedeliveriesTotal counts messages returned to the stream after a
	// transient failure
	RedeliveriesTotal Counter = NoopStat{}
)

// Command Metrics
var (
	// CommandsTotal counts admin commands by kind and result
	CommandsTotal CounterVec = noopCounterVec{}

	// ExportSeconds measures dump generation time
	ExportSeconds Histogram = NoopStat{}
)

// Health Metrics
var (
	// BrokerConnected reports broker connectivity (1=up, 0=down)
	BrokerConnected Gauge = NoopStat{}

	// DatabaseReachable reports database connectivity (1=up, 0=down)
	DatabaseReachable Gauge = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Capture Metrics
	RowsCaptured = NewCounterVec(
		"rows_captured_total",
		"Rows read from change logs by table and action",
		[]string{"table", "action"},
	)
	TouchesSuppressed = NewCounterVec(
		"touches_suppressed_total",
		"Touch rows discarded instead of delivered",
		[]string{"table"},
	)
	CaptureCycleSeconds = NewHistogram(
		"capture_cycle_seconds",
		"Duration of one capture poll cycle",
		CycleBuckets,
	)
	StalledResetsTotal = NewCounter(
		"stalled_resets_total",
		"Recovery sweeps that reset stuck dispatching rows",
	)

	// Dispatch Metrics
	EnvelopesPublished = NewCounterVec(
		"envelopes_published_total",
		"Outbound envelope publishes by result",
		[]string{"result"},
	)
	PublishSeconds = NewHistogram(
		"publish_seconds",
		"Broker publish-and-confirm latency",
		QueryBuckets,
	)
	CacheEntries = NewGauge(
		"cache_entries",
		"Entries waiting in the pending cache",
	)

	// Apply Metrics
	ChangesApplied = NewCounterVec(
		"changes_applied_total",
		"Inbound changes by action and result",
		[]string{"action", "result"},
	)
	ConflictsTotal = NewCounter(
		"conflicts_total",
		"Inbound updates rejected by the concurrency check",
	)
	ApplySeconds = NewHistogram(
		"apply_seconds",
		"Duration of one inbound change application",
		QueryBuckets,
	)
	RedeliveriesTotal = NewCounter(
		"redeliveries_total",
		"Messages returned to the stream after transient failures",
	)

	// Command Metrics
	CommandsTotal = NewCounterVec(
		"commands_total",
		"Admin commands by kind and result",
		[]string{"command", "result"},
	)
	ExportSeconds = NewHistogram(
		"export_seconds",
		"Dump generation time",
		CycleBuckets,
	)

	// Health Metrics
	BrokerConnected = NewGauge(
		"broker_connected",
		"Broker connectivity (1=up, 0=down)",
	)
	DatabaseReachable = NewGauge(
		"database_reachable",
		"Database connectivity (1=up, 0=down)",
	)
}
