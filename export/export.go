// Package export renders table contents to compressed dump files and hands
// them to an Uploader for retrieval by the peer.
package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog/log"

	"github.com/openhme/envoy/cfg"
	"github.com/openhme/envoy/db"
	"github.com/openhme/envoy/telemetry"
)

// Supported dump formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
)

// Uploader moves a finished dump file to wherever the peer fetches it from
// and returns the location to report back.
type Uploader interface {
	Upload(ctx context.Context, localPath string) (string, error)
}

// Options narrows one dump request.
type Options struct {
	Where          string // raw predicate fragment from the admin command
	ExcludeColumns []string
	Format         string // FormatCSV or FormatJSON; empty means configured default
}

// Dumper produces table dumps.
type Dumper struct {
	pool     *db.Pool
	uploader Uploader
}

func NewDumper(pool *db.Pool, uploader Uploader) *Dumper {
	return &Dumper{pool: pool, uploader: uploader}
}

// DumpTable exports one table to a gzipped dump and uploads it. Returns the
// uploaded location and the number of rows written.
func (d *Dumper) DumpTable(ctx context.Context, table string, columns []string, opts Options) (string, int, error) {
	start := time.Now()
	defer func() {
		telemetry.ExportSeconds.Observe(time.Since(start).Seconds())
	}()

	format := strings.ToLower(opts.Format)
	if format == "" {
		format = cfg.Config.Export.Format
	}
	if format != FormatCSV && format != FormatJSON {
		return "", 0, fmt.Errorf("unsupported dump format %q", format)
	}

	kept := keepColumns(columns, append(opts.ExcludeColumns, cfg.Config.Export.ExcludeColumns[table]...))
	if len(kept) == 0 {
		return "", 0, fmt.Errorf("dump of %s excludes every column", table)
	}

	rows, err := d.fetch(ctx, table, kept, opts.Where)
	if err != nil {
		return "", 0, err
	}

	name := fmt.Sprintf("%s_%s_%s.%s.gz",
		cfg.CCE(), strings.ToLower(table), time.Now().UTC().Format("20060102T150405"), format)
	path := filepath.Join(os.TempDir(), name)

	if err := writeDump(path, format, kept, rows); err != nil {
		return "", 0, err
	}
	defer os.Remove(path)

	location, err := d.uploader.Upload(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: %w", name, err)
	}

	log.Info().Str("table", table).Int("rows", len(rows)).Str("location", location).
		Msg("Dump exported")
	return location, len(rows), nil
}

// DumpSchemas exports a JSON description of every configured table's columns
// and coarse types, gzipped and uploaded like a data dump.
func (d *Dumper) DumpSchemas(ctx context.Context) (string, error) {
	schemas := make(map[string]map[string]string, len(cfg.Config.Tables))
	for table, columns := range cfg.Config.Tables {
		types, err := d.pool.FieldTypes(ctx, table, columns)
		if err != nil {
			return "", fmt.Errorf("schema of %s: %w", table, err)
		}
		fields := make(map[string]string, len(types))
		for col, nativeType := range types {
			fields[col] = db.TypeClass(nativeType)
		}
		schemas[table] = fields
	}

	name := fmt.Sprintf("%s_schemas_%s.json.gz", cfg.CCE(), time.Now().UTC().Format("20060102T150405"))
	path := filepath.Join(os.TempDir(), name)

	if err := writeGzipped(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(schemas)
	}); err != nil {
		return "", err
	}
	defer os.Remove(path)

	return d.uploader.Upload(ctx, path)
}

// DumpQuery exports the result set of an ad-hoc read query. The result file
// name carries a timestamp suffix so repeated runs never collide.
func (d *Dumper) DumpQuery(ctx context.Context, query, baseName, format string) (string, int, error) {
	format = strings.ToLower(format)
	if format == "" {
		format = cfg.Config.Export.Format
	}
	if format != FormatCSV && format != FormatJSON {
		return "", 0, fmt.Errorf("unsupported result format %q", format)
	}
	if baseName == "" {
		baseName = "query"
	}

	rows, err := d.pool.QueryMaps(ctx, query)
	if err != nil {
		return "", 0, err
	}

	columns := resultColumns(rows)
	name := fmt.Sprintf("%s_%s.%s.gz",
		baseName, time.Now().UTC().Format("01-02-2006_15-04-05"), format)
	path := filepath.Join(os.TempDir(), name)

	if err := writeDump(path, format, columns, rows); err != nil {
		return "", 0, err
	}
	defer os.Remove(path)

	location, err := d.uploader.Upload(ctx, path)
	if err != nil {
		return "", 0, fmt.Errorf("upload %s: %w", name, err)
	}
	return location, len(rows), nil
}

// resultColumns derives a stable column order from an ad-hoc result set.
func resultColumns(rows []map[string]any) []string {
	if len(rows) == 0 {
		return nil
	}
	columns := make([]string, 0, len(rows[0]))
	for col := range rows[0] {
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns
}

func (d *Dumper) fetch(ctx context.Context, table string, columns []string, where string) ([]map[string]any, error) {
	selectCols := make([]any, len(columns))
	for i, col := range columns {
		selectCols[i] = goqu.C(col)
	}
	ds := db.Dialect.From(table).Select(selectCols...)
	if where != "" {
		ds = ds.Where(goqu.L(where))
	}
	query, _, err := ds.ToSQL()
	if err != nil {
		return nil, err
	}
	return d.pool.QueryMaps(ctx, query)
}

func writeDump(path, format string, columns []string, rows []map[string]any) error {
	return writeGzipped(path, func(w io.Writer) error {
		if format == FormatJSON {
			return writeJSON(w, rows)
		}
		return writeCSV(w, columns, rows)
	})
}

func writeGzipped(path string, fill func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	if err := fill(gz); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

func writeCSV(w io.Writer, columns []string, rows []map[string]any) error {
	cw := csv.NewWriter(w)
	lowered := make([]string, len(columns))
	for i, col := range columns {
		lowered[i] = strings.ToLower(col)
	}
	if err := cw.Write(lowered); err != nil {
		return err
	}

	record := make([]string, len(lowered))
	for _, row := range rows {
		for i, col := range lowered {
			record[i] = renderValue(row[col])
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func writeJSON(w io.Writer, rows []map[string]any) error {
	enc := json.NewEncoder(w)
	for _, row := range rows {
		if err := enc.Encode(row); err != nil {
			return err
		}
	}
	return nil
}

func renderValue(v any) string {
	switch value := v.(type) {
	case nil:
		return ""
	case time.Time:
		return value.UTC().Format(time.RFC3339)
	case []byte:
		return string(value)
	case string:
		return value
	default:
		return fmt.Sprintf("%v", value)
	}
}

func keepColumns(columns, exclude []string) []string {
	skip := make(map[string]bool, len(exclude))
	for _, col := range exclude {
		skip[strings.ToLower(col)] = true
	}
	var kept []string
	for _, col := range columns {
		if !skip[strings.ToLower(col)] {
			kept = append(kept, col)
		}
	}
	return kept
}
