package envelope

import (
	"encoding/json"
	"fmt"
)

// AdminCommand is the decoded form of a control-channel message. Exactly one
// command field is set per message; Kind names it. This replaces the
// shape-sniffing dispatch of older bridge generations with a closed union.
type AdminCommand struct {
	Kind CommandKind

	// config
	ConfigURL string

	// admin subcommand ("schema", "dump_schema", "fullsync", "restart",
	// "reload", "timezone", "ping", "update")
	Admin   string
	Version string // admin:update
	UUID    string // admin:ping correlation id

	// sync / schema / count / dump
	Table     string
	Tables    []string // dumps
	Filter    *SyncFilter
	RawFilter string // count/dump filter: raw WHERE fragment

	// dump modifiers
	ExcludeColumns []string
	Format         string

	// run_query
	Query      string
	ResultFile string
	ResultType string
}

// CommandKind discriminates the control-channel command shapes.
type CommandKind int

const (
	KindUnknown CommandKind = iota
	KindConfig
	KindAdmin
	KindSync
	KindSchema
	KindDump
	KindDumps
	KindCount
	KindRunQuery
)

func (k CommandKind) String() string {
	switch k {
	case KindConfig:
		return "config"
	case KindAdmin:
		return "admin"
	case KindSync:
		return "sync"
	case KindSchema:
		return "schema"
	case KindDump:
		return "dump"
	case KindDumps:
		return "dumps"
	case KindCount:
		return "count"
	case KindRunQuery:
		return "run_query"
	default:
		return "unknown"
	}
}

// SyncFilter is the optional predicate on a sync command.
type SyncFilter struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value"`
}

// rawAdminCommand is the wire shape: a flat object where presence of a
// top-level key selects the command.
type rawAdminCommand struct {
	Config   *string  `json:"config"`
	Admin    *string  `json:"admin"`
	Sync     *string  `json:"sync"`
	Schema   *string  `json:"schema"`
	Dump     *string  `json:"dump"`
	Dumps    []string `json:"dumps"`
	Count    *string  `json:"count"`
	RunQuery *string  `json:"run_query"`

	Filter         json.RawMessage `json:"filter"`
	ExcludeColumns []string        `json:"exclude_columns"`
	Format         string          `json:"format"`
	ResultFile     string          `json:"result_file"`
	ResultType     string          `json:"result_type"`
	Version        string          `json:"version"`
	UUID           string          `json:"uuid"`
}

// ParseAdminCommand decodes a control message into the command union.
// Discriminator first: the first recognized top-level key wins; the rest of
// the object is then validated structurally for that shape.
func ParseAdminCommand(body []byte) (AdminCommand, error) {
	var raw rawAdminCommand
	if err := json.Unmarshal(body, &raw); err != nil {
		return AdminCommand{}, fmt.Errorf("malformed command: %w", err)
	}

	cmd := AdminCommand{
		ExcludeColumns: raw.ExcludeColumns,
		Format:         raw.Format,
		ResultFile:     raw.ResultFile,
		ResultType:     raw.ResultType,
		Version:        raw.Version,
		UUID:           raw.UUID,
	}

	switch {
	case raw.Config != nil:
		cmd.Kind = KindConfig
		cmd.ConfigURL = *raw.Config

	case raw.Admin != nil:
		cmd.Kind = KindAdmin
		cmd.Admin = *raw.Admin

	case raw.Sync != nil:
		cmd.Kind = KindSync
		cmd.Table = *raw.Sync
		if len(raw.Filter) > 0 {
			var f SyncFilter
			if err := json.Unmarshal(raw.Filter, &f); err != nil {
				return AdminCommand{}, fmt.Errorf("malformed sync filter: %w", err)
			}
			cmd.Filter = &f
		}

	case raw.Schema != nil:
		cmd.Kind = KindSchema
		cmd.Table = *raw.Schema

	case raw.Dump != nil:
		cmd.Kind = KindDump
		cmd.Table = *raw.Dump
		cmd.RawFilter = rawFilterString(raw.Filter)

	case len(raw.Dumps) > 0:
		cmd.Kind = KindDumps
		cmd.Tables = raw.Dumps

	case raw.Count != nil:
		cmd.Kind = KindCount
		cmd.Table = *raw.Count
		cmd.RawFilter = rawFilterString(raw.Filter)

	case raw.RunQuery != nil:
		cmd.Kind = KindRunQuery
		cmd.Query = *raw.RunQuery

	default:
		cmd.Kind = KindUnknown
	}

	return cmd, nil
}

// rawFilterString extracts a plain string filter; count and dump take a raw
// WHERE fragment, unlike sync's structured filter.
func rawFilterString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return s
}
