// Package envelope defines the canonical JSON messages exchanged with the
// peer: outbound change envelopes, inbound sync commands, and control-channel
// admin commands.
package envelope

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Change types carried in the "type" field of a ChangeEnvelope.
const (
	TypeInsert   = "insert"
	TypeUpdate   = "update"
	TypeDelete   = "delete"
	TypeTouch    = "touch"
	TypeFullSync = "fullsync"
	TypeSchema   = "schema"
	TypeError    = "error"
	TypeCount    = "count"
	TypePong     = "pong"
	TypeTimezone = "timezone"
	TypeURL      = "url"
)

// ChangeEnvelope is the canonical outbound change message.
type ChangeEnvelope struct {
	Type     string         `json:"type"`
	Datetime string         `json:"datetime"`
	Source   string         `json:"source"`
	UUID     string         `json:"uuid"`
	Customer string         `json:"customer"`
	Data     map[string]any `json:"data"`
}

// NewChangeEnvelope builds an envelope stamped with the current time and a
// fresh message identity.
func NewChangeEnvelope(changeType, source, customer string, data map[string]any) ChangeEnvelope {
	return ChangeEnvelope{
		Type:     changeType,
		Datetime: UnixTimestamp(time.Now()),
		Source:   source,
		UUID:     uuid.NewString(),
		Customer: customer,
		Data:     data,
	}
}

// ConflictEnvelope is sent back to the peer when an inbound update loses the
// optimistic-concurrency check. It carries the original message identity so
// the peer can correlate.
type ConflictEnvelope struct {
	Type   string `json:"type"`  // always "error"
	Error  string `json:"error"` // always "conflict"
	UUID   string `json:"uuid"`
	Source string `json:"source"`
	Key    string `json:"key"`
	Value  any    `json:"value"`
}

// NewConflictEnvelope builds the conflict notice for a rejected update.
func NewConflictEnvelope(msgUUID, source, key string, value any) ConflictEnvelope {
	return ConflictEnvelope{
		Type:   TypeError,
		Error:  "conflict",
		UUID:   msgUUID,
		Source: source,
		Key:    key,
		Value:  value,
	}
}

// SchemaEnvelope describes one table's captured columns and their coarse
// type classes.
type SchemaEnvelope struct {
	Type     string            `json:"type"` // always "schema"
	Table    string            `json:"table"`
	Datetime string            `json:"datetime"`
	UUID     string            `json:"uuid"`
	Customer string            `json:"customer"`
	Fields   map[string]string `json:"fields"`
}

// SyncCommand is an inbound change request from the peer.
type SyncCommand struct {
	Type     string         `json:"type"`
	Source   string         `json:"source"`
	Key      string         `json:"key"`
	Value    any            `json:"value"`
	LastSeen string         `json:"last_seen"`
	UUID     string         `json:"uuid"`
	Data     map[string]any `json:"data"`
}

// ParseSyncCommand decodes an inbound peer message. Only structural JSON
// validity is checked here; field-level validation is the apply engine's job.
func ParseSyncCommand(body []byte) (SyncCommand, error) {
	var cmd SyncCommand
	if err := json.Unmarshal(body, &cmd); err != nil {
		return SyncCommand{}, fmt.Errorf("malformed sync command: %w", err)
	}
	return cmd, nil
}

// ValueString renders the predicate value the way it appeared on the wire:
// numbers without a decimal point stay integral.
func (c SyncCommand) ValueString() string {
	switch v := c.Value.(type) {
	case string:
		return v
	case float64:
		if v == float64(int64(v)) {
			return strconv.FormatInt(int64(v), 10)
		}
		return strconv.FormatFloat(v, 'f', -1, 64)
	case nil:
		return ""
	default:
		return fmt.Sprintf("%v", v)
	}
}

// UnixTimestamp renders t as unix seconds, the envelope datetime format.
func UnixTimestamp(t time.Time) string {
	return strconv.FormatInt(t.UTC().Unix(), 10)
}
