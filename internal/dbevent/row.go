// Package dbevent parses change messages emitted by the gallery database
// triggers into normalized row envelopes.
package dbevent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

// ErrMalformed is returned when a raw row cannot be turned into an envelope.
var ErrMalformed = errors.New("malformed change row")

// Operation is the kind of row change.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// MessageType identifies the trigger family that produced a message.
type MessageType string

const (
	MsgImageMetadata MessageType = "IMG_METADATA"
	MsgTags          MessageType = "TAGS"
	MsgImageVirtPath MessageType = "IMG_VIRT_PATH"
)

// Watched table names.
const (
	TableImageTag          = "image_tag"
	TableImageCategory     = "image_category"
	TableImages            = "images"
	TableTags              = "tags"
	TableImageVirtualPaths = "image_virtual_paths"
)

// RawRow is one committed row of the message table as delivered by a change-stream reader.
type RawRow struct {
	MessageType string
	Message     []byte
}

// Row is the normalized envelope for one database row change.
type Row struct {
	// ID is assigned at parse time for correlation in logs and the audit trail.
	ID          string
	MessageType MessageType
	TableName   string
	Operation   Operation
	PrimaryKey  []any
	RecordID    int64

	Values map[string]any
	Before map[string]any
	After  map[string]any
}

type message struct {
	ImageID    *json.Number   `json:"image_id"`
	TagID      *json.Number   `json:"tag_id"`
	TableName  string         `json:"table_name"`
	Operation  string         `json:"operation"`
	PrimaryKey []any          `json:"table_primary_key"`
	Values     map[string]any `json:"values"`
	Before     map[string]any `json:"before"`
	After      map[string]any `json:"after"`
}

// Parse builds a Row from a raw message. Any failure wraps ErrMalformed.
func Parse(raw RawRow) (*Row, error) {
	msgType := MessageType(raw.MessageType)
	switch msgType {
	case MsgImageMetadata, MsgTags, MsgImageVirtPath:
	default:
		return nil, fmt.Errorf("%w: unknown message type %q", ErrMalformed, raw.MessageType)
	}

	dec := json.NewDecoder(bytes.NewReader(raw.Message))
	dec.UseNumber()
	var msg message
	if err := dec.Decode(&msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if msg.TableName == "" {
		return nil, fmt.Errorf("%w: table_name is required", ErrMalformed)
	}

	op := Operation(msg.Operation)
	switch op {
	case OpInsert, OpUpdate, OpDelete:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrMalformed, msg.Operation)
	}

	row := &Row{
		ID:          uuid.NewString(),
		MessageType: msgType,
		TableName:   msg.TableName,
		Operation:   op,
		PrimaryKey:  msg.PrimaryKey,
		Values:      msg.Values,
		Before:      msg.Before,
		After:       msg.After,
	}

	idField := msg.ImageID
	if msgType == MsgTags {
		idField = msg.TagID
	}
	if idField != nil {
		id, err := idField.Int64()
		if err != nil {
			return nil, fmt.Errorf("%w: record id: %v", ErrMalformed, err)
		}
		row.RecordID = id
	} else {
		id, err := row.KeyInt(0)
		if err != nil {
			return nil, fmt.Errorf("%w: no record id and %v", ErrMalformed, err)
		}
		row.RecordID = id
	}

	return row, nil
}

// KeyInt returns the i-th primary key element as an integer.
func (r *Row) KeyInt(i int) (int64, error) {
	if i < 0 || i >= len(r.PrimaryKey) {
		return 0, fmt.Errorf("primary key has no element %d", i)
	}
	return toInt64(r.PrimaryKey[i])
}

// Payload returns the row image carrying column values: values for inserts
// and deletes, after for updates.
func (r *Row) Payload() map[string]any {
	if r.Operation == OpUpdate && r.After != nil {
		return r.After
	}
	return r.Values
}

// IsImageDelete reports whether the row deletes an image.
func (r *Row) IsImageDelete() bool {
	return r.TableName == TableImages && r.Operation == OpDelete
}

func (r *Row) String() string {
	return fmt.Sprintf("%s %s %v", r.Operation, r.TableName, r.PrimaryKey)
}

func toInt64(v any) (int64, error) {
	switch n := v.(type) {
	case json.Number:
		return n.Int64()
	case float64:
		return int64(n), nil
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	default:
		return 0, fmt.Errorf("value %v (%T) is not an integer", v, v)
	}
}

// Int64Field reads an integer column from a payload map.
func Int64Field(m map[string]any, key string) (int64, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return 0, false
	}
	n, err := toInt64(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// StringField reads a string column from a payload map.
func StringField(m map[string]any, key string) (string, bool) {
	v, ok := m[key]
	if !ok || v == nil {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}
