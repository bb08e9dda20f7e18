// ABOUTME: Document is an opaque JSON blob used for metadata bags and raw message payloads
// ABOUTME: Known fields are read through explicit accessors backed by gjson/sjson

package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Document holds a JSON object. The zero value is an empty document.
type Document []byte

// Well-known metadata paths.
const (
	pathDisplayName    = "displayName"
	pathChannelType    = "channelType"
	pathIsDM           = "isDm"
	pathTargetUserID   = "targetUserId"
	pathThought        = "thought"
	pathActions        = "actions"
	pathReplyToMessage = "inReplyTo"
)

// NewDocument marshals v into a Document.
func NewDocument(v any) (Document, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling document: %w", err)
	}
	return Document(data), nil
}

// Valid reports whether the document is empty or holds a JSON object.
func (d Document) Valid() bool {
	if len(d) == 0 {
		return true
	}
	return gjson.ValidBytes(d) && gjson.ParseBytes(d).IsObject()
}

// Get returns the value at path.
func (d Document) Get(path string) gjson.Result {
	if len(d) == 0 {
		return gjson.Result{}
	}
	return gjson.GetBytes(d, path)
}

// StringAt returns the string at path, or "" if it is absent or not a string.
func (d Document) StringAt(path string) string {
	r := d.Get(path)
	if r.Type != gjson.String {
		return ""
	}
	return r.Str
}

// Set returns a copy of the document with path set to value.
func (d Document) Set(path string, value any) (Document, error) {
	base := d
	if len(base) == 0 {
		base = Document("{}")
	}
	out, err := sjson.SetBytes(append([]byte(nil), base...), path, value)
	if err != nil {
		return nil, fmt.Errorf("setting %s: %w", path, err)
	}
	return Document(out), nil
}

// DisplayName is the sender's human-readable name, if supplied.
func (d Document) DisplayName() string {
	return d.StringAt(pathDisplayName)
}

// ChannelTypeHint returns the channel type requested by the caller.
// An explicit isDm flag wins over a channelType string.
func (d Document) ChannelTypeHint() (ChannelType, bool) {
	if r := d.Get(pathIsDM); r.Exists() {
		if r.Bool() {
			return ChannelTypeDM, true
		}
		return ChannelTypeGroup, true
	}
	return ParseChannelType(d.StringAt(pathChannelType))
}

// TargetUserID is the second participant of a direct conversation.
func (d Document) TargetUserID() string {
	return d.StringAt(pathTargetUserID)
}

// Thought is the agent reasoning attached to a raw message.
func (d Document) Thought() string {
	return d.StringAt(pathThought)
}

// Actions lists the action names attached to a raw message.
func (d Document) Actions() []string {
	r := d.Get(pathActions)
	if !r.IsArray() {
		return nil
	}
	var actions []string
	r.ForEach(func(_, v gjson.Result) bool {
		if v.Type == gjson.String {
			actions = append(actions, v.Str)
		}
		return true
	})
	return actions
}

// ReplyTo is the root message id a raw payload claims to answer.
func (d Document) ReplyTo() string {
	return d.StringAt(pathReplyToMessage)
}

// MarshalJSON emits the document verbatim, or null when empty.
func (d Document) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("null"), nil
	}
	return []byte(d), nil
}

// UnmarshalJSON keeps a copy of the raw bytes.
func (d *Document) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*d = nil
		return nil
	}
	*d = append((*d)[:0], data...)
	return nil
}

// Value stores the document as TEXT, or NULL when empty.
func (d Document) Value() (driver.Value, error) {
	if len(d) == 0 {
		return nil, nil
	}
	return string(d), nil
}

// Scan reads a TEXT or BLOB column.
func (d *Document) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*d = nil
	case string:
		*d = Document(v)
	case []byte:
		*d = append(Document(nil), v...)
	default:
		return fmt.Errorf("unsupported document column type %T", src)
	}
	return nil
}
