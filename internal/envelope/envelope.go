// Package envelope implements the application-layer message record carried
// over the transport: its in-memory shape, alias/normalize/compress wire
// codec, and id generation. Mirrors atlas_meshtastic_bridge/message.py.
package envelope

import "github.com/rs/xid"

// Type values recognized by the transport and gateway. The set is
// open-ended on the wire; these are the ones this bridge emits/consumes.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeError    = "error"
	TypeAck      = "ack"
)

// DefaultPriority is used when an envelope omits priority. Lower values
// are higher priority; 0 is critical.
const DefaultPriority = 10

// Envelope is the application-layer message. Data and Meta hold a
// heterogeneous tree of scalars, ordered sequences (as []any) and
// string-keyed maps (as map[string]any) — Go's natural representation of
// the spec's tagged Null/Bool/Int/Float/String/Bytes/List/Map variant.
type Envelope struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	Command       string         `json:"command"`
	Priority      int            `json:"priority"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Data          map[string]any `json:"data"`
	Meta          map[string]any `json:"meta,omitempty"`
}

// ShortID returns the first 8 UTF-8 bytes of ID, right-padded with NUL,
// used to address chunks on the wire.
func (e *Envelope) ShortID() [8]byte {
	return ShortID(e.ID)
}

// ShortID computes the wire short-id for an arbitrary envelope id string.
func ShortID(id string) [8]byte {
	var out [8]byte
	b := []byte(id)
	n := copy(out[:], b)
	_ = n
	return out
}

// NewID returns a fresh opaque envelope id, ≤ 20 UTF-8 bytes, stable for
// the lifetime of a request including retries.
func NewID() string {
	return xid.New().String()
}

// ToMap renders the envelope as a plain, unaliased map suitable for JSON
// persistence (the durable spool document) — distinct from the wire codec
// in codec.go, which additionally aliases and compresses for the radio
// link.
func (e *Envelope) ToMap() map[string]any {
	return e.toDict()
}

// FromMap reverses ToMap.
func FromMap(m map[string]any) *Envelope {
	env := &Envelope{Priority: DefaultPriority}
	if id, ok := m["id"].(string); ok {
		env.ID = id
	}
	if typ, ok := m["type"].(string); ok {
		env.Type = typ
	}
	if cmd, ok := m["command"].(string); ok {
		env.Command = cmd
	}
	switch p := m["priority"].(type) {
	case int:
		env.Priority = p
	case float64:
		env.Priority = int(p)
	}
	if cid, ok := m["correlation_id"].(string); ok {
		env.CorrelationID = cid
	}
	if data, ok := m["data"].(map[string]any); ok {
		env.Data = data
	} else {
		env.Data = map[string]any{}
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		env.Meta = meta
	}
	return env
}

// MetaFloat reads a float64 hint from Meta, e.g. lease_seconds.
func (e *Envelope) MetaFloat(key string) (float64, bool) {
	if e.Meta == nil {
		return 0, false
	}
	v, ok := e.Meta[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
