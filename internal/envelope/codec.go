package envelope

import (
	"fmt"
	"regexp"

	"github.com/klauspost/compress/zstd"
	"github.com/vmihailenco/msgpack/v5"
)

// aliasMap substitutes known long data-tree keys with short keys before
// encoding, and is reversed on decode. Unknown keys pass through unchanged.
var aliasMap = map[string]string{
	"entity_id":       "e",
	"task_id":         "ti",
	"object_id":       "oi",
	"alias":           "als",
	"type":            "t",
	"subtype":         "st",
	"status":          "s",
	"components":      "c",
	"telemetry":       "tl",
	"health":          "h",
	"battery_percent": "bp",
	"latitude":        "lat",
	"longitude":       "lon",
	"altitude_m":      "alt",
	"metadata":        "m",
	"created_at":      "ca",
	"updated_at":      "ua",
	"note":            "n",
	"reason":          "r",
	"status_filter":   "sf",
	"since":           "sn",
	"fields":          "f",
	"limit":           "l",
	"offset":          "o",
	"cursor":          "cur",
	"result":          "res",
}

var reverseAliasMap = reverseOf(aliasMap)

// envelopeAliasMap is applied non-recursively to the top-level envelope
// container only.
var envelopeAliasMap = map[string]string{
	"command":        "cmd",
	"data":           "d",
	"id":             "i",
	"type":           "t",
	"correlation_id": "cid",
}

var reverseEnvelopeAliasMap = reverseOf(envelopeAliasMap)

func reverseOf(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// timestampPattern recognizes ISO-8601-ish timestamps with optional
// fractional seconds and an optional Z/offset suffix.
var timestampPattern = regexp.MustCompile(`^(.+T\d{2}:\d{2}:\d{2})(\.\d+)?(Z|[+-]\d{2}:\d{2})?$`)

var timestampKeys = map[string]bool{
	"created_at": true,
	"updated_at": true,
	"ca":         true,
	"ua":         true,
}

func normalizeValue(key string, value any) any {
	s, ok := value.(string)
	if !ok || !timestampKeys[key] {
		return value
	}
	m := timestampPattern.FindStringSubmatch(s)
	if m == nil {
		return value
	}
	return m[1] + m[3]
}

// aliasPayload recursively substitutes keys in nested maps/lists using the
// data alias map, normalizing timestamp fields along the way when encoding.
func aliasPayload(value any, encode bool) any {
	switch v := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, val := range v {
			var newKey string
			if encode {
				if mapped, ok := aliasMap[key]; ok {
					newKey = mapped
				} else {
					newKey = key
				}
			} else if mapped, ok := reverseAliasMap[key]; ok {
				newKey = mapped
			} else {
				newKey = key
			}
			inner := val
			if encode {
				inner = normalizeValue(key, val)
			}
			out[newKey] = aliasPayload(inner, encode)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = aliasPayload(item, encode)
		}
		return out
	default:
		return value
	}
}

// ShortenPayload applies data aliasing/normalization to an arbitrary
// payload; exported for callers that need it outside full envelope encode.
func ShortenPayload(payload any) any { return aliasPayload(payload, true) }

// ExpandPayload reverses data aliasing. Timestamp normalization is not
// undone: stripped fractional seconds stay stripped.
func ExpandPayload(payload any) any { return aliasPayload(payload, false) }

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

// zstdLevel mirrors message.py's _COMPRESSOR = zstd.ZstdCompressor(level=4):
// klauspost/compress/zstd exposes four discrete speed/ratio tiers rather
// than the reference library's 1-22 level scale, and EncoderLevel(4) is its
// own highest-numbered (best-compression) tier — the closest direct
// reading of "level 4" this library offers.
const zstdLevel = zstd.EncoderLevel(4)

func init() {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
	if err != nil {
		panic(fmt.Sprintf("envelope: failed to init zstd encoder: %v", err))
	}
	zstdEncoder = enc

	dec, err := zstd.NewReader(nil)
	if err != nil {
		panic(fmt.Sprintf("envelope: failed to init zstd decoder: %v", err))
	}
	zstdDecoder = dec
}

// toDict renders the envelope as the wire-shape mapping from spec.md §4.1
// step 1: omit meta if empty, omit correlation_id if unset.
func (e *Envelope) toDict() map[string]any {
	data := e.Data
	if data == nil {
		data = map[string]any{}
	}
	out := map[string]any{
		"id":       e.ID,
		"type":     e.Type,
		"command":  e.Command,
		"priority": e.Priority,
		"data":     data,
	}
	if len(e.Meta) > 0 {
		out["meta"] = e.Meta
	}
	if e.CorrelationID != "" {
		out["correlation_id"] = e.CorrelationID
	}
	return out
}

// Encode renders the envelope to its compressed, aliased, binary wire
// form: alias data -> alias envelope keys -> MessagePack -> zstd.
func Encode(e *Envelope) ([]byte, error) {
	raw := e.toDict()
	if d, ok := raw["data"]; ok {
		raw["data"] = aliasPayload(d, true)
	}
	aliased := make(map[string]any, len(raw))
	for k, v := range raw {
		if mapped, ok := envelopeAliasMap[k]; ok {
			aliased[mapped] = v
		} else {
			aliased[k] = v
		}
	}
	packed, err := msgpack.Marshal(aliased)
	if err != nil {
		return nil, fmt.Errorf("envelope: msgpack marshal: %w", err)
	}
	return zstdEncoder.EncodeAll(packed, nil), nil
}

// Decode reverses Encode: zstd -> MessagePack -> un-alias envelope keys ->
// un-alias data tree. Missing priority defaults to 10; missing
// meta/correlation_id default to empty/unset.
func Decode(encoded []byte) (*Envelope, error) {
	decompressed, err := zstdDecoder.DecodeAll(encoded, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: zstd decompress: %w", err)
	}
	var unpacked map[string]any
	if err := msgpack.Unmarshal(decompressed, &unpacked); err != nil {
		return nil, fmt.Errorf("envelope: msgpack unmarshal: %w", err)
	}

	envDict := make(map[string]any, len(unpacked))
	for k, v := range unpacked {
		if mapped, ok := reverseEnvelopeAliasMap[k]; ok {
			envDict[mapped] = v
		} else {
			envDict[k] = v
		}
	}
	if d, ok := envDict["data"]; ok {
		envDict["data"] = aliasPayload(d, false)
	}

	env := &Envelope{Priority: DefaultPriority}
	if id, ok := envDict["id"].(string); ok {
		env.ID = id
	}
	if typ, ok := envDict["type"].(string); ok {
		env.Type = typ
	}
	if cmd, ok := envDict["command"].(string); ok {
		env.Command = cmd
	}
	if p, ok := toInt(envDict["priority"]); ok {
		env.Priority = p
	}
	if cid, ok := envDict["correlation_id"].(string); ok {
		env.CorrelationID = cid
	}
	if data, ok := envDict["data"].(map[string]any); ok {
		env.Data = data
	} else {
		env.Data = map[string]any{}
	}
	if meta, ok := envDict["meta"].(map[string]any); ok {
		env.Meta = meta
	}
	return env, nil
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int64:
		return int(n), true
	case uint64:
		return int(n), true
	case int:
		return n, true
	case float64:
		return int(n), true
	}
	return 0, false
}
