// Package framing implements the wire chunk format: a fixed 16-byte header
// followed by a segment of a compressed envelope, plus the ACK/NACK control
// chunk builders and parser. Mirrors atlas_meshtastic_bridge/message.py's
// chunking half.
package framing

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed wire header length: 2s (magic) B (version) B
// (flags) 8s (short id) H (seq) H (total), big-endian.
const HeaderSize = 16

var magic = [2]byte{'M', 'B'}

const wireVersion = 1

const (
	FlagAck  byte = 0x01
	FlagNack byte = 0x02
)

const (
	// MaxChunkSize is the hard ceiling on a chunk's total wire size
	// (header + payload) the underlying radio link can carry per frame.
	MaxChunkSize = 230
	// MinSegmentSize is the floor the framer will not shrink below when
	// auto-reducing segment size to fit within MaxChunkSize.
	MinSegmentSize = 50
	// SegmentSizeReduction is the step subtracted from the configured
	// segment size each time a chunk would exceed MaxChunkSize.
	SegmentSizeReduction = 50
	// DefaultSegmentSize is used when the caller requests segmentSize <= 0.
	DefaultSegmentSize = 200
)

// Chunk is one wire frame: a parsed/about-to-be-sent header plus payload.
type Chunk struct {
	Flags   byte
	ShortID [8]byte
	Seq     uint16
	Total   uint16
	Payload []byte
}

// ShortIDString trims trailing NUL padding for use as a map key / log field.
func (c Chunk) ShortIDString() string {
	return trimNUL(c.ShortID)
}

func trimNUL(b [8]byte) string {
	n := len(b)
	for n > 0 && b[n-1] == 0 {
		n--
	}
	return string(b[:n])
}

func shortIDBytes(id string) [8]byte {
	var out [8]byte
	copy(out[:], id)
	return out
}

// Encode renders a single chunk to its wire bytes: header then payload.
func (c Chunk) Encode() []byte {
	buf := make([]byte, HeaderSize+len(c.Payload))
	buf[0] = magic[0]
	buf[1] = magic[1]
	buf[2] = wireVersion
	buf[3] = c.Flags
	copy(buf[4:12], c.ShortID[:])
	binary.BigEndian.PutUint16(buf[12:14], c.Seq)
	binary.BigEndian.PutUint16(buf[14:16], c.Total)
	copy(buf[16:], c.Payload)
	return buf
}

// ParseChunk validates the magic/version and splits header from payload.
func ParseChunk(raw []byte) (Chunk, error) {
	if len(raw) < HeaderSize {
		return Chunk{}, fmt.Errorf("framing: chunk too short: %d bytes", len(raw))
	}
	if raw[0] != magic[0] || raw[1] != magic[1] {
		return Chunk{}, fmt.Errorf("framing: bad magic %q", raw[0:2])
	}
	if raw[2] != wireVersion {
		return Chunk{}, fmt.Errorf("framing: unsupported version %d", raw[2])
	}
	var c Chunk
	c.Flags = raw[3]
	copy(c.ShortID[:], raw[4:12])
	c.Seq = binary.BigEndian.Uint16(raw[12:14])
	c.Total = binary.BigEndian.Uint16(raw[14:16])
	c.Payload = append([]byte(nil), raw[HeaderSize:]...)
	return c, nil
}

// ChunkEnvelope splits encoded (the already-compressed wire form of an
// envelope) into chunks no larger than MaxChunkSize, auto-reducing the
// segment size in steps of SegmentSizeReduction (floor MinSegmentSize) if
// the header overhead would push a chunk over the limit. desiredSegmentSize
// <= 0 selects DefaultSegmentSize. Returns the chunks in sequence order.
func ChunkEnvelope(id string, encoded []byte, desiredSegmentSize int) ([]Chunk, error) {
	segmentSize := desiredSegmentSize
	if segmentSize <= 0 {
		segmentSize = DefaultSegmentSize
	}
	for {
		if HeaderSize+segmentSize <= MaxChunkSize || segmentSize <= MinSegmentSize {
			break
		}
		segmentSize -= SegmentSizeReduction
	}
	if HeaderSize+segmentSize > MaxChunkSize {
		return nil, fmt.Errorf("framing: cannot fit any payload within max chunk size %d", MaxChunkSize)
	}

	shortID := shortIDBytes(id)
	total := (len(encoded) + segmentSize - 1) / segmentSize
	if total == 0 {
		total = 1
	}
	if total > 0xFFFF {
		return nil, fmt.Errorf("framing: message requires %d chunks, exceeds 16-bit total", total)
	}

	chunks := make([]Chunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * segmentSize
		end := start + segmentSize
		if end > len(encoded) {
			end = len(encoded)
		}
		chunks = append(chunks, Chunk{
			ShortID: shortID,
			Seq:     uint16(i + 1),
			Total:   uint16(total),
			Payload: encoded[start:end],
		})
	}
	return chunks, nil
}

// BuildAckChunk builds a single-chunk ACK control frame whose payload is
// the full ack text (e.g. a bare message id, or "all_received|<id>").
func BuildAckChunk(shortID string, ackPayload string) Chunk {
	return Chunk{
		Flags:   FlagAck,
		ShortID: shortIDBytes(shortID),
		Seq:     1,
		Total:   1,
		Payload: []byte(ackPayload),
	}
}

// MaxNackEntries bounds a single NACK chunk's missing-sequence list: one
// count byte followed by that many 2-byte sequence numbers.
const MaxNackEntries = 255

// BuildNackChunk builds a single-chunk NACK control frame listing the
// missing sequence numbers (clamped to [1, 65535], capped at
// MaxNackEntries entries).
func BuildNackChunk(shortID string, missing []uint16) Chunk {
	if len(missing) > MaxNackEntries {
		missing = missing[:MaxNackEntries]
	}
	payload := make([]byte, 1+2*len(missing))
	payload[0] = byte(len(missing))
	for i, seq := range missing {
		if seq < 1 {
			seq = 1
		}
		binary.BigEndian.PutUint16(payload[1+2*i:3+2*i], seq)
	}
	return Chunk{
		Flags:   FlagNack,
		ShortID: shortIDBytes(shortID),
		Seq:     1,
		Total:   1,
		Payload: payload,
	}
}

// ParseNackPayload reverses BuildNackChunk's payload encoding.
func ParseNackPayload(payload []byte) ([]uint16, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("framing: empty nack payload")
	}
	count := int(payload[0])
	need := 1 + 2*count
	if len(payload) < need {
		return nil, fmt.Errorf("framing: nack payload too short: have %d need %d", len(payload), need)
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = binary.BigEndian.Uint16(payload[1+2*i : 3+2*i])
	}
	return out, nil
}

// ReconstructMessage concatenates chunk payloads in sequence order
// (1..total) into the original encoded envelope bytes. Callers must have
// already validated that seqs cover exactly {1..total}.
func ReconstructMessage(byseq map[uint16][]byte, total uint16) []byte {
	out := make([]byte, 0)
	for seq := uint16(1); seq <= total; seq++ {
		out = append(out, byseq[seq]...)
	}
	return out
}
