package framing

import (
	"bytes"
	"testing"
)

func TestChunkEnvelopeRoundTrip(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 530)
	chunks, err := ChunkEnvelope("msg-0000000001", payload, 0)
	if err != nil {
		t.Fatalf("ChunkEnvelope: %v", err)
	}
	if len(chunks) == 0 {
		t.Fatalf("expected at least one chunk")
	}
	for _, c := range chunks {
		if len(c.Encode()) > MaxChunkSize {
			t.Fatalf("chunk exceeds MaxChunkSize: %d", len(c.Encode()))
		}
	}

	byseq := make(map[uint16][]byte, len(chunks))
	for _, c := range chunks {
		byseq[c.Seq] = c.Payload
	}
	got := ReconstructMessage(byseq, uint16(len(chunks)))
	if !bytes.Equal(got, payload) {
		t.Fatalf("reconstructed payload mismatch: got %d bytes want %d", len(got), len(payload))
	}
}

func TestChunkEnvelopeAutoReducesSegmentSize(t *testing.T) {
	// A requested segment size of 300 plus HeaderSize (16) is 316, over
	// MaxChunkSize (230), so the framer reduces it in steps of 50
	// (300 -> 250 -> 200); verify every produced chunk respects the ceiling
	// for a payload many times the segment size.
	payload := bytes.Repeat([]byte{0x01}, 5000)
	chunks, err := ChunkEnvelope("msg-long", payload, 300)
	if err != nil {
		t.Fatalf("ChunkEnvelope: %v", err)
	}
	for _, c := range chunks {
		if HeaderSize+len(c.Payload) > MaxChunkSize {
			t.Fatalf("chunk payload %d exceeds bound", len(c.Payload))
		}
	}
}

func TestParseChunkRejectsBadMagicAndShortBuffers(t *testing.T) {
	if _, err := ParseChunk([]byte{1, 2, 3}); err == nil {
		t.Fatalf("expected error for short buffer")
	}
	bad := make([]byte, HeaderSize)
	bad[0], bad[1] = 'X', 'Y'
	if _, err := ParseChunk(bad); err == nil {
		t.Fatalf("expected error for bad magic")
	}
}

func TestChunkHeaderRoundTrip(t *testing.T) {
	c := Chunk{Flags: FlagAck, ShortID: shortIDBytes("abcd"), Seq: 3, Total: 7, Payload: []byte("hello")}
	encoded := c.Encode()
	parsed, err := ParseChunk(encoded)
	if err != nil {
		t.Fatalf("ParseChunk: %v", err)
	}
	if parsed.Flags != c.Flags || parsed.Seq != c.Seq || parsed.Total != c.Total {
		t.Fatalf("header mismatch: %+v", parsed)
	}
	if string(parsed.Payload) != "hello" {
		t.Fatalf("payload mismatch: %q", parsed.Payload)
	}
	if parsed.ShortIDString() != "abcd" {
		t.Fatalf("short id mismatch: %q", parsed.ShortIDString())
	}
}

func TestNackPayloadRoundTrip(t *testing.T) {
	missing := []uint16{2, 5, 9, 65535}
	chunk := BuildNackChunk("msgid", missing)
	if chunk.Flags != FlagNack {
		t.Fatalf("expected nack flag")
	}
	got, err := ParseNackPayload(chunk.Payload)
	if err != nil {
		t.Fatalf("ParseNackPayload: %v", err)
	}
	if len(got) != len(missing) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(missing))
	}
	for i := range missing {
		if got[i] != missing[i] {
			t.Fatalf("seq %d mismatch: got %d want %d", i, got[i], missing[i])
		}
	}
}

func TestNackPayloadCapsAtMaxEntries(t *testing.T) {
	missing := make([]uint16, 400)
	for i := range missing {
		missing[i] = uint16(i + 1)
	}
	chunk := BuildNackChunk("msgid", missing)
	got, err := ParseNackPayload(chunk.Payload)
	if err != nil {
		t.Fatalf("ParseNackPayload: %v", err)
	}
	if len(got) != MaxNackEntries {
		t.Fatalf("expected capped at %d entries, got %d", MaxNackEntries, len(got))
	}
}

func TestBuildAckChunkCarriesFullPayload(t *testing.T) {
	c := BuildAckChunk("msgid", "all_received|req-0001")
	if c.Flags != FlagAck || c.Seq != 1 || c.Total != 1 {
		t.Fatalf("unexpected ack chunk shape: %+v", c)
	}
	if string(c.Payload) != "all_received|req-0001" {
		t.Fatalf("payload mismatch: %q", c.Payload)
	}
}
