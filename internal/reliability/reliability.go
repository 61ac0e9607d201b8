// Package reliability implements the pluggable ACK/NACK handshake
// strategies layered on top of the chunk framer: the transport core calls
// into a Strategy at send/receive milestones, and the strategy decides
// what control chunks to emit and when a message is considered fully
// delivered. Mirrors atlas_meshtastic_bridge/reliability/base.py.
package reliability

import (
	"strings"

	"github.com/charmbracelet/log"
)

// Sender is the subset of transport operations a Strategy needs to drive
// the handshake: emitting control chunks, resending cached chunks on
// NACK, and retiring transport/spool bookkeeping once a message is
// confirmed delivered.
type Sender interface {
	SendAck(shortID string, payload string)
	SendNack(shortID string, missing []uint16)
	ResendChunks(shortID string, seqs []uint16)
	DropChunkCache(shortID string)
	SpoolAck(messageID string)
}

// Strategy is the pluggable ACK/NACK handshake contract.
type Strategy interface {
	Name() string
	// OnSend fires when a message's first chunk is about to be sent.
	OnSend(s Sender, shortID, messageID string)
	// OnChunksSent fires once every chunk of a message has been sent at
	// least once.
	OnChunksSent(s Sender, shortID, messageID string, totalChunks int, lastChunk []byte)
	// HandleControl processes an inbound ACK/NACK chunk; it returns true
	// if the chunk was a control frame this strategy consumed (the
	// transport should not hand it to the reassembler).
	HandleControl(s Sender, shortID string, flags byte, payload []byte) bool
	// OnMissing fires when the reassembler reports a gap worth NACKing.
	OnMissing(s Sender, shortID string, missing []uint16)
	// OnComplete fires once a message has been fully reassembled.
	OnComplete(s Sender, shortID, messageID string)
}

const (
	flagAck  byte = 0x01
	flagNack byte = 0x02
)

// --- none -------------------------------------------------------------

// NoAckNack absorbs control chunks and otherwise does nothing: delivery is
// best-effort with no retransmission.
type NoAckNack struct{}

func (NoAckNack) Name() string { return "none" }

func (NoAckNack) OnSend(Sender, string, string) {}

func (NoAckNack) OnChunksSent(Sender, string, string, int, []byte) {}

func (NoAckNack) OnMissing(Sender, string, []uint16) {}

func (NoAckNack) OnComplete(Sender, string, string) {}

func (NoAckNack) HandleControl(_ Sender, _ string, flags byte, _ []byte) bool {
	return flags&(flagAck|flagNack) != 0
}

// --- simple -------------------------------------------------------------

// Simple sends a bare-id ACK on completion and a plain NACK on gaps; an
// inbound ACK is matched by decoding the full message id from its payload.
type Simple struct{}

func (Simple) Name() string { return "simple" }
func (Simple) OnSend(Sender, string, string)                    {}
func (Simple) OnChunksSent(Sender, string, string, int, []byte) {}

func (Simple) HandleControl(s Sender, shortID string, flags byte, payload []byte) bool {
	switch {
	case flags&flagNack != 0:
		missing := decodeMissingPayload(payload)
		s.ResendChunks(shortID, missing)
		return true
	case flags&flagAck != 0:
		ackID := strings.TrimSpace(string(payload))
		if ackID == "" {
			log.Warn("reliability/simple: ack payload empty, cannot match spool entry", "short_id", shortID)
			return true
		}
		s.DropChunkCache(shortID)
		s.SpoolAck(ackID)
		return true
	}
	return false
}

func (Simple) OnMissing(s Sender, shortID string, missing []uint16) {
	s.SendNack(shortID, missing)
}

func (Simple) OnComplete(s Sender, shortID, messageID string) {
	s.SendAck(shortID, messageID)
}

// --- stage ---------------------------------------------------------------

// Stage runs a three-phase handshake: announce -> complete ->
// all_received. The sender emits announce and complete; the receiver
// answers announce with announce_ack and sends all_received when
// reassembly finishes. A received "complete" frame is consumed without a
// reply: no repair NACK is sent for chunks still missing at that point.
type Stage struct{}

func (Stage) Name() string { return "stage" }

func (Stage) OnSend(s Sender, shortID, messageID string) {
	s.SendAck(shortID, "announce|"+messageID)
}

func (Stage) OnChunksSent(s Sender, shortID, messageID string, totalChunks int, lastChunk []byte) {
	s.SendAck(shortID, "complete|"+messageID)
}

func (Stage) HandleControl(s Sender, shortID string, flags byte, payload []byte) bool {
	if flags&flagNack != 0 {
		missing := decodeMissingPayload(payload)
		s.ResendChunks(shortID, missing)
		return true
	}
	if flags&flagAck == 0 {
		return false
	}
	text := string(payload)
	switch {
	case strings.HasPrefix(text, "announce|"):
		s.SendAck(shortID, "announce_ack|"+strings.TrimPrefix(text, "announce|"))
		return true
	case strings.HasPrefix(text, "complete|"):
		// Consumed without a reply. Gap NACKs come only from OnMissing
		// during reassembly, and all_received only from OnComplete.
		return true
	case strings.HasPrefix(text, "all_received|"):
		msgID := strings.TrimPrefix(text, "all_received|")
		s.DropChunkCache(shortID)
		s.SpoolAck(msgID)
		return true
	case strings.HasPrefix(text, "announce_ack|"):
		return true
	}
	return false
}

func (Stage) OnMissing(s Sender, shortID string, missing []uint16) {
	s.SendNack(shortID, missing)
}

func (Stage) OnComplete(s Sender, shortID, messageID string) {
	s.SendAck(shortID, "all_received|"+messageID)
}

// --- window (default) -----------------------------------------------------

// Window is the default strategy: the sender follows a multi-chunk
// message with a bitmap_req frame (none for single-chunk messages), the
// receiver sends all_received on completion, and gap NACKs are capped at
// MaxNack entries per round. A received bitmap_req is consumed without a
// reply: it triggers neither a NACK nor an all_received.
type Window struct {
	MaxNack int
}

// NewWindow constructs a Window strategy with the given per-round NACK cap.
func NewWindow(maxNack int) *Window {
	if maxNack <= 0 {
		maxNack = 5
	}
	return &Window{MaxNack: maxNack}
}

func (w *Window) Name() string { return "window" }

func (w *Window) OnSend(Sender, string, string) {}

func (w *Window) OnChunksSent(s Sender, shortID, messageID string, totalChunks int, lastChunk []byte) {
	if totalChunks <= 1 {
		return
	}
	s.SendAck(shortID, "bitmap_req|"+messageID)
}

func (w *Window) HandleControl(s Sender, shortID string, flags byte, payload []byte) bool {
	if flags&flagNack != 0 {
		missing := decodeMissingPayload(payload)
		s.ResendChunks(shortID, missing)
		return true
	}
	if flags&flagAck == 0 {
		return false
	}
	text := string(payload)
	switch {
	case strings.HasPrefix(text, "bitmap_req|"):
		return true
	case strings.HasPrefix(text, "all_received|"):
		msgID, ok := parseAllReceivedID(text, shortID)
		if !ok {
			log.Warn("reliability/window: malformed all_received payload, falling back to short id prefix", "short_id", shortID)
		}
		s.DropChunkCache(shortID)
		s.SpoolAck(msgID)
		return true
	}
	return false
}

func parseAllReceivedID(text, shortID string) (string, bool) {
	parts := strings.SplitN(text, "|", 2)
	if len(parts) == 2 && parts[1] != "" {
		return parts[1], true
	}
	return shortID, false
}

func (w *Window) OnMissing(s Sender, shortID string, missing []uint16) {
	if len(missing) > w.MaxNack {
		missing = missing[:w.MaxNack]
	}
	s.SendNack(shortID, missing)
}

func (w *Window) OnComplete(s Sender, shortID, messageID string) {
	s.SendAck(shortID, "all_received|"+messageID)
}

// --- window_fec -----------------------------------------------------------

// WindowFEC extends Window with one opportunistic duplicate of the final
// chunk after the regular send pass, trading a little bandwidth for a
// chance of surviving a single dropped last chunk without a round trip.
type WindowFEC struct {
	Window
	// DuplicateLastChunk is set by OnChunksSent when there is a final
	// chunk to repeat, and is consulted by the transport core, which then
	// sends that chunk once more; kept as a plain flag rather than a
	// callback so Sender does not need a chunk-send method.
	DuplicateLastChunk bool
}

// NewWindowFEC constructs a WindowFEC strategy with the given per-round
// NACK cap.
func NewWindowFEC(maxNack int) *WindowFEC {
	return &WindowFEC{Window: *NewWindow(maxNack)}
}

func (w *WindowFEC) Name() string { return "window_fec" }

func (w *WindowFEC) OnChunksSent(s Sender, shortID, messageID string, totalChunks int, lastChunk []byte) {
	w.Window.OnChunksSent(s, shortID, messageID, totalChunks, lastChunk)
	w.DuplicateLastChunk = len(lastChunk) > 0
}

// --- shared helpers --------------------------------------------------------

func decodeMissingPayload(payload []byte) []uint16 {
	if len(payload) < 1 {
		return nil
	}
	count := int(payload[0])
	need := 1 + 2*count
	if len(payload) < need {
		return nil
	}
	out := make([]uint16, count)
	for i := 0; i < count; i++ {
		out[i] = uint16(payload[1+2*i])<<8 | uint16(payload[2+2*i])
	}
	return out
}

// StrategyFromName resolves a configured reliability method name to a
// Strategy instance, defaulting to Window for an unrecognized name.
func StrategyFromName(name string, maxNack int) Strategy {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "":
		return NewWindow(maxNack)
	case "none":
		return NoAckNack{}
	case "simple", "ack", "ack_nack":
		return Simple{}
	case "stage", "staged":
		return Stage{}
	case "window", "selective", "selective_repeat":
		return NewWindow(maxNack)
	case "window_fec", "window_parity", "selective_fec":
		return NewWindowFEC(maxNack)
	default:
		log.Warn("reliability: unknown strategy name, defaulting to window", "name", name)
		return NewWindow(maxNack)
	}
}
