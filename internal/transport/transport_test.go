package transport

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/atlas-mesh/meshbridge/internal/dedupe"
	"github.com/atlas-mesh/meshbridge/internal/envelope"
	"github.com/atlas-mesh/meshbridge/internal/framing"
	"github.com/atlas-mesh/meshbridge/internal/radio"
	"github.com/atlas-mesh/meshbridge/internal/reassembly"
	"github.com/atlas-mesh/meshbridge/internal/reliability"
	"github.com/atlas-mesh/meshbridge/internal/spool"
)

func newTestTransport(t *testing.T, nodeID string, bus *radio.Bus, strategy reliability.Strategy) *Transport {
	t.Helper()
	r := radio.NewInMemory(nodeID, bus)
	d := dedupe.New(dedupe.DefaultConfig())
	re := reassembly.New(reassembly.DefaultConfig())
	sp := spool.Open(spool.DefaultConfig(filepath.Join(t.TempDir(), "spool.json")))
	return New(r, d, re, sp, strategy, nil, Config{EnableSpool: true})
}

func TestSendMessageWithoutSpoolDeliversMultiChunk(t *testing.T) {
	bus := radio.NewBus()
	sender := newTestTransport(t, "client", bus, reliability.NoAckNack{})
	sender.cfg.EnableSpool = false
	// The padding below compresses well, so a small segment size is what
	// forces the encoded envelope across several chunks.
	sender.cfg.SegmentSize = framing.MinSegmentSize
	receiver := newTestTransport(t, "gateway", bus, reliability.NoAckNack{})

	env := &envelope.Envelope{
		ID:      "req-0000000001",
		Type:    envelope.TypeRequest,
		Command: "checkin_entity",
		Data: map[string]any{
			"entity_id": "rover-1",
			"note":      "payload padded to force multiple chunks ........................................................................................................................................................................................................................................",
		},
	}

	encoded, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	chunks, err := framing.ChunkEnvelope(env.ID, encoded, sender.cfg.SegmentSize)
	if err != nil {
		t.Fatalf("ChunkEnvelope: %v", err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected the envelope to span multiple chunks, got %d", len(chunks))
	}

	if err := sender.SendMessage(env, "gateway"); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	var gotSender string
	var gotEnv *envelope.Envelope
	for time.Now().Before(deadline) {
		s, e, err := receiver.ReceiveMessage(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if e != nil {
			gotSender, gotEnv = s, e
			break
		}
	}
	if gotEnv == nil {
		t.Fatalf("expected a fully reassembled message before deadline")
	}
	if gotSender != "client" {
		t.Fatalf("unexpected sender: %q", gotSender)
	}
	if gotEnv.ID != env.ID || gotEnv.Command != env.Command {
		t.Fatalf("reassembled envelope mismatch: %+v", gotEnv)
	}
	if gotEnv.Data["entity_id"] != "rover-1" {
		t.Fatalf("reassembled data mismatch: %+v", gotEnv.Data)
	}
}

func TestEnqueueTickDrivesSpooledDelivery(t *testing.T) {
	bus := radio.NewBus()
	sender := newTestTransport(t, "client", bus, reliability.NoAckNack{})
	receiver := newTestTransport(t, "gateway", bus, reliability.NoAckNack{})

	env := &envelope.Envelope{
		ID:      "req-0000000002",
		Type:    envelope.TypeRequest,
		Command: "health_check",
		Data:    map[string]any{},
	}
	sender.Enqueue(env, "gateway")

	now := time.Now()
	for i := 0; i < 5; i++ {
		if err := sender.Tick(now); err != nil {
			t.Fatalf("Tick: %v", err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	var gotEnv *envelope.Envelope
	for time.Now().Before(deadline) {
		_, e, err := receiver.ReceiveMessage(100 * time.Millisecond)
		if err != nil {
			t.Fatalf("ReceiveMessage: %v", err)
		}
		if e != nil {
			gotEnv = e
			break
		}
	}
	if gotEnv == nil {
		t.Fatalf("expected spooled message to be delivered via Tick")
	}
	if gotEnv.ID != env.ID {
		t.Fatalf("unexpected envelope id: %s", gotEnv.ID)
	}
}

func TestEnqueueDropsAckAndResponseTypes(t *testing.T) {
	bus := radio.NewBus()
	sender := newTestTransport(t, "client", bus, reliability.NoAckNack{})
	env := &envelope.Envelope{ID: "resp-1", Type: envelope.TypeResponse, Data: map[string]any{}}
	sender.Enqueue(env, "gateway")
	if sender.Spool.Has("resp-1") {
		t.Fatalf("response envelopes must never be spooled")
	}
}

func TestShouldProcessSuppressesDuplicateRequest(t *testing.T) {
	bus := radio.NewBus()
	receiver := newTestTransport(t, "gateway", bus, reliability.NoAckNack{})
	env := &envelope.Envelope{ID: "req-dup", Type: envelope.TypeRequest, Command: "test_echo", Data: map[string]any{}}

	if !receiver.ShouldProcess("!123", env) {
		t.Fatalf("first sighting of a request should be processed")
	}
	if receiver.ShouldProcess("!123", env) {
		t.Fatalf("retransmitted request should be suppressed as a duplicate")
	}
}
