// Package transport ties together the radio link, reassembler, deduper,
// spool, and reliability strategy into the single component the gateway
// and client drive: Enqueue/SendMessage to transmit, ReceiveMessage to
// receive, Tick/ProcessOutbox to advance the one-chunk-per-tick send state
// machine. Mirrors atlas_meshtastic_bridge/transport.py.
package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	gocache "github.com/patrickmn/go-cache"

	"github.com/atlas-mesh/meshbridge/internal/dedupe"
	"github.com/atlas-mesh/meshbridge/internal/envelope"
	"github.com/atlas-mesh/meshbridge/internal/framing"
	"github.com/atlas-mesh/meshbridge/internal/metrics"
	"github.com/atlas-mesh/meshbridge/internal/radio"
	"github.com/atlas-mesh/meshbridge/internal/reassembly"
	"github.com/atlas-mesh/meshbridge/internal/reliability"
	"github.com/atlas-mesh/meshbridge/internal/spool"
)

// RetryChunkDelay is the pause between successive resends when servicing
// a single NACK's missing-sequence list, so a burst of repair chunks does
// not itself collide on the half-duplex link.
const RetryChunkDelay = 100 * time.Millisecond

// ChunkProgress records the most recent chunk (or ACK) seen for a
// message, used by a client to detect liveness even before the full
// response has arrived.
type ChunkProgress struct {
	MessageID string
	Seq       uint16
	Total     uint16
	Timestamp time.Time
	IsAck     bool
}

type sendCursor struct {
	chunks      []framing.Chunk
	nextSeq     int
	destination string
	messageID   string
	shortID     string
}

// Config holds the transport's tunable parameters; zero values fall back
// to the defaults used by the reference implementation.
type Config struct {
	SegmentSize      int
	ChunkDelay       time.Duration
	EnableSpool      bool
	ChunkCacheTTL    time.Duration
	ProgressTTL      time.Duration
}

func (c Config) withDefaults() Config {
	if c.SegmentSize <= 0 {
		c.SegmentSize = framing.DefaultSegmentSize
	}
	if c.ChunkCacheTTL <= 0 {
		c.ChunkCacheTTL = 120 * time.Second
	}
	if c.ProgressTTL <= 0 {
		c.ProgressTTL = 60 * time.Second
	}
	return c
}

// Transport is the single component wiring the radio, reassembler,
// deduper, spool, and reliability strategy together.
type Transport struct {
	Radio       radio.Interface
	Deduper     *dedupe.Deduper
	Reassembler *reassembly.Reassembler
	Spool       *spool.Spool
	Strategy    reliability.Strategy
	Metrics     *metrics.Registry
	cfg         Config

	mu         sync.Mutex
	chunkCache *gocache.Cache // shortID -> map[uint16][]byte, sender-side resend cache
	cursors    map[string]*sendCursor
	progress   map[string]ChunkProgress // keyed by short id string
}

// New constructs a Transport from its component dependencies. The
// sender-side chunk cache is a patrickmn/go-cache instance: a TTL-expiring
// map with its own janitor goroutine, a natural fit for "remember these
// chunks for a while in case of a NACK" that needs no LRU ordering (unlike
// the deduper's seen ledger, which does).
func New(r radio.Interface, d *dedupe.Deduper, re *reassembly.Reassembler, sp *spool.Spool, strat reliability.Strategy, m *metrics.Registry, cfg Config) *Transport {
	withDefaults := cfg.withDefaults()
	return &Transport{
		Radio:       r,
		Deduper:     d,
		Reassembler: re,
		Spool:       sp,
		Strategy:    strat,
		Metrics:     m,
		cfg:         withDefaults,
		chunkCache:  gocache.New(withDefaults.ChunkCacheTTL, withDefaults.ChunkCacheTTL/2),
		cursors:     make(map[string]*sendCursor),
		progress:    make(map[string]ChunkProgress),
	}
}

func shortIDString(id string) string {
	arr := envelope.ShortID(id)
	n := len(arr)
	for n > 0 && arr[n-1] == 0 {
		n--
	}
	return string(arr[:n])
}

// --- outbound: enqueue / tick / send -------------------------------------

// Enqueue spools env for later transmission via Tick/ProcessOutbox. ACK
// and response envelopes are never spooled — they are always sent
// immediately by their caller — so enqueueing one here is an explicit,
// logged drop rather than a silent no-op.
func (t *Transport) Enqueue(env *envelope.Envelope, destination string) {
	if t.cfg.EnableSpool && env.Type != envelope.TypeAck && env.Type != envelope.TypeResponse {
		t.Spool.Add(env.ToMap(), destination, env.Priority, time.Now())
		t.metricInc("transport_messages_enqueued_total", "messages added to the outbound spool", nil)
		return
	}
	log.Warn("transport: dropping message, spooling unavailable", "id", env.ID, "type", env.Type)
	t.metricInc("transport_messages_dropped_total", "messages dropped before transmission", map[string]string{"reason": "no_spool"})
}

func (t *Transport) metricInc(name, help string, labels map[string]string) {
	if t.Metrics != nil {
		t.Metrics.Inc(name, help, labels)
	}
}

func (t *Transport) metricGauge(name, help string, value float64) {
	if t.Metrics != nil {
		t.Metrics.SetGauge(name, help, value, nil)
	}
}

func (t *Transport) recordSpoolDepth() {
	if t.Spool != nil {
		t.metricGauge("transport_spool_depth", "entries currently held in the outbound spool", float64(t.Spool.Depth()))
	}
}

func (t *Transport) getOrCreateChunks(entry spool.Entry) (*sendCursor, error) {
	messageID := entry.ID()
	short := shortIDString(messageID)

	t.mu.Lock()
	if c, ok := t.cursors[messageID]; ok {
		t.mu.Unlock()
		return c, nil
	}
	t.mu.Unlock()

	env := envelope.FromMap(entry.Envelope)
	encoded, err := envelope.Encode(env)
	if err != nil {
		return nil, fmt.Errorf("transport: encoding %s: %w", messageID, err)
	}
	chunks, err := framing.ChunkEnvelope(messageID, encoded, t.cfg.SegmentSize)
	if err != nil {
		return nil, fmt.Errorf("transport: chunking %s: %w", messageID, err)
	}

	cursor := &sendCursor{chunks: chunks, nextSeq: 1, destination: entry.Destination, messageID: messageID, shortID: short}
	t.mu.Lock()
	t.cursors[messageID] = cursor
	t.cacheChunksLocked(short, chunks)
	t.mu.Unlock()
	return cursor, nil
}

func (t *Transport) cacheChunksLocked(shortID string, chunks []framing.Chunk) {
	byChunk := make(map[uint16][]byte, len(chunks))
	for _, c := range chunks {
		byChunk[c.Seq] = c.Payload
	}
	t.chunkCache.Set(shortID, byChunk, t.cfg.ChunkCacheTTL)
}

// Tick advances the single-chunk-per-tick send state machine for the
// highest-priority due spool entry, if any: it sends at most one chunk of
// one message per call, calling the reliability strategy's OnSend hook
// before the first chunk and OnChunksSent once every chunk has gone out
// at least once.
func (t *Transport) Tick(now time.Time) error {
	if t.Spool == nil {
		return nil
	}
	due := t.Spool.Due(now)
	t.recordSpoolDepth()
	if len(due) == 0 {
		return nil
	}
	entry := due[0]

	cursor, err := t.getOrCreateChunks(entry)
	if err != nil {
		t.Spool.MarkAttempt(entry.ID(), now)
		return err
	}

	if cursor.nextSeq == 1 && t.Strategy != nil {
		t.Strategy.OnSend(t, cursor.shortID, cursor.messageID)
	}

	if cursor.nextSeq > len(cursor.chunks) {
		total := len(cursor.chunks)
		var lastPayload []byte
		if total > 0 {
			lastPayload = cursor.chunks[total-1].Payload
		}
		if t.Strategy != nil {
			t.Strategy.OnChunksSent(t, cursor.shortID, cursor.messageID, total, lastPayload)
		}
		if fec, ok := t.Strategy.(*reliability.WindowFEC); ok && fec.DuplicateLastChunk && total > 0 {
			t.sendChunk(cursor.destination, cursor.chunks[total-1])
		}
		t.Spool.MarkAttempt(entry.ID(), now)
		t.clearCursor(cursor.messageID)
		return nil
	}

	chunk := cursor.chunks[cursor.nextSeq-1]
	if err := t.sendChunk(cursor.destination, chunk); err != nil {
		t.Spool.MarkAttempt(entry.ID(), now)
		t.clearCursor(cursor.messageID)
		return err
	}
	cursor.nextSeq++
	t.Spool.Touch(entry.ID(), now)
	t.metricInc("transport_chunks_sent_total", "chunks transmitted", nil)
	return nil
}

func (t *Transport) clearCursor(messageID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.cursors, messageID)
}

func (t *Transport) sendChunk(destination string, c framing.Chunk) error {
	return t.Radio.Send(destination, c.Encode())
}

// ProcessOutbox calls Tick once for each currently-due spool entry. Each
// Tick works on whichever entry is highest-priority and due at that moment,
// so the calls advance the top entry by several chunks rather than every
// entry by one.
func (t *Transport) ProcessOutbox(now time.Time) {
	if t.Spool == nil {
		return
	}
	for range t.Spool.Due(now) {
		if err := t.Tick(now); err != nil {
			log.Warn("transport: tick failed while draining outbox", "err", err)
		}
	}
}

// SendMessage transmits env immediately. ACK and response envelopes are
// never spooled by Enqueue, so they always go out this direct path
// regardless of EnableSpool; every other envelope type is redirected to
// Enqueue when spooling is enabled (deprecated direct-send path, logged).
// Otherwise env is chunked and sent back-to-back with an optional delay
// between chunks.
func (t *Transport) SendMessage(env *envelope.Envelope, destination string) error {
	if t.cfg.EnableSpool && env.Type != envelope.TypeAck && env.Type != envelope.TypeResponse {
		log.Warn("transport: SendMessage called with spooling enabled, enqueueing instead", "id", env.ID)
		t.Enqueue(env, destination)
		return nil
	}
	encoded, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("transport: encoding %s: %w", env.ID, err)
	}
	chunks, err := framing.ChunkEnvelope(env.ID, encoded, t.cfg.SegmentSize)
	if err != nil {
		return fmt.Errorf("transport: chunking %s: %w", env.ID, err)
	}
	short := shortIDString(env.ID)
	t.mu.Lock()
	t.cacheChunksLocked(short, chunks)
	t.mu.Unlock()

	if t.Strategy != nil {
		t.Strategy.OnSend(t, short, env.ID)
	}
	for i, c := range chunks {
		if err := t.sendChunk(destination, c); err != nil {
			return err
		}
		if i < len(chunks)-1 && t.cfg.ChunkDelay > 0 {
			time.Sleep(t.cfg.ChunkDelay)
		}
	}
	if t.Strategy != nil {
		var lastPayload []byte
		if len(chunks) > 0 {
			lastPayload = chunks[len(chunks)-1].Payload
		}
		t.Strategy.OnChunksSent(t, short, env.ID, len(chunks), lastPayload)
	}
	return nil
}

// --- inbound: receive ----------------------------------------------------

func (t *Transport) recordProgress(shortID string, seq, total uint16, isAck bool, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.progress[shortID] = ChunkProgress{MessageID: shortID, Seq: seq, Total: total, Timestamp: now, IsAck: isAck}
	for id, p := range t.progress {
		if now.Sub(p.Timestamp) > t.cfg.ProgressTTL {
			delete(t.progress, id)
		}
	}
}

// LastChunkProgress reports the most recent chunk/ACK progress observed
// for messageID, matched by its short-id prefix.
func (t *Transport) LastChunkProgress(messageID string) (ChunkProgress, bool) {
	short := shortIDString(messageID)
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.progress[short]
	return p, ok
}

// ReceiveMessage blocks for the next inbound datagram up to timeout,
// parses its chunk header, and either hands a control frame to the
// reliability strategy or feeds it to the reassembler. It returns
// (sender, envelope) once a full message has been reconstructed, or
// (\"\", nil) if the deadline elapses with nothing complete.
func (t *Transport) ReceiveMessage(timeout time.Duration) (string, *envelope.Envelope, error) {
	dg, err := t.Radio.Receive(timeout)
	if err != nil {
		if err == radio.ErrTimeout {
			return "", nil, nil
		}
		return "", nil, err
	}

	chunk, err := framing.ParseChunk(dg.Payload)
	if err != nil {
		log.Warn("transport: dropping malformed chunk", "sender", dg.Sender, "err", err)
		return "", nil, nil
	}

	shortID := chunk.ShortIDString()
	now := time.Now()
	t.recordProgress(shortID, chunk.Seq, chunk.Total, chunk.Flags != 0, now)

	if chunk.Flags != 0 {
		if t.Strategy != nil && t.Strategy.HandleControl(t, shortID, chunk.Flags, chunk.Payload) {
			return "", nil, nil
		}
		return "", nil, nil
	}

	encoded, complete, missing, shouldNack, err := t.Reassembler.AddChunkWithMissing(shortID, chunk.Seq, chunk.Total, chunk.Payload, now)
	if err != nil {
		log.Warn("transport: discarding inconsistent message", "short_id", shortID, "err", err)
		return "", nil, nil
	}
	if shouldNack && t.Strategy != nil && len(missing) > 0 {
		t.Strategy.OnMissing(t, shortID, missing)
	}
	if !complete {
		return "", nil, nil
	}

	env, err := envelope.Decode(encoded)
	if err != nil {
		log.Warn("transport: failed to decode reassembled message", "short_id", shortID, "err", err)
		return "", nil, nil
	}
	if t.Strategy != nil {
		t.Strategy.OnComplete(t, shortID, env.ID)
	}
	t.metricInc("transport_messages_received_total", "fully reassembled inbound messages", nil)
	return dg.Sender, env, nil
}

// --- dedupe glue -----------------------------------------------------

// BuildDedupeKeys delegates to the dedupe package using sender+envelope.
func (t *Transport) BuildDedupeKeys(sender string, env *envelope.Envelope) dedupe.Keys {
	return dedupe.BuildKeys(sender, env.Command, env.ID, env.CorrelationID, env.Data)
}

func (t *Transport) leaseFor(env *envelope.Envelope) time.Duration {
	if v, ok := env.MetaFloat("lease_seconds"); ok && v > 0 {
		return time.Duration(v * float64(time.Second))
	}
	return 0
}

// ShouldProcess reports whether env is a fresh request that has not
// already been seen or is not already in progress, seeding the dedupe
// ledger as a side effect (see dedupe.Deduper.CheckKeys).
func (t *Transport) ShouldProcess(sender string, env *envelope.Envelope) bool {
	keys := t.BuildDedupeKeys(sender, env)
	lease := t.leaseFor(env)
	duplicate := t.Deduper.CheckKeys(keys, lease, time.Now())
	return !duplicate
}

// --- reliability.Sender implementation -----------------------------------

// SendAck transmits a single-chunk ACK control frame with the given
// payload text (a bare id, or a "phase|id" handshake message depending on
// the active strategy).
func (t *Transport) SendAck(shortID string, payload string) {
	t.sendControl(shortID, framing.BuildAckChunk(shortID, payload))
}

// SendNack transmits a single-chunk NACK control frame listing the
// missing sequence numbers.
func (t *Transport) SendNack(shortID string, missing []uint16) {
	t.sendControl(shortID, framing.BuildNackChunk(shortID, missing))
}

func (t *Transport) sendControl(shortID string, chunk framing.Chunk) {
	t.mu.Lock()
	cursor, ok := t.findCursorByShortID(shortID)
	t.mu.Unlock()
	destination := ""
	if ok {
		destination = cursor.destination
	}
	if err := t.Radio.Send(destination, chunk.Encode()); err != nil {
		log.Warn("transport: failed to send control chunk", "short_id", shortID, "err", err)
	}
}

func (t *Transport) findCursorByShortID(shortID string) (*sendCursor, bool) {
	for _, c := range t.cursors {
		if c.shortID == shortID {
			return c, true
		}
	}
	return nil, false
}

// ResendChunks retransmits the requested sequence numbers of shortID from
// the sender-side chunk cache, pacing each resend by RetryChunkDelay.
func (t *Transport) ResendChunks(shortID string, seqs []uint16) {
	t.mu.Lock()
	cached, ok := t.chunkCache.Get(shortID)
	var destination string
	if cursor, found := t.findCursorByShortID(shortID); found {
		destination = cursor.destination
	}
	t.mu.Unlock()
	if !ok {
		log.Warn("transport: nack for unknown or expired chunk cache entry", "short_id", shortID)
		return
	}
	byChunk := cached.(map[uint16][]byte)
	for i, seq := range seqs {
		payload, present := byChunk[seq]
		if !present {
			continue
		}
		chunk := framing.Chunk{ShortID: shortIDBytesOf(shortID), Seq: seq, Total: uint16(len(byChunk)), Payload: payload}
		_ = t.Radio.Send(destination, chunk.Encode())
		if i < len(seqs)-1 {
			time.Sleep(RetryChunkDelay)
		}
	}
}

func shortIDBytesOf(s string) [8]byte {
	var out [8]byte
	copy(out[:], s)
	return out
}

// DropChunkCache discards the cached chunks for shortID once the message
// is confirmed delivered.
func (t *Transport) DropChunkCache(shortID string) {
	t.chunkCache.Delete(shortID)
}

// SpoolAck acknowledges messageID in the spool, removing it from the
// retry queue.
func (t *Transport) SpoolAck(messageID string) {
	if t.Spool != nil {
		t.Spool.Ack(messageID)
	}
}

// PruneChunkCache forces an immediate sweep of expired sender-side chunk
// cache entries, ahead of go-cache's own janitor interval.
func (t *Transport) PruneChunkCache(_ time.Time) {
	t.chunkCache.DeleteExpired()
}
