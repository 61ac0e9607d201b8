// Package reassembly reconstructs a compressed envelope from its chunks,
// tracking per-message TTL, duplicate-chunk safety, and throttled
// gap-detection for NACK-driven retransmission. Mirrors
// atlas_meshtastic_bridge/reassembly.py.
package reassembly

import (
	"errors"
	"sync"
	"time"
)

// ErrInconsistentSequence is returned (and the bucket discarded) when a
// message reports itself complete (received count == total) but the
// received sequence numbers are not exactly {1..total} — a malformed or
// corrupted chunk stream.
var ErrInconsistentSequence = errors.New("reassembly: inconsistent chunk sequence, message discarded")

type bucket struct {
	received     map[uint16][]byte
	total        uint16
	created      time.Time
	ttl          time.Duration
	nackCounts   map[uint16]int
	lastNackSet  map[uint16]bool
	lastNackTime time.Time
	everNacked   bool
}

// Config holds the reassembler's timing and throttling parameters.
type Config struct {
	// BaseTTL is the minimum lifetime granted to any bucket.
	BaseTTL time.Duration
	// PerChunkTTL extends a bucket's lifetime per additional chunk beyond
	// the first, up to MaxTTL.
	PerChunkTTL time.Duration
	// MaxTTL caps the extended lifetime regardless of chunk count.
	MaxTTL time.Duration
	// NackMaxPerSeq bounds how many times a single missing sequence is
	// re-requested before the reassembler gives up on it.
	NackMaxPerSeq int
	// NackInterval is the minimum time between re-NACKs for an unchanged
	// missing set.
	NackInterval time.Duration
	// ExtendShortTTL, when false (default), disables the per-chunk TTL
	// extension entirely if BaseTTL is already shorter than PerChunkTTL —
	// a deliberately short base TTL is assumed intentional and not meant
	// to be stretched by chunk count.
	ExtendShortTTL bool
}

// DefaultConfig mirrors the reference's constructor defaults.
func DefaultConfig() Config {
	return Config{
		BaseTTL:       120 * time.Second,
		PerChunkTTL:   2 * time.Second,
		MaxTTL:        600 * time.Second,
		NackMaxPerSeq: 5,
		NackInterval:  1 * time.Second,
	}
}

// Reassembler holds in-flight per-message chunk buckets.
type Reassembler struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

// New constructs a Reassembler with the given configuration.
func New(cfg Config) *Reassembler {
	return &Reassembler{cfg: cfg, buckets: make(map[string]*bucket)}
}

func (r *Reassembler) effectiveTTL(total uint16) time.Duration {
	if r.cfg.BaseTTL < r.cfg.PerChunkTTL && !r.cfg.ExtendShortTTL {
		return r.cfg.BaseTTL
	}
	extra := int(total) - 1
	if extra < 0 {
		extra = 0
	}
	ttl := r.cfg.BaseTTL + time.Duration(extra)*r.cfg.PerChunkTTL
	if ttl > r.cfg.MaxTTL {
		ttl = r.cfg.MaxTTL
	}
	if ttl < r.cfg.BaseTTL {
		ttl = r.cfg.BaseTTL
	}
	return ttl
}

// AddChunk stores a chunk's payload and returns the reconstructed message
// bytes once every sequence 1..total has arrived. complete is false (and
// message nil) while the message is still in flight.
func (r *Reassembler) AddChunk(shortID string, seq, total uint16, payload []byte, now time.Time) (message []byte, complete bool, err error) {
	message, complete, _, _, err = r.addChunk(shortID, seq, total, payload, now)
	return message, complete, err
}

// AddChunkWithMissing is AddChunk plus throttled gap detection: missing
// lists sequence numbers below the highest seen seq that have not yet
// arrived, and shouldNack reports whether this gap is new enough (or the
// throttle interval has elapsed) to justify sending another NACK.
func (r *Reassembler) AddChunkWithMissing(shortID string, seq, total uint16, payload []byte, now time.Time) (message []byte, complete bool, missing []uint16, shouldNack bool, err error) {
	return r.addChunk(shortID, seq, total, payload, now)
}

func (r *Reassembler) addChunk(shortID string, seq, total uint16, payload []byte, now time.Time) ([]byte, bool, []uint16, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.buckets[shortID]
	if ok && now.Sub(b.created) > b.ttl {
		delete(r.buckets, shortID)
		ok = false
	}
	if !ok {
		b = &bucket{
			received:    make(map[uint16][]byte),
			total:       total,
			created:     now,
			ttl:         r.effectiveTTL(total),
			nackCounts:  make(map[uint16]int),
			lastNackSet: make(map[uint16]bool),
		}
		r.buckets[shortID] = b
	} else if total > b.total {
		b.total = total
		if newTTL := r.effectiveTTL(total); newTTL > b.ttl {
			b.ttl = newTTL
		}
	}

	if _, dup := b.received[seq]; dup {
		missing, shouldNack := r.gapsLocked(b, false, now)
		return nil, false, missing, shouldNack, nil
	}
	b.received[seq] = payload

	if uint16(len(b.received)) >= b.total {
		for s := uint16(1); s <= b.total; s++ {
			if _, present := b.received[s]; !present {
				delete(r.buckets, shortID)
				return nil, false, nil, false, ErrInconsistentSequence
			}
		}
		if len(b.received) != int(b.total) {
			delete(r.buckets, shortID)
			return nil, false, nil, false, ErrInconsistentSequence
		}
		msg := reconstruct(b)
		delete(r.buckets, shortID)
		return msg, true, nil, false, nil
	}

	missing, shouldNack := r.gapsLocked(b, false, now)
	return nil, false, missing, shouldNack, nil
}

func reconstruct(b *bucket) []byte {
	out := make([]byte, 0)
	for seq := uint16(1); seq <= b.total; seq++ {
		out = append(out, b.received[seq]...)
	}
	return out
}

func highestReceived(b *bucket) uint16 {
	var highest uint16
	for seq := range b.received {
		if seq > highest {
			highest = seq
		}
	}
	return highest
}

// gapsLocked computes the missing sequence set and whether it is worth
// sending a NACK for right now, applying the per-seq cap and the minimum
// re-NACK interval. Caller must hold r.mu.
func (r *Reassembler) gapsLocked(b *bucket, force bool, now time.Time) ([]uint16, bool) {
	highest := highestReceived(b)
	upper := highest
	if force {
		upper = b.total
	}
	var missing []uint16
	for seq := uint16(1); seq <= upper; seq++ {
		if seq >= highest && !force {
			break
		}
		if _, ok := b.received[seq]; ok {
			continue
		}
		if b.nackCounts[seq] >= r.cfg.NackMaxPerSeq {
			continue
		}
		missing = append(missing, seq)
	}
	if len(missing) == 0 {
		return nil, false
	}

	changed := !sameSet(missing, b.lastNackSet)
	elapsed := !b.everNacked || now.Sub(b.lastNackTime) >= r.cfg.NackInterval
	should := changed || elapsed
	if should {
		b.lastNackSet = toSet(missing)
		b.lastNackTime = now
		b.everNacked = true
		for _, seq := range missing {
			b.nackCounts[seq]++
		}
	}
	return missing, should
}

func toSet(seqs []uint16) map[uint16]bool {
	out := make(map[uint16]bool, len(seqs))
	for _, s := range seqs {
		out[s] = true
	}
	return out
}

func sameSet(seqs []uint16, set map[uint16]bool) bool {
	if len(seqs) != len(set) {
		return false
	}
	for _, s := range seqs {
		if !set[s] {
			return false
		}
	}
	return true
}

// MissingSequences reports the current gap set for an in-flight message
// without consuming the NACK throttle. When force is true, trailing gaps
// beyond the highest received sequence (up to total) are included too —
// used when giving up on further chunks and demanding everything left.
func (r *Reassembler) MissingSequences(shortID string, force bool) []uint16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.buckets[shortID]
	if !ok {
		return nil
	}
	highest := highestReceived(b)
	upper := highest
	if force {
		upper = b.total
	}
	var missing []uint16
	for seq := uint16(1); seq <= upper; seq++ {
		if seq >= highest && !force {
			break
		}
		if _, present := b.received[seq]; !present {
			missing = append(missing, seq)
		}
	}
	return missing
}

// Prune deletes any bucket whose TTL has elapsed as of now.
func (r *Reassembler) Prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, b := range r.buckets {
		if now.Sub(b.created) > b.ttl {
			delete(r.buckets, id)
		}
	}
}

// Len reports the number of in-flight buckets, for diagnostics/tests.
func (r *Reassembler) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets)
}
