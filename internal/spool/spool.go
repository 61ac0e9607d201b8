// Package spool implements a durable, JSON-file-backed outbound queue with
// priority ordering and exponential backoff, so a message that cannot be
// sent immediately (link busy, reliability handshake pending) survives a
// process restart and is retried on a schedule. Mirrors
// atlas_meshtastic_bridge/spool.py.
package spool

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// maxBackoffMultiplier caps exponential backoff growth: once
// 2^(attempts-1) would exceed this, it is clamped, so retries settle into
// a steady cadence rather than growing unbounded.
const maxBackoffMultiplier = 16.0

// Entry is one outbound message awaiting (re)transmission.
type Entry struct {
	Envelope     map[string]any `json:"envelope"`
	Destination  string         `json:"destination"`
	Attempts     int            `json:"attempts"`
	NextRetry    float64        `json:"next_retry"`
	CreatedAt    float64        `json:"created_at"`
	LastActivity float64        `json:"last_activity"`
	Priority     int            `json:"priority"`
}

// ID returns the entry's envelope id.
func (e Entry) ID() string {
	if id, ok := e.Envelope["id"].(string); ok {
		return id
	}
	return ""
}

// document is the on-disk shape: {"entries": {<id>: <entry>, ...}}.
type document struct {
	Entries map[string]Entry `json:"entries"`
}

// Config holds the spool's retry and expiry parameters.
type Config struct {
	Path         string
	MaxAttempts  int
	BaseDelay    time.Duration
	Jitter       time.Duration
	ExpirySeconds time.Duration
}

// DefaultConfig mirrors the reference's constructor defaults.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		MaxAttempts:   5,
		BaseDelay:     2 * time.Second,
		Jitter:        500 * time.Millisecond,
		ExpirySeconds: 86400 * time.Second,
	}
}

// Spool is a durable prioritized outbound queue.
type Spool struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]Entry
}

// Open loads the spool file at cfg.Path; the file itself is first written
// by the first mutation that flushes. A missing or
// corrupt file is treated as an empty spool and logged, never raised, so a
// damaged spool file does not block startup.
func Open(cfg Config) *Spool {
	s := &Spool{cfg: cfg, entries: make(map[string]Entry)}
	s.load()
	return s
}

func (s *Spool) load() {
	if s.cfg.Path == "" {
		return
	}
	raw, err := os.ReadFile(s.cfg.Path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Warn("spool: failed to read spool file, starting empty", "path", s.cfg.Path, "err", err)
		}
		return
	}
	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		log.Warn("spool: spool file is corrupt, starting empty", "path", s.cfg.Path, "err", err)
		return
	}
	if doc.Entries != nil {
		s.entries = doc.Entries
	}
}

func (s *Spool) flushLocked() {
	if s.cfg.Path == "" {
		return
	}
	doc := document{Entries: s.entries}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		log.Error("spool: failed to marshal spool document", "err", err)
		return
	}
	dir := filepath.Dir(s.cfg.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Error("spool: failed to create spool directory", "path", dir, "err", err)
			return
		}
	}
	if err := os.WriteFile(s.cfg.Path, raw, 0o644); err != nil {
		log.Error("spool: failed to write spool file", "path", s.cfg.Path, "err", err)
	}
}

func nowSeconds(now time.Time) float64 {
	return float64(now.UnixNano()) / 1e9
}

// Add inserts envelope for destination if its id is not already spooled,
// then flushes to disk.
func (s *Spool) Add(envelope map[string]any, destination string, priority int, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, _ := envelope["id"].(string)
	if id == "" {
		return
	}
	if _, exists := s.entries[id]; exists {
		return
	}
	ts := nowSeconds(now)
	s.entries[id] = Entry{
		Envelope:     envelope,
		Destination:  destination,
		Attempts:     0,
		NextRetry:    ts,
		CreatedAt:    ts,
		LastActivity: ts,
		Priority:     priority,
	}
	s.flushLocked()
}

// MarkAttempt records a send attempt, advancing attempts and scheduling
// next_retry via jittered exponential backoff, then flushes.
func (s *Spool) MarkAttempt(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.Attempts++
	exp := math.Min(float64(e.Attempts-1), math.Log2(maxBackoffMultiplier))
	delay := s.cfg.BaseDelay.Seconds()*math.Pow(2, exp) + rand.Float64()*s.cfg.Jitter.Seconds()
	ts := nowSeconds(now)
	e.NextRetry = ts + delay
	e.LastActivity = ts
	s.entries[id] = e
	s.flushLocked()
}

// Ack removes id from the spool (the message was confirmed delivered) and
// flushes.
func (s *Spool) Ack(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[id]; !ok {
		return
	}
	delete(s.entries, id)
	s.flushLocked()
}

// Touch bumps last_activity without flushing to disk — intentionally
// crash-lossy to avoid a disk write on every liveness signal (e.g. each
// chunk sent for an in-flight multi-chunk message).
func (s *Spool) Touch(id string, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	e.LastActivity = nowSeconds(now)
	s.entries[id] = e
}

// DelayRetry extends next_retry by at least delay without flushing to
// disk, used when a reliability strategy wants to hold off resending
// without forcing a full attempt-counted retry.
func (s *Spool) DelayRetry(id string, delay time.Duration, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return
	}
	ts := nowSeconds(now)
	candidate := ts + delay.Seconds()
	if candidate > e.NextRetry {
		e.NextRetry = candidate
	}
	e.LastActivity = ts
	s.entries[id] = e
}

// Has reports whether id is currently spooled.
func (s *Spool) Has(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Depth reports the number of spooled entries.
func (s *Spool) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Due purges entries whose last_activity is older than ExpirySeconds
// (flushing if any were purged), then returns entries with attempts below
// MaxAttempts whose next_retry has arrived, sorted by (priority ascending,
// next_retry ascending).
func (s *Spool) Due(now time.Time) []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := nowSeconds(now)
	purged := false
	for id, e := range s.entries {
		if ts-e.LastActivity > s.cfg.ExpirySeconds.Seconds() {
			delete(s.entries, id)
			purged = true
		}
	}
	if purged {
		s.flushLocked()
	}

	ready := make([]Entry, 0)
	for _, e := range s.entries {
		if e.Attempts < s.cfg.MaxAttempts && e.NextRetry <= ts {
			ready = append(ready, e)
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority < ready[j].Priority
		}
		return ready[i].NextRetry < ready[j].NextRetry
	})
	return ready
}
