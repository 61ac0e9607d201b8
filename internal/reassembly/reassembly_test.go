package reassembly

import (
	"testing"
	"time"
)

func TestAddChunkCompletesInOrder(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Unix(1000, 0)

	if _, complete, err := r.AddChunk("short1", 1, 3, []byte("a"), now); err != nil || complete {
		t.Fatalf("unexpected: complete=%v err=%v", complete, err)
	}
	if _, complete, err := r.AddChunk("short1", 2, 3, []byte("b"), now); err != nil || complete {
		t.Fatalf("unexpected: complete=%v err=%v", complete, err)
	}
	msg, complete, err := r.AddChunk("short1", 3, 3, []byte("c"), now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !complete {
		t.Fatalf("expected completion on final chunk")
	}
	if string(msg) != "abc" {
		t.Fatalf("reconstructed mismatch: %q", msg)
	}
	if r.Len() != 0 {
		t.Fatalf("expected bucket cleanup after completion")
	}
}

func TestAddChunkCompletesOutOfOrder(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Unix(2000, 0)

	r.AddChunk("short2", 3, 3, []byte("c"), now)
	r.AddChunk("short2", 1, 3, []byte("a"), now)
	msg, complete, err := r.AddChunk("short2", 2, 3, []byte("b"), now)
	if err != nil || !complete {
		t.Fatalf("expected complete, got complete=%v err=%v", complete, err)
	}
	if string(msg) != "abc" {
		t.Fatalf("out-of-order reconstruction mismatch: %q", msg)
	}
}

func TestAddChunkDuplicateIsSafe(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Unix(3000, 0)

	r.AddChunk("short3", 1, 2, []byte("a"), now)
	_, complete, err := r.AddChunk("short3", 1, 2, []byte("a-dup"), now)
	if err != nil || complete {
		t.Fatalf("duplicate chunk should be a safe no-op, got complete=%v err=%v", complete, err)
	}
	msg, complete, err := r.AddChunk("short3", 2, 2, []byte("b"), now)
	if err != nil || !complete {
		t.Fatalf("expected completion, got complete=%v err=%v", complete, err)
	}
	if string(msg) != "ab" {
		t.Fatalf("duplicate should not overwrite original payload: %q", msg)
	}
}

func TestGapOnlyBelowHighestTriggersNack(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Unix(4000, 0)

	// Seq 1 then seq 4 arrives: seq 2,3 are gaps below highest(4).
	r.AddChunk("short4", 1, 5, []byte("a"), now)
	_, complete, missing, shouldNack, err := r.AddChunkWithMissing("short4", 4, 5, []byte("d"), now)
	if err != nil || complete {
		t.Fatalf("unexpected: complete=%v err=%v", complete, err)
	}
	if len(missing) != 2 || missing[0] != 2 || missing[1] != 3 {
		t.Fatalf("expected gaps [2 3], got %v", missing)
	}
	if !shouldNack {
		t.Fatalf("expected shouldNack true on first sighting of a gap")
	}
	// Seq 5 (the trailing chunk) has not arrived and lies above the highest
	// received seq (4), so it is not a "gap below highest" and must not
	// appear in a non-forced gap query.
	missingAfter := r.MissingSequences("short4", false)
	if len(missingAfter) != 2 {
		t.Fatalf("expected same 2 gaps before seq 5 arrives, got %v", missingAfter)
	}
}

func TestForceIncludesTrailingGaps(t *testing.T) {
	r := New(DefaultConfig())
	now := time.Unix(5000, 0)
	r.AddChunk("short5", 1, 4, []byte("a"), now)
	r.AddChunk("short5", 2, 4, []byte("b"), now)
	// seq 3,4 never arrive; highest is 2 so a non-forced query sees no
	// gaps below highest, but a forced query should surface 3 and 4.
	if gaps := r.MissingSequences("short5", false); len(gaps) != 0 {
		t.Fatalf("expected no non-forced gaps, got %v", gaps)
	}
	gaps := r.MissingSequences("short5", true)
	if len(gaps) != 2 || gaps[0] != 3 || gaps[1] != 4 {
		t.Fatalf("expected forced trailing gaps [3 4], got %v", gaps)
	}
}

func TestNackThrottleSuppressesRepeatWithinInterval(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NackInterval = 10 * time.Second
	r := New(cfg)
	now := time.Unix(6000, 0)

	r.AddChunk("short6", 1, 4, []byte("a"), now)
	_, _, _, shouldNack1, _ := r.AddChunkWithMissing("short6", 3, 4, []byte("c"), now)
	if !shouldNack1 {
		t.Fatalf("expected first gap sighting to nack")
	}

	// Same message, same gap set, well within the throttle interval: a
	// duplicate delivery of chunk 3 should not trigger a fresh NACK signal.
	soon := now.Add(1 * time.Second)
	_, _, missing2, shouldNack2, _ := r.AddChunkWithMissing("short6", 3, 4, []byte("c"), soon)
	if shouldNack2 {
		t.Fatalf("expected throttle to suppress repeat nack for unchanged gap set")
	}
	if len(missing2) != 1 || missing2[0] != 2 {
		t.Fatalf("expected gap [2] still reported, got %v", missing2)
	}
}

func TestBucketExpiresAfterTTL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTTL = 5 * time.Second
	cfg.PerChunkTTL = 0
	r := New(cfg)
	now := time.Unix(7000, 0)

	r.AddChunk("short7", 1, 2, []byte("a"), now)
	late := now.Add(10 * time.Second)
	_, complete, err := r.AddChunk("short7", 2, 2, []byte("b"), late)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if complete {
		t.Fatalf("expired bucket should have been discarded, not completed")
	}
	if r.Len() != 1 {
		t.Fatalf("expired bucket should be replaced by a fresh one for the late chunk")
	}
}

func TestPruneRemovesExpiredBuckets(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseTTL = 1 * time.Second
	cfg.PerChunkTTL = 0
	r := New(cfg)
	now := time.Unix(8000, 0)
	r.AddChunk("short8", 1, 2, []byte("a"), now)
	r.Prune(now.Add(5 * time.Second))
	if r.Len() != 0 {
		t.Fatalf("expected prune to remove expired bucket")
	}
}
