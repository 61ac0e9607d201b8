package dedupe

import (
	"testing"
	"time"
)

func TestCheckKeysSeedsOnFirstSightingOnly(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Unix(1000, 0)
	keys := BuildKeys("!abc123", "create_entity", "req-1", "", nil)

	if dup := d.CheckKeys(keys, 0, now); dup {
		t.Fatalf("first sighting must not be a duplicate")
	}
	if dup := d.CheckKeys(keys, 0, now.Add(1*time.Second)); !dup {
		t.Fatalf("retransmission of the same keys must be detected as duplicate")
	}
}

func TestCheckKeysDoesNotReseedNewCorrelationWhenSemanticKnown(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Unix(2000, 0)

	first := Keys{Message: "msg|1", Semantic: "task|complete_task|t1", HasSemantic: true}
	if dup := d.CheckKeys(first, 0, now); dup {
		t.Fatalf("first sighting must not be duplicate")
	}

	// Second message shares the semantic key but introduces a new
	// correlation key; since the semantic key is already known, it is
	// reported as a duplicate and the new correlation key is never seeded.
	second := Keys{
		Message: "msg|2", Semantic: "task|complete_task|t1", HasSemantic: true,
		Correlation: "corr|new", HasCorrelation: true,
	}
	if dup := d.CheckKeys(second, 0, now.Add(1*time.Second)); !dup {
		t.Fatalf("shared semantic key should mark as duplicate")
	}

	// The new correlation key was never seeded, so checking it alone in
	// isolation (without the semantic key) should NOT be seen as known.
	onlyCorr := Keys{Message: "msg|3", Correlation: "corr|new", HasCorrelation: true}
	if dup := d.CheckKeys(onlyCorr, 0, now.Add(2*time.Second)); dup {
		t.Fatalf("unseeded correlation key must not be reported as a duplicate")
	}
}

func TestAcquireAndReleaseLease(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Unix(3000, 0)

	if ok := d.AcquireLease("req-1", 0, now); !ok {
		t.Fatalf("first acquire must succeed")
	}
	if ok := d.AcquireLease("req-1", 0, now.Add(time.Second)); ok {
		t.Fatalf("second concurrent acquire must fail while leased")
	}
	d.ReleaseLease("req-1", 0, true, now.Add(2*time.Second))
	if ok := d.AcquireLease("req-1", 0, now.Add(3*time.Second)); !ok {
		t.Fatalf("acquire after release must succeed")
	}
}

func TestReleaseLeaseRemembersAsSeen(t *testing.T) {
	d := New(DefaultConfig())
	now := time.Unix(4000, 0)
	d.AcquireLease("req-1", 0, now)
	d.ReleaseLease("req-1", 0, true, now.Add(time.Second))
	if !d.Seen("req-1", now.Add(2*time.Second)) {
		t.Fatalf("remembered release should mark key as seen")
	}
}

func TestSeenEntriesExpire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LeaseSeconds = 1 * time.Second
	d := New(cfg)
	now := time.Unix(5000, 0)
	keys := BuildKeys("!abc", "health_check", "req-x", "", nil)
	d.CheckKeys(keys, 0, now)
	if dup := d.CheckKeys(keys, 0, now.Add(10*time.Second)); dup {
		t.Fatalf("expired seen entry must not be reported as duplicate")
	}
}

func TestLRUEnforcesMaxEntries(t *testing.T) {
	cfg := Config{MaxEntries: 2, LeaseSeconds: 1000 * time.Second}
	d := New(cfg)
	now := time.Unix(6000, 0)
	d.CheckKeys(Keys{Message: "a"}, 0, now)
	d.CheckKeys(Keys{Message: "b"}, 0, now)
	d.CheckKeys(Keys{Message: "c"}, 0, now)
	if d.Stats().Seen > 2 {
		t.Fatalf("seen ledger should be capped at MaxEntries, got %d", d.Stats().Seen)
	}
	if dup := d.CheckKeys(Keys{Message: "a"}, 0, now.Add(time.Second)); dup {
		t.Fatalf("oldest entry should have been evicted under LRU pressure")
	}
}

func TestBuildKeysOnlyAddsSemanticForTaskCommands(t *testing.T) {
	data := map[string]any{"task_id": "t9"}
	k := BuildKeys("!1", "complete_task", "req-1", "", data)
	if !k.HasSemantic {
		t.Fatalf("complete_task should produce a semantic key")
	}
	k2 := BuildKeys("!1", "create_entity", "req-2", "", data)
	if k2.HasSemantic {
		t.Fatalf("create_entity should not produce a semantic key even with task_id present")
	}
}
