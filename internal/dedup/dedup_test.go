package dedup

import (
	"testing"
	"time"
)

func TestShouldProceedBlocksWithinTTL(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g := NewGuard()
	g.Now = func() time.Time { return now }

	hash := ContentHash("Improve API latency", "waiting on infra", "high", "")
	if !g.ShouldProceed("uma", "report", hash, DefaultFormTTL) {
		t.Fatalf("first submission blocked")
	}
	if g.ShouldProceed("uma", "report", hash, DefaultFormTTL) {
		t.Fatalf("duplicate within ttl proceeded")
	}

	now = now.Add(DefaultFormTTL + time.Second)
	if !g.ShouldProceed("uma", "report", hash, DefaultFormTTL) {
		t.Fatalf("expired fingerprint still blocking")
	}
}

func TestShouldProceedSeparatesActorsAndContent(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g := NewGuard()
	g.Now = func() time.Time { return now }

	hash := ContentHash("blocker-1")
	if !g.ShouldProceed("uma", "claim", hash, DefaultClickTTL) {
		t.Fatal("first claim blocked")
	}
	// Same gesture from another actor is not a duplicate.
	if !g.ShouldProceed("raj", "claim", hash, DefaultClickTTL) {
		t.Fatal("other actor blocked")
	}
	// Same actor, different content.
	if !g.ShouldProceed("uma", "claim", ContentHash("blocker-2"), DefaultClickTTL) {
		t.Fatal("different content blocked")
	}
	// Same actor, same content, different action kind.
	if !g.ShouldProceed("uma", "reescalate", hash, DefaultClickTTL) {
		t.Fatal("different action kind blocked")
	}
}

func TestMixedTTLsDoNotEvictEachOther(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	g := NewGuard()
	g.Now = func() time.Time { return now }

	formHash := ContentHash("a long form")
	clickHash := ContentHash("a click")
	g.ShouldProceed("uma", "report", formHash, DefaultFormTTL)
	g.ShouldProceed("uma", "claim", clickHash, DefaultClickTTL)

	// Past the click window but inside the form window: the click entry
	// expires, the form entry must not.
	now = now.Add(DefaultClickTTL + time.Second)
	if !g.ShouldProceed("uma", "claim", clickHash, DefaultClickTTL) {
		t.Fatal("click entry outlived its ttl")
	}
	if g.ShouldProceed("uma", "report", formHash, DefaultFormTTL) {
		t.Fatal("form entry evicted early")
	}
}

func TestContentHashStable(t *testing.T) {
	a := ContentHash("x", "y")
	b := ContentHash("x", "y")
	if a != b {
		t.Fatalf("hash not stable: %s vs %s", a, b)
	}
	// The separator keeps ("xy","") distinct from ("x","y").
	if ContentHash("xy", "") == ContentHash("x", "y") {
		t.Fatal("field boundaries collapsed")
	}
}
