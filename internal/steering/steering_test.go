package steering

import (
	"strings"
	"testing"
	"time"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestEnqueueRejectsEmptyAndInvalidID(t *testing.T) {
	b := New(2)
	if _, err := b.Enqueue("   ", 1, ""); err != ErrEmptyContent {
		t.Fatalf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := b.Enqueue("hi", 0, ""); err != ErrInvalidMessageID {
		t.Fatalf("expected ErrInvalidMessageID, got %v", err)
	}
	if _, err := b.Enqueue("hi", -1, ""); err != ErrInvalidMessageID {
		t.Fatalf("expected ErrInvalidMessageID, got %v", err)
	}
}

func TestEnqueueOverflowDropsHead(t *testing.T) {
	b := New(2)
	b.now = fixedClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	if evicted, err := b.Enqueue("one", 1, ""); err != nil || evicted {
		t.Fatalf("unexpected: %v %v", evicted, err)
	}
	if evicted, err := b.Enqueue("two", 2, ""); err != nil || evicted {
		t.Fatalf("unexpected: %v %v", evicted, err)
	}
	evicted, err := b.Enqueue("three", 3, "")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !evicted {
		t.Fatal("expected eviction on overflow")
	}
	if b.Len() != 2 {
		t.Fatalf("expected len 2, got %d", b.Len())
	}
	peek := b.Peek()
	if peek == nil || strings.Contains(*peek, "one") {
		t.Fatalf("expected head 'one' dropped, got %v", peek)
	}
}

func TestConsumeFormatsAndDrains(t *testing.T) {
	b := New(DefaultCapacity)
	b.now = fixedClock(time.Date(2026, 1, 1, 10, 20, 30, 0, time.UTC))
	if _, err := b.Enqueue("hello", 1, ""); err != nil {
		t.Fatal(err)
	}
	b.now = fixedClock(time.Date(2026, 1, 1, 10, 20, 31, 0, time.UTC))
	if _, err := b.Enqueue("world", 2, "Bash"); err != nil {
		t.Fatal(err)
	}

	formatted := b.Consume()
	if formatted == nil {
		t.Fatal("expected non-nil consume result")
	}
	want := "[10:20:30] hello\n---\n[10:20:31 (during Bash)] world"
	if *formatted != want {
		t.Fatalf("got %q want %q", *formatted, want)
	}
	if b.Len() != 0 {
		t.Fatal("expected buffer drained after consume")
	}
	if b.Consume() != nil {
		t.Fatal("expected nil consume on empty buffer")
	}
}

func TestTrackAndRestoreInjection(t *testing.T) {
	b := New(DefaultCapacity)
	b.Enqueue("a", 1, "")
	b.Enqueue("b", 2, "")

	moved := b.TrackForInjection()
	if moved != 2 {
		t.Fatalf("expected 2 moved, got %d", moved)
	}
	if b.Len() != 0 {
		t.Fatal("active should be empty after tracking")
	}

	restored := b.RestoreInjected()
	if restored != 2 {
		t.Fatalf("expected 2 restored, got %d", restored)
	}
	if b.Len() != 2 {
		t.Fatal("active should contain restored messages")
	}
	// Restoring again after clearing should be a no-op.
	b.TrackForInjection()
	b.ClearInjectedTracking()
	if b.RestoreInjected() != 0 {
		t.Fatal("expected 0 restored after clearing shadow")
	}
}

func TestExtractDrainsBoth(t *testing.T) {
	b := New(DefaultCapacity)
	b.Enqueue("a", 1, "")
	b.TrackForInjection()
	b.Enqueue("b", 2, "")

	msgs := b.Extract()
	if len(msgs) != 1 || msgs[0].Content != "b" {
		t.Fatalf("expected extract to return only active messages, got %+v", msgs)
	}
	if b.Len() != 0 {
		t.Fatal("expected buffer empty after extract")
	}
	if b.RestoreInjected() != 0 {
		t.Fatal("expected shadow cleared by extract")
	}
}

func TestPendingRecoveryExpiry(t *testing.T) {
	b := New(DefaultCapacity)
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = fixedClock(start)

	b.SetPendingRecovery([]Message{{Content: "x", MessageID: 1}}, "chat-1")
	if b.GetPendingRecovery() == nil {
		t.Fatal("expected pending recovery present")
	}

	b.now = fixedClock(start.Add(61 * time.Second))
	if b.GetPendingRecovery() != nil {
		t.Fatal("expected pending recovery to expire after 60s")
	}
}

func TestResolvePendingRecovery(t *testing.T) {
	b := New(DefaultCapacity)
	if b.ResolvePendingRecovery(5) {
		t.Fatal("expected false with no pending recovery")
	}
	b.SetPendingRecovery([]Message{{Content: "x", MessageID: 1}}, "chat-1")
	if !b.ResolvePendingRecovery(5) {
		t.Fatal("expected resolve to succeed")
	}
	p := b.GetPendingRecovery()
	if p.State != RecoveryResolved || p.BoundToMessageID != 5 {
		t.Fatalf("unexpected pending state: %+v", p)
	}
	b.ClearPendingRecovery()
	if b.GetPendingRecovery() != nil {
		t.Fatal("expected pending recovery cleared")
	}
}
