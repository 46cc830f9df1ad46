package dedup

import (
	"context"
	"testing"
	"time"
)

func TestMarkThenHasRelayed(t *testing.T) {
	f := New(1000)
	if f.HasRelayed("peer-a:7", KindHeartbeat) {
		t.Fatalf("fresh filter should report no marks")
	}
	f.MarkRelayed("peer-a:7", KindHeartbeat)
	if !f.HasRelayed("peer-a:7", KindHeartbeat) {
		t.Fatalf("expected mark to be observed")
	}
}

func TestKindsDoNotCollide(t *testing.T) {
	f := New(1000)
	f.MarkRelayed("same-key", KindHeartbeat)
	if f.HasRelayed("same-key", KindChat) {
		t.Fatalf("different kinds must not share a namespace")
	}
}

func TestRotateKeepsPreviousGenerationQueryable(t *testing.T) {
	f := New(1000)
	f.MarkRelayed("peer-a:7", KindHeartbeat)
	f.Rotate()
	if !f.HasRelayed("peer-a:7", KindHeartbeat) {
		t.Fatalf("mark from previous generation should still be honored once")
	}
}

func TestRotateTwiceForgetsOldMark(t *testing.T) {
	f := New(1000)
	f.MarkRelayed("peer-a:7", KindHeartbeat)
	f.Rotate()
	f.Rotate()
	if f.HasRelayed("peer-a:7", KindHeartbeat) {
		t.Fatalf("mark should be forgotten after two rotations")
	}
}

func TestStartRotationForgetsMarkAfterTwoIntervals(t *testing.T) {
	f := New(1000)
	f.MarkRelayed("peer-a:7", KindHeartbeat)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.StartRotation(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !f.HasRelayed("peer-a:7", KindHeartbeat) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected jittered rotation to eventually forget the mark")
}

func TestStartRotationStopsOnContextCancel(t *testing.T) {
	f := New(1000)
	ctx, cancel := context.WithCancel(context.Background())
	f.StartRotation(ctx, 5*time.Millisecond)
	cancel()

	// Give the rotation goroutine a moment to observe cancellation and
	// exit; there is nothing further to assert beyond "this doesn't hang
	// or race", which the race detector and test timeout already cover.
	time.Sleep(20 * time.Millisecond)
}
