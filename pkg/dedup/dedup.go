// Package dedup implements the relay dedup filter: a rotating pair of
// Bloom filters identifying (id, kind) tuples already forwarded, so the
// gossip fabric suppresses loops without keeping an unbounded exact set.
package dedup

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const falsePositiveRate = 0.01

// rotationJitterPercent offsets each rotation interval by up to this
// fraction of the interval in either direction, so that every node's Bloom
// filter generations don't roll over in the same instant.
const rotationJitterPercent = 0.1

// Kind distinguishes the relay-mark namespace a tuple belongs to, so that
// e.g. a HEARTBEAT seq and a CHAT id occupying the same string space can
// never collide.
type Kind byte

const (
	KindHeartbeat Kind = iota
	KindLeave
	KindChat
)

// Filter holds a "current" and "previous" generation of Bloom filters.
// Insertions go to current; queries consult both, so a mark written just
// before a rotation is still honored for one more rotation window.
type Filter struct {
	mu                sync.Mutex
	current, previous *bloom.BloomFilter
	expectedElements  uint
}

// New creates a Filter sized for expectedElements per rotation window.
func New(expectedElements uint) *Filter {
	return &Filter{
		current:          bloom.NewWithEstimates(expectedElements, falsePositiveRate),
		previous:         bloom.NewWithEstimates(expectedElements, falsePositiveRate),
		expectedElements: expectedElements,
	}
}

// HasRelayed reports whether (id, kind) has already been marked in the
// current or previous generation.
func (f *Filter) HasRelayed(id string, kind Kind) bool {
	key := markKey(id, kind)
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Test(key) || f.previous.Test(key)
}

// MarkRelayed records (id, kind) in the current generation. Callers must
// mark before transmitting the relay, so that an in-flight echo of the same
// tuple cannot re-arm a fresh generation.
func (f *Filter) MarkRelayed(id string, kind Kind) {
	key := markKey(id, kind)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.current.Add(key)
}

// Rotate demotes the current generation to previous and starts a fresh,
// empty current generation. StartRotation calls this on a jittered
// ROTATION_INTERVAL schedule.
func (f *Filter) Rotate() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previous = f.current
	f.current = bloom.NewWithEstimates(f.expectedElements, falsePositiveRate)
}

func markKey(id string, kind Kind) []byte {
	key := make([]byte, len(id)+1)
	key[0] = byte(kind)
	copy(key[1:], id)
	return key
}

// StartRotation rotates the filter on a jittered schedule until ctx is
// canceled. It returns immediately; the rotation loop runs in its own
// goroutine, calling Rotate (which takes its own lock) on each tick.
func (f *Filter) StartRotation(ctx context.Context, interval time.Duration) {
	go f.rotationLoop(ctx, interval)
}

func (f *Filter) rotationLoop(ctx context.Context, interval time.Duration) {
	timer := time.NewTimer(jitter(interval, rotationJitterPercent))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			f.Rotate()
			timer.Reset(jitter(interval, rotationJitterPercent))
		}
	}
}

func jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	n := int64(delta)*2 + 1
	offset := time.Duration(rand.Int63n(n)) - delta
	return d + offset
}
