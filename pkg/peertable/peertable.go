// Package peertable holds the authoritative membership view: the mapping
// from node id to last-seen sequence, liveness timestamp, and optional
// direct-link IP.
package peertable

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Record is one entry in the membership view.
type Record struct {
	ID       string
	Seq      uint64
	LastSeen time.Time
	DirectIP net.IP
}

// Table is the single-writer membership store. All mutating methods are
// safe for concurrent use; callers in this codebase only ever call them
// from the engine loop, but the mutex makes the table safe on its own
// terms too.
type Table struct {
	log     *zap.SugaredLogger
	mu      sync.RWMutex
	records map[string]*Record
	maxSize int
	selfID  string
}

// New creates a table holding at most maxSize records. The local node's own
// record counts toward that size, but is itself admitted even at the cap.
func New(selfID string, maxSize int) *Table {
	return &Table{
		log:     zap.S().Named("peertable"),
		records: make(map[string]*Record),
		maxSize: maxSize,
		selfID:  selfID,
	}
}

// Get returns a copy of the record for id, if present.
func (t *Table) Get(id string) (Record, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// AddOrUpdate is the single choke-point admitting new identities and
// advancing known ones. It rejects with no effect if the record already
// exists and seq does not strictly exceed the stored seq. A brand-new
// identity is admitted only if the table has not reached its cap (the
// local node's own id is exempt from the cap since it is always present).
func (t *Table) AddOrUpdate(id string, seq uint64, directIP net.IP, now time.Time) (wasNew bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	existing, exists := t.records[id]
	if exists && seq <= existing.Seq {
		return false
	}

	if !exists {
		if id != t.selfID && len(t.records) >= t.maxSize {
			t.log.Debugw("rejecting new peer, table at capacity", "id", id, "size", len(t.records))
			return false
		}
		existing = &Record{ID: id}
		t.records[id] = existing
		wasNew = true
	}

	existing.Seq = seq
	existing.LastSeen = now
	if directIP != nil {
		existing.DirectIP = directIP
	}

	return wasNew
}

// Remove deletes id unconditionally.
func (t *Table) Remove(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, id)
}

// SweepStale evicts every record (other than the local node's own) whose
// LastSeen is older than ttl, returning the evicted ids.
func (t *Table) SweepStale(now time.Time, ttl time.Duration) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var evicted []string
	for id, r := range t.records {
		if id == t.selfID {
			continue
		}
		if now.Sub(r.LastSeen) > ttl {
			delete(t.records, id)
			evicted = append(evicted, id)
		}
	}
	return evicted
}

// Size returns the current number of records, including the local node.
func (t *Table) Size() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Snapshot returns a copy of every record in the table.
func (t *Table) Snapshot() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Record, 0, len(t.records))
	for _, r := range t.records {
		out = append(out, *r)
	}
	return out
}

// PeersWithIPs returns a copy of every record carrying a non-nil DirectIP.
func (t *Table) PeersWithIPs() []Record {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Record
	for _, r := range t.records {
		if r.DirectIP != nil {
			out = append(out, *r)
		}
	}
	return out
}

// ClearDirectIP clears the DirectIP of id without otherwise touching the
// record; used when the socket that observed the address closes but the
// peer itself is not evicted.
func (t *Table) ClearDirectIP(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r, ok := t.records[id]; ok {
		r.DirectIP = nil
	}
}
