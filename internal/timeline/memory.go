package timeline

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process [Store] for tests and single-node
// deployments. Streams are plain slices guarded by one mutex.
type MemoryStore struct {
	mu      sync.Mutex
	streams map[string][]Event
	cursors map[string]idCursor

	// now is swappable in tests.
	now func() time.Time
}

// idCursor tracks the last assigned ID so the next one is strictly greater
// even when the clock stalls or steps backwards.
type idCursor struct {
	ms  int64
	seq int64
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty [MemoryStore].
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams: make(map[string][]Event),
		cursors: make(map[string]idCursor),
		now:     time.Now,
	}
}

// Append implements [Store].
func (s *MemoryStore) Append(_ context.Context, e Event) (string, error) {
	if e.CallID == "" {
		return "", fmt.Errorf("timeline: event has no call ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.cursors[e.CallID]
	ms := s.now().UnixMilli()
	if ms <= cur.ms {
		cur.seq++
	} else {
		cur.ms = ms
		cur.seq = 0
	}
	s.cursors[e.CallID] = cur

	e.ID = fmt.Sprintf("%d-%d", cur.ms, cur.seq)
	s.streams[e.CallID] = append(s.streams[e.CallID], e)
	return e.ID, nil
}

// Range implements [Store].
func (s *MemoryStore) Range(_ context.Context, callID, afterID string, limit int) ([]Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Event
	for _, e := range s.streams[callID] {
		if afterID != "" && compareIDs(e.ID, afterID) <= 0 {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// compareIDs orders two "<ms>-<seq>" IDs numerically. Malformed components
// compare as zero.
func compareIDs(a, b string) int {
	ams, aseq := splitID(a)
	bms, bseq := splitID(b)
	switch {
	case ams != bms:
		if ams < bms {
			return -1
		}
		return 1
	case aseq != bseq:
		if aseq < bseq {
			return -1
		}
		return 1
	}
	return 0
}

func splitID(id string) (ms, seq int64) {
	base, rest, ok := strings.Cut(id, "-")
	ms, _ = strconv.ParseInt(base, 10, 64)
	if ok {
		seq, _ = strconv.ParseInt(rest, 10, 64)
	}
	return ms, seq
}
