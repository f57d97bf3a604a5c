// Package journal records an ordered log of path-level changes made through
// the mount, for downstream change notification.
package journal

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxDeltas bounds the number of deltas kept in memory.
const DefaultMaxDeltas = 100000

// Delta describes one committed change. Renames carry two paths
// (source, destination); everything else carries one.
type Delta struct {
	Seq       uint64    `json:"seq"`
	Paths     []string  `json:"paths"`
	Timestamp time.Time `json:"timestamp"`
}

// Journal is an append-only, bounded in-memory change log.
type Journal struct {
	mu     sync.RWMutex
	id     uuid.UUID
	seq    uint64
	deltas []Delta
	max    int
	logger *slog.Logger
}

// New creates an empty journal with a fresh identity. Subscribers compare
// ID() across calls to detect that the journal was recreated and their
// sequence numbers are no longer meaningful.
func New(maxDeltas int, logger *slog.Logger) *Journal {
	if logger == nil {
		logger = slog.Default()
	}
	if maxDeltas <= 0 {
		maxDeltas = DefaultMaxDeltas
	}
	return &Journal{
		id:     uuid.New(),
		max:    maxDeltas,
		logger: logger.With("component", "journal"),
	}
}

// ID returns the identity of this journal instance.
func (j *Journal) ID() uuid.UUID {
	return j.id
}

// AddDelta appends a delta for one or two logical paths.
func (j *Journal) AddDelta(paths ...string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.seq++
	d := Delta{
		Seq:       j.seq,
		Paths:     append([]string(nil), paths...),
		Timestamp: time.Now(),
	}
	j.deltas = append(j.deltas, d)
	if len(j.deltas) > j.max {
		// Drop the oldest half in one go to amortize copying.
		keep := j.max / 2
		j.deltas = append([]Delta(nil), j.deltas[len(j.deltas)-keep:]...)
	}
	j.logger.Debug("journal delta", "seq", d.Seq, "paths", d.Paths)
}

// Latest returns the sequence number of the newest delta, 0 if empty.
func (j *Journal) Latest() uint64 {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.seq
}

// Since returns the retained deltas with Seq > seq, oldest first.
// truncated is true when deltas after seq were already dropped.
func (j *Journal) Since(seq uint64) (deltas []Delta, truncated bool) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	if len(j.deltas) == 0 {
		return nil, false
	}
	if first := j.deltas[0].Seq; seq+1 < first {
		truncated = true
	}
	for _, d := range j.deltas {
		if d.Seq > seq {
			deltas = append(deltas, d)
		}
	}
	return deltas, truncated
}
