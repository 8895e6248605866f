// Package kvbuffer holds the in-memory map of not-yet-flushed writes for
// each WAL segment. The active segment absorbs new writes; sealed
// segments wait for the flusher and are dropped once durably migrated
// into the value and key stores.
package kvbuffer

import "sync"

// Entry is one buffered write: either a value (Tombstone false) or a
// deletion marker (Tombstone true).
type Entry struct {
	Value     []byte
	Tombstone bool
}

// segment is the buffered state for one WAL sequence number. keys
// preserves first-insertion order so the flusher can apply entries in
// the order they were written; entries holds the latest value per key.
type segment struct {
	seq     uint64
	keys    []string
	entries map[string]Entry
}

func newSegment(seq uint64) *segment {
	return &segment{seq: seq, entries: make(map[string]Entry)}
}

func (s *segment) set(key string, e Entry) {
	if _, exists := s.entries[key]; !exists {
		s.keys = append(s.keys, key)
	}
	s.entries[key] = e
}

// Buffer is the ordered collection of segment maps, oldest first, with
// the active (appendable) segment always last.
type Buffer struct {
	mu       sync.RWMutex
	segments []*segment
}

// New creates a buffer with a single active segment at activeSeq.
func New(activeSeq uint64) *Buffer {
	return &Buffer{segments: []*segment{newSegment(activeSeq)}}
}

func (b *Buffer) active() *segment {
	return b.segments[len(b.segments)-1]
}

// Put records a value write against the active segment.
func (b *Buffer) Put(key string, value []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active().set(key, Entry{Value: value})
}

// Delete records a tombstone against the active segment.
func (b *Buffer) Delete(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.active().set(key, Entry{Tombstone: true})
}

// Lookup searches the active segment first, then sealed segments from
// newest to oldest, returning the first match. A tombstone counts as a
// match (found=true) so the engine can short-circuit without consulting
// the key store.
func (b *Buffer) Lookup(key string) (e Entry, found bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := len(b.segments) - 1; i >= 0; i-- {
		if e, ok := b.segments[i].entries[key]; ok {
			return e, true
		}
	}
	return Entry{}, false
}

// Seal retires the active segment and opens a new one at newActiveSeq,
// returning the sealed segment's sequence number.
func (b *Buffer) Seal(newActiveSeq uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	sealedSeq := b.active().seq
	b.segments = append(b.segments, newSegment(newActiveSeq))
	return sealedSeq
}

// SealedSeqs returns the sequence numbers of every non-active segment,
// oldest first: the order the flusher must process them in.
func (b *Buffer) SealedSeqs() []uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.segments) <= 1 {
		return nil
	}
	seqs := make([]uint64, 0, len(b.segments)-1)
	for _, s := range b.segments[:len(b.segments)-1] {
		seqs = append(seqs, s.seq)
	}
	return seqs
}

// Entries returns the ordered (key, entry) pairs buffered for seq, or
// false if no such segment exists.
func (b *Buffer) Entries(seq uint64) (keys []string, entries map[string]Entry, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.segments {
		if s.seq == seq {
			return append([]string(nil), s.keys...), s.entries, true
		}
	}
	return nil, nil, false
}

// Drop removes a fully-flushed sealed segment from the buffer. Dropping
// the active segment is a no-op.
func (b *Buffer) Drop(seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.segments {
		if s.seq == seq && i != len(b.segments)-1 {
			b.segments = append(b.segments[:i], b.segments[i+1:]...)
			return
		}
	}
}
