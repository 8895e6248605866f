// Package flusher drains sealed WAL segments into the value and key
// stores, then retires the segment. It is the only place writes actually
// become visible through the on-disk stores rather than the in-memory
// buffer.
package flusher

import (
	"fmt"

	"github.com/nsakamura/bkv/internal/keystore"
	"github.com/nsakamura/bkv/internal/kvbuffer"
	"github.com/nsakamura/bkv/internal/valuestore"
	"github.com/nsakamura/bkv/internal/wal"
)

// Flusher applies one buffered segment at a time against the key and
// value stores.
type Flusher struct {
	values *valuestore.Store
	keys   *keystore.Store
	log    *wal.WAL
	buf    *kvbuffer.Buffer
}

// New builds a Flusher over the given stores.
func New(values *valuestore.Store, keys *keystore.Store, log *wal.WAL, buf *kvbuffer.Buffer) *Flusher {
	return &Flusher{values: values, keys: keys, log: log, buf: buf}
}

// FlushSegment migrates every buffered entry for seq into the value and
// key stores in insertion order, fsyncs the value-store bitmap files and
// the touched bucket files (page files are not synced), frees any values
// displaced by overwrite or delete, fsyncs the bitmaps again, then unlinks
// the WAL segment and drops the buffer.
func (f *Flusher) FlushSegment(seq uint64) error {
	keys, entries, ok := f.buf.Entries(seq)
	if !ok {
		return nil
	}

	touchedBuckets := make(map[int]bool)
	var freed []uint64

	for _, key := range keys {
		entry := entries[key]
		keyBytes := []byte(key)
		touchedBuckets[f.keys.BucketOf(keyBytes)] = true

		if entry.Tombstone {
			oldVid, had, err := f.keys.Tombstone(keyBytes)
			if err != nil {
				return fmt.Errorf("flusher: tombstone %q: %w", key, err)
			}
			if had {
				freed = append(freed, oldVid)
			}
			continue
		}

		vid, err := f.values.PutValue(entry.Value)
		if err != nil {
			return fmt.Errorf("flusher: put value for %q: %w", key, err)
		}
		oldVid, had, err := f.keys.Upsert(keyBytes, vid, uint32(len(entry.Value)))
		if err != nil {
			_ = f.values.FreeValue(vid)
			return fmt.Errorf("flusher: upsert %q: %w", key, err)
		}
		if had {
			freed = append(freed, oldVid)
		}
	}

	if err := f.values.SyncAll(); err != nil {
		return fmt.Errorf("flusher: sync value store: %w", err)
	}
	if err := f.keys.SyncAll(touchedBuckets); err != nil {
		return fmt.Errorf("flusher: sync key store: %w", err)
	}

	for _, vid := range freed {
		if err := f.values.FreeValue(vid); err != nil {
			return fmt.Errorf("flusher: free displaced value: %w", err)
		}
	}
	if len(freed) > 0 {
		if err := f.values.SyncAll(); err != nil {
			return fmt.Errorf("flusher: sync value store after free: %w", err)
		}
	}

	if err := f.log.RemoveSegment(seq); err != nil {
		return err
	}
	f.buf.Drop(seq)
	return nil
}

// FlushAllSealed flushes every sealed segment in order, oldest first.
func (f *Flusher) FlushAllSealed() error {
	for _, seq := range f.buf.SealedSeqs() {
		if err := f.FlushSegment(seq); err != nil {
			return err
		}
	}
	return nil
}
