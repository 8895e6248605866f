// Package engine is the façade coordinating the manifest, write-ahead
// log, in-memory buffer, key store, value store, flusher, and read
// cache into the single-writer/multi-reader store described by the
// exported bkv package.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/nsakamura/bkv/internal/cache"
	"github.com/nsakamura/bkv/internal/config"
	"github.com/nsakamura/bkv/internal/dberr"
	"github.com/nsakamura/bkv/internal/flusher"
	"github.com/nsakamura/bkv/internal/keystore"
	"github.com/nsakamura/bkv/internal/kvbuffer"
	"github.com/nsakamura/bkv/internal/manifest"
	"github.com/nsakamura/bkv/internal/valuestore"
	"github.com/nsakamura/bkv/internal/wal"
)

// Stats is a point-in-time snapshot of engine health, for the exported
// Stats() hook.
type Stats struct {
	BucketCount           int
	SizeClasses           []int
	CacheSize             int
	PendingSealedSegments int
	// FlushFailures is the cumulative count of failed flush attempts since
	// Open. A segment that fails is retried, not abandoned, so this can
	// keep climbing while PendingSealedSegments stays flat.
	FlushFailures int
	// LastFlushError is the error from the most recent failed flush
	// attempt still awaiting a successful retry; nil once the stuck
	// segment flushes cleanly.
	LastFlushError error
	// Degraded reports whether the flusher is currently stuck retrying a
	// segment.
	Degraded bool
}

// Engine is the open store.
type Engine struct {
	dir string
	cfg *config.Config

	wal     *wal.WAL
	buf     *kvbuffer.Buffer
	keys    *keystore.Store
	values  *valuestore.Store
	flusher *flusher.Flusher
	cache   cache.Cache

	writeMu sync.Mutex
	closed  bool

	flushCh       chan uint64
	flushWG       sync.WaitGroup
	flushErrM     sync.Mutex
	flushErr      error
	flushFailures int
}

// flushRetryInterval is how long flushLoop waits between retries of a
// segment that failed to flush.
const flushRetryInterval = 200 * time.Millisecond

// Open opens (and if necessary creates) a store at dir, replaying any
// sealed WAL segments left over from a prior run before accepting new
// writes.
func Open(dir string, cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	cfg.FillDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("engine: invalid config: %w", err)
	}

	wantManifest := manifestFromConfig(cfg)
	if manifest.Exists(dir) {
		if _, err := manifest.Validate(dir, wantManifest); err != nil {
			return nil, err
		}
	} else {
		if err := manifest.Create(dir, wantManifest, time.Now().Unix()); err != nil {
			return nil, err
		}
	}

	values, err := valuestore.Open(dir, cfg.SizeClasses, cfg.GrowPages)
	if err != nil {
		return nil, err
	}

	keys, err := keystore.Open(dir, keystore.Config{
		BucketCount:          cfg.BucketCount,
		InitialBucketRecords: cfg.InitialBucketRecords,
		ProbeLimit:           cfg.ProbeLimit,
		MaxKeyLen:            cfg.MaxKeyLen,
		MaxRehashAttempts:    cfg.MaxRehashAttempts,
	})
	if err != nil {
		_ = values.Close()
		return nil, err
	}

	w, sealedSeqs, err := wal.Open(dir+"/wal", cfg.WALSegmentBytes)
	if err != nil {
		_ = keys.Close()
		_ = values.Close()
		return nil, err
	}

	allSeqs := append(append([]uint64(nil), sealedSeqs...), w.ActiveSeq())
	buf := kvbuffer.New(allSeqs[0])
	fl := flusher.New(values, keys, w, buf)

	e := &Engine{
		dir:     dir,
		cfg:     cfg,
		wal:     w,
		buf:     buf,
		keys:    keys,
		values:  values,
		flusher: fl,
		cache:   cache.New(cfg.CacheSize),
		flushCh: make(chan uint64, 16),
	}

	if err := e.recover(allSeqs); err != nil {
		_ = w.Close()
		_ = keys.Close()
		_ = values.Close()
		return nil, err
	}

	e.flushWG.Add(1)
	go e.flushLoop()

	return e, nil
}

func manifestFromConfig(cfg *config.Config) manifest.Manifest {
	classes := make([]uint32, len(cfg.SizeClasses))
	for i, c := range cfg.SizeClasses {
		classes[i] = uint32(c)
	}
	return manifest.Manifest{
		BucketCount: uint32(cfg.BucketCount),
		SizeClasses: classes,
		MaxKeyLen:   uint32(cfg.MaxKeyLen),
	}
}

// recover replays every segment in allSeqs (sealed segments followed by
// the still-active one) in order. Every sealed segment is flushed before
// the next is replayed; the final (active) segment's entries are left in
// the live buffer for the engine to keep appending to.
func (e *Engine) recover(allSeqs []uint64) error {
	for i, seq := range allSeqs {
		entries, err := e.wal.ReplaySegment(seq)
		if err != nil {
			return err
		}
		for _, entry := range entries {
			if entry.Type == wal.DeleteEntry {
				e.buf.Delete(string(entry.Key))
			} else {
				e.buf.Put(string(entry.Key), entry.Value)
			}
		}

		if i < len(allSeqs)-1 {
			e.buf.Seal(allSeqs[i+1])
			if err := e.flusher.FlushSegment(seq); err != nil {
				return fmt.Errorf("engine: recovery flush of segment %d: %w", seq, err)
			}
		}
	}
	return nil
}

// flushLoop drains sealed segments in order. A segment is not retired
// (and the loop does not advance to the next queued segment) until its
// flush succeeds: a failing flush is retried in place, so segment i+1
// can never mutate the key/value stores ahead of segment i.
func (e *Engine) flushLoop() {
	defer e.flushWG.Done()
	for seq := range e.flushCh {
		for {
			err := e.flusher.FlushSegment(seq)
			e.flushErrM.Lock()
			if err != nil {
				e.flushFailures++
				e.flushErr = err
			} else {
				e.flushErr = nil
			}
			e.flushErrM.Unlock()
			if err == nil {
				break
			}
			time.Sleep(flushRetryInterval)
		}
	}
}

// Put durably appends a put record to the WAL, then buffers it for the
// flusher. Readers observe the new value as soon as Put returns.
func (e *Engine) Put(key, value []byte) error {
	if len(key) > e.cfg.MaxKeyLen {
		return dberr.Wrap(dberr.KindKeyTooLarge, fmt.Sprintf("key of %d bytes exceeds max_key_len %d", len(key), e.cfg.MaxKeyLen), nil)
	}
	if len(value) > e.values.MaxValueLen() {
		return dberr.Wrap(dberr.KindValueTooLarge, fmt.Sprintf("value of %d bytes exceeds largest size class %d", len(value), e.values.MaxValueLen()), nil)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.wal.Append(wal.Entry{Type: wal.PutEntry, Key: key, Value: value}); err != nil {
		return err
	}
	e.buf.Put(string(key), append([]byte(nil), value...))
	e.cache.Invalidate(string(key))

	return e.sealAndScheduleFlushIfNeeded()
}

// Delete durably appends a tombstone record and buffers it.
func (e *Engine) Delete(key []byte) error {
	if len(key) > e.cfg.MaxKeyLen {
		return dberr.Wrap(dberr.KindKeyTooLarge, fmt.Sprintf("key of %d bytes exceeds max_key_len %d", len(key), e.cfg.MaxKeyLen), nil)
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if _, err := e.wal.Append(wal.Entry{Type: wal.DeleteEntry, Key: key}); err != nil {
		return err
	}
	e.buf.Delete(string(key))
	e.cache.Invalidate(string(key))

	return e.sealAndScheduleFlushIfNeeded()
}

// sealAndScheduleFlushIfNeeded must be called with writeMu held.
func (e *Engine) sealAndScheduleFlushIfNeeded() error {
	if !e.wal.NeedsSeal() {
		return nil
	}
	sealedSeq, err := e.wal.Seal()
	if err != nil {
		return err
	}
	e.buf.Seal(e.wal.ActiveSeq())
	e.flushCh <- sealedSeq
	return nil
}

// Get returns the current value for key, checking the live buffer, then
// the read cache, then the key and value stores.
func (e *Engine) Get(key []byte) ([]byte, bool, error) {
	if entry, found := e.buf.Lookup(string(key)); found {
		if entry.Tombstone {
			return nil, false, nil
		}
		return entry.Value, true, nil
	}

	if v, ok := e.cache.Get(string(key)); ok {
		return v, true, nil
	}

	v, vlen, found, err := e.keys.Lookup(key)
	if err != nil {
		return nil, false, err
	}
	if !found {
		return nil, false, nil
	}

	val, err := e.values.GetValue(v, int(vlen))
	if err != nil {
		return nil, false, err
	}
	e.cache.Put(string(key), val)
	return val, true, nil
}

// Stats reports a snapshot of engine configuration and flush health.
func (e *Engine) Stats() Stats {
	e.flushErrM.Lock()
	failures := e.flushFailures
	lastErr := e.flushErr
	e.flushErrM.Unlock()

	return Stats{
		BucketCount:           e.cfg.BucketCount,
		SizeClasses:           append([]int(nil), e.cfg.SizeClasses...),
		CacheSize:             e.cfg.CacheSize,
		PendingSealedSegments: len(e.buf.SealedSeqs()),
		FlushFailures:         failures,
		LastFlushError:        lastErr,
		Degraded:              lastErr != nil,
	}
}

// Close stops accepting writes and closes every underlying store.
// FlushDrainTimeout bounds how long Close waits for the background
// flusher to catch up before proceeding anyway; 0, the default, does not
// wait at all. Anything left sealed but unflushed is replayed on the
// next Open. Calling Close again after the first call returns nil and
// does nothing.
func (e *Engine) Close() error {
	e.writeMu.Lock()
	if e.closed {
		e.writeMu.Unlock()
		return nil
	}
	e.closed = true
	close(e.flushCh)
	e.writeMu.Unlock()

	if e.cfg.FlushDrainTimeout > 0 {
		done := make(chan struct{})
		go func() {
			e.flushWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(e.cfg.FlushDrainTimeout):
		}
	}

	e.flushErrM.Lock()
	flushErr := e.flushErr
	e.flushErrM.Unlock()

	var first error
	if flushErr != nil {
		first = flushErr
	}
	if err := e.wal.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.keys.Close(); err != nil && first == nil {
		first = err
	}
	if err := e.values.Close(); err != nil && first == nil {
		first = err
	}
	return first
}
