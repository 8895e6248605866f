// Package bkv is an embedded, single-writer/multi-reader key-value store:
// a hash-bucketed on-disk key index, a size-tiered bitmap-allocated value
// store, and a write-ahead log that buffers writes until an asynchronous
// flusher migrates them into both.
package bkv

import (
	"github.com/nsakamura/bkv/internal/config"
	"github.com/nsakamura/bkv/internal/dberr"
	"github.com/nsakamura/bkv/internal/engine"
)

// Config is the store's configuration surface. See DefaultConfig for the
// documented defaults; fields noted as fixed at creation are written into
// the on-disk manifest and validated against on every reopen.
type Config = config.Config

// DefaultConfig returns a Config populated with the store's documented
// defaults.
func DefaultConfig() *Config {
	return config.DefaultConfig()
}

// Stable error kinds returned across the read and write paths. Use
// errors.Is to test for one of these.
var (
	ErrValueTooLarge      = dberr.ValueTooLarge
	ErrKeyTooLarge        = dberr.KeyTooLarge
	ErrCollisionSaturated = dberr.CollisionSaturated
	ErrCorruption         = dberr.Corruption
	ErrIO                 = dberr.IOError
)

// DB is an open store.
type DB struct {
	e *engine.Engine
}

// Open opens (creating if necessary) a store rooted at dir. A nil cfg is
// equivalent to DefaultConfig().
func Open(dir string, cfg *Config) (*DB, error) {
	e, err := engine.Open(dir, cfg)
	if err != nil {
		return nil, err
	}
	return &DB{e: e}, nil
}

// Put inserts or overwrites the value stored under key.
func (db *DB) Put(key, value []byte) error {
	return db.e.Put(key, value)
}

// Get returns the current value for key, and whether it was found.
func (db *DB) Get(key []byte) (value []byte, found bool, err error) {
	return db.e.Get(key)
}

// Delete removes key, if present.
func (db *DB) Delete(key []byte) error {
	return db.e.Delete(key)
}

// Stats reports a snapshot of store configuration and flush backlog.
func (db *DB) Stats() engine.Stats {
	return db.e.Stats()
}

// Close stops accepting writes and releases every underlying file handle.
func (db *DB) Close() error {
	return db.e.Close()
}
