// Package keystore implements the on-disk hash table of fixed-width
// (key, vid, vlen) records: one bucket file per hash bucket, linear
// probing within a bucket, and in-place growth (rehash) of a single
// bucket when its probe window is exhausted.
package keystore

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sync"

	"github.com/nsakamura/bkv/internal/dberr"
)

const (
	stateEmpty     byte = 0
	stateLive      byte = 1
	stateTombstone byte = 2
)

// recordWidth returns R, the fixed on-disk width of one key record for a
// given MaxKeyLen, per spec.md §3: state(1) + klen(2) + key(MaxKeyLen) +
// vid(8) + vlen(4) + hash_tag(8).
func recordWidth(maxKeyLen int) int {
	return 1 + 2 + maxKeyLen + 8 + 4 + 8
}

// Hash64 computes the well-mixed 64-bit hash used to place and probe for
// a key. Any non-cryptographic 64-bit hash satisfies the spec; FNV-1a is
// deterministic across processes, which bucket placement depends on.
func Hash64(key []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(key)
	return h.Sum64()
}

type record struct {
	state   byte
	klen    uint16
	key     []byte
	vid     uint64
	vlen    uint32
	hashTag uint64
}

func encodeRecord(r record, maxKeyLen int) []byte {
	buf := make([]byte, recordWidth(maxKeyLen))
	buf[0] = r.state
	binary.LittleEndian.PutUint16(buf[1:3], r.klen)
	copy(buf[3:3+maxKeyLen], r.key)
	off := 3 + maxKeyLen
	binary.LittleEndian.PutUint64(buf[off:off+8], r.vid)
	binary.LittleEndian.PutUint32(buf[off+8:off+12], r.vlen)
	binary.LittleEndian.PutUint64(buf[off+12:off+20], r.hashTag)
	return buf
}

func decodeRecord(buf []byte, maxKeyLen int) record {
	off := 3 + maxKeyLen
	klen := binary.LittleEndian.Uint16(buf[1:3])
	return record{
		state:   buf[0],
		klen:    klen,
		key:     append([]byte(nil), buf[3:3+klen]...),
		vid:     binary.LittleEndian.Uint64(buf[off : off+8]),
		vlen:    binary.LittleEndian.Uint32(buf[off+8 : off+12]),
		hashTag: binary.LittleEndian.Uint64(buf[off+12 : off+20]),
	}
}

// bucketFile is one key-store bucket: a file of N_b fixed-width records,
// grown (rehashed) under its own mutex while lookups against the old file
// continue unimpeded until the atomic rename.
type bucketFile struct {
	mu       sync.Mutex
	id       int
	path     string
	file     *os.File
	capacity int // N_b
}

func readRecordAt(f *os.File, idx, width, maxKeyLen int) (record, error) {
	buf := make([]byte, width)
	if _, err := f.ReadAt(buf, int64(idx)*int64(width)); err != nil {
		return record{}, fmt.Errorf("keystore: read record %d: %w", idx, err)
	}
	return decodeRecord(buf, maxKeyLen), nil
}

func writeRecordAt(f *os.File, idx, width, maxKeyLen int, r record) error {
	buf := encodeRecord(r, maxKeyLen)
	if _, err := f.WriteAt(buf, int64(idx)*int64(width)); err != nil {
		return fmt.Errorf("keystore: write record %d: %w", idx, err)
	}
	return nil
}

// Store is the key store: B bucket files, each independently growable.
type Store struct {
	dir               string
	bucketCount       int
	maxKeyLen         int
	recWidth          int
	probeLimit        int
	maxRehashAttempts int
	buckets           []*bucketFile
}

// Config bundles the fixed-at-creation and tunable parameters the key
// store needs.
type Config struct {
	BucketCount          int
	InitialBucketRecords int
	ProbeLimit           int
	MaxKeyLen            int
	MaxRehashAttempts    int
}

// Open opens (creating as needed) every bucket file under dir/keys.
func Open(dir string, cfg Config) (*Store, error) {
	keysDir := filepath.Join(dir, "keys")
	if err := os.MkdirAll(keysDir, 0755); err != nil {
		return nil, fmt.Errorf("keystore: mkdir %s: %w", keysDir, err)
	}

	s := &Store{
		dir:               dir,
		bucketCount:       cfg.BucketCount,
		maxKeyLen:         cfg.MaxKeyLen,
		recWidth:          recordWidth(cfg.MaxKeyLen),
		probeLimit:        cfg.ProbeLimit,
		maxRehashAttempts: cfg.MaxRehashAttempts,
	}

	for id := 0; id < cfg.BucketCount; id++ {
		path := filepath.Join(keysDir, fmt.Sprintf("bucket.%d", id))
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, fmt.Errorf("keystore: open %s: %w", path, err)
		}
		info, err := f.Stat()
		if err != nil {
			return nil, err
		}
		capacity := int(info.Size()) / s.recWidth
		if capacity == 0 {
			capacity = cfg.InitialBucketRecords
			if err := f.Truncate(int64(capacity) * int64(s.recWidth)); err != nil {
				return nil, fmt.Errorf("keystore: truncate %s: %w", path, err)
			}
		}
		s.buckets = append(s.buckets, &bucketFile{id: id, path: path, file: f, capacity: capacity})
	}
	return s, nil
}

func (s *Store) bucketFor(h uint64) *bucketFile {
	return s.buckets[h%uint64(s.bucketCount)]
}

func probeStart(h uint64, bucketCount int, nb int) int {
	return int((h / uint64(bucketCount)) % uint64(nb))
}

// Lookup finds the (vid, vlen) for key, per spec.md §4.3: tombstones
// never terminate the probe, only an empty slot or the probe limit does.
func (s *Store) Lookup(key []byte) (v uint64, vlen uint32, found bool, err error) {
	h := Hash64(key)
	bf := s.bucketFor(h)

	bf.mu.Lock()
	f, nb := bf.file, bf.capacity
	bf.mu.Unlock()

	i0 := probeStart(h, s.bucketCount, nb)
	limit := min(s.probeLimit, nb)
	for p := 0; p < limit; p++ {
		idx := (i0 + p) % nb
		rec, err := readRecordAt(f, idx, s.recWidth, s.maxKeyLen)
		if err != nil {
			return 0, 0, false, err
		}
		switch rec.state {
		case stateEmpty:
			return 0, 0, false, nil
		case stateLive:
			if rec.hashTag == h && string(rec.key) == string(key) {
				return rec.vid, rec.vlen, true, nil
			}
		}
	}
	return 0, 0, false, nil
}

// Upsert inserts or overwrites key's record with (v, vlen), growing the
// bucket (rehash) if the probe window has no free slot. It returns the
// vid that was displaced by an overwrite, if any.
func (s *Store) Upsert(key []byte, v uint64, vlen uint32) (oldVid uint64, hadOld bool, err error) {
	h := Hash64(key)

	for attempt := 0; ; attempt++ {
		bf := s.bucketFor(h)
		bf.mu.Lock()
		f, nb := bf.file, bf.capacity
		bf.mu.Unlock()

		i0 := probeStart(h, s.bucketCount, nb)
		limit := min(s.probeLimit, nb)
		firstFree := -1
		placed := false

	probe:
		for p := 0; p < limit; p++ {
			idx := (i0 + p) % nb
			rec, rerr := readRecordAt(f, idx, s.recWidth, s.maxKeyLen)
			if rerr != nil {
				return 0, false, rerr
			}
			switch rec.state {
			case stateEmpty:
				if firstFree == -1 {
					firstFree = idx
				}
				break probe
			case stateTombstone:
				if firstFree == -1 {
					firstFree = idx
				}
			case stateLive:
				if rec.hashTag == h && string(rec.key) == string(key) {
					oldVid, hadOld = rec.vid, true
					nr := record{state: stateLive, klen: uint16(len(key)), key: key, vid: v, vlen: vlen, hashTag: h}
					if werr := writeRecordAt(f, idx, s.recWidth, s.maxKeyLen, nr); werr != nil {
						return 0, false, werr
					}
					placed = true
					break probe
				}
			}
		}
		if placed {
			return oldVid, hadOld, nil
		}

		if firstFree != -1 {
			nr := record{state: stateLive, klen: uint16(len(key)), key: key, vid: v, vlen: vlen, hashTag: h}
			if werr := writeRecordAt(f, firstFree, s.recWidth, s.maxKeyLen, nr); werr != nil {
				return 0, false, werr
			}
			return 0, false, nil
		}

		if attempt >= s.maxRehashAttempts {
			return 0, false, dberr.Wrap(dberr.KindCollisionSaturated,
				fmt.Sprintf("bucket %d could not place key after %d rehash attempts", bf.id, attempt), nil)
		}
		if err := s.rehash(bf); err != nil {
			return 0, false, err
		}
	}
}

// Tombstone marks key's record dead, returning the vid it referenced.
func (s *Store) Tombstone(key []byte) (oldVid uint64, hadOld bool, err error) {
	h := Hash64(key)
	bf := s.bucketFor(h)

	bf.mu.Lock()
	f, nb := bf.file, bf.capacity
	bf.mu.Unlock()

	i0 := probeStart(h, s.bucketCount, nb)
	limit := min(s.probeLimit, nb)
	for p := 0; p < limit; p++ {
		idx := (i0 + p) % nb
		rec, rerr := readRecordAt(f, idx, s.recWidth, s.maxKeyLen)
		if rerr != nil {
			return 0, false, rerr
		}
		if rec.state == stateEmpty {
			return 0, false, nil
		}
		if rec.state == stateLive && rec.hashTag == h && string(rec.key) == string(key) {
			rec.state = stateTombstone
			if werr := writeRecordAt(f, idx, s.recWidth, s.maxKeyLen, rec); werr != nil {
				return 0, false, werr
			}
			return rec.vid, true, nil
		}
	}
	return 0, false, nil
}

// SyncBucket fdatasyncs one bucket's file, once per flush batch.
func (s *Store) SyncBucket(key []byte) error {
	return s.bucketFor(Hash64(key)).file.Sync()
}

// SyncAll fsyncs every bucket file that was touched; called at the end of
// a flush batch.
func (s *Store) SyncAll(touched map[int]bool) error {
	for id := range touched {
		if err := s.buckets[id].file.Sync(); err != nil {
			return fmt.Errorf("keystore: sync bucket %d: %w", id, err)
		}
	}
	return nil
}

// BucketOf returns the bucket index a key is routed to, so callers (the
// flusher) can track which bucket files they touched.
func (s *Store) BucketOf(key []byte) int {
	return int(Hash64(key) % uint64(s.bucketCount))
}

// rehash doubles bf's capacity, reinserting every live record, and
// atomically swaps the grown file into place. If a single doubling still
// can't place every record it keeps doubling (up to maxRehashAttempts
// escalations) before giving up, so a caller's retry loop always sees
// strictly increasing capacity rather than repeating the same failure.
func (s *Store) rehash(bf *bucketFile) error {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	newCap := bf.capacity * 2
	for escalation := 0; ; escalation++ {
		tmpPath := bf.path + ".tmp"
		tmp, err := os.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
		if err != nil {
			return fmt.Errorf("keystore: create %s: %w", tmpPath, err)
		}
		if err := tmp.Truncate(int64(newCap) * int64(s.recWidth)); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("keystore: truncate %s: %w", tmpPath, err)
		}

		ok := true
		for idx := 0; idx < bf.capacity; idx++ {
			rec, err := readRecordAt(bf.file, idx, s.recWidth, s.maxKeyLen)
			if err != nil {
				_ = tmp.Close()
				return err
			}
			if rec.state != stateLive {
				continue
			}
			if !placeInFile(tmp, newCap, s.recWidth, s.maxKeyLen, s.bucketCount, s.probeLimit, rec) {
				ok = false
				break
			}
		}

		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
			if escalation >= s.maxRehashAttempts {
				return dberr.Wrap(dberr.KindCollisionSaturated,
					fmt.Sprintf("bucket %d: rehash to %d records still could not place a key", bf.id, newCap), nil)
			}
			newCap *= 2
			continue
		}

		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("keystore: fsync %s: %w", tmpPath, err)
		}
		if err := os.Rename(tmpPath, bf.path); err != nil {
			_ = tmp.Close()
			return fmt.Errorf("keystore: rename %s: %w", tmpPath, err)
		}
		_ = bf.file.Close()
		bf.file = tmp
		bf.capacity = newCap
		return nil
	}
}

// placeInFile inserts rec into f (capacity nb records) using the same
// probing rule as Upsert, without itself recursing into another rehash.
// Used only while building a freshly doubled bucket file, where a
// collision this soon means the caller must double again.
func placeInFile(f *os.File, nb, width, maxKeyLen, bucketCount, probeLimit int, rec record) bool {
	i0 := probeStart(rec.hashTag, bucketCount, nb)
	limit := min(probeLimit, nb)
	for p := 0; p < limit; p++ {
		idx := (i0 + p) % nb
		existing, err := readRecordAt(f, idx, width, maxKeyLen)
		if err != nil {
			return false
		}
		if existing.state == stateEmpty {
			return writeRecordAt(f, idx, width, maxKeyLen, rec) == nil
		}
	}
	return false
}

// Close closes every bucket file.
func (s *Store) Close() error {
	var first error
	for _, bf := range s.buckets {
		if err := bf.file.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
