// Package valuestore implements the size-classed, fixed-page value store.
// Each size class is a page file plus a bitmap-backed slot allocator;
// routing a value to its class and decoding a vid back to (class, slot)
// is the whole of the store's job, per the two-I/O read budget.
package valuestore

import (
	"fmt"
	"os"
	"sync"

	"github.com/nsakamura/bkv/internal/bitmap"
	"github.com/nsakamura/bkv/internal/dberr"
	"github.com/nsakamura/bkv/internal/vid"
	"golang.org/x/sys/unix"
)

// pageFile is one size class: a page-width file plus its allocator. Reads
// go through a read-only mmap (remapped whenever the file grows); writes
// use pwrite, since the single writer never needs the mapped view. mu is
// an RWMutex, not a plain Mutex, because growth's remap() replaces
// mapData with a freshly Mmap'd slice after Munmap'ing the old one:
// readers must hold the read lock across their access to mapData so they
// never dereference a slice that a concurrent writer just unmapped.
type pageFile struct {
	mu      sync.RWMutex
	width   int
	path    string
	file    *os.File
	mapData []byte
	alloc   *bitmap.Bitmap
}

func openPageFile(dataPath, bitmapPath string, width, growPages int) (*pageFile, error) {
	f, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("valuestore: open %s: %w", dataPath, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pages := int(info.Size()) / width
	if pages == 0 {
		pages = growPages
		if err := f.Truncate(int64(pages) * int64(width)); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("valuestore: truncate %s: %w", dataPath, err)
		}
	}

	alloc, err := bitmap.Open(bitmapPath, pages)
	if err != nil {
		_ = f.Close()
		return nil, err
	}

	pf := &pageFile{width: width, path: dataPath, file: f, alloc: alloc}
	if err := pf.remap(); err != nil {
		_ = alloc.Close()
		_ = f.Close()
		return nil, err
	}
	return pf, nil
}

func (pf *pageFile) remap() error {
	info, err := pf.file.Stat()
	if err != nil {
		return err
	}
	size := info.Size()
	if pf.mapData != nil {
		if err := unix.Munmap(pf.mapData); err != nil {
			return fmt.Errorf("valuestore: munmap %s: %w", pf.path, err)
		}
		pf.mapData = nil
	}
	if size == 0 {
		return nil
	}
	data, err := unix.Mmap(int(pf.file.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("valuestore: mmap %s: %w", pf.path, err)
	}
	pf.mapData = data
	return nil
}

// put writes bytes to a freshly allocated slot, extending the page file
// (and its bitmap) by growPages pages first if the allocator is full.
func (pf *pageFile) put(b []byte, growPages int) (uint64, error) {
	pf.mu.Lock()
	defer pf.mu.Unlock()

	slot, err := pf.alloc.Allocate()
	if err == bitmap.ErrOutOfSpace {
		newPages := pf.alloc.Capacity() + growPages
		if err := pf.file.Truncate(int64(newPages) * int64(pf.width)); err != nil {
			return 0, fmt.Errorf("valuestore: grow %s: %w", pf.path, err)
		}
		if err := pf.alloc.Grow(newPages); err != nil {
			return 0, err
		}
		if err := pf.remap(); err != nil {
			return 0, err
		}
		slot, err = pf.alloc.Allocate()
		if err != nil {
			return 0, err
		}
	} else if err != nil {
		return 0, err
	}

	if _, err := pf.file.WriteAt(b, int64(slot)*int64(pf.width)); err != nil {
		_ = pf.alloc.Free(slot)
		return 0, dberr.IO(fmt.Sprintf("writing slot %d in %s", slot, pf.path), err)
	}
	return uint64(slot), nil
}

// get reads vlen bytes at slot from the mapped region, falling back to
// pread if the file has grown since the last remap was observed by this
// goroutine (readers never trigger a remap themselves). Holds the read
// lock for the duration of the copy out of mapData so a concurrent
// put-triggered remap can't Munmap out from under it.
func (pf *pageFile) get(slot uint64, vlen int) ([]byte, error) {
	pf.mu.RLock()
	defer pf.mu.RUnlock()

	off := int64(slot) * int64(pf.width)
	if pf.mapData != nil && off+int64(vlen) <= int64(len(pf.mapData)) {
		out := make([]byte, vlen)
		copy(out, pf.mapData[off:off+int64(vlen)])
		return out, nil
	}
	out := make([]byte, vlen)
	if _, err := pf.file.ReadAt(out, off); err != nil {
		return nil, dberr.IO(fmt.Sprintf("reading slot %d in %s", slot, pf.path), err)
	}
	return out, nil
}

func (pf *pageFile) free(slot uint64) error {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	return pf.alloc.Free(int(slot))
}

func (pf *pageFile) sync() error {
	return pf.alloc.Sync()
}

func (pf *pageFile) close() error {
	if pf.mapData != nil {
		_ = unix.Munmap(pf.mapData)
	}
	if err := pf.alloc.Close(); err != nil {
		return err
	}
	return pf.file.Close()
}

// Store is the value store: one pageFile per configured size class.
type Store struct {
	widths    []int
	pages     []*pageFile
	growPages int
}

// Open opens (creating if needed) the page and bitmap file for every size
// class under dir/values.
func Open(dir string, sizeClasses []int, growPages int) (*Store, error) {
	valuesDir := dir + "/values"
	if err := os.MkdirAll(valuesDir, 0755); err != nil {
		return nil, fmt.Errorf("valuestore: mkdir %s: %w", valuesDir, err)
	}
	s := &Store{widths: sizeClasses, growPages: growPages}
	for i, w := range sizeClasses {
		dataPath := fmt.Sprintf("%s/page.%d", valuesDir, w)
		bitmapPath := fmt.Sprintf("%s/bitmap.%d", valuesDir, w)
		pf, err := openPageFile(dataPath, bitmapPath, w, growPages)
		if err != nil {
			for _, opened := range s.pages[:i] {
				_ = opened.close()
			}
			return nil, err
		}
		s.pages = append(s.pages, pf)
	}
	return s, nil
}

// classFor returns the index of the smallest size class that fits n
// bytes, or false if n exceeds the largest class.
func (s *Store) classFor(n int) (int, bool) {
	for i, w := range s.widths {
		if w >= n {
			return i, true
		}
	}
	return 0, false
}

// PutValue stores b in its size class and returns the encoded vid.
func (s *Store) PutValue(b []byte) (uint64, error) {
	class, ok := s.classFor(len(b))
	if !ok {
		return 0, dberr.Wrap(dberr.KindValueTooLarge, fmt.Sprintf("value of %d bytes exceeds max class %d", len(b), s.widths[len(s.widths)-1]), nil)
	}
	slot, err := s.pages[class].put(b, s.growPages)
	if err != nil {
		return 0, err
	}
	return vid.Encode(class, slot), nil
}

// GetValue reads vlen bytes referenced by v. The key store is the source
// of truth for liveness; GetValue does not consult the bitmap.
func (s *Store) GetValue(v uint64, vlen int) ([]byte, error) {
	class, slot := vid.Decode(v)
	if class < 0 || class >= len(s.pages) {
		return nil, dberr.CorruptionF("vid %d references unknown class %d", v, class)
	}
	if vlen > s.widths[class] {
		return nil, dberr.CorruptionF("vlen %d exceeds class width %d", vlen, s.widths[class])
	}
	return s.pages[class].get(slot, vlen)
}

// FreeValue releases the slot referenced by v back to its class's
// allocator.
func (s *Store) FreeValue(v uint64) error {
	class, slot := vid.Decode(v)
	if class < 0 || class >= len(s.pages) {
		return dberr.CorruptionF("vid %d references unknown class %d", v, class)
	}
	return s.pages[class].free(slot)
}

// SyncAll fdatasyncs every size class's bitmap file. Called once at the
// end of a flush batch, not per put/free.
func (s *Store) SyncAll() error {
	for _, pf := range s.pages {
		if err := pf.sync(); err != nil {
			return err
		}
	}
	return nil
}

// MaxValueLen is the width of the largest size class.
func (s *Store) MaxValueLen() int {
	return s.widths[len(s.widths)-1]
}

// Close closes every size class's page and bitmap files.
func (s *Store) Close() error {
	var first error
	for _, pf := range s.pages {
		if err := pf.close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
