// Package bitmap implements the per-size-class slot allocator: a tree of
// aggregation bitmaps backed by a single memory-mapped file, as described
// by the value store's level-0-plus-aggregation-levels design.
package bitmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// ErrOutOfSpace is returned by Allocate when every slot up to the current
// capacity is taken.
var ErrOutOfSpace = fmt.Errorf("bitmap: out of space")

// level is one tier of the aggregation tree: a byte slice view into the
// mmap'd file backing the whole Bitmap.
type level []byte

// Bitmap manages allocation of up to capacity fixed-width slots via a
// multi-level aggregation tree. Level 0 has one bit per slot; level i+1
// has one bit per byte of level i, set only when that byte is 0xFF.
type Bitmap struct {
	path     string
	file     *os.File
	data     []byte // the full mmap'd region
	levels   []level
	capacity int
}

// Open opens or creates the bitmap file at path sized for capacity slots
// and memory-maps it. Existing content for slots below the prior capacity
// is preserved; upper levels are always reconstructed from level 0 so a
// crash between edits can never leave them inconsistent.
func Open(path string, capacity int) (*Bitmap, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("bitmap: open %s: %w", path, err)
	}

	bm := &Bitmap{path: path, file: f}
	if err := bm.mapToCapacity(capacity); err != nil {
		_ = f.Close()
		return nil, err
	}
	bm.reconstructUpperLevels()
	return bm, nil
}

func levelSizes(capacity int) []int {
	sizes := []int{byteLen(capacity)}
	for sizes[len(sizes)-1] > 1 {
		sizes = append(sizes, byteLen(sizes[len(sizes)-1]))
	}
	return sizes
}

func byteLen(bits int) int {
	return (bits + 7) / 8
}

// mapToCapacity (re)lays out the file for the given capacity, preserving
// the existing level-0 bytes, and remaps it.
func (bm *Bitmap) mapToCapacity(capacity int) error {
	if capacity < 1 {
		capacity = 1
	}
	var oldLevel0 []byte
	if bm.levels != nil {
		oldLevel0 = append([]byte(nil), bm.levels[0]...)
	}

	if bm.data != nil {
		if err := unix.Munmap(bm.data); err != nil {
			return fmt.Errorf("bitmap: munmap %s: %w", bm.path, err)
		}
		bm.data = nil
	}

	sizes := levelSizes(capacity)
	total := 0
	for _, s := range sizes {
		total += s
	}
	if total == 0 {
		total = 1
	}

	if err := bm.file.Truncate(int64(total)); err != nil {
		return fmt.Errorf("bitmap: truncate %s: %w", bm.path, err)
	}

	data, err := unix.Mmap(int(bm.file.Fd()), 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("bitmap: mmap %s: %w", bm.path, err)
	}

	bm.data = data
	bm.levels = make([]level, len(sizes))
	off := 0
	for i, s := range sizes {
		bm.levels[i] = data[off : off+s]
		off += s
	}
	bm.capacity = capacity

	if oldLevel0 != nil {
		copy(bm.levels[0], oldLevel0)
		// Bytes past the old level 0 held the old upper levels; the new
		// slots they now cover start out free.
		for i := len(oldLevel0); i < len(bm.levels[0]); i++ {
			bm.levels[0][i] = 0
		}
	}
	return nil
}

// Capacity returns the number of slots currently addressable.
func (bm *Bitmap) Capacity() int { return bm.capacity }

func lowestZeroBit(b byte) int {
	for i := 0; i < 8; i++ {
		if b&(1<<uint(i)) == 0 {
			return i
		}
	}
	return -1
}

func getBit(l level, i int) bool {
	return l[i/8]&(1<<uint(i%8)) != 0
}

func setBit(l level, i int) {
	l[i/8] |= 1 << uint(i%8)
}

func clearBit(l level, i int) {
	l[i/8] &^= 1 << uint(i%8)
}

// Allocate descends from the top level picking the lowest free bit at
// each level, and returns the level-0 slot it lands on.
func (bm *Bitmap) Allocate() (int, error) {
	top := len(bm.levels) - 1
	idx := 0
	for l := top; l > 0; l-- {
		if idx >= len(bm.levels[l]) {
			return 0, ErrOutOfSpace
		}
		b := bm.levels[l][idx]
		if b == 0xFF {
			return 0, ErrOutOfSpace
		}
		idx = idx*8 + lowestZeroBit(b)
	}

	byteIdx := idx
	if byteIdx >= len(bm.levels[0]) {
		return 0, ErrOutOfSpace
	}
	b := bm.levels[0][byteIdx]
	if b == 0xFF {
		return 0, ErrOutOfSpace
	}
	slot := byteIdx*8 + lowestZeroBit(b)
	if slot >= bm.capacity {
		return 0, ErrOutOfSpace
	}

	setBit(bm.levels[0], slot)
	bm.propagateUp(slot)
	return slot, nil
}

// propagateUp sets each parent bit only when the corresponding child byte
// has just become entirely full, stopping as soon as a parent byte isn't
// full.
func (bm *Bitmap) propagateUp(slot int) {
	idx := slot
	for l := 0; l+1 < len(bm.levels); l++ {
		byteIdx := idx / 8
		if bm.levels[l][byteIdx] != 0xFF {
			return
		}
		setBit(bm.levels[l+1], byteIdx)
		idx = byteIdx
	}
}

// Free clears slot and cascades the clear upward only as long as a parent
// bit actually changes.
func (bm *Bitmap) Free(slot int) error {
	if slot < 0 || slot >= bm.capacity {
		return fmt.Errorf("bitmap: slot %d out of range [0,%d)", slot, bm.capacity)
	}
	clearBit(bm.levels[0], slot)

	idx := slot
	for l := 0; l+1 < len(bm.levels); l++ {
		byteIdx := idx / 8
		if !getBit(bm.levels[l+1], byteIdx) {
			return nil
		}
		clearBit(bm.levels[l+1], byteIdx)
		idx = byteIdx
	}
	return nil
}

// IsAllocated reports whether slot is currently marked allocated.
func (bm *Bitmap) IsAllocated(slot int) bool {
	if slot < 0 || slot >= bm.capacity {
		return false
	}
	return getBit(bm.levels[0], slot)
}

// reconstructUpperLevels rebuilds every level above level 0 from level 0's
// content, which is the source of truth after a crash.
func (bm *Bitmap) reconstructUpperLevels() {
	for l := 0; l+1 < len(bm.levels); l++ {
		for i := range bm.levels[l+1] {
			bm.levels[l+1][i] = 0
		}
		for i := range bm.levels[l] {
			if bm.levels[l][i] == 0xFF {
				setBit(bm.levels[l+1], i)
			}
		}
	}
}

// Grow extends the allocator to newCapacity slots, preserving all
// existing allocation state, and rebuilds the aggregation levels above
// level 0. Safe only while the caller holds exclusive (single-writer)
// access, per the allocator's concurrency contract.
func (bm *Bitmap) Grow(newCapacity int) error {
	if newCapacity <= bm.capacity {
		return nil
	}
	if err := bm.mapToCapacity(newCapacity); err != nil {
		return err
	}
	bm.reconstructUpperLevels()
	return nil
}

// Sync flushes the mapped bitmap pages to stable storage. Called once at
// the end of a flush batch, not per allocation.
func (bm *Bitmap) Sync() error {
	if err := unix.Fdatasync(int(bm.file.Fd())); err != nil {
		return fmt.Errorf("bitmap: fdatasync %s: %w", bm.path, err)
	}
	return nil
}

// Close unmaps and closes the backing file.
func (bm *Bitmap) Close() error {
	if bm.data != nil {
		if err := unix.Munmap(bm.data); err != nil {
			return fmt.Errorf("bitmap: munmap %s: %w", bm.path, err)
		}
		bm.data = nil
	}
	return bm.file.Close()
}
