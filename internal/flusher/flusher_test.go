package flusher_test

import (
	"testing"

	"github.com/nsakamura/bkv/internal/flusher"
	"github.com/nsakamura/bkv/internal/keystore"
	"github.com/nsakamura/bkv/internal/kvbuffer"
	"github.com/nsakamura/bkv/internal/valuestore"
	"github.com/nsakamura/bkv/internal/wal"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*flusher.Flusher, *kvbuffer.Buffer, *keystore.Store, *valuestore.Store, *wal.WAL) {
	t.Helper()
	dir := t.TempDir()

	vs, err := valuestore.Open(dir, []int{32, 64}, 4)
	require.NoError(t, err)
	t.Cleanup(func() { _ = vs.Close() })

	ks, err := keystore.Open(dir, keystore.Config{
		BucketCount:          4,
		InitialBucketRecords: 8,
		ProbeLimit:           8,
		MaxKeyLen:            32,
		MaxRehashAttempts:    8,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = ks.Close() })

	w, _, err := wal.Open(dir+"/wal", 1<<20)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	buf := kvbuffer.New(0)
	fl := flusher.New(vs, ks, w, buf)
	return fl, buf, ks, vs, w
}

func TestFlushSegmentAppliesPutsAndDeletes(t *testing.T) {
	fl, buf, ks, _, _ := setup(t)

	buf.Put("a", []byte("alpha"))
	buf.Put("b", []byte("bravo"))
	buf.Delete("b")

	seq := buf.Seal(1)
	require.NoError(t, fl.FlushSegment(seq))

	v, vlen, found, err := ks.Lookup([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(5), vlen)
	_ = v

	_, _, found, err = ks.Lookup([]byte("b"))
	require.NoError(t, err)
	require.False(t, found, "b was deleted within the same segment")
}

func TestFlushSegmentDropsBuffer(t *testing.T) {
	fl, buf, _, _, _ := setup(t)

	buf.Put("a", []byte("alpha"))
	seq := buf.Seal(1)
	require.NoError(t, fl.FlushSegment(seq))

	require.Empty(t, buf.SealedSeqs())
}

func TestFlushOverwriteFreesDisplacedValue(t *testing.T) {
	fl, buf, ks, vs, _ := setup(t)

	buf.Put("a", []byte("alpha"))
	seq := buf.Seal(1)
	require.NoError(t, fl.FlushSegment(seq))

	v1, _, found, err := ks.Lookup([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)

	buf.Put("a", []byte("updated"))
	seq2 := buf.Seal(2)
	require.NoError(t, fl.FlushSegment(seq2))

	v2, _, found, err := ks.Lookup([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.NotEqual(t, v1, v2)

	got, err := vs.GetValue(v2, len("updated"))
	require.NoError(t, err)
	require.Equal(t, []byte("updated"), got)

	// v1's slot was freed, so the next value in that class reuses it.
	v3, err := vs.PutValue([]byte("x"))
	require.NoError(t, err)
	require.Equal(t, v1, v3)
}

func TestFlushAllSealedProcessesOldestFirst(t *testing.T) {
	fl, buf, ks, vs, _ := setup(t)

	buf.Put("a", []byte("v1"))
	buf.Seal(1)
	buf.Put("a", []byte("v2"))
	buf.Seal(2)

	require.NoError(t, fl.FlushAllSealed())
	require.Empty(t, buf.SealedSeqs())

	v, vlen, found, err := ks.Lookup([]byte("a"))
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, uint32(2), vlen)
	got, err := vs.GetValue(v, int(vlen))
	require.NoError(t, err)
	require.Equal(t, []byte("v2"), got)
}
