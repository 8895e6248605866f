package wal_test

import (
	"os"
	"testing"

	"github.com/nsakamura/bkv/internal/diskmanager/mockdm"
	"github.com/nsakamura/bkv/internal/wal"
	"github.com/stretchr/testify/require"
)

func corrupt(t *testing.T, path string) {
	t.Helper()
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	raw[len(raw)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0644))
}

func TestOpenEmptyDirStartsAtSegmentZero(t *testing.T) {
	dir := t.TempDir()
	w, sealed, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	require.Empty(t, sealed)
	require.Equal(t, uint64(0), w.ActiveSeq())
}

func TestAppendAndReplay(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("alpha")})
	require.NoError(t, err)
	_, err = w.Append(wal.Entry{Type: wal.DeleteEntry, Key: []byte("b")})
	require.NoError(t, err)

	entries, err := w.ReplaySegment(w.ActiveSeq())
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, wal.PutEntry, entries[0].Type)
	require.Equal(t, []byte("a"), entries[0].Key)
	require.Equal(t, []byte("alpha"), entries[0].Value)
	require.Equal(t, wal.DeleteEntry, entries[1].Type)
	require.Equal(t, []byte("b"), entries[1].Key)
}

func TestSealOpensNextSegmentAndReportsSealed(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)

	sealedSeq, err := w.Seal()
	require.NoError(t, err)
	require.Equal(t, uint64(0), sealedSeq)
	require.Equal(t, uint64(1), w.ActiveSeq())

	entries, err := w.ReplaySegment(sealedSeq)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestReopenPicksUpSealedSegments(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	_, err = w.Seal()
	require.NoError(t, err)
	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("b"), Value: []byte("2")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, sealed, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w2.Close()

	require.Equal(t, []uint64{0}, sealed)
	require.Equal(t, uint64(1), w2.ActiveSeq())
}

func TestNeedsSeal(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 16)
	require.NoError(t, err)
	defer w.Close()

	require.False(t, w.NeedsSeal())
	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("this value is long enough")})
	require.NoError(t, err)
	require.True(t, w.NeedsSeal())
}

func TestRemoveSegment(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("1")})
	require.NoError(t, err)
	sealedSeq, err := w.Seal()
	require.NoError(t, err)

	require.NoError(t, w.RemoveSegment(sealedSeq))

	entries, err := w.ReplaySegment(sealedSeq)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestOpenWithMockDiskManager(t *testing.T) {
	dm := mockdm.NewMockDiskManager()
	w, sealed, err := wal.OpenWith(dm, t.TempDir(), 1<<20)
	require.NoError(t, err)
	defer w.Close()
	require.Empty(t, sealed)

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("alpha")})
	require.NoError(t, err)

	entries, err := w.ReplaySegment(w.ActiveSeq())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("alpha"), entries[0].Value)
}

func TestReplayTruncatesAtTornWrite(t *testing.T) {
	dir := t.TempDir()
	w, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)

	_, err = w.Append(wal.Entry{Type: wal.PutEntry, Key: []byte("a"), Value: []byte("alpha")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	path := dir + "/wal.00000000000000000000"
	corrupt(t, path)

	w2, _, err := wal.Open(dir, 1<<20)
	require.NoError(t, err)
	defer w2.Close()

	entries, err := w2.ReplaySegment(w2.ActiveSeq())
	require.NoError(t, err)
	require.Empty(t, entries, "a corrupted trailing record must not be replayed")
}
