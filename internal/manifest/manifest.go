// Package manifest persists the creation-fixed shape of a store — bucket
// count, size classes, max key length — so a later Open can detect a
// Config mismatch before touching any other file.
package manifest

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/nsakamura/bkv/internal/dberr"
)

var magic = [4]byte{'B', 'K', 'V', '1'}

const formatVersion = 1

const fileName = "MANIFEST"

// Manifest records the fields of a Config that are fixed at creation and
// must never silently change across reopens.
type Manifest struct {
	BucketCount uint32
	SizeClasses []uint32
	MaxKeyLen   uint32
	CreatedAt   int64
}

func path(dir string) string {
	return filepath.Join(dir, fileName)
}

// Create writes a new manifest file. It fails if one already exists.
func Create(dir string, m Manifest, now int64) error {
	if len(m.SizeClasses) > math.MaxUint8 {
		return fmt.Errorf("manifest: %d size classes exceeds the 255 the on-disk layout can encode", len(m.SizeClasses))
	}
	m.CreatedAt = now
	buf := encode(m)
	p := path(dir)
	f, err := os.OpenFile(p, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return fmt.Errorf("manifest: create %s: %w", p, err)
	}
	defer f.Close()
	if _, err := f.Write(buf); err != nil {
		return fmt.Errorf("manifest: write %s: %w", p, err)
	}
	return f.Sync()
}

// Exists reports whether a manifest file is already present in dir.
func Exists(dir string) bool {
	_, err := os.Stat(path(dir))
	return err == nil
}

// Load reads and decodes the manifest file in dir.
func Load(dir string) (Manifest, error) {
	p := path(dir)
	raw, err := os.ReadFile(p)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: read %s: %w", p, err)
	}
	return decode(raw)
}

// Validate loads the on-disk manifest and checks it against the
// creation-fixed fields the caller expects. Any mismatch, or a bad magic,
// is reported as Corruption.
func Validate(dir string, want Manifest) (Manifest, error) {
	got, err := Load(dir)
	if err != nil {
		return Manifest{}, err
	}
	if got.BucketCount != want.BucketCount {
		return Manifest{}, dberr.CorruptionF("manifest bucket_count %d does not match configured %d", got.BucketCount, want.BucketCount)
	}
	if got.MaxKeyLen != want.MaxKeyLen {
		return Manifest{}, dberr.CorruptionF("manifest max_key_len %d does not match configured %d", got.MaxKeyLen, want.MaxKeyLen)
	}
	if len(got.SizeClasses) != len(want.SizeClasses) {
		return Manifest{}, dberr.CorruptionF("manifest has %d size classes, configured %d", len(got.SizeClasses), len(want.SizeClasses))
	}
	for i := range got.SizeClasses {
		if got.SizeClasses[i] != want.SizeClasses[i] {
			return Manifest{}, dberr.CorruptionF("manifest size class %d is %d, configured %d", i, got.SizeClasses[i], want.SizeClasses[i])
		}
	}
	return got, nil
}

// encode lays out magic(4) | version(u32) | bucket_count(u32) |
// size_classes(count u8, widths u32 each) | max_key_len(u32) |
// created_at(u64).
func encode(m Manifest) []byte {
	var buf bytes.Buffer
	buf.Write(magic[:])
	writeU32(&buf, formatVersion)
	writeU32(&buf, m.BucketCount)
	buf.WriteByte(uint8(len(m.SizeClasses)))
	for _, c := range m.SizeClasses {
		writeU32(&buf, c)
	}
	writeU32(&buf, m.MaxKeyLen)
	writeU64(&buf, uint64(m.CreatedAt))
	return buf.Bytes()
}

func decode(raw []byte) (Manifest, error) {
	if len(raw) < 4 || !bytes.Equal(raw[:4], magic[:]) {
		return Manifest{}, dberr.CorruptionF("manifest has bad magic")
	}
	r := bytes.NewReader(raw[4:])

	version, err := readU32(r)
	if err != nil {
		return Manifest{}, dberr.CorruptionF("manifest truncated reading version")
	}
	if version != formatVersion {
		return Manifest{}, dberr.CorruptionF("manifest format version %d unsupported", version)
	}

	bucketCount, err := readU32(r)
	if err != nil {
		return Manifest{}, dberr.CorruptionF("manifest truncated reading bucket_count")
	}

	n, err := r.ReadByte()
	if err != nil {
		return Manifest{}, dberr.CorruptionF("manifest truncated reading size class count")
	}
	classes := make([]uint32, n)
	for i := range classes {
		classes[i], err = readU32(r)
		if err != nil {
			return Manifest{}, dberr.CorruptionF("manifest truncated reading size class %d", i)
		}
	}

	maxKeyLen, err := readU32(r)
	if err != nil {
		return Manifest{}, dberr.CorruptionF("manifest truncated reading max_key_len")
	}

	createdAt, err := readU64(r)
	if err != nil {
		return Manifest{}, dberr.CorruptionF("manifest truncated reading created_at")
	}

	return Manifest{
		BucketCount: bucketCount,
		SizeClasses: classes,
		MaxKeyLen:   maxKeyLen,
		CreatedAt:   int64(createdAt),
	}, nil
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func readU32(r *bytes.Reader) (uint32, error) {
	var b [4]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := r.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}
