package vectorindex

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"time"
)

// Snapshot file layout, little endian:
//
//	header  magic u32 | version u32 | dims u32 | count u32 | createdAt i64 | reserved [8]
//	records count × (metaLen u32 | meta JSON | dims × f32)
//	footer  crc32(records) u32 | count u32
const (
	SnapshotMagic   uint32 = 0x50525658 // "PRVX"
	SnapshotVersion uint32 = 1
	snapshotHeader         = 32
	snapshotFooter         = 8
)

type recordMeta struct {
	ID string `json:"id"`
	Metadata
}

// writeSnapshot writes entries to path through a temp file and rename, so
// readers never see a partial snapshot.
func writeSnapshot(path string, dims int, entries []Entry) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating snapshot directory: %w", err)
		}
	}
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return fmt.Errorf("creating temp snapshot: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmpPath)
	}()

	bw := bufio.NewWriter(f)
	header := make([]byte, snapshotHeader)
	binary.LittleEndian.PutUint32(header[0:4], SnapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], SnapshotVersion)
	binary.LittleEndian.PutUint32(header[8:12], uint32(dims))
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(entries)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(time.Now().UnixNano()))
	if _, err := bw.Write(header); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}

	crc := crc32.NewIEEE()
	body := io.MultiWriter(bw, crc)
	var lenBuf [4]byte
	vecBuf := make([]byte, 4*dims)
	for _, e := range entries {
		meta, err := json.Marshal(recordMeta{ID: e.ID, Metadata: e.Metadata})
		if err != nil {
			return fmt.Errorf("marshaling metadata for %s: %w", e.ID, err)
		}
		binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(meta)))
		if _, err := body.Write(lenBuf[:]); err != nil {
			return fmt.Errorf("writing record %s: %w", e.ID, err)
		}
		if _, err := body.Write(meta); err != nil {
			return fmt.Errorf("writing record %s: %w", e.ID, err)
		}
		for i, x := range e.Vector {
			binary.LittleEndian.PutUint32(vecBuf[4*i:], math.Float32bits(x))
		}
		if _, err := body.Write(vecBuf); err != nil {
			return fmt.Errorf("writing vector %s: %w", e.ID, err)
		}
	}

	footer := make([]byte, snapshotFooter)
	binary.LittleEndian.PutUint32(footer[0:4], crc.Sum32())
	binary.LittleEndian.PutUint32(footer[4:8], uint32(len(entries)))
	if _, err := bw.Write(footer); err != nil {
		return fmt.Errorf("writing footer: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}
	return nil
}

// readSnapshot loads a snapshot written by writeSnapshot and verifies its
// checksum.
func readSnapshot(path string) (int, []Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, nil, err
	}
	if len(data) < snapshotHeader+snapshotFooter {
		return 0, nil, fmt.Errorf("snapshot %s truncated: %d bytes", path, len(data))
	}
	if magic := binary.LittleEndian.Uint32(data[0:4]); magic != SnapshotMagic {
		return 0, nil, fmt.Errorf("invalid snapshot file: bad magic bytes %x", magic)
	}
	if v := binary.LittleEndian.Uint32(data[4:8]); v != SnapshotVersion {
		return 0, nil, fmt.Errorf("unsupported snapshot version %d", v)
	}
	dims := int(binary.LittleEndian.Uint32(data[8:12]))
	count := int(binary.LittleEndian.Uint32(data[12:16]))

	body := data[snapshotHeader : len(data)-snapshotFooter]
	footer := data[len(data)-snapshotFooter:]
	if sum := crc32.ChecksumIEEE(body); sum != binary.LittleEndian.Uint32(footer[0:4]) {
		return 0, nil, fmt.Errorf("snapshot %s checksum mismatch", path)
	}
	if n := int(binary.LittleEndian.Uint32(footer[4:8])); n != count {
		return 0, nil, fmt.Errorf("snapshot %s count mismatch: header %d, footer %d", path, count, n)
	}

	entries := make([]Entry, 0, count)
	pos := 0
	for i := 0; i < count; i++ {
		if pos+4 > len(body) {
			return 0, nil, fmt.Errorf("snapshot %s: record %d truncated", path, i)
		}
		metaLen := int(binary.LittleEndian.Uint32(body[pos:]))
		pos += 4
		if pos+metaLen+4*dims > len(body) {
			return 0, nil, fmt.Errorf("snapshot %s: record %d truncated", path, i)
		}
		var meta recordMeta
		if err := json.Unmarshal(body[pos:pos+metaLen], &meta); err != nil {
			return 0, nil, fmt.Errorf("snapshot %s: record %d: %w", path, i, err)
		}
		pos += metaLen
		vec := make([]float32, dims)
		for j := range vec {
			vec[j] = math.Float32frombits(binary.LittleEndian.Uint32(body[pos:]))
			pos += 4
		}
		entries = append(entries, Entry{ID: meta.ID, Vector: vec, Metadata: meta.Metadata})
	}
	return dims, entries, nil
}
