// writer.go
//
// Multi-pack-index writer. A Writer accumulates pack index files, then
// assembles the MIDX byte stream and replaces <packDir>/multi-pack-index
// atomically. Packs are shared through the process-wide registry, so a
// writer never re-opens a pack another reader or writer already holds.

package midx

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strings"
)

// midxFileMode is the permission the committed multi-pack-index carries.
const midxFileMode = 0o444

// Writer accumulates the packs that will make up one multi-pack-index.
//
// A Writer is not safe for concurrent use; the shared structures it leans on
// (pack registry, window cache) are.
type Writer struct {
	packDir string
	cache   *windowCache
	packs   []*packFile
	closed  bool
}

// NewWriter creates a writer bound to a pack directory. The directory path
// is normalized so that redundant separators never leak into relative pack
// names.
func NewWriter(packDir string) (*Writer, error) {
	return newWriter(packDir, processCache)
}

func newWriter(packDir string, cache *windowCache) (*Writer, error) {
	if packDir == "" {
		return nil, fmt.Errorf("pack directory must not be empty")
	}
	return &Writer{
		packDir: filepath.Clean(packDir),
		cache:   cache,
	}, nil
}

// Add resolves idxPath relative to the pack directory and registers the pack
// with the writer. Adding the same pack twice is an error: the on-disk
// format stores each pack name exactly once.
func (w *Writer) Add(idxPath string) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}

	path := idxPath
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.packDir, path)
	}
	path = filepath.Clean(path)
	if !strings.HasSuffix(path, ".idx") {
		return fmt.Errorf("not a pack index file: '%s'", idxPath)
	}

	for _, p := range w.packs {
		if p.idxPath == path {
			return fmt.Errorf("pack '%s' already added", idxPath)
		}
	}

	p, err := w.cache.getPack(path)
	if err != nil {
		return err
	}
	w.packs = append(w.packs, p)
	return nil
}

// Commit dumps the index and atomically replaces
// <packDir>/multi-pack-index. Either the previous file or the complete new
// one is visible afterwards.
func (w *Writer) Commit() error {
	var buf bytes.Buffer
	if err := w.Dump(&buf); err != nil {
		return err
	}
	return writeFileAtomic(filepath.Join(w.packDir, midxFileName), buf.Bytes(), midxFileMode)
}

// Dump assembles the complete MIDX byte stream into buf. On failure buf
// holds a partial prefix the caller should discard.
func (w *Writer) Dump(buf *bytes.Buffer) error {
	if w.closed {
		return fmt.Errorf("writer is closed")
	}
	if len(w.packs) == 0 {
		return fmt.Errorf("no packs added to multi-pack-index writer")
	}

	packs := slices.Clone(w.packs)
	slices.SortFunc(packs, func(a, b *packFile) int {
		return strings.Compare(a.packPath, b.packPath)
	})

	var pnam bytes.Buffer
	var entries []Entry
	for i, p := range packs {
		name, err := w.relativeIndexName(p)
		if err != nil {
			return err
		}
		pnam.WriteString(name)
		pnam.WriteByte(0)

		packIndex := uint32(i)
		err = p.enumerateEntries(func(oid Hash, offset uint64) error {
			entries = append(entries, Entry{OID: oid, PackIndex: packIndex, Offset: offset})
			return nil
		})
		if err != nil {
			return err
		}
	}

	// Sort by OID; ties order by pack then offset so the dedup pass is
	// deterministic.
	slices.SortFunc(entries, func(a, b Entry) int {
		if c := a.OID.Compare(b.OID); c != 0 {
			return c
		}
		if a.PackIndex != b.PackIndex {
			if a.PackIndex < b.PackIndex {
				return -1
			}
			return 1
		}
		switch {
		case a.Offset < b.Offset:
			return -1
		case a.Offset > b.Offset:
			return 1
		}
		return 0
	})

	// The format stores at most one entry per OID. Entries that agree on
	// the OID collapse to the first in sorted order; a source reporting two
	// different locations for one object is a caller bug we do not try to
	// reconcile.
	entries = slices.CompactFunc(entries, func(a, b Entry) bool {
		return a.OID == b.OID
	})

	if uint64(len(entries)) > math.MaxUint32 {
		return fmt.Errorf("too many objects for a multi-pack-index: %d", len(entries))
	}

	// Pad the packfile names so the next chunk starts 4-byte aligned.
	for pnam.Len()&3 != 0 {
		pnam.WriteByte(0)
	}

	var fanout [fanoutEntries]uint32
	count := uint32(0)
	for b := 0; b < fanoutEntries; b++ {
		for int(count) < len(entries) && int(entries[count].OID[0]) <= b {
			count++
		}
		fanout[b] = count
	}

	var oidl bytes.Buffer
	for _, e := range entries {
		oidl.Write(e.OID[:])
	}

	var ooff, loff bytes.Buffer
	largeCount := uint32(0)
	for _, e := range entries {
		putU32(&ooff, e.PackIndex)
		if e.Offset >= 0x80000000 {
			putU32(&ooff, 0x80000000|largeCount)
			putU64(&loff, e.Offset)
			largeCount++
		} else {
			putU32(&ooff, uint32(e.Offset))
		}
	}

	chunks := uint8(4)
	if loff.Len() > 0 {
		chunks++
	}

	// Header.
	buf.WriteString(midxSignature)
	buf.WriteByte(midxVersion)
	buf.WriteByte(midxObjectIDVersion)
	buf.WriteByte(chunks)
	buf.WriteByte(0)
	putU32(buf, uint32(len(packs)))

	// Chunk directory, offsets computed cumulatively; the terminating row
	// carries id 0 and the trailer offset.
	offset := uint64(midxHeaderSize + (int(chunks)+1)*chunkEntrySize)
	putChunkHeader(buf, chunkPNAM, offset)
	offset += uint64(pnam.Len())
	putChunkHeader(buf, chunkOIDF, offset)
	offset += fanoutSize
	putChunkHeader(buf, chunkOIDL, offset)
	offset += uint64(oidl.Len())
	putChunkHeader(buf, chunkOOFF, offset)
	offset += uint64(ooff.Len())
	if loff.Len() > 0 {
		putChunkHeader(buf, chunkLOFF, offset)
		offset += uint64(loff.Len())
	}
	putChunkHeader(buf, 0, offset)

	// Chunk payloads in directory order.
	buf.Write(pnam.Bytes())
	for _, n := range fanout {
		putU32(buf, n)
	}
	buf.Write(oidl.Bytes())
	buf.Write(ooff.Bytes())
	buf.Write(loff.Bytes())

	sum := sha1.Sum(buf.Bytes())
	buf.Write(sum[:])
	return nil
}

// relativeIndexName derives the PNAM entry for a pack: its path relative to
// the pack directory with the .pack suffix swapped for .idx. A pack outside
// the directory cannot be represented in the format and is rejected.
func (w *Writer) relativeIndexName(p *packFile) (string, error) {
	rel, err := filepath.Rel(w.packDir, p.packPath)
	if err != nil {
		return "", err
	}
	if len(rel) <= len(".pack") || !strings.HasSuffix(rel, ".pack") {
		return "", fmt.Errorf("invalid packfile path '%s'", p.packPath)
	}
	if strings.ContainsAny(rel, `/\`) {
		return "", fmt.Errorf("pack '%s' is outside the pack directory", p.packPath)
	}
	return strings.TrimSuffix(rel, ".pack") + ".idx", nil
}

// Close releases the writer's pack references. It is idempotent; a Writer
// must not be used afterwards.
func (w *Writer) Close() {
	if w.closed {
		return
	}
	for _, p := range w.packs {
		w.cache.putPack(p)
	}
	w.packs = nil
	w.closed = true
}

func putU32(b *bytes.Buffer, v uint32) {
	var w [4]byte
	binary.BigEndian.PutUint32(w[:], v)
	b.Write(w[:])
}

func putU64(b *bytes.Buffer, v uint64) {
	var w [8]byte
	binary.BigEndian.PutUint64(w[:], v)
	b.Write(w[:])
}

// putChunkHeader writes one 12-byte chunk directory row: the id followed by
// the file offset split into two big-endian words.
func putChunkHeader(b *bytes.Buffer, id uint32, offset uint64) {
	putU32(b, id)
	putU32(b, uint32(offset>>32))
	putU32(b, uint32(offset))
}
