package midx

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/hexops/gotextdiff"
	"github.com/hexops/gotextdiff/myers"
	"github.com/hexops/gotextdiff/span"
	"github.com/stretchr/testify/require"
)

// testOID builds a deterministic 20-byte identifier whose first byte is b0.
// The remaining bytes follow a fixed pattern seeded by tail so adjacent test
// objects never collide.
func testOID(b0 byte, tail byte) Hash {
	var h Hash
	h[0] = b0
	for i := 1; i < hashSize; i++ {
		h[i] = tail ^ byte(i*7)
	}
	return h
}

// mustParseHash converts a 40-char hex string or fails the test.
func mustParseHash(t *testing.T, s string) Hash {
	t.Helper()
	h, err := ParseHash(s)
	require.NoError(t, err)
	return h
}

// createV2IndexFile writes a minimal pack-index v2 covering the given
// objects. Offsets at or beyond 2 GiB are routed through the large-offset
// table exactly as the format demands. The objects are sorted by OID before
// writing; the caller's slices are not modified.
func createV2IndexFile(t *testing.T, path string, objs []packObject) {
	t.Helper()

	sorted := slices.Clone(objs)
	slices.SortFunc(sorted, func(a, b packObject) int { return a.oid.Compare(b.oid) })

	var buf bytes.Buffer
	write := func(v any) { require.NoError(t, binary.Write(&buf, binary.BigEndian, v)) }

	buf.Write(idxMagic[:])
	write(uint32(2))

	var fanout [fanoutEntries]uint32
	for _, o := range sorted {
		fanout[o.oid[0]]++
	}
	var sum uint32
	for i := 0; i < fanoutEntries; i++ {
		sum += fanout[i]
		write(sum)
	}

	for _, o := range sorted {
		buf.Write(o.oid[:])
	}
	for range sorted {
		write(uint32(0)) // CRC-32, unchecked by enumeration
	}

	var large []uint64
	for _, o := range sorted {
		if o.offset >= 0x80000000 {
			write(uint32(0x80000000) | uint32(len(large)))
			large = append(large, o.offset)
		} else {
			write(uint32(o.offset))
		}
	}
	for _, off := range large {
		write(off)
	}

	// Trailer: pack checksum (immaterial here) + idx checksum.
	var packSum Hash
	buf.Write(packSum[:])
	idxSum := sha1.Sum(buf.Bytes())
	buf.Write(idxSum[:])

	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
}

// createPackPair writes an empty placeholder *.pack and a real *.idx next to
// it, returning the idx path. The writer never reads pack payloads, but the
// pair mirrors how packs appear on disk.
func createPackPair(t *testing.T, dir, name string, objs []packObject) string {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".pack"), []byte("PACK"), 0o644))
	idxPath := filepath.Join(dir, name+".idx")
	createV2IndexFile(t, idxPath, objs)
	return idxPath
}

// buildMidxBytes assembles a complete, correctly signed multi-pack-index
// from already-sorted pack names and entries. Tests that need a corrupt file
// mutate the result and call resignMidx when the damage must survive the
// trailer check.
func buildMidxBytes(t *testing.T, packNames []string, entries []Entry) []byte {
	t.Helper()

	sorted := slices.Clone(entries)
	slices.SortFunc(sorted, func(a, b Entry) int { return a.OID.Compare(b.OID) })

	var pnam bytes.Buffer
	for _, n := range packNames {
		pnam.WriteString(n)
		pnam.WriteByte(0)
	}
	for pnam.Len()&3 != 0 {
		pnam.WriteByte(0)
	}

	var fanout [fanoutEntries]uint32
	count := uint32(0)
	for b := 0; b < fanoutEntries; b++ {
		for int(count) < len(sorted) && int(sorted[count].OID[0]) <= b {
			count++
		}
		fanout[b] = count
	}

	var oidl bytes.Buffer
	for _, e := range sorted {
		oidl.Write(e.OID[:])
	}

	var ooff, loff bytes.Buffer
	largeCount := uint32(0)
	for _, e := range sorted {
		putU32(&ooff, e.PackIndex)
		if e.Offset >= 0x80000000 {
			putU32(&ooff, 0x80000000|largeCount)
			putU64(&loff, e.Offset)
			largeCount++
		} else {
			putU32(&ooff, uint32(e.Offset))
		}
	}

	chunks := 4
	if loff.Len() > 0 {
		chunks = 5
	}

	var file bytes.Buffer
	file.WriteString(midxSignature)
	file.WriteByte(midxVersion)
	file.WriteByte(midxObjectIDVersion)
	file.WriteByte(byte(chunks))
	file.WriteByte(0)
	putU32(&file, uint32(len(packNames)))

	offset := uint64(midxHeaderSize + (chunks+1)*chunkEntrySize)
	putChunkHeader(&file, chunkPNAM, offset)
	offset += uint64(pnam.Len())
	putChunkHeader(&file, chunkOIDF, offset)
	offset += fanoutSize
	putChunkHeader(&file, chunkOIDL, offset)
	offset += uint64(oidl.Len())
	putChunkHeader(&file, chunkOOFF, offset)
	offset += uint64(ooff.Len())
	if loff.Len() > 0 {
		putChunkHeader(&file, chunkLOFF, offset)
		offset += uint64(loff.Len())
	}
	putChunkHeader(&file, 0, offset)

	file.Write(pnam.Bytes())
	for _, n := range fanout {
		putU32(&file, n)
	}
	file.Write(oidl.Bytes())
	file.Write(ooff.Bytes())
	file.Write(loff.Bytes())

	sum := sha1.Sum(file.Bytes())
	file.Write(sum[:])
	return file.Bytes()
}

// resignMidx recomputes the trailer digest after a test mutated the body.
func resignMidx(b []byte) {
	sum := sha1.Sum(b[:len(b)-hashSize])
	copy(b[len(b)-hashSize:], sum[:])
}

// writeMidxFile drops the bytes into dir under the canonical name.
func writeMidxFile(t *testing.T, dir string, b []byte) string {
	t.Helper()
	path := filepath.Join(dir, midxFileName)
	require.NoError(t, os.WriteFile(path, b, 0o644))
	return path
}

// parseMidxBytes runs the parser over an in-memory image, bypassing mmap.
func parseMidxBytes(b []byte) (*Midx, error) {
	m := &Midx{filename: "<memory>"}
	if err := m.parse(b); err != nil {
		return nil, err
	}
	return m, nil
}

// diffHex renders a unified diff of two byte streams' hexdumps; empty means
// identical. Used for byte-parity assertions where a plain not-equal leaves
// nothing to debug with.
func diffHex(name string, a, b []byte) string {
	if bytes.Equal(a, b) {
		return ""
	}
	ah, bh := hex.Dump(a), hex.Dump(b)
	edits := myers.ComputeEdits(span.URIFromPath(name+".a"), ah, bh)
	return fmt.Sprint(gotextdiff.ToUnified(name+".a", name+".b", ah, edits))
}
