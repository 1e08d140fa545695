// Package midx reads and writes the multi-pack-index (MIDX) file used by a
// content-addressed object database. A MIDX merges the indices of many pack
// files into one file, so resolving an object identifier to its owning pack
// and byte offset takes a single fanout-plus-binary-search lookup instead of
// one probe per pack.
//
// The package has two halves that share contracts: a strict binary codec
// with a reader built on a direct memory map of the MIDX file, and a
// process-wide window cache that memory-maps bounded slices of the pack
// index files the writer ingests.
//
// Typical usage:
//
//	m, err := midx.Open(filepath.Join(packDir, "multi-pack-index"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer m.Close()
//
//	e, err := m.Find(oid, 40)
//	// e.PackIndex names an entry of m.Packfiles(); e.Offset is the byte
//	// offset inside that pack.
//
// A Midx is immutable after Open returns and safe for concurrent readers.
package midx

import (
	"bytes"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"os"
	"slices"
	"strings"
	"unsafe"
)

// Multi-pack index chunk identifiers.
const (
	chunkPNAM = 0x504e414d // 'PNAM' - pack names
	chunkOIDF = 0x4f494446 // 'OIDF' - object ID fanout table
	chunkOIDL = 0x4f49444c // 'OIDL' - object ID list
	chunkOOFF = 0x4f4f4646 // 'OOFF' - object offsets
	chunkLOFF = 0x4c4f4646 // 'LOFF' - large object offsets
)

const (
	midxSignature       = "MIDX"
	midxVersion         = 1
	midxObjectIDVersion = 1 // SHA-1
	midxHeaderSize      = 12
	chunkEntrySize      = 12
)

// midxFileName is the well-known basename a MIDX is stored under, next to
// the *.pack / *.idx pairs it covers.
const midxFileName = "multi-pack-index"

// Entry locates one object inside the set of packs covered by a
// multi-pack-index.
type Entry struct {
	// OID is the full 20-byte identifier of the object.
	OID Hash

	// PackIndex indexes the Packfiles list of the index that produced the
	// entry.
	PackIndex uint32

	// Offset is the absolute byte position of the object inside that pack.
	// The field is 64-bit to support packs that exceed 2 GiB.
	Offset uint64
}

// Midx is one parsed multi-pack-index file.
//
// The bulk lookup tables are borrowed views into the memory-mapped file, so
// they cost a few kilobytes regardless of how many objects the index covers;
// the lookup memo adds up to findCacheSize resolved entries on top.
// The struct is immutable after Open returns and safe for concurrent
// readers; Close must not race with in-flight lookups.
type Midx struct {
	filename string
	data     []byte

	packNames []string

	// fanout[i] == #objects whose first digest byte ≤ i.
	fanout [fanoutEntries]uint32

	// oidLookup reinterprets the OIDL chunk in place; entries are sorted.
	oidLookup []Hash

	// objectOffsets and largeOffsets stay raw and are decoded per access,
	// which keeps every load aligned no matter where the chunks landed.
	objectOffsets []byte
	largeOffsets  []byte
	numLarge      uint32

	checksum Hash

	recent *findCache
}

// Open maps the multi-pack-index at path and parses it. On any failure no
// state survives: the descriptor is closed and the mapping released before
// the error is returned.
func Open(path string) (*Midx, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	st, err := statRegular(f)
	if err != nil {
		return nil, err
	}

	data, err := mmapRO(f, 0, int(st.Size()))
	if err != nil {
		return nil, err
	}

	m := &Midx{filename: path}
	if err := m.parse(data); err != nil {
		_ = munmap(data)
		return nil, err
	}

	m.recent, err = newFindCache()
	if err != nil {
		_ = munmap(data)
		return nil, err
	}
	return m, nil
}

// Close releases the underlying mapping. It is safe to call twice.
func (m *Midx) Close() error {
	data := m.data
	m.data = nil
	m.oidLookup = nil
	m.objectOffsets = nil
	m.largeOffsets = nil
	return munmap(data)
}

// Path returns the file the index was opened from.
func (m *Midx) Path() string { return m.filename }

// Packfiles returns the pack index names recorded in the PNAM chunk, in
// their on-disk (sorted) order. The slice is a copy.
func (m *Midx) Packfiles() []string { return slices.Clone(m.packNames) }

// NumObjects returns the number of objects the index covers.
func (m *Midx) NumObjects() uint32 { return m.fanout[fanoutEntries-1] }

// Checksum returns the trailer digest of the file.
func (m *Midx) Checksum() Hash { return m.checksum }

// chunkRegion is one resolved row of the chunk directory. A zero offset
// doubles as "chunk absent" because no chunk can start before the directory
// ends.
type chunkRegion struct {
	offset uint64
	length uint64
}

// parse validates data against every format invariant and binds the chunk
// views. data must stay alive for as long as the Midx is used.
func (m *Midx) parse(data []byte) error {
	if len(data) < midxHeaderSize+hashSize {
		return invalidFormat("multi-pack index is too short")
	}

	if string(data[0:4]) != midxSignature ||
		data[4] != midxVersion ||
		data[5] != midxObjectIDVersion {
		return invalidFormat("unsupported multi-pack index version")
	}
	chunks := int(data[6])
	if chunks == 0 {
		return invalidFormat("no chunks in multi-pack index")
	}
	if data[7] != 0 {
		return invalidFormat("chained multi-pack index files are not supported")
	}
	packfiles := binary.BigEndian.Uint32(data[8:12])

	// The first chunk can start no earlier than the end of the directory,
	// including its terminating row.
	lastOffset := uint64(midxHeaderSize + (chunks+1)*chunkEntrySize)
	trailerOffset := uint64(len(data) - hashSize)
	if trailerOffset < lastOffset {
		return invalidFormat("wrong index size")
	}

	copy(m.checksum[:], data[trailerOffset:])
	if Hash(sha1.Sum(data[:trailerOffset])) != m.checksum {
		return invalidFormat("index signature mismatch")
	}

	var pnam, oidf, oidl, ooff, loff chunkRegion
	var last *chunkRegion

	dir := data[midxHeaderSize:]
	for i := 0; i < chunks; i++ {
		row := dir[i*chunkEntrySize : (i+1)*chunkEntrySize]
		id := binary.BigEndian.Uint32(row[0:4])
		// The offset is stored as two big-endian words.
		offset := uint64(binary.BigEndian.Uint32(row[4:8]))<<32 |
			uint64(binary.BigEndian.Uint32(row[8:12]))

		if offset < lastOffset {
			return invalidFormat("chunks are non-monotonic")
		}
		if offset >= trailerOffset {
			return invalidFormat("chunks extend beyond the trailer")
		}
		if last != nil {
			last.length = offset - lastOffset
		}
		lastOffset = offset

		switch id {
		case chunkPNAM:
			last = &pnam
		case chunkOIDF:
			last = &oidf
		case chunkOIDL:
			last = &oidl
		case chunkOOFF:
			last = &ooff
		case chunkLOFF:
			last = &loff
		default:
			return invalidFormat("unrecognized chunk ID")
		}
		if last.offset != 0 {
			return invalidFormat("duplicate chunk ID")
		}
		last.offset = offset
	}
	last.length = trailerOffset - lastOffset

	if err := m.parsePackNames(data, packfiles, pnam); err != nil {
		return err
	}
	if err := m.parseFanout(data, oidf); err != nil {
		return err
	}
	if err := m.parseOIDLookup(data, oidl); err != nil {
		return err
	}
	if err := m.parseObjectOffsets(data, ooff); err != nil {
		return err
	}
	if err := m.parseLargeOffsets(data, loff); err != nil {
		return err
	}

	m.data = data
	return nil
}

func (m *Midx) parsePackNames(data []byte, packfiles uint32, chunk chunkRegion) error {
	if chunk.offset == 0 {
		return invalidFormat("missing Packfile Names chunk")
	}
	if chunk.length == 0 {
		return invalidFormat("empty Packfile Names chunk")
	}

	names := make([]string, 0, packfiles)
	rest := data[chunk.offset : chunk.offset+chunk.length]
	for i := uint32(0); i < packfiles; i++ {
		end := bytes.IndexByte(rest, 0)
		if end < 0 {
			return invalidFormat("unterminated packfile name")
		}
		if end == 0 {
			return invalidFormat("empty packfile name")
		}
		name := string(rest[:end])
		if len(names) > 0 && names[len(names)-1] >= name {
			return invalidFormat("packfile names are not sorted")
		}
		if len(name) <= len(".idx") || !strings.HasSuffix(name, ".idx") {
			return invalidFormat("non-.idx packfile name")
		}
		if strings.ContainsAny(name, `/\`) {
			return invalidFormat("non-local packfile")
		}
		names = append(names, name)
		rest = rest[end+1:]
	}

	m.packNames = names
	return nil
}

func (m *Midx) parseFanout(data []byte, chunk chunkRegion) error {
	if chunk.offset == 0 {
		return invalidFormat("missing OID Fanout chunk")
	}
	if chunk.length != fanoutSize {
		return invalidFormat("OID Fanout chunk has wrong length")
	}

	// Copy the 1 KiB into an owned, aligned buffer before the word-wise
	// reinterpret; the chunk itself may sit at any byte offset.
	var buf [fanoutSize]byte
	copy(buf[:], data[chunk.offset:])
	m.fanout = *(*[fanoutEntries]uint32)(unsafe.Pointer(&buf[0]))
	if hostLittle {
		for i := range m.fanout {
			m.fanout[i] = binary.BigEndian.Uint32(buf[i*4:])
		}
	}

	prev := uint32(0)
	for _, n := range m.fanout {
		if n < prev {
			return invalidFormat("index is non-monotonic")
		}
		prev = n
	}
	return nil
}

func (m *Midx) parseOIDLookup(data []byte, chunk chunkRegion) error {
	if chunk.offset == 0 {
		return invalidFormat("missing OID Lookup chunk")
	}
	n := uint64(m.NumObjects())
	if chunk.length != n*hashSize {
		return invalidFormat("OID Lookup chunk has wrong length")
	}

	if n == 0 {
		m.oidLookup = nil
		return nil
	}

	// Zero-copy view: Hash is a byte array, so any offset is aligned.
	m.oidLookup = unsafe.Slice((*Hash)(unsafe.Pointer(&data[chunk.offset])), n)
	for i := uint64(1); i < n; i++ {
		if m.oidLookup[i-1].Compare(m.oidLookup[i]) >= 0 {
			return invalidFormat("OID Lookup index is non-monotonic")
		}
	}
	return nil
}

func (m *Midx) parseObjectOffsets(data []byte, chunk chunkRegion) error {
	if chunk.offset == 0 {
		return invalidFormat("missing Object Offsets chunk")
	}
	if chunk.length != uint64(m.NumObjects())*8 {
		return invalidFormat("Object Offsets chunk has wrong length")
	}
	m.objectOffsets = data[chunk.offset : chunk.offset+chunk.length]
	return nil
}

func (m *Midx) parseLargeOffsets(data []byte, chunk chunkRegion) error {
	if chunk.length == 0 {
		return nil
	}
	if chunk.length%8 != 0 {
		return invalidFormat("malformed Object Large Offsets chunk")
	}
	m.largeOffsets = data[chunk.offset : chunk.offset+chunk.length]
	m.numLarge = uint32(chunk.length / 8)
	return nil
}

// entryAt decodes the entry at position pos of the sorted object tables.
func (m *Midx) entryAt(pos uint32) (Entry, error) {
	raw := m.objectOffsets[uint64(pos)*8 : uint64(pos)*8+8]
	packIndex := binary.BigEndian.Uint32(raw[0:4])
	word := binary.BigEndian.Uint32(raw[4:8])

	var offset uint64
	if word&0x80000000 == 0 {
		offset = uint64(word)
	} else {
		largeIdx := word & 0x7fffffff
		if largeIdx >= m.numLarge {
			return Entry{}, invalidFormat("invalid index into the object large offsets table")
		}
		offset = binary.BigEndian.Uint64(m.largeOffsets[uint64(largeIdx)*8:])
	}

	if packIndex >= uint32(len(m.packNames)) {
		return Entry{}, invalidFormat("invalid index into the packfile names table")
	}

	return Entry{
		OID:       m.oidLookup[pos],
		PackIndex: packIndex,
		Offset:    offset,
	}, nil
}

// Find resolves an object identifier, possibly abbreviated to the first
// nibbles hex digits, to its entry.
//
// It returns ErrNotFound when no object matches and ErrAmbiguous when an
// abbreviated identifier matches more than one. The returned tuple stays
// semantically valid for the lifetime of the Midx.
func (m *Midx) Find(prefix Hash, nibbles int) (Entry, error) {
	if nibbles <= 0 || nibbles > hashHexSize {
		return Entry{}, fmt.Errorf("invalid object ID prefix length %d", nibbles)
	}

	full := nibbles == hashHexSize
	if full {
		if e, ok := m.recent.lookup(prefix); ok {
			return e, nil
		}
	}

	first := prefix[0]
	lo := uint32(0)
	if first > 0 {
		lo = m.fanout[first-1]
	}
	hi := m.fanout[first]

	rel, hit := slices.BinarySearchFunc(
		m.oidLookup[lo:hi],
		prefix,
		func(a, b Hash) int { return bytes.Compare(a[:], b[:]) },
	)
	pos := lo + uint32(rel)

	found := hit
	if !found && pos < m.NumObjects() {
		// pos is the insertion point; the object there matches iff it
		// agrees on every prefix digit.
		found = prefixCompare(prefix, m.oidLookup[pos], nibbles) == 0
	}
	if found && !full && pos+1 < m.NumObjects() &&
		prefixCompare(prefix, m.oidLookup[pos+1], nibbles) == 0 {
		return Entry{}, ErrAmbiguous
	}
	if !found {
		return Entry{}, ErrNotFound
	}

	e, err := m.entryAt(pos)
	if err != nil {
		return Entry{}, err
	}
	if full {
		m.recent.add(prefix, e)
	}
	return e, nil
}

// ForeachEntry invokes cb for every object in the index, in OID order, and
// stops at the first error, which it returns.
func (m *Midx) ForeachEntry(cb func(Entry) error) error {
	for pos := uint32(0); pos < m.NumObjects(); pos++ {
		e, err := m.entryAt(pos)
		if err != nil {
			return err
		}
		if err := cb(e); err != nil {
			return err
		}
	}
	return nil
}

// NeedsRefresh reports whether the on-disk file at path no longer matches
// the loaded image: it cannot be opened or statted, is not a regular file,
// has a different size, or carries a different trailer digest. It reports
// false only when the file is demonstrably the one already loaded.
func (m *Midx) NeedsRefresh(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return true
	}
	defer f.Close()

	st, err := statRegular(f)
	if err != nil {
		return true
	}
	if st.Size() != int64(len(m.data)) {
		return true
	}

	var sum Hash
	if _, err := f.ReadAt(sum[:], st.Size()-hashSize); err != nil {
		return true
	}
	return sum != m.checksum
}
