// pack.go
//
// Shared registry of opened pack index files plus the windowed enumeration
// the multi-pack-index writer drives. Packs are keyed by canonical *.idx
// path and reference counted; all writers and readers that add the same pack
// share one packFile and therefore one set of mapped windows.

package midx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dgryski/go-farm"
)

const (
	idxHeaderSize  = 8  // 4-byte magic + 4-byte version.
	idxTrailerSize = 40 // pack SHA-1 + idx SHA-1.
)

// idxMagic identifies a pack-index v2 file.
var idxMagic = [4]byte{0xff, 0x74, 0x4f, 0x63}

var (
	ErrBadIdxHeader  = errors.New("idx corrupt: bad magic or unsupported version")
	ErrIdxTruncated  = errors.New("idx corrupt: tables extend past end of file")
	ErrBadLargeIndex = errors.New("idx corrupt: invalid large offset index")
)

// packObject pairs an object identifier with its byte offset inside the
// companion pack. It is the unit the writer collects from every pack.
type packObject struct {
	oid    Hash
	offset uint64
}

// packFile is one entry of the process-wide pack registry.
//
// refs is mutated only under the registry's mutex, which is the same mutex
// that guards the window cache.
type packFile struct {
	// idxPath is the canonical path of the *.idx file; it is the registry
	// key.
	idxPath string

	// packPath is idxPath with the .idx suffix replaced by .pack. Pack
	// ordering and the PNAM chunk derive from it.
	packPath string

	refs int

	// fingerprint is a farmhash of the canonical path and the stat data
	// taken when the pack was first opened. It keys the enumeration cache
	// so an index file rewritten on the same path and registered again
	// does not replay stale entries. It is not recomputed while the pack
	// stays registered.
	fingerprint uint64

	mwf   mwindowFile
	cache *windowCache
}

// getPack returns the registered pack for the canonical *.idx path,
// creating and registering it on first use. The returned pack holds one
// reference that the caller balances with putPack.
func (c *windowCache) getPack(path string) (*packFile, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p, ok := c.packs[path]; ok {
		p.refs++
		return p, nil
	}

	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !st.Mode().IsRegular() {
		return nil, fmt.Errorf("invalid pack index '%s'", path)
	}

	p := &packFile{
		idxPath:  path,
		packPath: strings.TrimSuffix(path, ".idx") + ".pack",
		refs:     1,
		cache:    c,
		mwf: mwindowFile{
			path: path,
			size: uint64(st.Size()),
		},
	}
	p.fingerprint = farm.Hash64(fmt.Appendf(nil, "%s|%d|%d", path, st.Size(), st.ModTime().UnixNano()))

	c.fileRegisterLocked(&p.mwf)
	c.packs[path] = p
	return p, nil
}

// putPack drops one reference. The last reference removes the pack from the
// registry, unmaps its windows and closes its descriptor.
func (c *windowCache) putPack(p *packFile) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p.refs--
	if p.refs > 0 {
		return
	}
	delete(c.packs, p.idxPath)
	c.freeAllLocked(&p.mwf)
	if p.mwf.file != nil {
		_ = p.mwf.file.Close()
		p.mwf.file = nil
	}
}

// enumerateEntries invokes cb once per object recorded in the pack's index,
// in index order. The index is read through the window cache, so the walk
// pins at most one window at a time; windows it has released stay mapped
// until the cache evicts them. The decoded set is memoized for the next
// writer over the same unchanged pack.
func (p *packFile) enumerateEntries(cb func(oid Hash, offset uint64) error) error {
	if objs, ok := p.cache.enum.Get(p.fingerprint); ok {
		for _, o := range objs {
			if err := cb(o.oid, o.offset); err != nil {
				return err
			}
		}
		return nil
	}

	objs, err := p.readEntries()
	if err != nil {
		return err
	}
	p.cache.enum.Add(p.fingerprint, objs)

	for _, o := range objs {
		if err := cb(o.oid, o.offset); err != nil {
			return err
		}
	}
	return nil
}

// readEntries walks the pack-index v2 tables through mapped windows.
func (p *packFile) readEntries() ([]packObject, error) {
	size := p.mwf.size
	if size < idxHeaderSize+fanoutSize+idxTrailerSize {
		return nil, ErrIdxTruncated
	}

	var cur windowCursor
	defer p.cache.release(&cur)

	read := func(off uint64, n int) ([]byte, error) {
		if off+uint64(n) > size {
			return nil, ErrIdxTruncated
		}
		b, left, err := p.cache.openWindow(&p.mwf, &cur, off, n)
		if err != nil {
			return nil, err
		}
		if left < n {
			return nil, ErrIdxTruncated
		}
		return b[:n], nil
	}

	hdr, err := read(0, idxHeaderSize)
	if err != nil {
		return nil, err
	}
	if [4]byte(hdr[:4]) != idxMagic || binary.BigEndian.Uint32(hdr[4:]) != 2 {
		return nil, ErrBadIdxHeader
	}

	// Only the last fanout entry is needed here: the writer re-derives its
	// own fanout over the union of all packs.
	last, err := read(idxHeaderSize+(fanoutEntries-1)*4, 4)
	if err != nil {
		return nil, err
	}
	objCount := uint64(binary.BigEndian.Uint32(last))

	oidBase := uint64(idxHeaderSize + fanoutSize)
	crcBase := oidBase + objCount*hashSize
	offBase := crcBase + objCount*4
	largeBase := offBase + objCount*4
	if largeBase+idxTrailerSize > size {
		return nil, ErrIdxTruncated
	}
	largeCount := (size - idxTrailerSize - largeBase) / 8

	objs := make([]packObject, 0, objCount)
	for i := uint64(0); i < objCount; i++ {
		raw, err := read(oidBase+i*hashSize, hashSize)
		if err != nil {
			return nil, err
		}
		var oid Hash
		copy(oid[:], raw)

		ob, err := read(offBase+i*4, 4)
		if err != nil {
			return nil, err
		}
		word := binary.BigEndian.Uint32(ob)

		var offset uint64
		if word&0x80000000 == 0 {
			offset = uint64(word)
		} else {
			largeIdx := uint64(word & 0x7fffffff)
			if largeIdx >= largeCount {
				return nil, ErrBadLargeIndex
			}
			lb, err := read(largeBase+largeIdx*8, 8)
			if err != nil {
				return nil, err
			}
			offset = binary.BigEndian.Uint64(lb)
		}

		objs = append(objs, packObject{oid: oid, offset: offset})
	}
	return objs, nil
}
