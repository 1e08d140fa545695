// mwindow.go
//
// Process-wide LRU cache of memory-mapped windows over pack index files.
// The cache maps *byte ranges of registered files* → *mmap regions* so that
// many readers and writers can walk arbitrarily large packs while the total
// number of mapped bytes stays under a soft limit.
//
// A single mutex guards every structural mutation: the file list, the window
// lists, the pack registry and all counters. Window contents are read without
// the lock once a cursor has pinned the window, because a non-zero inuse
// count prevents eviction and unmapping.

package midx

import (
	"fmt"
	"math/bits"
	"os"
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	// enumCacheEntries bounds the number of per-pack enumeration results
	// kept for reuse across successive multi-pack-index rewrites.
	enumCacheEntries = 64
)

var (
	defaultWindowSize = func() uint64 {
		if bits.UintSize >= 64 {
			return 1 << 30 // 1 GiB
		}
		return 32 << 20 // 32 MiB
	}()

	defaultMappedLimit = func() uint64 {
		if bits.UintSize >= 64 {
			return 8192 << 20 // 8 GiB
		}
		return 256 << 20 // 256 MiB
	}()
)

// defaultFileLimit of zero means the number of registered files is unbounded.
const defaultFileLimit = 0

// window is one memory-mapped slice of a registered file.
//
// base is the window-aligned file offset of data[0]. raw is the full mmap
// region, which may start before base because mmap offsets must be
// page-aligned while windows align to half the configured window size.
type window struct {
	base     uint64
	raw      []byte
	data     []byte
	inuse    uint32
	lastUsed uint64
}

// contains reports whether the window covers the file offset. The upper
// bound is inclusive so that a cursor positioned exactly at the end of a
// window is still considered inside it.
func (w *window) contains(offset uint64) bool {
	return w.base <= offset && offset <= w.base+uint64(len(w.data))
}

// mwindowFile is the per-file anchor for the windows mapped over it.
// The file handle is opened lazily and may be closed by closeLRUFile while
// no window is mapped; the next window open reopens it.
type mwindowFile struct {
	path    string
	file    *os.File
	size    uint64
	windows []*window
}

// windowCursor pins one window on behalf of a caller. While the cursor holds
// a window, the window's inuse count is non-zero and the mapped bytes stay
// valid without the cache lock.
type windowCursor struct {
	win *window
}

// windowCache is the process-wide structure that owns every mapped window
// and the shared pack registry. All fields except enum are guarded by mu;
// enum carries its own synchronization and is used without mu.
type windowCache struct {
	mu sync.Mutex

	windowSize  uint64
	mappedLimit uint64
	fileLimit   int

	files []*mwindowFile
	packs map[string]*packFile

	// enum keeps recently enumerated (oid, offset) sets per pack so that
	// rewriting a multi-pack-index over a mostly unchanged pack directory
	// does not re-read every index file.
	enum *lru.Cache[uint64, []packObject]

	mapped      uint64
	openWindows int
	usedCtr     uint64

	mmapCalls       uint64
	peakMapped      uint64
	peakOpenWindows int
}

// processCache is the singleton used by NewWriter. Open maps the MIDX file
// directly and does not go through the window cache. Tests build
// private instances so that eviction scenarios do not interfere with each
// other.
var processCache = newWindowCache()

func newWindowCache() *windowCache {
	enum, err := lru.New[uint64, []packObject](enumCacheEntries)
	if err != nil {
		panic(err) // enumCacheEntries is a positive constant
	}
	return &windowCache{
		windowSize:  defaultWindowSize,
		mappedLimit: defaultMappedLimit,
		fileLimit:   defaultFileLimit,
		packs:       make(map[string]*packFile),
		enum:        enum,
	}
}

// SetWindowSize adjusts the size of newly created windows of the process
// cache. Windows that are already mapped keep their size.
func SetWindowSize(n uint64) error {
	if n == 0 {
		return fmt.Errorf("window size must be positive")
	}
	processCache.mu.Lock()
	processCache.windowSize = n
	processCache.mu.Unlock()
	return nil
}

// SetMappedLimit adjusts the soft cap on the total number of mapped bytes of
// the process cache.
func SetMappedLimit(n uint64) error {
	if n == 0 {
		return fmt.Errorf("mapped limit must be positive")
	}
	processCache.mu.Lock()
	processCache.mappedLimit = n
	processCache.mu.Unlock()
	return nil
}

// SetFileLimit adjusts the cap on concurrently registered files of the
// process cache. Zero removes the cap.
func SetFileLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("file limit must not be negative")
	}
	processCache.mu.Lock()
	processCache.fileLimit = n
	processCache.mu.Unlock()
	return nil
}

// Shutdown releases every window that is not pinned by a live cursor and
// drops the cached enumeration results. It is safe to call multiple times
// and after all readers and writers have been closed.
func Shutdown() {
	c := processCache
	c.mu.Lock()
	for c.closeLRUWindow() {
	}
	c.mu.Unlock()
	c.enum.Purge()
}

// scanRecentlyUsed finds the least- or most-recently-used unused window of
// one file. onlyUnused demands that the file has no window in use at all.
// best carries the running extreme across files; the function reports
// whether it improved on it.
func scanRecentlyUsed(f *mwindowFile, best **window, onlyUnused bool, mostRecent bool) bool {
	found := false
	for _, w := range f.windows {
		if w.inuse > 0 {
			if onlyUnused {
				return false
			}
			continue
		}
		cur := *best
		if cur == nil ||
			(!mostRecent && cur.lastUsed > w.lastUsed) ||
			(mostRecent && cur.lastUsed < w.lastUsed) {
			*best = w
			found = true
		}
	}
	return found
}

// closeLRUWindow unmaps the single unused window with the smallest lastUsed
// across all files. It reports whether a window could be evicted.
// Callers must hold c.mu.
func (c *windowCache) closeLRUWindow() bool {
	var lruWin *window
	var owner *mwindowFile
	for _, f := range c.files {
		if scanRecentlyUsed(f, &lruWin, false, false) {
			owner = f
		}
	}
	if lruWin == nil {
		return false
	}

	c.mapped -= uint64(len(lruWin.data))
	c.openWindows--
	_ = munmap(lruWin.raw)

	i := slices.Index(owner.windows, lruWin)
	owner.windows = slices.Delete(owner.windows, i, i+1)
	return true
}

// closeLRUFile closes the file all of whose windows are unused and whose
// most-recently-used window is the stalest such MRU across candidate files.
// Its windows are freed and its descriptor closed; the next window open
// reopens the file. Callers must hold c.mu.
func (c *windowCache) closeLRUFile() bool {
	var lruFile *mwindowFile
	var lruMRU *window
	for _, f := range c.files {
		var mru *window
		if !scanRecentlyUsed(f, &mru, true, true) {
			continue
		}
		if lruMRU == nil || lruMRU.lastUsed > mru.lastUsed {
			lruFile = f
			lruMRU = mru
		}
	}
	if lruFile == nil {
		return false
	}

	c.freeAllLocked(lruFile)
	if lruFile.file != nil {
		_ = lruFile.file.Close()
		lruFile.file = nil
	}
	return true
}

// newWindow maps a fresh window of f that covers offset. The window base is
// aligned down to half the configured window size; the length is capped by
// the window size and the file size. Unused windows are evicted first while
// the mapped total would exceed the soft limit, and once more wholesale if
// the mapping itself fails. Callers must hold c.mu.
func (c *windowCache) newWindow(f *mwindowFile, offset uint64) (*window, error) {
	if offset >= f.size {
		return nil, fmt.Errorf("window offset %d beyond end of file '%s'", offset, f.path)
	}
	walign := c.windowSize / 2
	if walign == 0 {
		walign = 1
	}
	base := offset / walign * walign
	length := f.size - base
	if length > c.windowSize {
		length = c.windowSize
	}

	for c.mapped+length > c.mappedLimit && c.closeLRUWindow() {
	}
	// mappedLimit is a soft limit: with nothing left to evict the new
	// window is mapped anyway.

	if f.file == nil {
		file, err := os.Open(f.path)
		if err != nil {
			return nil, err
		}
		f.file = file
	}

	mapBase := pageAlign(base)
	mapLen := int(base - mapBase + length)
	raw, err := mmapRO(f.file, int64(mapBase), mapLen)
	if err != nil {
		// The failure may be address-space fragmentation; release
		// everything evictable and retry once.
		for c.closeLRUWindow() {
		}
		raw, err = mmapRO(f.file, int64(mapBase), mapLen)
		if err != nil {
			return nil, err
		}
	}

	w := &window{
		base: base,
		raw:  raw,
		data: raw[base-mapBase:],
	}

	c.mapped += length
	c.mmapCalls++
	c.openWindows++
	if c.mapped > c.peakMapped {
		c.peakMapped = c.mapped
	}
	if c.openWindows > c.peakOpenWindows {
		c.peakOpenWindows = c.openWindows
	}
	return w, nil
}

// openWindow returns the mapped bytes of f from offset to the end of a
// window that covers [offset, offset+extra], together with the number of
// addressable bytes after offset. The chosen window is pinned through cur
// until release; a cursor that already satisfies the range is reused
// without touching the LRU clock.
func (c *windowCache) openWindow(f *mwindowFile, cur *windowCursor, offset uint64, extra int) ([]byte, int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	w := cur.win
	if w == nil || !(w.contains(offset) && w.contains(offset+uint64(extra))) {
		if w != nil {
			w.inuse--
			cur.win = nil
		}
		w = nil
		for _, cand := range f.windows {
			if cand.contains(offset) && cand.contains(offset+uint64(extra)) {
				w = cand
				break
			}
		}
		if w == nil {
			// A file that closeLRUFile evicted wholesale was also
			// deregistered; bring it back before mapping into it.
			if len(f.windows) == 0 && !slices.Contains(c.files, f) {
				c.fileRegisterLocked(f)
			}
			nw, err := c.newWindow(f, offset)
			if err != nil {
				return nil, 0, err
			}
			f.windows = append(f.windows, nw)
			w = nw
		}
	}

	if w != cur.win {
		w.lastUsed = c.usedCtr
		c.usedCtr++
		w.inuse++
		cur.win = w
	}

	rel := offset - w.base
	return w.data[rel:], len(w.data) - int(rel), nil
}

// release unpins the cursor's window and clears the cursor. A nil cursor
// window is a no-op, so release is safe to defer unconditionally.
func (c *windowCache) release(cur *windowCursor) {
	c.mu.Lock()
	if cur.win != nil {
		cur.win.inuse--
		cur.win = nil
	}
	c.mu.Unlock()
}

// fileRegister adds f to the cache's file list. When a file limit is set,
// registration first closes least-recently-used files until the limit
// permits one more.
func (c *windowCache) fileRegister(f *mwindowFile) {
	c.mu.Lock()
	c.fileRegisterLocked(f)
	c.mu.Unlock()
}

func (c *windowCache) fileRegisterLocked(f *mwindowFile) {
	if c.fileLimit > 0 {
		for c.fileLimit <= len(c.files) && c.closeLRUFile() {
		}
	}
	c.files = append(c.files, f)
}

// fileDeregister removes f from the cache's file list without touching its
// windows. Callers that also want the windows gone use freeAll.
func (c *windowCache) fileDeregister(f *mwindowFile) {
	c.mu.Lock()
	if i := slices.Index(c.files, f); i >= 0 {
		c.files = slices.Delete(c.files, i, i+1)
	}
	c.mu.Unlock()
}

// freeAll unmaps every window of f and removes the file from the cache.
func (c *windowCache) freeAll(f *mwindowFile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.freeAllLocked(f)
}

func (c *windowCache) freeAllLocked(f *mwindowFile) {
	if i := slices.Index(c.files, f); i >= 0 {
		c.files = slices.Delete(c.files, i, i+1)
	}
	for _, w := range f.windows {
		if w.inuse != 0 {
			panic("freeing mwindow file with window in use")
		}
		c.mapped -= uint64(len(w.data))
		c.openWindows--
		_ = munmap(w.raw)
	}
	f.windows = nil
}

// cacheStats is a point-in-time snapshot of the cache counters, taken under
// the lock.
type cacheStats struct {
	mapped          uint64
	openWindows     int
	mmapCalls       uint64
	peakMapped      uint64
	peakOpenWindows int
	files           int
}

func (c *windowCache) stats() cacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return cacheStats{
		mapped:          c.mapped,
		openWindows:     c.openWindows,
		mmapCalls:       c.mmapCalls,
		peakMapped:      c.peakMapped,
		peakOpenWindows: c.peakOpenWindows,
		files:           len(c.files),
	}
}
