//go:build unix

package midx

import (
	"os"

	"golang.org/x/sys/unix"
)

// mmapRO maps length bytes of f starting at offset read-only into memory.
// offset must be a multiple of the system page size.
func mmapRO(f *os.File, offset int64, length int) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), offset, length, unix.PROT_READ, unix.MAP_SHARED)
}

func munmap(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

// pageAlign rounds offset down to the host page size. mmap offsets must be
// page aligned even when the window alignment is coarser.
func pageAlign(offset uint64) uint64 {
	page := uint64(os.Getpagesize())
	return offset &^ (page - 1)
}
