//go:build !arm || arm64
// +build !arm arm64

package midx

import "unsafe"

// Uint64 returns the leading eight bytes of h as an implementation-native
// uint64. The find cache uses the value as a one-word truncated key; it is
// meaningful only in memory and must never be persisted or compared across
// processes. This version uses an unsafe cast on architectures that allow
// word loads at byte alignment.
func (h Hash) Uint64() uint64 { return *(*uint64)(unsafe.Pointer(&h[0])) }
