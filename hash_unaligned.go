//go:build arm && !arm64
// +build arm,!arm64

package midx

import "encoding/binary"

// Uint64 returns the leading eight bytes of h as an implementation-native
// uint64. The find cache uses the value as a one-word truncated key; it is
// meaningful only in memory and must never be persisted or compared across
// processes. This version stays on safe byte loads for ARMv6, matching the
// byte order the unsafe variant produces.
func (h Hash) Uint64() uint64 {
	if hostLittle {
		return binary.LittleEndian.Uint64(h[:8])
	}
	return binary.BigEndian.Uint64(h[:8])
}
