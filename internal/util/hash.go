package util

import "encoding/hex"

// ShortHash renders the first 8 bytes of a digest as hex, for log lines.
func ShortHash(sum [32]byte) string {
	return hex.EncodeToString(sum[:8])
}
