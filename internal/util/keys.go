package util

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// MaxRawKey is the longest user key embedded verbatim in a storage key.
const MaxRawKey = 200

const hashedPrefix = "h:"

// StorageKey returns "<prefix>:<key>". Keys longer than MaxRawKey are replaced by
// "h:" plus the first 16 bytes of their SHA-256, hex encoded, so backends with key
// size limits (BigCache shards, Redis cluster slots) see bounded keys. Keys that
// already start with "h:" are hashed too, so a raw key never reads as a hash.
func StorageKey(prefix, key string) string {
	if len(key) <= MaxRawKey && !strings.HasPrefix(key, hashedPrefix) {
		return prefix + ":" + key
	}
	sum := sha256.Sum256([]byte(key))
	return prefix + ":" + hashedPrefix + hex.EncodeToString(sum[:16])
}
