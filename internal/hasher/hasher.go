// Package hasher computes the content digests used for integrity checks and deduplication.
package hasher

import (
	"crypto/md5" //nolint:gosec // md5 is a dedup key, not a security boundary
	"crypto/sha256"
	"encoding/hex"
)

// Digest holds the hex-encoded digests of one payload.
type Digest struct {
	MD5    string
	SHA256 string
	Size   int64
}

// Sum hashes an in-memory payload. An empty payload is valid.
func Sum(payload []byte) Digest {
	m := md5.Sum(payload) //nolint:gosec
	s := sha256.Sum256(payload)
	return Digest{
		MD5:    hex.EncodeToString(m[:]),
		SHA256: hex.EncodeToString(s[:]),
		Size:   int64(len(payload)),
	}
}

// ValidMD5 reports whether s looks like a hex-encoded MD5 digest.
func ValidMD5(s string) bool {
	if len(s) != 2*md5.Size {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}
