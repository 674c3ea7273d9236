package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// hexDigestRe matches a lowercase 64-char hex SHA-256 digest.
var hexDigestRe = regexp.MustCompile(`^[0-9a-f]{64}$`)

// HashBytes returns the lowercase-hex SHA-256 digest of raw bytes.
func HashBytes(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// IsDigest reports whether s is a well-formed lowercase hex SHA-256 digest.
func IsDigest(s string) bool {
	return hexDigestRe.MatchString(s)
}
