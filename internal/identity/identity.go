// Package identity derives the stable, hash-based user identity that keys
// both the workspace directory tree and the process pool, without ever
// storing or logging the raw access token.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// idLength is the number of hex characters kept from the SHA-256 digest.
const idLength = 16

// Of derives the UserIdentity for an access token. The derivation is pure:
// the same token always yields the same identity, and the identity contains
// only lowercase hex characters, so it is always safe to use as a directory
// name or map key.
func Of(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])[:idLength]
}

// Valid reports whether id could plausibly have come from Of: the right
// length, hex-only, and in particular free of path separators and "..".
func Valid(id string) bool {
	if len(id) != idLength {
		return false
	}
	if strings.Contains(id, "..") || strings.ContainsAny(id, "/\\") {
		return false
	}
	for _, r := range id {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return true
}

// Mask renders an identity for operator-facing output: the first 8 hex
// characters followed by an ellipsis, matching the original wrapper's
// convention of never printing a full identity (or the token it derives
// from) in logs or stats.
func Mask(id string) string {
	if len(id) <= 8 {
		return id + "..."
	}
	return id[:8] + "..."
}
