package textproc

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// contentHashBodyPrefix bounds how much of the body participates in the hash,
// so near-identical syndicated copies with trailing boilerplate still collide.
const contentHashBodyPrefix = 200

// ContentHash computes the case-insensitive digest used for in-run and
// cross-run deduplication: sha256 over (lowercased title, lowercased
// description, first 200 chars of body).
func ContentHash(title, description, body string) string {
	if len(body) > contentHashBodyPrefix {
		body = body[:contentHashBodyPrefix]
	}
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(title))))
	h.Write([]byte{'\x1f'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(description))))
	h.Write([]byte{'\x1f'})
	h.Write([]byte(strings.ToLower(strings.TrimSpace(body))))
	return hex.EncodeToString(h.Sum(nil))
}
