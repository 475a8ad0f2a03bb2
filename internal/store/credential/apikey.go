package credential

import (
	"crypto/rand"
	"encoding/base64"
)

// generateAPIKey returns an opaque api key of length URL-safe base64
// characters drawn from crypto/rand. crypto/rand + base64 is stdlib
// rather than a corpus library because no retrieved example repo
// imports a dedicated id-generation library, and secret generation is
// exactly what crypto/rand is for.
func generateAPIKey(length int) (string, error) {
	// 192 bits = 24 bytes; base64 URL-safe encodes 24 bytes to 32
	// characters with no padding, matching the "opaque 32-char secret"
	// contract exactly when length == 32. Longer keys scale the byte
	// count proportionally; shorter keys are cut from a 24-byte
	// encoding and so carry 6 bits per character, fewer than 192 bits.
	byteLen := (length*6 + 7) / 8
	if byteLen < 24 {
		byteLen = 24
	}
	buf := make([]byte, byteLen)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	encoded := base64.RawURLEncoding.EncodeToString(buf)
	if len(encoded) > length {
		encoded = encoded[:length]
	}
	return encoded, nil
}
