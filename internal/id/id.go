// Package id generates opaque identifiers from crypto/rand.
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Generate returns a new identifier of the form prefix + 16 hex chars.
func Generate(prefix string) (string, error) {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("crypto/rand failed: %w", err)
	}
	return prefix + hex.EncodeToString(b), nil
}

// Password returns a one-time password of n random characters drawn
// uniformly from an unambiguous alphanumeric alphabet. Bytes at or above
// the largest multiple of the alphabet size are discarded so no
// character is favored.
func Password(n int) (string, error) {
	const alphabet = "abcdefghjkmnpqrstuvwxyzABCDEFGHJKMNPQRSTUVWXYZ23456789"
	const limit = 256 - 256%len(alphabet)
	out := make([]byte, 0, n)
	buf := make([]byte, n)
	for len(out) < n {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("crypto/rand failed: %w", err)
		}
		for _, c := range buf {
			if int(c) >= limit {
				continue
			}
			out = append(out, alphabet[int(c)%len(alphabet)])
			if len(out) == n {
				break
			}
		}
	}
	return string(out), nil
}
