package main

import (
	"crypto/rand"
	"strings"
)

const (
	codeLength = 6

	// No 0/O, 1/I/L: codes get read off a projector and typed on phones.
	codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"
)

// generateCode returns a fixed-length room code drawn uniformly from the
// restricted alphabet. Uniqueness is the caller's problem.
func generateCode() string {
	const max = byte(255 - (256 % len(codeAlphabet)))

	out := make([]byte, 0, codeLength)
	buf := make([]byte, codeLength*2)

	for {
		if _, err := rand.Read(buf); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}

		for _, b := range buf {
			if b <= max {
				out = append(out, codeAlphabet[int(b)%len(codeAlphabet)])
				if len(out) == codeLength {
					return string(out)
				}
			}
		}
	}
}

// normalizeCode upper-cases a candidate room code so lookups are
// case-insensitive.
func normalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
