// Package crypto provides code generation and password hashing for the
// authorization flows.
package crypto

import (
	"crypto/rand"
	"encoding/base32"
	"io"
	"strings"
)

// user codes exclude O, 0, I and 1 to reduce transcription mistakes.
const userCodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

var opaqueEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)

// NewOpaqueCode returns a URL-safe opaque code with at least 128 bits of
// entropy. Used for device codes and authorization codes.
func NewOpaqueCode() string {
	buf := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		panic(err)
	}
	return opaqueEncoding.EncodeToString(buf)
}

// NewUserCode returns a human-typeable device-grant code in the form
// XXXX-XXXX drawn from an unambiguous uppercase alphabet.
func NewUserCode() string {
	var b strings.Builder
	b.Grow(9)
	for i := 0; i < 8; i++ {
		if i == 4 {
			b.WriteByte('-')
		}
		b.WriteByte(userCodeAlphabet[randomIndex(len(userCodeAlphabet))])
	}
	return b.String()
}

func randomIndex(n int) int {
	// Rejection sampling keeps the alphabet distribution uniform.
	max := 256 - 256%n
	var buf [1]byte
	for {
		if _, err := io.ReadFull(rand.Reader, buf[:]); err != nil {
			panic(err)
		}
		if int(buf[0]) < max {
			return int(buf[0]) % n
		}
	}
}
