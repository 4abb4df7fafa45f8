package crypto

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"strings"
	"time"
)

const (
	totpPeriod = 30 * time.Second
	totpDigits = 6
	// one step of clock skew is accepted in each direction
	totpSkewSteps = 1
)

// VerifyTOTP reports whether code is a valid RFC 6238 time-based one-time
// password for the base32-encoded secret at time now.
func VerifyTOTP(secret, code string, now time.Time) bool {
	if len(code) != totpDigits {
		return false
	}
	key, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(strings.TrimSpace(secret)))
	if err != nil {
		return false
	}
	counter := now.Unix() / int64(totpPeriod/time.Second)
	for delta := int64(-totpSkewSteps); delta <= totpSkewSteps; delta++ {
		if subtle.ConstantTimeCompare([]byte(hotp(key, counter+delta)), []byte(code)) == 1 {
			return true
		}
	}
	return false
}

// hotp computes the RFC 4226 truncated HMAC-SHA1 one-time password.
func hotp(key []byte, counter int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(counter))
	mac := hmac.New(sha1.New, key)
	mac.Write(buf[:])
	sum := mac.Sum(nil)
	offset := sum[len(sum)-1] & 0x0f
	value := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%0*d", totpDigits, value%1_000_000)
}
