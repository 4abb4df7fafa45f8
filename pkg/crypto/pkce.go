package crypto

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
)

// PKCE code challenge methods (RFC 7636).
const (
	CodeChallengeMethodPlain = "plain"
	CodeChallengeMethodS256  = "S256"
)

// VerifyPKCE reports whether verifier satisfies the recorded challenge.
// S256 compares base64url(SHA-256(verifier)) against the challenge, plain
// compares directly. Unknown methods never verify.
func VerifyPKCE(challenge, method, verifier string) bool {
	if challenge == "" || verifier == "" {
		return false
	}
	switch method {
	case CodeChallengeMethodS256:
		sum := sha256.Sum256([]byte(verifier))
		computed := base64.RawURLEncoding.EncodeToString(sum[:])
		return subtle.ConstantTimeCompare([]byte(computed), []byte(challenge)) == 1
	case CodeChallengeMethodPlain, "":
		return subtle.ConstantTimeCompare([]byte(verifier), []byte(challenge)) == 1
	default:
		return false
	}
}
