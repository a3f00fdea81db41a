package credential

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
)

const (
	secretBytes = 32 // 256 bits of entropy per secret
	saltBytes   = 8
	// KeyLength is the number of leading secret characters stored in the clear for lookup
	KeyLength = 8
	// bodyLength is the hex length of the random part of a secret
	bodyLength = secretBytes * 2
)

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// newSecretBody returns the random hex part of a secret
func newSecretBody() (string, error) {
	return randomHex(secretBytes)
}

func newSalt() (string, error) {
	return randomHex(saltBytes)
}

// hashBody digests the decoded secret and salt with SHA-512.
// Both must be even-length hex.
func hashBody(body, salt string) (string, error) {
	raw, err := hex.DecodeString(body)
	if err != nil {
		return "", err
	}
	s, err := hex.DecodeString(salt)
	if err != nil {
		return "", err
	}
	h := sha512.New()
	h.Write(raw)
	h.Write(s)
	return hex.EncodeToString(h.Sum(nil)), nil
}

// isHexBody reports whether body has the shape newSecretBody produces
func isHexBody(body string) bool {
	if len(body) != bodyLength {
		return false
	}
	for i := 0; i < len(body); i++ {
		c := body[i]
		if !('0' <= c && c <= '9' || 'a' <= c && c <= 'f') {
			return false
		}
	}
	return true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
