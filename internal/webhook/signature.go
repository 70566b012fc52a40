package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrUnauthorized is returned when a delivery's signature is missing or
// does not match the body.
var ErrUnauthorized = errors.New("webhook: invalid signature")

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header against body. The header holds the hex
// digest, optionally prefixed with "sha256=". Any mismatch is rejected.
func Verify(secret, body []byte, header string) error {
	sig := strings.TrimSpace(header)
	sig = strings.TrimPrefix(sig, "sha256=")
	if sig == "" {
		return ErrUnauthorized
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrUnauthorized
	}
	return nil
}
