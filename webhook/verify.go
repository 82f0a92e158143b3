package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

const (
	SignatureHeader = "X-Signature"
	signaturePrefix = "sha256="
)

var (
	ErrSecretNotConfigured = errors.New("webhook secret not configured")
	ErrUnauthorized        = errors.New("webhook signature invalid")
)

// Sign returns the header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks an HMAC-SHA256 hex signature of the raw body. The sha256=
// prefix is optional.
func Verify(secret string, body []byte, header string) error {
	if strings.TrimSpace(secret) == "" {
		return ErrSecretNotConfigured
	}
	sig := strings.TrimSpace(header)
	if sig == "" {
		return ErrUnauthorized
	}
	if strings.HasPrefix(strings.ToLower(sig), signaturePrefix) {
		sig = sig[len(signaturePrefix):]
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return ErrUnauthorized
	}
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrUnauthorized
	}
	return nil
}
