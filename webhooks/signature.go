package webhooks

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

const DefaultSignaturePrefix = "sha256="

// HMACVerifier checks an HMAC-SHA256 signature of the raw body carried in a
// request header. The signature may be hex or base64 encoded and may carry
// Prefix.
type HMACVerifier struct {
	Header string
	Prefix string
	Secret string
}

func (v HMACVerifier) Verify(req Request) error {
	name := strings.TrimSpace(v.Header)
	if name == "" {
		name = "X-Signature"
	}
	header := headerValue(req.Headers, name)
	if header == "" {
		return core.AuthenticationFailed(name + " signature header is required")
	}
	secret := strings.TrimSpace(v.Secret)
	if secret == "" {
		return core.AuthenticationFailed("signature secret is not configured")
	}
	prefix := v.Prefix
	if prefix == "" {
		prefix = DefaultSignaturePrefix
	}
	signature := strings.TrimSpace(header)
	if len(signature) >= len(prefix) && strings.EqualFold(signature[:len(prefix)], prefix) {
		signature = strings.TrimSpace(signature[len(prefix):])
	}
	if signature == "" {
		return core.AuthenticationFailed("signature value is required")
	}

	expected := computeHMAC(secret, req.Body)
	for _, decoded := range decodeSignature(signature) {
		if subtle.ConstantTimeCompare(decoded, expected) == 1 {
			return nil
		}
	}
	return core.AuthenticationFailed("signature verification failed")
}

// Sign returns the prefixed hex signature a sender would attach to body.
func Sign(secret string, body []byte) string {
	return DefaultSignaturePrefix + hex.EncodeToString(computeHMAC(strings.TrimSpace(secret), body))
}

func computeHMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(body)
	return mac.Sum(nil)
}

func decodeSignature(signature string) [][]byte {
	candidates := make([][]byte, 0, 2)
	if decoded, err := hex.DecodeString(signature); err == nil {
		candidates = append(candidates, decoded)
	}
	if decoded, err := base64.StdEncoding.DecodeString(signature); err == nil {
		candidates = append(candidates, decoded)
	}
	return candidates
}

func headerValue(headers map[string]string, key string) string {
	if len(headers) == 0 {
		return ""
	}
	for existing, value := range headers {
		if strings.EqualFold(strings.TrimSpace(existing), strings.TrimSpace(key)) {
			return strings.TrimSpace(value)
		}
	}
	return ""
}
