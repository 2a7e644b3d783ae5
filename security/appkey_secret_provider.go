package security

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/goliatone/go-dispatch/core"
)

type Option func(*AppKeySecretProvider)

type appKey struct {
	id      string
	version int
	aead    cipher.AEAD
}

// AppKeySecretProvider seals merchant credentials with AES-256-GCM under a
// master key supplied by the process environment. Retired keys registered
// with WithRetiredKey can still open old envelopes.
type AppKeySecretProvider struct {
	keyID   string
	version int
	key     []byte
	retired map[string]appKey
	active  cipher.AEAD
}

func WithKeyID(id string) Option {
	return func(provider *AppKeySecretProvider) {
		if trimmed := strings.TrimSpace(id); trimmed != "" {
			provider.keyID = trimmed
		}
	}
}

func WithVersion(version int) Option {
	return func(provider *AppKeySecretProvider) {
		if version > 0 {
			provider.version = version
		}
	}
}

func WithRetiredKey(id string, version int, keyMaterial []byte) Option {
	return func(provider *AppKeySecretProvider) {
		material := bytes.TrimSpace(keyMaterial)
		if strings.TrimSpace(id) == "" || len(material) == 0 {
			return
		}
		aead, err := newAEAD(normalizeKey(material))
		if err != nil {
			return
		}
		if provider.retired == nil {
			provider.retired = map[string]appKey{}
		}
		ref := FormatKeyRef(id, version)
		provider.retired[ref] = appKey{id: strings.TrimSpace(id), version: version, aead: aead}
	}
}

func NewAppKeySecretProvider(keyMaterial []byte, opts ...Option) (*AppKeySecretProvider, error) {
	material := bytes.TrimSpace(keyMaterial)
	if len(material) == 0 {
		return nil, fmt.Errorf("security: key material is required")
	}
	provider := &AppKeySecretProvider{
		keyID:   "app-key",
		version: 1,
		key:     normalizeKey(material),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(provider)
		}
	}
	aead, err := newAEAD(provider.key)
	if err != nil {
		return nil, err
	}
	provider.active = aead
	return provider, nil
}

func NewAppKeySecretProviderFromString(key string, opts ...Option) (*AppKeySecretProvider, error) {
	return NewAppKeySecretProvider([]byte(key), opts...)
}

func (p *AppKeySecretProvider) Encrypt(_ context.Context, plaintext []byte) ([]byte, error) {
	if p == nil || p.active == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	if len(plaintext) == 0 {
		return nil, fmt.Errorf("security: plaintext is required")
	}
	nonce := make([]byte, p.active.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("security: nonce generation failed: %w", err)
	}
	sealed := p.active.Seal(nil, nonce, plaintext, p.additionalData(p.keyID, p.version))
	return encodeEnvelope(envelope{
		KeyID:      p.keyID,
		Version:    p.version,
		Algorithm:  envelopeAlgorithm,
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	})
}

func (p *AppKeySecretProvider) Decrypt(_ context.Context, ciphertext []byte) ([]byte, error) {
	if p == nil || p.active == nil {
		return nil, fmt.Errorf("security: secret provider is not configured")
	}
	parsed, err := decodeEnvelope(ciphertext)
	if err != nil {
		return nil, err
	}
	aead, err := p.aeadFor(parsed.KeyID, parsed.Version)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeBase64Field("nonce", parsed.Nonce)
	if err != nil {
		return nil, err
	}
	sealed, err := decodeBase64Field("ciphertext", parsed.Ciphertext)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("security: invalid nonce size %d", len(nonce))
	}
	plaintext, err := aead.Open(nil, nonce, sealed, p.additionalData(parsed.KeyID, parsed.Version))
	if err != nil {
		return nil, fmt.Errorf("security: decrypt payload: %w", err)
	}
	return plaintext, nil
}

// KeyRef is the reference written next to new ciphertexts.
func (p *AppKeySecretProvider) KeyRef() string {
	if p == nil {
		return ""
	}
	return FormatKeyRef(p.keyID, p.version)
}

func (p *AppKeySecretProvider) aeadFor(keyID string, version int) (cipher.AEAD, error) {
	if (keyID == "" || keyID == p.keyID) && (version == 0 || version == p.version) {
		return p.active, nil
	}
	if retired, ok := p.retired[FormatKeyRef(keyID, version)]; ok {
		return retired.aead, nil
	}
	return nil, fmt.Errorf("security: no key for reference %q", FormatKeyRef(keyID, version))
}

// additionalData binds the ciphertext to its key reference so a swapped kid
// header fails authentication.
func (p *AppKeySecretProvider) additionalData(keyID string, version int) []byte {
	if keyID == "" {
		keyID = p.keyID
	}
	if version == 0 {
		version = p.version
	}
	return []byte(FormatKeyRef(keyID, version))
}

func newAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("security: create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("security: create gcm: %w", err)
	}
	return gcm, nil
}

func normalizeKey(value []byte) []byte {
	if len(value) == 32 {
		key := make([]byte, len(value))
		copy(key, value)
		return key
	}
	sum := sha256.Sum256(value)
	return sum[:]
}

var _ core.SecretProvider = (*AppKeySecretProvider)(nil)
