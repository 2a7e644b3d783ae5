package security

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

const (
	envelopePrefix    = "dispatch.secret.v1:"
	envelopeAlgorithm = "aes-256-gcm"
)

type envelope struct {
	KeyID      string `json:"kid"`
	Version    int    `json:"ver"`
	Algorithm  string `json:"alg"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type EnvelopeMetadata struct {
	KeyID     string
	Version   int
	Algorithm string
}

// KeyRef renders the decryption key reference stored next to a merchant's
// credentials, e.g. "app-key@1".
func (m EnvelopeMetadata) KeyRef() string {
	return FormatKeyRef(m.KeyID, m.Version)
}

func FormatKeyRef(keyID string, version int) string {
	keyID = strings.TrimSpace(keyID)
	if keyID == "" {
		return ""
	}
	return keyID + "@" + strconv.Itoa(version)
}

// IsEnvelope reports whether value carries the encrypted envelope prefix.
// Anything else is treated as a legacy plaintext record.
func IsEnvelope(value []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(value), []byte(envelopePrefix))
}

func ParseEnvelopeMetadata(ciphertext []byte) (EnvelopeMetadata, error) {
	env, err := decodeEnvelope(ciphertext)
	if err != nil {
		return EnvelopeMetadata{}, err
	}
	return EnvelopeMetadata{
		KeyID:     env.KeyID,
		Version:   env.Version,
		Algorithm: env.Algorithm,
	}, nil
}

func encodeEnvelope(env envelope) ([]byte, error) {
	data, err := json.Marshal(normalizeEnvelope(env))
	if err != nil {
		return nil, fmt.Errorf("security: encode envelope: %w", err)
	}
	return append([]byte(envelopePrefix), data...), nil
}

func decodeEnvelope(ciphertext []byte) (envelope, error) {
	trimmed := bytes.TrimSpace(ciphertext)
	if len(trimmed) == 0 {
		return envelope{}, fmt.Errorf("security: ciphertext is required")
	}
	if !bytes.HasPrefix(trimmed, []byte(envelopePrefix)) {
		return envelope{}, fmt.Errorf("security: invalid ciphertext envelope prefix")
	}
	parsed := envelope{}
	if err := json.Unmarshal(trimmed[len(envelopePrefix):], &parsed); err != nil {
		return envelope{}, fmt.Errorf("security: decode envelope: %w", err)
	}
	parsed = normalizeEnvelope(parsed)
	if parsed.Ciphertext == "" {
		return envelope{}, fmt.Errorf("security: envelope ciphertext is required")
	}
	if parsed.Algorithm != "" && parsed.Algorithm != envelopeAlgorithm {
		return envelope{}, fmt.Errorf("security: unsupported envelope algorithm %q", parsed.Algorithm)
	}
	return parsed, nil
}

func normalizeEnvelope(in envelope) envelope {
	in.KeyID = strings.TrimSpace(in.KeyID)
	in.Algorithm = strings.ToLower(strings.TrimSpace(in.Algorithm))
	in.Nonce = strings.TrimSpace(in.Nonce)
	in.Ciphertext = strings.TrimSpace(in.Ciphertext)
	return in
}

func decodeBase64Field(name string, value string) ([]byte, error) {
	if value == "" {
		return nil, fmt.Errorf("security: envelope %s is required", name)
	}
	decoded, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("security: decode %s: %w", name, err)
	}
	return decoded, nil
}
