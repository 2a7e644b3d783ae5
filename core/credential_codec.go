package core

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

const (
	CredentialPayloadFormatLegacyToken = "legacy_token"
	CredentialPayloadFormatJSONV1      = "merchant_credentials_json"
)

type CredentialCodec interface {
	Format() string
	Encode(credentials Credentials) ([]byte, error)
	Decode(payload []byte) (Credentials, error)
}

type JSONCredentialCodec struct{}

func (JSONCredentialCodec) Format() string {
	return CredentialPayloadFormatJSONV1
}

func (JSONCredentialCodec) Encode(credentials Credentials) ([]byte, error) {
	normalized := normalizeCredentials(credentials)
	encoded, err := json.Marshal(normalized)
	if err != nil {
		return nil, fmt.Errorf("core: encode credential payload: %w", err)
	}
	return encoded, nil
}

func (JSONCredentialCodec) Decode(payload []byte) (Credentials, error) {
	if len(bytes.TrimSpace(payload)) == 0 {
		return Credentials{}, fmt.Errorf("core: credential payload is empty")
	}
	decoded := Credentials{}
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return Credentials{}, fmt.Errorf("core: decode credential payload: %w", err)
	}
	return normalizeCredentials(decoded), nil
}

// LegacyTokenCredentialCodec reads the oldest record shape: a bare platform
// access token stored as text.
type LegacyTokenCredentialCodec struct{}

func (LegacyTokenCredentialCodec) Format() string {
	return CredentialPayloadFormatLegacyToken
}

func (LegacyTokenCredentialCodec) Encode(credentials Credentials) ([]byte, error) {
	token := strings.TrimSpace(credentials.PlatformAccessToken)
	if token == "" {
		return nil, fmt.Errorf("core: legacy credential payload requires a token")
	}
	return []byte(token), nil
}

func (LegacyTokenCredentialCodec) Decode(payload []byte) (Credentials, error) {
	token := strings.TrimSpace(string(payload))
	if token == "" {
		return Credentials{}, fmt.Errorf("core: legacy credential payload is empty")
	}
	return Credentials{PlatformAccessToken: token}, nil
}

// DecodePlaintextCredentials accepts either plaintext format a legacy record
// may hold.
func DecodePlaintextCredentials(payload []byte) (Credentials, string, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return Credentials{}, "", fmt.Errorf("core: credential payload is empty")
	}
	if trimmed[0] == '{' {
		credentials, err := JSONCredentialCodec{}.Decode(trimmed)
		return credentials, CredentialPayloadFormatJSONV1, err
	}
	credentials, err := LegacyTokenCredentialCodec{}.Decode(trimmed)
	return credentials, CredentialPayloadFormatLegacyToken, err
}

func normalizeCredentials(in Credentials) Credentials {
	return Credentials{
		PlatformClientID:     strings.TrimSpace(in.PlatformClientID),
		PlatformClientSecret: strings.TrimSpace(in.PlatformClientSecret),
		PlatformAccessToken:  strings.TrimSpace(in.PlatformAccessToken),
		PlatformTokenExpiry:  cloneTimePointer(in.PlatformTokenExpiry),
		CourierDeveloperID:   strings.TrimSpace(in.CourierDeveloperID),
		CourierKeyID:         strings.TrimSpace(in.CourierKeyID),
		CourierSigningSecret: strings.TrimSpace(in.CourierSigningSecret),
		WebhookSecret:        strings.TrimSpace(in.WebhookSecret),
	}
}

func cloneTimePointer(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := value.UTC()
	return &clone
}
