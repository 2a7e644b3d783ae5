package auth

import (
	"encoding/base64"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v4"

	"github.com/goliatone/go-dispatch/core"
)

const (
	DefaultCourierAudience = "courier"
	DefaultCourierTokenTTL = 5 * time.Minute
)

// CourierTokenMinter signs the per-call courier JWT. Tokens are never cached;
// each outbound call mints its own.
type CourierTokenMinter struct {
	Audience string
	TTL      time.Duration
	Now      func() time.Time
}

func NewCourierTokenMinter() *CourierTokenMinter {
	return &CourierTokenMinter{
		Audience: DefaultCourierAudience,
		TTL:      DefaultCourierTokenTTL,
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

func (m *CourierTokenMinter) Mint(creds core.Credentials) (string, error) {
	developerID := strings.TrimSpace(creds.CourierDeveloperID)
	keyID := strings.TrimSpace(creds.CourierKeyID)
	secret := strings.TrimSpace(creds.CourierSigningSecret)
	if developerID == "" || keyID == "" || secret == "" {
		return "", core.UpstreamUnauthorized("courier credentials are incomplete")
	}

	now := m.now()
	ttl := DefaultCourierTokenTTL
	audience := DefaultCourierAudience
	if m != nil && m.TTL > 0 {
		ttl = m.TTL
	}
	if m != nil && strings.TrimSpace(m.Audience) != "" {
		audience = strings.TrimSpace(m.Audience)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"aud": audience,
		"iss": developerID,
		"kid": keyID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	})
	token.Header["kid"] = keyID
	signed, err := token.SignedString(SigningKey(secret))
	if err != nil {
		return "", core.UpstreamUnauthorized("courier token could not be signed: " + err.Error())
	}
	return signed, nil
}

// SigningKey decodes a base64url signing secret as issued by the courier
// portal. Secrets that are not base64url are used verbatim.
func SigningKey(secret string) []byte {
	secret = strings.TrimSpace(secret)
	if decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(secret, "=")); err == nil && len(decoded) > 0 {
		return decoded
	}
	return []byte(secret)
}

func (m *CourierTokenMinter) now() time.Time {
	if m == nil || m.Now == nil {
		return time.Now().UTC()
	}
	return m.Now().UTC()
}
