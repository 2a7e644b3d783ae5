// Package merchant resolves tenants and their encrypted courier and platform
// credentials.
package merchant

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-dispatch/core"
	"github.com/goliatone/go-dispatch/security"
)

const maxRotateAttempts = 3

type keyReferencer interface {
	KeyRef() string
}

type MerchantInput struct {
	StoreID       string
	Name          string
	Credentials   core.Credentials
	Capabilities  core.Capabilities
	PickupAddress string
	PickupPhone   string
	// Active defaults to true.
	Active *bool
}

type Option func(*Registry)

func WithObserver(observer *core.Observer) Option {
	return func(r *Registry) {
		if observer != nil {
			r.observer = observer
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// Registry is the only place credentials are decrypted. Decrypted values are
// handed to callers and never retained.
type Registry struct {
	store    core.MerchantStore
	secrets  core.SecretProvider
	codec    core.CredentialCodec
	observer *core.Observer
	now      func() time.Time
}

func NewRegistry(store core.MerchantStore, secrets core.SecretProvider, opts ...Option) *Registry {
	registry := &Registry{
		store:    store,
		secrets:  secrets,
		codec:    core.JSONCredentialCodec{},
		observer: core.NewObserver(nil, nil),
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(registry)
		}
	}
	return registry
}

// Lookup returns the merchant without touching its credentials.
func (r *Registry) Lookup(ctx context.Context, storeID string) (core.Merchant, error) {
	if r == nil || r.store == nil {
		return core.Merchant{}, fmt.Errorf("merchant: registry is not configured")
	}
	storeID = strings.TrimSpace(storeID)
	if storeID == "" {
		return core.Merchant{}, core.MalformedPayload("store id is required")
	}
	merchant, err := r.store.GetMerchant(ctx, storeID)
	if err != nil {
		if core.IsNotFound(err) {
			return core.Merchant{}, core.TenantNotFound(storeID)
		}
		return core.Merchant{}, err
	}
	if !merchant.Active {
		return merchant, core.TenantInactive(storeID)
	}
	return merchant, nil
}

// Resolve returns decrypted credentials for an active merchant. Legacy
// plaintext rows are sealed and written back on the way out.
func (r *Registry) Resolve(ctx context.Context, storeID string) (core.Credentials, error) {
	merchant, err := r.Lookup(ctx, storeID)
	if err != nil {
		return core.Credentials{}, err
	}
	return r.open(ctx, merchant)
}

// WithCredentials scopes decrypted credentials to fn.
func (r *Registry) WithCredentials(ctx context.Context, storeID string, fn func(ctx context.Context, creds core.Credentials) error) error {
	if fn == nil {
		return fmt.Errorf("merchant: credentials callback is required")
	}
	creds, err := r.Resolve(ctx, storeID)
	if err != nil {
		return err
	}
	return fn(ctx, creds)
}

// WebhookSecret returns the merchant's inbound signing secret and whether
// signatures are mandatory for it.
func (r *Registry) WebhookSecret(ctx context.Context, storeID string) (string, bool, error) {
	merchant, err := r.Lookup(ctx, storeID)
	if err != nil {
		return "", false, err
	}
	creds, err := r.open(ctx, merchant)
	if err != nil {
		return "", false, err
	}
	return creds.WebhookSecret, merchant.Capabilities.RequireSignature, nil
}

func (r *Registry) Onboard(ctx context.Context, in MerchantInput) (core.Merchant, error) {
	if r == nil || r.store == nil || r.secrets == nil {
		return core.Merchant{}, fmt.Errorf("merchant: registry is not configured")
	}
	storeID := strings.TrimSpace(in.StoreID)
	if storeID == "" {
		return core.Merchant{}, goerrors.NewValidation("merchant: validation failed", goerrors.FieldError{
			Field:   "store_id",
			Message: "store id is required",
		}).WithCode(http.StatusBadRequest).WithTextCode(core.ErrorBadInput)
	}
	sealed, keyRef, err := r.seal(ctx, in.Credentials)
	if err != nil {
		return core.Merchant{}, err
	}
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	now := r.now().UTC()
	saved, err := r.store.SaveMerchant(ctx, core.Merchant{
		StoreID:              storeID,
		Name:                 strings.TrimSpace(in.Name),
		EncryptedCredentials: sealed,
		KeyRef:               keyRef,
		Active:               active,
		Capabilities:         in.Capabilities,
		PickupAddress:        strings.TrimSpace(in.PickupAddress),
		PickupPhone:          strings.TrimSpace(in.PickupPhone),
		CreatedAt:            now,
		UpdatedAt:            now,
	})
	if err != nil {
		return core.Merchant{}, err
	}
	r.observer.Log(ctx, "info", "merchant onboarded", map[string]any{"store_id": storeID, "key_ref": keyRef})
	return saved, nil
}

// RotateCredentials applies mutate to the current credentials and writes the
// result back with a compare-and-swap on the stored ciphertext, retrying when
// a concurrent writer wins.
func (r *Registry) RotateCredentials(
	ctx context.Context,
	storeID string,
	mutate func(current core.Credentials) (core.Credentials, error),
) (core.Credentials, error) {
	if mutate == nil {
		return core.Credentials{}, fmt.Errorf("merchant: mutate callback is required")
	}
	for attempt := 1; attempt <= maxRotateAttempts; attempt++ {
		merchant, err := r.Lookup(ctx, storeID)
		if err != nil {
			return core.Credentials{}, err
		}
		current, err := r.open(ctx, merchant)
		if err != nil {
			return core.Credentials{}, err
		}
		next, err := mutate(current)
		if err != nil {
			return core.Credentials{}, err
		}
		sealed, keyRef, err := r.seal(ctx, next)
		if err != nil {
			return core.Credentials{}, err
		}
		swapped, err := r.store.SwapCredentials(ctx, merchant.StoreID, merchant.EncryptedCredentials, sealed, keyRef)
		if err != nil {
			return core.Credentials{}, err
		}
		if swapped {
			return next, nil
		}
	}
	return core.Credentials{}, goerrors.New("merchant credentials changed concurrently", goerrors.CategoryConflict).
		WithCode(http.StatusConflict).
		WithTextCode(core.ErrorInvalidTransition).
		WithMetadata(map[string]any{"store_id": strings.TrimSpace(storeID)})
}

func (r *Registry) open(ctx context.Context, merchant core.Merchant) (core.Credentials, error) {
	blob := bytes.TrimSpace(merchant.EncryptedCredentials)
	if len(blob) == 0 {
		return core.Credentials{}, nil
	}
	if !security.IsEnvelope(blob) {
		return r.migrateLegacy(ctx, merchant)
	}
	if r.secrets == nil {
		return core.Credentials{}, fmt.Errorf("merchant: secret provider is not configured")
	}
	plaintext, err := r.secrets.Decrypt(ctx, blob)
	if err != nil {
		// An envelope that does not open is never read as plaintext.
		return core.Credentials{}, goerrors.Wrap(err, goerrors.CategoryInternal, "merchant credentials could not be decrypted").
			WithCode(http.StatusInternalServerError).
			WithTextCode(core.ErrorInternal).
			WithMetadata(map[string]any{"store_id": merchant.StoreID, "key_ref": merchant.KeyRef})
	}
	return r.codec.Decode(plaintext)
}

// migrateLegacy decodes a plaintext record, seals it, and swaps it in only if
// the stored value is still the same plaintext.
func (r *Registry) migrateLegacy(ctx context.Context, merchant core.Merchant) (core.Credentials, error) {
	creds, format, err := core.DecodePlaintextCredentials(merchant.EncryptedCredentials)
	if err != nil {
		return core.Credentials{}, err
	}
	if r.secrets == nil {
		return creds, nil
	}
	sealed, keyRef, err := r.seal(ctx, creds)
	if err != nil {
		return core.Credentials{}, err
	}
	swapped, err := r.store.SwapCredentials(ctx, merchant.StoreID, merchant.EncryptedCredentials, sealed, keyRef)
	fields := map[string]any{
		"store_id":      merchant.StoreID,
		"legacy_format": format,
		"key_ref":       keyRef,
		"swapped":       swapped,
	}
	if err != nil {
		fields["error"] = err.Error()
		r.observer.Log(ctx, "warn", "legacy credential migration write-back failed", fields)
		return creds, nil
	}
	r.observer.Log(ctx, "info", "legacy credentials migrated", fields)
	r.observer.Count(ctx, "dispatch.merchant.credentials_migrated", map[string]string{"store_id": merchant.StoreID})
	return creds, nil
}

func (r *Registry) seal(ctx context.Context, creds core.Credentials) ([]byte, string, error) {
	if r.secrets == nil {
		return nil, "", fmt.Errorf("merchant: secret provider is not configured")
	}
	plaintext, err := r.codec.Encode(creds)
	if err != nil {
		return nil, "", err
	}
	sealed, err := r.secrets.Encrypt(ctx, plaintext)
	if err != nil {
		return nil, "", err
	}
	keyRef := ""
	if referencer, ok := r.secrets.(keyReferencer); ok {
		keyRef = referencer.KeyRef()
	} else if meta, metaErr := security.ParseEnvelopeMetadata(sealed); metaErr == nil {
		keyRef = meta.KeyRef()
	}
	return sealed, keyRef, nil
}
