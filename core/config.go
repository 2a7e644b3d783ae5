package core

import (
	"fmt"
	"strings"
	"time"
)

const (
	AckModeAfterLog     = "after_log"
	AckModeAfterProcess = "after_process"

	LockBackendMemory = "memory"
	LockBackendRedis  = "redis"
)

type RetryConfig struct {
	BaseDelay   time.Duration `koanf:"base_delay" mapstructure:"base_delay"`
	Multiplier  float64       `koanf:"multiplier" mapstructure:"multiplier"`
	MaxDelay    time.Duration `koanf:"max_delay" mapstructure:"max_delay"`
	MaxAttempts int           `koanf:"max_attempts" mapstructure:"max_attempts"`
}

type DispatchConfig struct {
	LeadBuffer          time.Duration `koanf:"lead_buffer" mapstructure:"lead_buffer"`
	ScanInterval        time.Duration `koanf:"scan_interval" mapstructure:"scan_interval"`
	AutoDispatchDefault bool          `koanf:"auto_dispatch_default" mapstructure:"auto_dispatch_default"`
}

type WebhookConfig struct {
	AckMode          string        `koanf:"ack_mode" mapstructure:"ack_mode"`
	Workers          int           `koanf:"workers" mapstructure:"workers"`
	QueueSize        int           `koanf:"queue_size" mapstructure:"queue_size"`
	PollInterval     time.Duration `koanf:"poll_interval" mapstructure:"poll_interval"`
	ClaimBatch       int           `koanf:"claim_batch" mapstructure:"claim_batch"`
	ClaimLease       time.Duration `koanf:"claim_lease" mapstructure:"claim_lease"`
	Retention        time.Duration `koanf:"retention" mapstructure:"retention"`
	CourierSecret    string        `koanf:"courier_secret" mapstructure:"courier_secret"`
	SignatureHeader  string        `koanf:"signature_header" mapstructure:"signature_header"`
	DeliveryIDHeader string        `koanf:"delivery_id_header" mapstructure:"delivery_id_header"`

	// UnknownTenantPerMinute bounds how many unsigned events for unregistered
	// or inactive stores are logged per minute across all such stores.
	UnknownTenantPerMinute int `koanf:"unknown_tenant_per_minute" mapstructure:"unknown_tenant_per_minute"`
}

type DestinationConfig struct {
	BaseURL           string        `koanf:"base_url" mapstructure:"base_url"`
	TokenURL          string        `koanf:"token_url" mapstructure:"token_url"`
	RequestsPerMinute int           `koanf:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int           `koanf:"burst" mapstructure:"burst"`
	Timeout           time.Duration `koanf:"timeout" mapstructure:"timeout"`
}

type OutboundConfig struct {
	Platform DestinationConfig `koanf:"platform" mapstructure:"platform"`
	Courier  DestinationConfig `koanf:"courier" mapstructure:"courier"`
}

type LockConfig struct {
	Backend   string        `koanf:"backend" mapstructure:"backend"`
	RedisAddr string        `koanf:"redis_addr" mapstructure:"redis_addr"`
	TTL       time.Duration `koanf:"ttl" mapstructure:"ttl"`
}

type SecurityConfig struct {
	MasterKey  string `koanf:"master_key" mapstructure:"master_key"`
	KeyID      string `koanf:"key_id" mapstructure:"key_id"`
	KeyVersion int    `koanf:"key_version" mapstructure:"key_version"`
}

type PersistenceConfig struct {
	Driver      string        `koanf:"driver" mapstructure:"driver"`
	DSN         string        `koanf:"dsn" mapstructure:"dsn"`
	Debug       bool          `koanf:"debug" mapstructure:"debug"`
	PingTimeout time.Duration `koanf:"ping_timeout" mapstructure:"ping_timeout"`
}

type HTTPConfig struct {
	Addr string `koanf:"addr" mapstructure:"addr"`
}

type Config struct {
	ServiceName string            `koanf:"service_name" mapstructure:"service_name"`
	Retry       RetryConfig       `koanf:"retry" mapstructure:"retry"`
	Dispatch    DispatchConfig    `koanf:"dispatch" mapstructure:"dispatch"`
	Webhooks    WebhookConfig     `koanf:"webhooks" mapstructure:"webhooks"`
	Outbound    OutboundConfig    `koanf:"outbound" mapstructure:"outbound"`
	Locks       LockConfig        `koanf:"locks" mapstructure:"locks"`
	Security    SecurityConfig    `koanf:"security" mapstructure:"security"`
	Persistence PersistenceConfig `koanf:"persistence" mapstructure:"persistence"`
	HTTP        HTTPConfig        `koanf:"http" mapstructure:"http"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "dispatch",
		Retry: RetryConfig{
			BaseDelay:   time.Second,
			Multiplier:  2,
			MaxDelay:    30 * time.Second,
			MaxAttempts: 5,
		},
		Dispatch: DispatchConfig{
			LeadBuffer:          30 * time.Minute,
			ScanInterval:        time.Minute,
			AutoDispatchDefault: true,
		},
		Webhooks: WebhookConfig{
			AckMode:          AckModeAfterLog,
			Workers:          4,
			QueueSize:        256,
			PollInterval:     2 * time.Second,
			ClaimBatch:       50,
			ClaimLease:       5 * time.Minute,
			Retention:        30 * 24 * time.Hour,
			SignatureHeader:  "X-Signature",
			DeliveryIDHeader: "X-Delivery-Id",

			UnknownTenantPerMinute: 60,
		},
		Outbound: OutboundConfig{
			Platform: DestinationConfig{
				RequestsPerMinute: 60,
				Burst:             1,
				Timeout:           15 * time.Second,
			},
			Courier: DestinationConfig{
				RequestsPerMinute: 100,
				Burst:             1,
				Timeout:           15 * time.Second,
			},
		},
		Locks: LockConfig{
			Backend: LockBackendMemory,
			TTL:     30 * time.Second,
		},
		Security: SecurityConfig{
			KeyID:      "app-key",
			KeyVersion: 1,
		},
		Persistence: PersistenceConfig{
			Driver:      "sqlite3",
			DSN:         "file:dispatch.db?cache=shared&_foreign_keys=on",
			PingTimeout: 5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Retry.MaxAttempts < 3 || c.Retry.MaxAttempts > 5 {
		return fmt.Errorf("core: retry.max_attempts must be between 3 and 5, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("core: retry.base_delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("core: retry.multiplier must be at least 1")
	}
	if c.Retry.MaxDelay < c.Retry.BaseDelay {
		return fmt.Errorf("core: retry.max_delay must not be below base_delay")
	}
	if c.Dispatch.LeadBuffer < 0 {
		return fmt.Errorf("core: dispatch.lead_buffer must not be negative")
	}
	if c.Dispatch.ScanInterval <= 0 {
		return fmt.Errorf("core: dispatch.scan_interval must be positive")
	}
	switch strings.TrimSpace(c.Webhooks.AckMode) {
	case AckModeAfterLog, AckModeAfterProcess:
	default:
		return fmt.Errorf("core: webhooks.ack_mode %q is invalid", c.Webhooks.AckMode)
	}
	if c.Webhooks.Workers <= 0 {
		return fmt.Errorf("core: webhooks.workers must be positive")
	}
	if c.Webhooks.ClaimLease <= 0 {
		return fmt.Errorf("core: webhooks.claim_lease must be positive")
	}
	for name, dest := range map[string]DestinationConfig{
		"platform": c.Outbound.Platform,
		"courier":  c.Outbound.Courier,
	} {
		if dest.RequestsPerMinute <= 0 {
			return fmt.Errorf("core: outbound.%s.requests_per_minute must be positive", name)
		}
	}
	switch strings.TrimSpace(c.Locks.Backend) {
	case LockBackendMemory:
	case LockBackendRedis:
		if strings.TrimSpace(c.Locks.RedisAddr) == "" {
			return fmt.Errorf("core: locks.redis_addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("core: locks.backend %q is invalid", c.Locks.Backend)
	}
	return nil
}
