package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is the full environment-driven configuration surface. Per-category
// retry delays are configuration, not invariants: the server-mandated backoff
// for a given code is not independently verifiable, so operators may tune
// them without a rebuild.
type Config struct {
	// Time correction.
	NTPHost        string        `env:"BWS_NTP_HOST" envDefault:"ntp.aliyun.com"`
	RequestTimeout time.Duration `env:"BWS_REQUEST_TIMEOUT" envDefault:"10s"`

	// Firing.
	FireOffset  time.Duration `env:"BWS_FIRE_OFFSET" envDefault:"0ms"`
	WaitQuantum time.Duration `env:"BWS_WAIT_QUANTUM" envDefault:"100ms"`
	MaxRetries  int           `env:"BWS_MAX_RETRIES" envDefault:"1000"`

	// Per-category retry delays.
	RetryNormal      time.Duration `env:"BWS_RETRY_NORMAL" envDefault:"250ms"`
	RetryRateLimit   time.Duration `env:"BWS_RETRY_RATE_LIMIT" envDefault:"500ms"`
	RetryNotOpen     time.Duration `env:"BWS_RETRY_NOT_OPEN" envDefault:"1s"`
	RetryRiskControl time.Duration `env:"BWS_RETRY_RISK_CONTROL" envDefault:"180s"`
	RetryThrottled   time.Duration `env:"BWS_RETRY_THROTTLED" envDefault:"500ms"`
	RetryTooFrequent time.Duration `env:"BWS_RETRY_TOO_FREQUENT" envDefault:"100ms"`

	// Persistence. DatabaseURL is optional; without it the pool snapshot
	// falls back to a local JSON file.
	DatabaseURL  string `env:"DATABASE_URL"`
	SnapshotPath string `env:"BWS_SNAPSHOT_PATH" envDefault:"reservation_pool.json"`

	// Credential cache.
	CookieCachePath string `env:"BWS_COOKIE_CACHE_PATH" envDefault:"cookie_cache.enc"`
	CachePassphrase string `env:"BWS_CACHE_PASSPHRASE"`
	CacheHashKey    []byte `env:"-"`
	CacheBlockKey   []byte `env:"-"`

	// Logging.
	LogFile  string `env:"BWS_LOG_FILE" envDefault:"bws_reservation.log"`
	LogLevel string `env:"BWS_LOG_LEVEL" envDefault:"info"`
}

func FromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}

	if hk := os.Getenv("BWS_CACHE_HASH_KEY"); hk != "" {
		b, err := decodeB64(hk)
		if err != nil {
			return Config{}, fmt.Errorf("BWS_CACHE_HASH_KEY: %w", err)
		}
		cfg.CacheHashKey = b
	}
	if bk := os.Getenv("BWS_CACHE_BLOCK_KEY"); bk != "" {
		b, err := decodeB64(bk)
		if err != nil {
			return Config{}, fmt.Errorf("BWS_CACHE_BLOCK_KEY: %w", err)
		}
		cfg.CacheBlockKey = b
	}

	if cfg.WaitQuantum <= 0 {
		return Config{}, fmt.Errorf("BWS_WAIT_QUANTUM must be positive")
	}
	if cfg.MaxRetries < 1 {
		return Config{}, fmt.Errorf("BWS_MAX_RETRIES must be >= 1")
	}
	return cfg, nil
}

// decodeB64 accepts either a base64 value or a path to a file holding one,
// so keys can be mounted as secrets.
func decodeB64(s string) ([]byte, error) {
	if b, err := os.ReadFile(s); err == nil {
		s = string(b)
	}
	s = strings.TrimSpace(s)
	return base64.StdEncoding.DecodeString(s)
}
