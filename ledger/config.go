package ledger

import (
	"encoding/hex"
	"fmt"
	"os"
)

// Config is the configuration for the ledger application.
type Config struct {
	HTTPAddr string
	// RepoBackend selects the store: "pg" for runtime, "mem" only in tests.
	RepoBackend string
	DBDSN       string
	AllowMem    bool
	// EncryptionKeyHex is the hex-encoded AES key for card numbers. Missing
	// or malformed key material is a startup failure, never a per-call one.
	EncryptionKeyHex string
	// PANHashKey peppers the card number fingerprints.
	PANHashKey string
	JWTSecret  string
	// ExpiryTZ is an IANA timezone for expiry reckoning (default UTC).
	ExpiryTZ string
	// SweepSchedule is the cron spec of the expiry sweep.
	SweepSchedule string
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:         "localhost:8080",
		RepoBackend:      "pg",
		EncryptionKeyHex: "",
		SweepSchedule:    "@hourly",
	}
}

// LoadConfig reads configuration from the environment.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		HTTPAddr:         getenv("HTTP_ADDR", "localhost:8080"),
		RepoBackend:      getenv("REPO_BACKEND", "pg"),
		DBDSN:            getenv("DB_DSN", ""),
		AllowMem:         getenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false") == "true",
		EncryptionKeyHex: getenv("CARD_ENCRYPTION_KEY", ""),
		PANHashKey:       getenv("PAN_HASH_KEY", ""),
		JWTSecret:        getenv("JWT_SECRET", ""),
		ExpiryTZ:         getenv("EXPIRY_TZ", ""),
		SweepSchedule:    getenv("EXPIRY_SWEEP_SCHEDULE", "@hourly"),
	}

	if cfg.EncryptionKeyHex == "" {
		return nil, fmt.Errorf("CARD_ENCRYPTION_KEY is required")
	}
	if _, err := cfg.EncryptionKey(); err != nil {
		return nil, err
	}
	if cfg.PANHashKey == "" {
		return nil, fmt.Errorf("PAN_HASH_KEY is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}

	return cfg, nil
}

// EncryptionKey decodes the hex key material.
func (c *Config) EncryptionKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKeyHex)
	if err != nil {
		return nil, fmt.Errorf("CARD_ENCRYPTION_KEY must be hex: %w", err)
	}
	return key, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}
