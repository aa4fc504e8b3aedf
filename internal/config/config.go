package config

import (
	"strconv"
)

// Config holds the settings the materials pipeline and its supporting
// services (TMKService, RewrapService) consume. Trimmed from the
// teacher's much larger Config, which also configured the artifact
// registry's HTTP server, storage backends, and erasure coding — none of
// which this module has a surface for. KeyCacheTTLMinutes and
// KeyRotationDays are loaded but not read by those services.
type Config struct {
	Environment string
	DatabaseURL string

	// Encryption Configuration
	EncryptionMode      string // "mock", "aws-kms", "raw-aes"
	AWSKMSKeyIDs        string // comma-separated ordered list of CMK ARNs/aliases
	AWSRegion           string // default region, used for non-ARN key ids
	EncryptionMasterKey string // base64-encoded wrapping key for raw-aes mode
	KeyCacheTTLMinutes  int
	KeyRotationDays     int
}

func Load() (*Config, error) {
	// Use the centralized environment loader
	LoadEnvOnce()

	keyCacheTTL, _ := strconv.Atoi(GetEnvWithFallback("KEY_CACHE_TTL_MINUTES", "5"))
	keyRotationDays, _ := strconv.Atoi(GetEnvWithFallback("KEY_ROTATION_DAYS", "90"))

	return &Config{
		Environment: GetEnvWithFallback("ENVIRONMENT", "development"),
		DatabaseURL: GetEnvWithFallback("DATABASE_URL", "postgresql://localhost:5432/securestor?sslmode=disable"),

		EncryptionMode:      GetEnvWithFallback("ENCRYPTION_MODE", "mock"),
		AWSKMSKeyIDs:        GetEnvWithFallback("AWS_KMS_KEY_IDS", ""),
		AWSRegion:           GetEnvWithFallback("AWS_REGION", "us-east-1"),
		EncryptionMasterKey: GetEnvWithFallback("ENCRYPTION_MASTER_KEY", ""),
		KeyCacheTTLMinutes:  keyCacheTTL,
		KeyRotationDays:     keyRotationDays,
	}, nil
}
