package encrypt

import (
	"encoding/base64"
	"strings"

	"github.com/securestor/envelope-core/internal/config"
)

// mockKeyID is the synthetic CMK id the "mock" encryption mode wraps
// under, matching the teacher's NewMockKMSClient development path
// (internal/api/server.go's "mock"/"aws" switch) generalized to a third
// "raw-aes" mode the teacher never had a CMM-based story for.
const mockKeyID = "mock-master-key"

// NewKeyringFromConfig builds the Keyring a TMKService or RewrapService
// should wrap tenant master keys with, selected by cfg.EncryptionMode,
// generalizing the teacher's server.go switch on "mock"/"aws" to this
// package's Keyring seam instead of a bare KMSClient.
func NewKeyringFromConfig(cfg *config.Config) (Keyring, error) {
	switch cfg.EncryptionMode {
	case "", "mock":
		supplier := NewSingleClientSupplier(newMockKMSClient())
		return NewKMSKeyring(supplier, []string{mockKeyID}, nil, cfg.AWSRegion)
	case "aws-kms":
		keyIDs := splitKeyIDs(cfg.AWSKMSKeyIDs)
		if len(keyIDs) == 0 {
			return nil, newErr(ErrBadState, "aws-kms encryption mode requires AWS_KMS_KEY_IDS")
		}
		supplier := NewDefaultCachingClientSupplier()
		return NewKMSKeyring(supplier, keyIDs, nil, cfg.AWSRegion)
	case "raw-aes":
		key, err := base64.StdEncoding.DecodeString(cfg.EncryptionMasterKey)
		if err != nil {
			return nil, wrapErr(ErrBadState, "ENCRYPTION_MASTER_KEY is not valid base64", err)
		}
		return NewRawAESKeyring("envelope-core", "master", key)
	default:
		return nil, newErr(ErrBadState, "unsupported encryption mode: "+cfg.EncryptionMode)
	}
}

// NewCMMFromConfig builds a DefaultCMM around the keyring cfg selects,
// pinned to the default algorithm suite; TMKService takes a CMM rather
// than a bare Keyring (and RewrapService unwraps TMKs through its
// TMKService's CMM) so every TMK wrap/unwrap goes through the same
// pre/postcondition checks regardless of mode.
func NewCMMFromConfig(cfg *config.Config) (CMM, error) {
	keyring, err := NewKeyringFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	suite, err := LookupSuite(DefaultSuiteID)
	if err != nil {
		return nil, err
	}
	return NewDefaultCMM(keyring, suite), nil
}

// splitKeyIDs parses AWSKMSKeyIDs' comma-separated list, trimming
// whitespace and dropping empty entries left by a trailing comma.
func splitKeyIDs(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
