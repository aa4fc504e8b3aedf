package encrypt

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/securestor/envelope-core/internal/logger"
)

// tmkWrapSuite is the suite TMKService uses to wrap/unwrap tenant master
// keys. It never signs: a TMK never leaves this process as a standalone
// message, so there is no third party to verify a trailing signature
// for.
var tmkWrapSuite = mustLookupSuite(AES256GCMHKDFSHA256)

func mustLookupSuite(id uint16) AlgorithmSuite {
	suite, err := LookupSuite(id)
	if err != nil {
		panic(err)
	}
	return suite
}

// TenantMasterKey is a tenant's wrapped master key record, generalized
// from the teacher's identically named struct: EncryptedKey now holds a
// serialized EDKList (so a TMK can be protected by any keyring this
// package supports, not only a single hardcoded KMS CMK) instead of one
// raw KMS ciphertext blob.
type TenantMasterKey struct {
	ID           uuid.UUID
	TenantID     uuid.UUID
	EncryptedKey []byte
	KeyringName  string
	KeyVersion   int
	IsActive     bool
	CreatedAt    time.Time
	RotatedAt    *time.Time
	CreatedBy    uuid.UUID
}

// TMKService manages tenant master keys: generation, storage, caching,
// and rotation. It is grounded on the teacher's TMKService but wraps
// keys through a CMM rather than calling a KMS client directly, so the
// same service works whether the operator configured a KMSKeyring, a
// RawAESKeyring, or a multi-keyring graph.
type TMKService struct {
	db       *sql.DB
	cmm      CMM
	keyCache *KeyCache
	log      *logger.Logger
}

// NewTMKService builds a service backed by db for storage and cmm for
// wrapping/unwrapping TMKs. Unwrapped TMKs are cached for 5 minutes,
// matching the teacher's hardcoded cache TTL.
func NewTMKService(db *sql.DB, cmm CMM) *TMKService {
	return &TMKService{
		db:       db,
		cmm:      cmm,
		keyCache: NewKeyCache(5 * time.Minute),
		log:      logger.NewLogger("tmk"),
	}
}

// CreateTMK generates a fresh 32-byte tenant master key, wraps it through
// the configured CMM, and stores the wrapped form.
func (s *TMKService) CreateTMK(ctx context.Context, tenantID, createdBy uuid.UUID, keyringName string) (*TenantMasterKey, error) {
	ec := tmkEncryptionContext(tenantID, 1)
	materials, err := s.cmm.GenerateEncryptionMaterials(ctx, &EncryptionRequest{
		Suite:             &tmkWrapSuite,
		EncryptionContext: ec,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate TMK: %w", err)
	}
	defer materials.UnencryptedDataKey.Release()

	encryptedKey := serializeEDKList(materials.EncryptedDataKeys)

	tmk := &TenantMasterKey{
		ID:           uuid.New(),
		TenantID:     tenantID,
		EncryptedKey: encryptedKey,
		KeyringName:  keyringName,
		KeyVersion:   1,
		IsActive:     true,
		CreatedAt:    time.Now(),
		CreatedBy:    createdBy,
	}

	query := `
		INSERT INTO tenant_master_keys
		(id, tenant_id, encrypted_key, keyring_name, key_version, is_active, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, created_at
	`
	var createdByParam interface{}
	if createdBy != uuid.Nil {
		createdByParam = createdBy
	}

	err = s.db.QueryRowContext(ctx, query,
		tmk.ID, tmk.TenantID, tmk.EncryptedKey, tmk.KeyringName,
		tmk.KeyVersion, tmk.IsActive, tmk.CreatedAt, createdByParam,
	).Scan(&tmk.ID, &tmk.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to store TMK: %w", err)
	}

	s.keyCache.Set(tmkCacheKey(tenantID, tmk.KeyVersion), materials.UnencryptedDataKey)
	s.logKeyAudit(ctx, tenantID, createdBy, "TMK", tmk.ID.String(), "generate", true, nil, 0)
	s.log.Info("generated TMK", "tenant", tenantID, "keyring", keyringName, "version", tmk.KeyVersion)

	return tmk, nil
}

// GetActiveTMK returns the plaintext of a tenant's active TMK, consulting
// the cache before unwrapping through the CMM.
func (s *TMKService) GetActiveTMK(ctx context.Context, tenantID uuid.UUID) (*SecretBuffer, error) {
	query := `
		SELECT id, encrypted_key, key_version
		FROM tenant_master_keys
		WHERE tenant_id = $1 AND is_active = true
		LIMIT 1
	`
	var tmkID uuid.UUID
	var encryptedKey []byte
	var keyVersion int

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&tmkID, &encryptedKey, &keyVersion)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no active TMK found for tenant %s", tenantID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query TMK: %w", err)
	}

	cacheKey := tmkCacheKey(tenantID, keyVersion)
	if cached, found := s.keyCache.Get(cacheKey); found {
		s.logKeyAudit(ctx, tenantID, uuid.Nil, "TMK", tmkID.String(), "access", true, nil, 0)
		return cached, nil
	}

	edks, err := deserializeEDKList(encryptedKey)
	if err != nil {
		s.logKeyAudit(ctx, tenantID, uuid.Nil, "TMK", tmkID.String(), "decrypt", false, err, 0)
		return nil, fmt.Errorf("failed to parse stored TMK record: %w", err)
	}

	start := time.Now()
	materials, err := s.cmm.DecryptMaterials(ctx, &DecryptionRequest{
		Suite:             tmkWrapSuite,
		EncryptedDataKeys: edks,
		EncryptionContext: tmkEncryptionContext(tenantID, keyVersion),
	})
	duration := int(time.Since(start).Milliseconds())
	if err != nil {
		s.logKeyAudit(ctx, tenantID, uuid.Nil, "TMK", tmkID.String(), "decrypt", false, err, duration)
		s.log.Error("failed to unwrap TMK", err)
		return nil, fmt.Errorf("failed to unwrap TMK: %w", err)
	}

	s.keyCache.Set(cacheKey, materials.UnencryptedDataKey)
	s.logKeyAudit(ctx, tenantID, uuid.Nil, "TMK", tmkID.String(), "decrypt", true, nil, duration)

	return materials.UnencryptedDataKey, nil
}

// RotateTMK deactivates the current TMK and wraps a fresh one at the next
// key version, within one transaction.
func (s *TMKService) RotateTMK(ctx context.Context, tenantID, rotatedBy uuid.UUID, keyringName string) (*TenantMasterKey, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx,
		"SELECT key_version FROM tenant_master_keys WHERE tenant_id = $1 AND is_active = true",
		tenantID,
	).Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("failed to query current TMK version: %w", err)
	}
	hadActive := err != sql.ErrNoRows

	if hadActive {
		_, err = tx.ExecContext(ctx,
			"UPDATE tenant_master_keys SET is_active = false, rotated_at = $1 WHERE tenant_id = $2 AND is_active = true",
			time.Now(), tenantID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to deactivate old TMK: %w", err)
		}
		s.keyCache.Delete(tmkCacheKey(tenantID, currentVersion))
	}

	newVersion := currentVersion + 1
	materials, err := s.cmm.GenerateEncryptionMaterials(ctx, &EncryptionRequest{
		Suite:             &tmkWrapSuite,
		EncryptionContext: tmkEncryptionContext(tenantID, newVersion),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate new TMK: %w", err)
	}
	defer materials.UnencryptedDataKey.Release()

	newTMK := &TenantMasterKey{
		ID:           uuid.New(),
		TenantID:     tenantID,
		EncryptedKey: serializeEDKList(materials.EncryptedDataKeys),
		KeyringName:  keyringName,
		KeyVersion:   newVersion,
		IsActive:     true,
		CreatedAt:    time.Now(),
		CreatedBy:    rotatedBy,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tenant_master_keys
		(id, tenant_id, encrypted_key, keyring_name, key_version, is_active, created_at, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`,
		newTMK.ID, newTMK.TenantID, newTMK.EncryptedKey, newTMK.KeyringName,
		newTMK.KeyVersion, newTMK.IsActive, newTMK.CreatedAt, newTMK.CreatedBy,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert new TMK: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit TMK rotation: %w", err)
	}

	s.keyCache.Set(tmkCacheKey(tenantID, newVersion), materials.UnencryptedDataKey)
	s.logKeyAudit(ctx, tenantID, rotatedBy, "TMK", newTMK.ID.String(), "rotate", true, nil, 0)
	s.log.Info("rotated TMK", "tenant", tenantID, "new_version", newVersion)

	return newTMK, nil
}

// GetTMKStatus reports rotation health for a tenant's active TMK.
func (s *TMKService) GetTMKStatus(ctx context.Context, tenantID uuid.UUID) (map[string]interface{}, error) {
	query := `
		SELECT
			key_version,
			created_at,
			rotated_at,
			EXTRACT(DAY FROM NOW() - COALESCE(rotated_at, created_at)) as days_since_rotation
		FROM tenant_master_keys
		WHERE tenant_id = $1 AND is_active = true
	`

	var version int
	var createdAt time.Time
	var rotatedAt sql.NullTime
	var daysSinceRotation float64

	err := s.db.QueryRowContext(ctx, query, tenantID).Scan(&version, &createdAt, &rotatedAt, &daysSinceRotation)
	if err == sql.ErrNoRows {
		return map[string]interface{}{
			"has_tmk": false,
			"message": "No TMK found for tenant",
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query TMK status: %w", err)
	}

	status := map[string]interface{}{
		"has_tmk":              true,
		"key_version":          version,
		"created_at":           createdAt,
		"days_since_rotation":  int(daysSinceRotation),
		"rotation_recommended": daysSinceRotation > 90,
	}
	if rotatedAt.Valid {
		status["last_rotated"] = rotatedAt.Time
	}
	return status, nil
}

// logKeyAudit records a key operation to key_audit_log without blocking
// the caller, matching the teacher's fire-and-forget pattern.
func (s *TMKService) logKeyAudit(ctx context.Context, tenantID, userID uuid.UUID, keyType, keyID, operation string, success bool, opErr error, durationMS int) {
	var errorMsg *string
	if opErr != nil {
		msg := opErr.Error()
		errorMsg = &msg
	}
	var userIDPtr *uuid.UUID
	if userID != uuid.Nil {
		userIDPtr = &userID
	}

	query := `
		INSERT INTO key_audit_log
		(tenant_id, user_id, key_type, key_id, operation, success, error_message, duration_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	go func() {
		_, _ = s.db.ExecContext(ctx, query,
			tenantID, userIDPtr, keyType, keyID, operation, success, errorMsg, durationMS,
		)
	}()
}

// tmkCacheKey matches the teacher's "tmk:<tenant>:v<version>" format.
func tmkCacheKey(tenantID uuid.UUID, version int) string {
	return fmt.Sprintf("tmk:%s:v%d", tenantID.String(), version)
}

// tmkEncryptionContext binds a wrapped TMK's AAD to the tenant and
// version it belongs to, so a TMK record copied to a different tenant
// row (or an old version's record replayed against the active row) fails
// GCM tag verification instead of silently unwrapping.
func tmkEncryptionContext(tenantID uuid.UUID, version int) *EncryptionContext {
	return NewEncryptionContext().
		Set("tenant_id", tenantID.String()).
		Set("key_version", fmt.Sprintf("%d", version))
}
