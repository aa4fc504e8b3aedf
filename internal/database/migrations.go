package database

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"
)

// RunMigrations creates the schema the materials pipeline's supporting
// services (TMKService, RewrapService) persist against. Trimmed from the
// teacher's migration set, which also stood up the artifact registry's
// ~60 other tables (repositories, OAuth2, scanning, storage) that this
// module has no code path to populate.
func RunMigrations(db *sql.DB) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	log.Println("🚀 Starting database migrations...")

	// Acquire advisory lock to prevent concurrent migrations
	// Lock ID: 123456789 (arbitrary but consistent)
	log.Println("🔒 Acquiring migration lock...")
	if _, err := db.ExecContext(ctx, "SELECT pg_advisory_lock(123456789)"); err != nil {
		return fmt.Errorf("failed to acquire migration lock: %w", err)
	}
	log.Println("✓ Migration lock acquired")

	defer func() {
		if _, err := db.Exec("SELECT pg_advisory_unlock(123456789)"); err != nil {
			log.Printf("⚠️  Failed to release migration lock: %v", err)
		} else {
			log.Println("✓ Migration lock released")
		}
	}()

	if _, err := db.ExecContext(ctx, `CREATE EXTENSION IF NOT EXISTS "uuid-ossp"`); err != nil {
		log.Printf("⚠️  UUID extension already exists or error: %v", err)
	}

	migrations := []string{
		// ============================================
		// TENANT AND USER STUBS
		// ============================================
		// Minimal tenants/users tables so tenant_master_keys and
		// key_audit_log's foreign keys resolve; the registry's full
		// tenant/user management lives outside this module's scope.
		`CREATE TABLE IF NOT EXISTS tenants (
			tenant_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			name VARCHAR(255) UNIQUE NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS users (
			user_id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL REFERENCES tenants(tenant_id) ON DELETE CASCADE,
			email VARCHAR(255) NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW()
		)`,

		// ============================================
		// ENVELOPE ENCRYPTION: TENANT MASTER KEYS
		// ============================================

		`CREATE TABLE IF NOT EXISTS tenant_master_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL,
			encrypted_key BYTEA NOT NULL,
			keyring_name VARCHAR(255) NOT NULL,
			key_version INTEGER NOT NULL DEFAULT 1,
			is_active BOOLEAN DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			rotated_at TIMESTAMP,
			created_by UUID,
			last_accessed_at TIMESTAMP,
			access_count BIGINT DEFAULT 0,

			CONSTRAINT fk_tmk_tenant FOREIGN KEY (tenant_id)
				REFERENCES tenants(tenant_id) ON DELETE CASCADE,
			CONSTRAINT fk_tmk_creator FOREIGN KEY (created_by)
				REFERENCES users(user_id) ON DELETE SET NULL,
			CONSTRAINT uq_tmk_tenant_version UNIQUE (tenant_id, key_version)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_tmk_tenant_active ON tenant_master_keys(tenant_id)
			WHERE is_active = true`,
		`CREATE INDEX IF NOT EXISTS idx_tmk_created_at ON tenant_master_keys(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_tmk_rotation ON tenant_master_keys(rotated_at)
			WHERE is_active = true AND rotated_at IS NOT NULL`,

		`COMMENT ON TABLE tenant_master_keys IS 'Stores wrapped tenant master keys for envelope encryption'`,
		`COMMENT ON COLUMN tenant_master_keys.encrypted_key IS 'Serialized EDK list produced by the configured keyring'`,
		`COMMENT ON COLUMN tenant_master_keys.keyring_name IS 'Name of the keyring (KMS CMK id, raw key name, etc.) that wrapped this TMK'`,

		// ============================================
		// ENVELOPE ENCRYPTION: RE-WRAPPABLE DATA KEY RECORDS
		// ============================================

		// One row per data key a caller has asked this module to manage
		// the lifecycle of; RewrapService re-wraps these onto a new TMK
		// version without touching whatever ciphertext body they protect.
		`CREATE TABLE IF NOT EXISTS wrapped_data_keys (
			id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			tenant_id UUID NOT NULL,
			encrypted_data_key BYTEA NOT NULL,
			encryption_context BYTEA NOT NULL,
			algorithm_suite_id INTEGER NOT NULL,
			tmk_version INTEGER NOT NULL,
			created_at TIMESTAMP NOT NULL DEFAULT NOW(),
			rewrapped_at TIMESTAMP,

			CONSTRAINT fk_wdk_tenant FOREIGN KEY (tenant_id)
				REFERENCES tenants(tenant_id) ON DELETE CASCADE
		)`,

		`CREATE INDEX IF NOT EXISTS idx_wdk_tenant_version ON wrapped_data_keys(tenant_id, tmk_version)`,

		`COMMENT ON TABLE wrapped_data_keys IS 'Data keys wrapped under a tenant master key, re-wrapped in place on TMK rotation'`,
		`COMMENT ON COLUMN wrapped_data_keys.encryption_context IS 'Canonical-serialized encryption context used as the wrap AAD'`,
		`COMMENT ON COLUMN wrapped_data_keys.algorithm_suite_id IS 'Algorithm suite id the wrapped data key was generated under'`,

		// ============================================
		// ENVELOPE ENCRYPTION: KEY AUDIT LOG
		// ============================================

		`CREATE TABLE IF NOT EXISTS key_audit_log (
			id BIGSERIAL PRIMARY KEY,
			event_id UUID NOT NULL DEFAULT gen_random_uuid(),
			timestamp TIMESTAMP NOT NULL DEFAULT NOW(),
			tenant_id UUID NOT NULL,
			user_id UUID,
			key_type VARCHAR(50) NOT NULL,
			key_id VARCHAR(255),
			operation VARCHAR(50) NOT NULL,
			success BOOLEAN NOT NULL,
			error_message TEXT,
			duration_ms INTEGER,

			CONSTRAINT fk_audit_tenant FOREIGN KEY (tenant_id)
				REFERENCES tenants(tenant_id) ON DELETE CASCADE,
			CONSTRAINT fk_audit_user FOREIGN KEY (user_id)
				REFERENCES users(user_id) ON DELETE SET NULL
		)`,

		`CREATE INDEX IF NOT EXISTS idx_key_audit_tenant_time ON key_audit_log(tenant_id, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_key_audit_operation ON key_audit_log(operation, timestamp DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_key_audit_success ON key_audit_log(success, timestamp DESC)
			WHERE success = false`,

		`COMMENT ON TABLE key_audit_log IS 'Append-only audit log for all TMK and data-key operations'`,

		// Track last_accessed_at/access_count on the TMK whenever it's
		// read or unwrapped, matching the teacher's access-tracking
		// trigger.
		`CREATE OR REPLACE FUNCTION update_tmk_access()
		RETURNS TRIGGER AS $$
		BEGIN
			UPDATE tenant_master_keys
			SET
				last_accessed_at = NOW(),
				access_count = access_count + 1
			WHERE tenant_id = NEW.tenant_id
			  AND NEW.key_type = 'TMK'
			  AND is_active = true;
			RETURN NEW;
		END;
		$$ LANGUAGE plpgsql`,

		`DROP TRIGGER IF EXISTS trigger_tmk_access ON key_audit_log`,
		`CREATE TRIGGER trigger_tmk_access
			AFTER INSERT ON key_audit_log
			FOR EACH ROW
			WHEN (NEW.key_type = 'TMK' AND NEW.operation IN ('access', 'decrypt'))
			EXECUTE FUNCTION update_tmk_access()`,
	}

	for i, migration := range migrations {
		if _, err := db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w\nSQL: %s", i, err, migration)
		}
	}

	log.Println("✅ database migrations completed successfully!")
	return nil
}
