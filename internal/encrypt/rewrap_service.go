package encrypt

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/securestor/envelope-core/internal/logger"
)

// RewrapService re-wraps the data keys of previously encrypted objects
// after a tenant's TMK rotates, touching only the small wrapped-data-key
// record and never the (potentially huge) ciphertext body those keys
// protect. Adapted from the teacher's RewrapService: the teacher re-
// wrapped a KMS-ciphertext blob named in an artifact's meta.json file;
// this version re-wraps an EDKList stored in the wrapped_data_keys table,
// using a RawAESKeyring derived from the tenant's (old, then new) TMK as
// the key-encryption key, so the operation works the same way regardless
// of which keyring backs the TMK itself.
type RewrapService struct {
	db           *sql.DB
	tmkService   *TMKService
	batchSize    int
	delayBetween time.Duration

	progressMu    sync.RWMutex
	activeJobs    map[uuid.UUID]*RewrapJob
	auditCallback func(ctx context.Context, event RewrapAuditEvent)
	log           *logger.Logger
}

// RewrapJob tracks the progress of one re-wrap run.
type RewrapJob struct {
	JobID           uuid.UUID
	TenantID        uuid.UUID
	OldTMKVersion   int
	NewTMKVersion   int
	StartedAt       time.Time
	CompletedAt     time.Time
	Status          string // "running", "completed", "failed", "cancelled"
	TotalRecords    int64
	ProcessedCount  int64
	SuccessCount    int64
	FailedCount     int64
	CurrentBatch    int
	Errors          []RewrapError
	LastProcessedID uuid.UUID
}

// RewrapError records one record's re-wrap failure.
type RewrapError struct {
	RecordID  uuid.UUID
	Error     string
	Timestamp time.Time
	Retryable bool
}

// RewrapAuditEvent is emitted for each re-wrap attempt when an audit
// callback is registered.
type RewrapAuditEvent struct {
	JobID      uuid.UUID
	TenantID   uuid.UUID
	RecordID   uuid.UUID
	Operation  string // "rewrap_start", "rewrap_success", "rewrap_failure"
	OldVersion int
	NewVersion int
	Timestamp  time.Time
	Error      string
}

// RewrapConfig configures batch pacing, matching the teacher's
// RewrapConfig shape.
type RewrapConfig struct {
	BatchSize    int
	DelayBetween time.Duration
}

// NewRewrapService builds a service bound to db and the tenant's
// TMKService.
func NewRewrapService(db *sql.DB, tmkService *TMKService, config RewrapConfig) *RewrapService {
	batchSize := config.BatchSize
	if batchSize == 0 {
		batchSize = 100
	}
	delayBetween := config.DelayBetween
	if delayBetween == 0 {
		delayBetween = time.Second
	}

	return &RewrapService{
		db:           db,
		tmkService:   tmkService,
		batchSize:    batchSize,
		delayBetween: delayBetween,
		activeJobs:   make(map[uuid.UUID]*RewrapJob),
		log:          logger.NewLogger("rewrap"),
	}
}

// StartRewrapJob queues a background re-wrap of every wrapped_data_keys
// row still at oldTMKVersion onto newTMKVersion.
func (rs *RewrapService) StartRewrapJob(ctx context.Context, tenantID uuid.UUID, oldTMKVersion, newTMKVersion int) (*RewrapJob, error) {
	job := &RewrapJob{
		JobID:         uuid.New(),
		TenantID:      tenantID,
		OldTMKVersion: oldTMKVersion,
		NewTMKVersion: newTMKVersion,
		StartedAt:     time.Now(),
		Status:        "running",
		Errors:        make([]RewrapError, 0),
	}

	var totalCount int64
	err := rs.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM wrapped_data_keys WHERE tenant_id = $1 AND tmk_version = $2`,
		tenantID, oldTMKVersion,
	).Scan(&totalCount)
	if err != nil {
		return nil, fmt.Errorf("failed to count wrapped data keys: %w", err)
	}
	job.TotalRecords = totalCount

	rs.progressMu.Lock()
	rs.activeJobs[job.JobID] = job
	rs.progressMu.Unlock()

	if rs.auditCallback != nil {
		rs.auditCallback(ctx, RewrapAuditEvent{
			JobID: job.JobID, TenantID: tenantID, Operation: "rewrap_start",
			OldVersion: oldTMKVersion, NewVersion: newTMKVersion, Timestamp: time.Now(),
		})
	}

	go rs.processRewrapJob(context.Background(), job)

	return job, nil
}

// jobStatus reads job.Status under progressMu, the same lock CancelJob
// writes it under.
func (rs *RewrapService) jobStatus(job *RewrapJob) string {
	rs.progressMu.RLock()
	defer rs.progressMu.RUnlock()
	return job.Status
}

// setJobStatus writes job.Status under progressMu so it never races with
// CancelJob's write or the batch loop's read.
func (rs *RewrapService) setJobStatus(job *RewrapJob, status string) {
	rs.progressMu.Lock()
	defer rs.progressMu.Unlock()
	job.Status = status
}

func (rs *RewrapService) processRewrapJob(ctx context.Context, job *RewrapJob) {
	defer func() {
		job.CompletedAt = time.Now()
		switch {
		case rs.jobStatus(job) == "cancelled":
			// leave as-is: CancelJob already set the terminal status.
		case job.SuccessCount == job.TotalRecords:
			rs.setJobStatus(job, "completed")
		default:
			rs.setJobStatus(job, "failed")
		}
		rs.log.Info("rewrap job finished", "job", job.JobID, "status", rs.jobStatus(job), "success", job.SuccessCount, "failed", job.FailedCount)
	}()

	oldTMK, err := rs.tmkVersion(ctx, job.TenantID, job.OldTMKVersion)
	if err != nil {
		rs.setJobStatus(job, "failed")
		job.Errors = append(job.Errors, RewrapError{Error: fmt.Sprintf("failed to unwrap old TMK: %v", err), Timestamp: time.Now(), Retryable: true})
		rs.log.Error("failed to unwrap old TMK for rewrap job", err)
		return
	}
	defer oldTMK.Release()

	newTMK, err := rs.tmkService.GetActiveTMK(ctx, job.TenantID)
	if err != nil {
		rs.setJobStatus(job, "failed")
		job.Errors = append(job.Errors, RewrapError{Error: fmt.Sprintf("failed to get new TMK: %v", err), Timestamp: time.Now(), Retryable: true})
		return
	}
	defer newTMK.Release()

	oldKeyring, err := NewRawAESKeyring(rewrapKeyringNamespace(job.TenantID), tmkKeyName(job.OldTMKVersion), oldTMK.Bytes())
	if err != nil {
		rs.setJobStatus(job, "failed")
		return
	}
	newKeyring, err := NewRawAESKeyring(rewrapKeyringNamespace(job.TenantID), tmkKeyName(job.NewTMKVersion), newTMK.Bytes())
	if err != nil {
		rs.setJobStatus(job, "failed")
		return
	}

	var lastID uuid.UUID
	batchNum := 0

	for {
		if rs.jobStatus(job) == "cancelled" {
			break
		}

		batchNum++
		job.CurrentBatch = batchNum

		rows, err := rs.db.QueryContext(ctx, `
			SELECT id, encrypted_data_key, encryption_context, algorithm_suite_id
			FROM wrapped_data_keys
			WHERE tenant_id = $1 AND tmk_version = $2 AND id > $3
			ORDER BY id
			LIMIT $4
		`, job.TenantID, job.OldTMKVersion, lastID, rs.batchSize)
		if err != nil {
			job.Errors = append(job.Errors, RewrapError{Error: fmt.Sprintf("failed to query batch %d: %v", batchNum, err), Timestamp: time.Now(), Retryable: true})
			break
		}

		type record struct {
			id         uuid.UUID
			edkBlob    []byte
			ecBlob     []byte
			suiteID    uint16
		}
		var batch []record
		for rows.Next() {
			var r record
			if err := rows.Scan(&r.id, &r.edkBlob, &r.ecBlob, &r.suiteID); err != nil {
				continue
			}
			batch = append(batch, r)
		}
		rows.Close()

		if len(batch) == 0 {
			break
		}

		for _, r := range batch {
			err := rs.rewrapRecord(ctx, job, r.id, r.edkBlob, r.ecBlob, r.suiteID, oldKeyring, newKeyring)
			if err != nil {
				atomic.AddInt64(&job.FailedCount, 1)
				job.Errors = append(job.Errors, RewrapError{RecordID: r.id, Error: err.Error(), Timestamp: time.Now(), Retryable: true})
				rs.log.Error("failed to rewrap data key record", err)
				if rs.auditCallback != nil {
					rs.auditCallback(ctx, RewrapAuditEvent{
						JobID: job.JobID, TenantID: job.TenantID, RecordID: r.id,
						Operation: "rewrap_failure", OldVersion: job.OldTMKVersion, NewVersion: job.NewTMKVersion,
						Timestamp: time.Now(), Error: err.Error(),
					})
				}
			} else {
				atomic.AddInt64(&job.SuccessCount, 1)
			}
			atomic.AddInt64(&job.ProcessedCount, 1)
			lastID = r.id
			job.LastProcessedID = r.id
		}

		time.Sleep(rs.delayBetween)
	}
}

// rewrapRecord unwraps one record's data key with oldKeyring and wraps
// the same plaintext data key with newKeyring, then persists the new EDK
// list and TMK version atomically. The ciphertext body the data key
// protects is never touched.
func (rs *RewrapService) rewrapRecord(ctx context.Context, job *RewrapJob, recordID uuid.UUID, edkBlob, ecBlob []byte, suiteID uint16, oldKeyring, newKeyring Keyring) error {
	suite, err := LookupSuite(suiteID)
	if err != nil {
		return err
	}
	ec, err := deserializeEncryptionContext(ecBlob)
	if err != nil {
		return fmt.Errorf("failed to parse stored encryption context: %w", err)
	}
	edks, err := deserializeEDKList(edkBlob)
	if err != nil {
		return fmt.Errorf("failed to parse wrapped data key: %w", err)
	}

	oldCMM := NewDefaultCMM(oldKeyring, suite)
	decrypted, err := oldCMM.DecryptMaterials(ctx, &DecryptionRequest{Suite: suite, EncryptedDataKeys: edks, EncryptionContext: ec})
	if err != nil {
		return fmt.Errorf("failed to unwrap data key: %w", err)
	}
	defer decrypted.Destroy()

	newMaterials := NewEncryptionMaterials(suite, ec)
	newMaterials.UnencryptedDataKey.Set(append([]byte(nil), decrypted.UnencryptedDataKey.Bytes()...))
	if err := newKeyring.OnEncrypt(ctx, newMaterials); err != nil {
		newMaterials.Destroy()
		return fmt.Errorf("failed to re-wrap data key: %w", err)
	}
	defer newMaterials.Destroy()

	_, err = rs.db.ExecContext(ctx, `
		UPDATE wrapped_data_keys
		SET encrypted_data_key = $1, tmk_version = $2, rewrapped_at = NOW()
		WHERE id = $3
	`, serializeEDKList(newMaterials.EncryptedDataKeys), job.NewTMKVersion, recordID)
	if err != nil {
		return fmt.Errorf("failed to persist rewrapped data key: %w", err)
	}

	if rs.auditCallback != nil {
		rs.auditCallback(ctx, RewrapAuditEvent{
			JobID: job.JobID, TenantID: job.TenantID, RecordID: recordID,
			Operation: "rewrap_success", OldVersion: job.OldTMKVersion, NewVersion: job.NewTMKVersion,
			Timestamp: time.Now(),
		})
	}
	return nil
}

// tmkVersion unwraps the TMK at a specific (not necessarily active)
// version, needed to decrypt data keys still wrapped under it.
func (rs *RewrapService) tmkVersion(ctx context.Context, tenantID uuid.UUID, version int) (*SecretBuffer, error) {
	var encryptedKey []byte
	err := rs.db.QueryRowContext(ctx,
		`SELECT encrypted_key FROM tenant_master_keys WHERE tenant_id = $1 AND key_version = $2`,
		tenantID, version,
	).Scan(&encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to look up TMK v%d: %w", version, err)
	}

	edks, err := deserializeEDKList(encryptedKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stored TMK record: %w", err)
	}

	materials, err := rs.tmkService.cmm.DecryptMaterials(ctx, &DecryptionRequest{
		Suite:             tmkWrapSuite,
		EncryptedDataKeys: edks,
		EncryptionContext: tmkEncryptionContext(tenantID, version),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to unwrap TMK v%d: %w", version, err)
	}
	return materials.UnencryptedDataKey, nil
}

// GetJobStatus returns the live status of a previously started job.
func (rs *RewrapService) GetJobStatus(jobID uuid.UUID) (*RewrapJob, error) {
	rs.progressMu.RLock()
	defer rs.progressMu.RUnlock()

	job, ok := rs.activeJobs[jobID]
	if !ok {
		return nil, fmt.Errorf("job not found: %s", jobID)
	}
	return job, nil
}

// CancelJob marks a running job cancelled; the background loop checks
// this on its next batch boundary.
func (rs *RewrapService) CancelJob(jobID uuid.UUID) error {
	rs.progressMu.Lock()
	defer rs.progressMu.Unlock()

	job, ok := rs.activeJobs[jobID]
	if !ok {
		return fmt.Errorf("job not found: %s", jobID)
	}
	if job.Status != "running" {
		return fmt.Errorf("job is not running (status: %s)", job.Status)
	}
	job.Status = "cancelled"
	return nil
}

// SetAuditCallback registers a callback invoked for each re-wrap attempt.
func (rs *RewrapService) SetAuditCallback(callback func(ctx context.Context, event RewrapAuditEvent)) {
	rs.auditCallback = callback
}

func rewrapKeyringNamespace(tenantID uuid.UUID) string {
	return "tenant-tmk:" + tenantID.String()
}

func tmkKeyName(version int) string {
	return fmt.Sprintf("v%d", version)
}
