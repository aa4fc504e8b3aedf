package encrypt

import (
	"bytes"
	"context"
	"database/sql/driver"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
)

// blobCapture is a sqlmock argument matcher that records whatever []byte
// value it is matched against, so a test can inspect what a query was
// actually called with instead of only asserting it was called.
type blobCapture struct{ got []byte }

func (c *blobCapture) Match(v driver.Value) bool {
	b, ok := v.([]byte)
	if !ok {
		return false
	}
	c.got = append([]byte(nil), b...)
	return true
}

func TestRewrapServiceRewrapRecordPreservesDataKeyUnderNewWrappingKey(t *testing.T) {
	tenantID := uuid.New()
	recordID := uuid.New()

	oldKeyring, err := NewRawAESKeyring(rewrapKeyringNamespace(tenantID), tmkKeyName(1), make([]byte, 32))
	if err != nil {
		t.Fatalf("old NewRawAESKeyring: %v", err)
	}
	newWrappingKey := bytes.Repeat([]byte{0x42}, 32)
	newKeyring, err := NewRawAESKeyring(rewrapKeyringNamespace(tenantID), tmkKeyName(2), newWrappingKey)
	if err != nil {
		t.Fatalf("new NewRawAESKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	ec := NewEncryptionContext().Set("tenant_id", tenantID.String())

	original := NewEncryptionMaterials(suite, ec)
	if err := oldKeyring.OnEncrypt(context.Background(), original); err != nil {
		t.Fatalf("seed OnEncrypt: %v", err)
	}
	originalDataKey := append([]byte(nil), original.UnencryptedDataKey.Bytes()...)

	edkBlob := serializeEDKList(original.EncryptedDataKeys)
	ecBlob := ec.SerializeEncryptionContext()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	capture := &blobCapture{}
	mock.ExpectExec(regexp.QuoteMeta("UPDATE wrapped_data_keys")).
		WithArgs(capture, int64(2), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	rs := NewRewrapService(db, nil, RewrapConfig{})
	job := &RewrapJob{JobID: uuid.New(), TenantID: tenantID, OldTMKVersion: 1, NewTMKVersion: 2}

	if err := rs.rewrapRecord(context.Background(), job, recordID, edkBlob, ecBlob, suite.ID, oldKeyring, newKeyring); err != nil {
		t.Fatalf("rewrapRecord: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}

	newEDKs, err := deserializeEDKList(capture.got)
	if err != nil {
		t.Fatalf("deserializeEDKList on the persisted blob: %v", err)
	}

	newCMM := NewDefaultCMM(newKeyring, suite)
	decrypted, err := newCMM.DecryptMaterials(context.Background(), &DecryptionRequest{
		Suite:             suite,
		EncryptedDataKeys: newEDKs,
		EncryptionContext: ec,
	})
	if err != nil {
		t.Fatalf("DecryptMaterials under the new wrapping key: %v", err)
	}
	defer decrypted.Destroy()

	if !bytes.Equal(decrypted.UnencryptedDataKey.Bytes(), originalDataKey) {
		t.Fatalf("data key changed across rewrap: the plaintext DEK must survive a TMK rotation unchanged")
	}
}

func TestRewrapServiceCancelJobMarksRunningJobCancelled(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rs := NewRewrapService(db, nil, RewrapConfig{})
	job := &RewrapJob{JobID: uuid.New(), Status: "running"}
	rs.activeJobs[job.JobID] = job

	if err := rs.CancelJob(job.JobID); err != nil {
		t.Fatalf("CancelJob: %v", err)
	}
	if job.Status != "cancelled" {
		t.Fatalf("expected job status cancelled, got %q", job.Status)
	}
}

func TestRewrapServiceCancelJobRejectsNonRunningJob(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rs := NewRewrapService(db, nil, RewrapConfig{})
	job := &RewrapJob{JobID: uuid.New(), Status: "completed"}
	rs.activeJobs[job.JobID] = job

	if err := rs.CancelJob(job.JobID); err == nil {
		t.Fatalf("expected an error cancelling an already-completed job")
	}
}

func TestRewrapServiceCancelJobUnknownJobErrors(t *testing.T) {
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	rs := NewRewrapService(db, nil, RewrapConfig{})
	if err := rs.CancelJob(uuid.New()); err == nil {
		t.Fatalf("expected an error cancelling an unknown job id")
	}
}
