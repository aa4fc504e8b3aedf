package encrypt

import (
	"context"
	"testing"
)

const (
	testArnA = "arn:aws:kms:us-east-1:111122223333:key/aaaaaaaa-1111-1111-1111-111111111111"
	testArnB = "arn:aws:kms:us-east-1:111122223333:key/bbbbbbbb-2222-2222-2222-222222222222"
	testArnC = "arn:aws:kms:us-east-1:111122223333:key/cccccccc-3333-3333-3333-333333333333"
)

func TestKMSKeyringBuildFailsOnEmptyKeyIDs(t *testing.T) {
	supplier := NewSingleClientSupplier(newMockKMSClient())
	_, err := NewKMSKeyring(supplier, nil, nil, "")
	kind, ok := KindOf(err)
	if !ok || kind != ErrBadState {
		t.Fatalf("expected BadState for empty key ids, got %v", err)
	}
}

func TestKMSKeyringBuildFailsOnNonARNWithoutDefaultRegion(t *testing.T) {
	supplier := NewSingleClientSupplier(newMockKMSClient())
	_, err := NewKMSKeyring(supplier, []string{"alias/my-key"}, nil, "")
	kind, ok := KindOf(err)
	if !ok || kind != ErrBadState {
		t.Fatalf("expected BadState build failure for a non-ARN alias with no default region, got %v", err)
	}
}

func TestKMSKeyringBuildSucceedsOnNonARNWithDefaultRegion(t *testing.T) {
	supplier := NewSingleClientSupplier(newMockKMSClient())
	_, err := NewKMSKeyring(supplier, []string{"alias/my-key"}, nil, "us-west-2")
	if err != nil {
		t.Fatalf("expected build to succeed with a default region fallback, got %v", err)
	}
}

func TestKMSKeyringMultiCMKEncrypt(t *testing.T) {
	client := newMockKMSClient()
	supplier := NewSingleClientSupplier(client)
	kr, err := NewKMSKeyring(supplier, []string{testArnA, testArnB, testArnC}, nil, "")
	if err != nil {
		t.Fatalf("NewKMSKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	em := NewEncryptionMaterials(suite, NewEncryptionContext())
	if err := kr.OnEncrypt(context.Background(), em); err != nil {
		t.Fatalf("OnEncrypt: %v", err)
	}

	if em.EncryptedDataKeys.Len() != 3 {
		t.Fatalf("expected 3 EDKs (one generator + two wraps), got %d", em.EncryptedDataKeys.Len())
	}
	edks := em.EncryptedDataKeys.All()
	wantOrder := []string{testArnA, testArnB, testArnC}
	for i, want := range wantOrder {
		if string(edks[i].ProviderInfo) != want {
			t.Errorf("EDK %d provider_info = %q, want %q (generator-first order)", i, edks[i].ProviderInfo, want)
		}
		if string(edks[i].ProviderNamespace) != kmsProviderNamespace {
			t.Errorf("EDK %d namespace = %q, want %q", i, edks[i].ProviderNamespace, kmsProviderNamespace)
		}
	}
	if em.UnencryptedDataKey.Len() != suite.DataKeyLen {
		t.Fatalf("expected a generated data key of length %d", suite.DataKeyLen)
	}
}

// failingMockKMSClient wraps a mockKMSClient but fails every Encrypt call
// whose cmkID matches failOn, to exercise the rollback-on-partial-failure
// path (spec.md §8 scenario 3).
type failingMockKMSClient struct {
	*mockKMSClient
	failOn string
}

func (c *failingMockKMSClient) Encrypt(ctx context.Context, cmkID string, plaintext []byte, encCtx map[string]string) ([]byte, string, error) {
	if cmkID == c.failOn {
		return nil, "", errTestKMSFailure
	}
	return c.mockKMSClient.Encrypt(ctx, cmkID, plaintext, encCtx)
}

var errTestKMSFailure = &Error{Kind: ErrKMSFailure, Msg: "simulated KMS Encrypt failure"}

func TestKMSKeyringMultiCMKEncryptRollsBackOnPartialFailure(t *testing.T) {
	client := &failingMockKMSClient{mockKMSClient: newMockKMSClient(), failOn: testArnB}
	supplier := NewSingleClientSupplier(client)
	kr, err := NewKMSKeyring(supplier, []string{testArnA, testArnB, testArnC}, nil, "")
	if err != nil {
		t.Fatalf("NewKMSKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	em := NewEncryptionMaterials(suite, NewEncryptionContext())
	err = kr.OnEncrypt(context.Background(), em)

	kind, ok := KindOf(err)
	if !ok || kind != ErrKMSFailure {
		t.Fatalf("expected KmsFailure when a wrap call fails, got %v", err)
	}
	if em.EncryptedDataKeys.Len() != 0 {
		t.Fatalf("expected zero surfaced EDKs after rollback, got %d", em.EncryptedDataKeys.Len())
	}
	if em.UnencryptedDataKey.Len() != 0 {
		t.Fatalf("expected the generated data key to be zeroized after rollback, got len %d", em.UnencryptedDataKey.Len())
	}
}

func TestKMSKeyringDecryptFirstSuccess(t *testing.T) {
	client := newMockKMSClient()
	supplier := NewSingleClientSupplier(client)
	kr, err := NewKMSKeyring(supplier, []string{testArnA, testArnC}, nil, "")
	if err != nil {
		t.Fatalf("NewKMSKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	ec := NewEncryptionContext()
	em := NewEncryptionMaterials(suite, ec)
	if err := kr.OnEncrypt(context.Background(), em); err != nil {
		t.Fatalf("OnEncrypt: %v", err)
	}
	goodEDK := em.EncryptedDataKeys.All()[1] // testArnC

	badCiphertextEDK := EDK{
		ProviderNamespace: []byte(kmsProviderNamespace),
		ProviderInfo:      []byte(testArnC),
		Ciphertext:        append([]byte(nil), goodEDK.Ciphertext...),
	}
	badCiphertextEDK.Ciphertext[len(badCiphertextEDK.Ciphertext)-1] ^= 0xFF // tamper

	candidates := NewEDKList()
	candidates.Append(EDK{ProviderNamespace: []byte("other-namespace"), ProviderInfo: []byte(testArnC), Ciphertext: []byte("x")})
	candidates.Append(EDK{ProviderNamespace: []byte(kmsProviderNamespace), ProviderInfo: []byte("arn:aws:kms:us-east-1:111122223333:key/not-configured"), Ciphertext: []byte("x")})
	candidates.Append(badCiphertextEDK)
	candidates.Append(goodEDK)

	dm := NewDecryptionMaterials(suite, ec)
	if err := kr.OnDecrypt(context.Background(), dm, candidates); err != nil {
		t.Fatalf("OnDecrypt: %v", err)
	}
	if dm.UnencryptedDataKey.Len() != suite.DataKeyLen {
		t.Fatalf("expected the data key to be recovered from the final good candidate")
	}
}

func TestKMSKeyringOnDecryptNoCandidateSucceedsReturnsEmptyNotError(t *testing.T) {
	client := newMockKMSClient()
	supplier := NewSingleClientSupplier(client)
	kr, err := NewKMSKeyring(supplier, []string{testArnA}, nil, "")
	if err != nil {
		t.Fatalf("NewKMSKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	dm := NewDecryptionMaterials(suite, NewEncryptionContext())
	candidates := NewEDKList()
	candidates.Append(EDK{ProviderNamespace: []byte("aws-raw-vectors-keyring"), ProviderInfo: []byte("x"), Ciphertext: []byte("x")})

	if err := kr.OnDecrypt(context.Background(), dm, candidates); err != nil {
		t.Fatalf("OnDecrypt with no matching candidates must return success-with-empty-key, got %v", err)
	}
	if dm.UnencryptedDataKey.Len() != 0 {
		t.Fatalf("expected no data key recovered")
	}
}

func TestKMSKeyringOnDecryptRejectsCorrectLengthPresetDataKey(t *testing.T) {
	supplier := NewSingleClientSupplier(newMockKMSClient())
	kr, err := NewKMSKeyring(supplier, []string{testArnA}, nil, "")
	if err != nil {
		t.Fatalf("NewKMSKeyring: %v", err)
	}

	suite, _ := LookupSuite(AES256GCMNoKDFNoSig)
	dm := NewDecryptionMaterials(suite, NewEncryptionContext())
	dm.UnencryptedDataKey.Set(make([]byte, suite.DataKeyLen))

	err = kr.OnDecrypt(context.Background(), dm, NewEDKList())
	kind, ok := KindOf(err)
	if !ok || kind != ErrBadState {
		t.Fatalf("expected BadState for any pre-set data key on decrypt entry, got %v", err)
	}
}

func TestNewStaticCredentialsCachingClientSupplierBuilds(t *testing.T) {
	supplier := NewStaticCredentialsCachingClientSupplier("AKIAEXAMPLE", "secretExample")
	client, err := supplier.GetClient(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("GetClient with static credentials: %v", err)
	}
	if client == nil {
		t.Fatalf("expected a non-nil KMS client")
	}
	// A second call for the same region must reuse the cached client.
	again, err := supplier.GetClient(context.Background(), "us-east-1")
	if err != nil {
		t.Fatalf("GetClient (cached): %v", err)
	}
	if client != again {
		t.Fatalf("expected the caching supplier to return the same client instance for a repeated region")
	}
}
