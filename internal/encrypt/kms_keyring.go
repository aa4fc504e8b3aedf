package encrypt

import (
	"context"
	"strings"
	"sync"
)

// ClientSupplier resolves a KMS client for a region, generalized from
// kms_keyring.cpp's ClientSupplier interface. A KMSKeyring asks its
// supplier for a client once per CMK it touches, so the supplier is the
// seam that decides whether clients are built fresh every time, reused
// per region, or pre-registered by the caller.
type ClientSupplier interface {
	GetClient(ctx context.Context, region string) (kmsClient, error)
}

// SingleClientSupplier always returns the one client it was built with,
// regardless of the region asked for. Ported from SingleClientSupplier in
// kms_keyring.cpp, used when a KMSKeyring is pinned to exactly one CMK
// (and therefore exactly one region) and a client pool is overkill.
type SingleClientSupplier struct {
	client kmsClient
}

// NewSingleClientSupplier wraps an already-constructed client.
func NewSingleClientSupplier(client kmsClient) *SingleClientSupplier {
	return &SingleClientSupplier{client: client}
}

func (s *SingleClientSupplier) GetClient(ctx context.Context, region string) (kmsClient, error) {
	return s.client, nil
}

// CachingClientSupplier keeps one client per AWS region, building new
// ones lazily on first use and reusing them after, ported from
// CachingClientSupplier's PutClient/LockedGetClient/UnlockedGetClient
// trio in kms_keyring.cpp. The factory is injected so tests can supply
// mockKMSClients instead of real AWS ones.
type CachingClientSupplier struct {
	mu      sync.Mutex
	clients map[string]kmsClient
	factory func(ctx context.Context, region string) (kmsClient, error)
}

// NewCachingClientSupplier builds a supplier that constructs clients on
// demand via factory.
func NewCachingClientSupplier(factory func(ctx context.Context, region string) (kmsClient, error)) *CachingClientSupplier {
	return &CachingClientSupplier{
		clients: make(map[string]kmsClient),
		factory: factory,
	}
}

// NewDefaultCachingClientSupplier builds a supplier whose factory
// constructs real AWS KMS clients, mirroring
// CreateDefaultKmsClient/Builder::BuildClientSupplier's default path in
// kms_keyring.cpp.
func NewDefaultCachingClientSupplier() *CachingClientSupplier {
	return NewCachingClientSupplier(func(ctx context.Context, region string) (kmsClient, error) {
		return newAWSKMSClient(ctx, region)
	})
}

// NewStaticCredentialsCachingClientSupplier builds a supplier whose
// factory pins every region's client to one explicit access/secret key
// pair instead of the ambient credential chain, for operators who
// configure KMS access directly (e.g. a cross-account key with its own
// IAM user) rather than via the process's IAM role.
func NewStaticCredentialsCachingClientSupplier(accessKeyID, secretAccessKey string) *CachingClientSupplier {
	return NewCachingClientSupplier(func(ctx context.Context, region string) (kmsClient, error) {
		return newAWSKMSClientWithStaticCredentials(ctx, region, accessKeyID, secretAccessKey)
	})
}

// PutClient pre-registers a client for region, letting a caller pin a
// specific client (e.g. one configured with non-default credentials)
// ahead of first use, matching CachingClientSupplier::PutClient. It is
// idempotent: a region that already has a client keeps it.
func (s *CachingClientSupplier) PutClient(region string, client kmsClient) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[region]; ok {
		return
	}
	s.clients[region] = client
}

func (s *CachingClientSupplier) GetClient(ctx context.Context, region string) (kmsClient, error) {
	s.mu.Lock()
	if client, ok := s.clients[region]; ok {
		s.mu.Unlock()
		return client, nil
	}
	s.mu.Unlock()

	client, err := s.factory(ctx, region)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.clients[region]; ok {
		return existing, nil
	}
	s.clients[region] = client
	return client, nil
}

// kmsProviderNamespace is the EDK provider namespace every CMK wrap uses,
// matching the original implementation's literal "aws-kms" string.
const kmsProviderNamespace = "aws-kms"

// KMSKeyring wraps and unwraps data keys using one or more AWS KMS CMKs,
// generalized from kms_keyring.cpp's KmsKeyring::OnEncrypt/OnDecrypt.
// keyIDs is ordered and non-empty: keyIDs[0] is the generator, called via
// GenerateDataKey only when materials doesn't already carry a data key;
// every id in keyIDs (including index 0) is wrapped with a plain Encrypt
// call when materials already has one (spec.md §4.5's generator-first
// fan-out, and "also for every key_id when the caller already supplied a
// data key").
type KMSKeyring struct {
	supplier      ClientSupplier
	keyIDs        []string
	grantTokens   []string
	defaultRegion string
}

// NewKMSKeyring builds a keyring around a non-empty, ordered list of CMK
// ids. An empty keyIDs fails at build time, matching §8's "empty key_ids
// at KMS-keyring build time ⇒ build fails" boundary case. defaultRegion
// (may be "") is used to resolve any keyID that is not a full ARN; every
// keyID is checked to resolve a region right here, so a non-ARN alias
// with no default region fails the build immediately rather than at the
// first OnEncrypt/OnDecrypt call (spec.md §4.5.1/§8: "non-ARN key with no
// default region and no explicit client ⇒ build fails").
func NewKMSKeyring(supplier ClientSupplier, keyIDs []string, grantTokens []string, defaultRegion string) (*KMSKeyring, error) {
	if len(keyIDs) == 0 {
		return nil, newErr(ErrBadState, "KMS keyring requires at least one CMK id")
	}
	k := &KMSKeyring{
		supplier:      supplier,
		keyIDs:        append([]string(nil), keyIDs...),
		grantTokens:   grantTokens,
		defaultRegion: defaultRegion,
	}
	for _, id := range k.keyIDs {
		if _, err := k.regionFor(id); err != nil {
			return nil, err
		}
	}
	return k, nil
}

// OnEncrypt generates the data key via keyIDs[0] when materials doesn't
// already carry one, then wraps it against every remaining CMK (or every
// CMK, including the generator, when a data key was already present).
// Any CMK call failing after a plaintext key exists rolls back every EDK
// this call appended and zeroizes the data key if this call generated
// it, matching kms_keyring.cpp's EdksRaii rollback-on-exception
// behavior.
func (k *KMSKeyring) OnEncrypt(ctx context.Context, materials *EncryptionMaterials) error {
	generate, err := checkEncryptPrecondition(materials)
	if err != nil {
		return err
	}

	edksBefore := materials.EncryptedDataKeys.Len()
	encCtxMap := encryptionContextToMap(materials.EncryptionContext)

	generatedHere := false
	wrapIDs := k.keyIDs
	if generate {
		generatorID := k.keyIDs[0]
		client, err := k.clientFor(ctx, generatorID)
		if err != nil {
			return err
		}
		plaintext, ciphertext, resolvedID, err := client.GenerateDataKey(ctx, generatorID, int32(materials.Suite.DataKeyLen), encCtxMap)
		if err != nil {
			return wrapErr(ErrKMSFailure, "KMS GenerateDataKey failed", err)
		}
		materials.UnencryptedDataKey.Set(plaintext)
		generatedHere = true
		materials.EncryptedDataKeys.Append(EDK{
			ProviderNamespace: []byte(kmsProviderNamespace),
			ProviderInfo:      []byte(resolvedID),
			Ciphertext:        ciphertext,
		})
		materials.Trace.Add(kmsProviderNamespace, resolvedID, FlagGeneratedDataKey|FlagEncryptedDataKey)
		wrapIDs = k.keyIDs[1:]
	}

	for _, cmkID := range wrapIDs {
		client, err := k.clientFor(ctx, cmkID)
		if err != nil {
			k.rollback(materials, edksBefore, generatedHere)
			return err
		}
		ciphertext, resolvedID, err := client.Encrypt(ctx, cmkID, materials.UnencryptedDataKey.Bytes(), encCtxMap)
		if err != nil {
			k.rollback(materials, edksBefore, generatedHere)
			return wrapErr(ErrKMSFailure, "KMS Encrypt failed", err)
		}
		materials.EncryptedDataKeys.Append(EDK{
			ProviderNamespace: []byte(kmsProviderNamespace),
			ProviderInfo:      []byte(resolvedID),
			Ciphertext:        ciphertext,
		})
		materials.Trace.Add(kmsProviderNamespace, resolvedID, FlagEncryptedDataKey)
	}

	return nil
}

func (k *KMSKeyring) rollback(materials *EncryptionMaterials, edksBefore int, generatedHere bool) {
	rollbackEDKs(materials.EncryptedDataKeys, edksBefore)
	if generatedHere {
		materials.UnencryptedDataKey.Release()
	}
}

// OnDecrypt scans edks for ones in the "aws-kms" namespace whose
// provider_info (a CMK ARN) is one of this keyring's configured key IDs,
// and attempts Decrypt on each until one succeeds, matching
// KmsKeyring::OnDecrypt's namespace-filter-then-first-success loop in
// kms_keyring.cpp. A Decrypt response whose resolved key id disagrees
// with the EDK's provider_info is treated as a skippable failure — a
// defense against server confusion, per spec.md §4.5.
func (k *KMSKeyring) OnDecrypt(ctx context.Context, materials *DecryptionMaterials, edks *EDKList) error {
	if err := checkDecryptPrecondition(materials); err != nil {
		return err
	}

	encCtxMap := encryptionContextToMap(materials.EncryptionContext)

	for _, edk := range edks.All() {
		if string(edk.ProviderNamespace) != kmsProviderNamespace {
			continue
		}
		cmkID := string(edk.ProviderInfo)
		if !k.knowsKey(cmkID) {
			continue
		}

		client, err := k.clientFor(ctx, cmkID)
		if err != nil {
			continue
		}
		plaintext, resolvedID, err := client.Decrypt(ctx, cmkID, edk.Ciphertext, encCtxMap)
		if err != nil {
			continue
		}
		if resolvedID != cmkID {
			continue
		}
		if len(plaintext) != materials.Suite.DataKeyLen {
			continue
		}

		materials.UnencryptedDataKey.Set(plaintext)
		materials.Trace.Add(kmsProviderNamespace, cmkID, FlagDecryptedDataKey)
		return nil
	}

	return nil
}

func (k *KMSKeyring) knowsKey(cmkID string) bool {
	for _, id := range k.keyIDs {
		if id == cmkID {
			return true
		}
	}
	return false
}

func (k *KMSKeyring) clientFor(ctx context.Context, cmkID string) (kmsClient, error) {
	region, err := k.regionFor(cmkID)
	if err != nil {
		return nil, err
	}
	return k.supplier.GetClient(ctx, region)
}

// regionFor extracts the region field of a KMS key ARN
// (arn:partition:kms:region:account:key/id), matching the ARN parsing
// kms_keyring.cpp's Aws::Utils::ARN performs before calling
// GetKmsClient(region). A bare key id or alias (no "arn:" prefix) falls
// back to the keyring's configured default region; if there is none,
// this fails (spec.md §4.5.1).
func (k *KMSKeyring) regionFor(cmkID string) (string, error) {
	region, err := regionFromARN(cmkID)
	if err == nil {
		return region, nil
	}
	if k.defaultRegion != "" {
		return k.defaultRegion, nil
	}
	return "", newErr(ErrBadState, "KMS key id is not a full ARN and no default region is configured")
}

// regionFromARN extracts the region component of a KMS key ARN
// (arn:partition:kms:region:account:key/id), returning an error if cmkID
// is not a full ARN (e.g. a bare key id or alias).
func regionFromARN(cmkID string) (string, error) {
	if !strings.HasPrefix(cmkID, "arn:") {
		return "", newErr(ErrBadState, "not a full ARN")
	}
	parts := strings.SplitN(cmkID, ":", 6)
	if len(parts) < 4 || parts[3] == "" {
		return "", newErr(ErrBadState, "KMS key ARN is missing a region component")
	}
	return parts[3], nil
}

// encryptionContextToMap flattens an EncryptionContext into the plain
// map AWS KMS's API expects; KMS itself handles canonicalization and
// AAD binding on the encryption-context values it's given.
func encryptionContextToMap(ec *EncryptionContext) map[string]string {
	if ec == nil {
		return map[string]string{}
	}
	out := make(map[string]string, ec.Len())
	for _, k := range ec.sortedKeys() {
		v, _ := ec.Get(k)
		out[k] = v
	}
	return out
}
