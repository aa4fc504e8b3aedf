package encrypt

// EncryptionMaterials is what a CMM hands back from
// GenerateEncryptionMaterials: a data key plus everything a keyring graph
// recorded while producing it (spec.md §2/§4.3).
type EncryptionMaterials struct {
	Suite             AlgorithmSuite
	EncryptionContext  *EncryptionContext
	UnencryptedDataKey *SecretBuffer
	EncryptedDataKeys  *EDKList
	Trace              *KeyringTrace

	// SignatureKey carries the ECDSA private key generated for suites
	// that sign the message trailer. Nil for suites with SignatureNone.
	SignatureKey *SecretBuffer
}

// Destroy zeroizes every secret held by the materials. Call once the
// materials have been consumed by the content cipher.
func (m *EncryptionMaterials) Destroy() {
	if m == nil {
		return
	}
	m.UnencryptedDataKey.Release()
	m.SignatureKey.Release()
}

// DecryptionMaterials is what a CMM hands back from DecryptMaterials: the
// recovered data key plus the trace of which keyring(s) decrypted it.
type DecryptionMaterials struct {
	Suite              AlgorithmSuite
	EncryptionContext  *EncryptionContext
	UnencryptedDataKey *SecretBuffer
	Trace              *KeyringTrace

	// VerificationKey is the ECDSA public key recovered from the
	// encryption context's reserved field, for suites that sign.
	VerificationKey []byte
}

// Destroy zeroizes the recovered data key.
func (m *DecryptionMaterials) Destroy() {
	if m == nil {
		return
	}
	m.UnencryptedDataKey.Release()
}

// EncryptionRequest is what a caller passes to CMM.GenerateEncryptionMaterials
// (spec.md §4.3).
type EncryptionRequest struct {
	Suite             *AlgorithmSuite // nil: let the CMM pick a default
	EncryptionContext *EncryptionContext
	PlaintextLength   int64 // -1 if unknown
}

// DecryptionRequest is what a caller passes to CMM.DecryptMaterials.
type DecryptionRequest struct {
	Suite             AlgorithmSuite
	EncryptedDataKeys *EDKList
	EncryptionContext *EncryptionContext
}

// NewEncryptionMaterials builds an empty materials value for the given
// suite and encryption context, ready for a keyring graph's OnEncrypt to
// populate. The caller retains ownership of ec; it is not cloned here
// because DefaultCMM adds the reserved public-key field to it in place
// after building the materials, mirroring the original implementation's
// shared-pointer EC.
func NewEncryptionMaterials(suite AlgorithmSuite, ec *EncryptionContext) *EncryptionMaterials {
	return &EncryptionMaterials{
		Suite:              suite,
		EncryptionContext:  ec,
		UnencryptedDataKey: EmptySecretBuffer(),
		EncryptedDataKeys:  NewEDKList(),
		Trace:              NewKeyringTrace(),
	}
}

// NewDecryptionMaterials builds an empty materials value ready for a
// keyring graph's OnDecrypt to populate with a recovered data key. ec is
// the message's encryption context, used as AEAD AAD by keyrings that
// wrapped the data key against it.
func NewDecryptionMaterials(suite AlgorithmSuite, ec *EncryptionContext) *DecryptionMaterials {
	return &DecryptionMaterials{
		Suite:              suite,
		EncryptionContext:  ec,
		UnencryptedDataKey: EmptySecretBuffer(),
		Trace:              NewKeyringTrace(),
	}
}
