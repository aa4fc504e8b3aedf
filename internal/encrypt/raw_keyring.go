package encrypt

import (
	"context"
	"crypto/rand"
)

// RawAESKeyringNamespace is a conventional provider namespace for locally
// held wrapping keys (matching include/aws/cryptosdk/raw_aes_mk.h's
// "aws-raw-vectors-keyring" convention). A RawAESKeyring does not stamp
// it automatically: its EDKs carry the keyNamespace passed to
// NewRawAESKeyring.
const RawAESKeyringNamespace = "aws-raw-vectors-keyring"

// rawAESIVLen is the AES-GCM IV length this keyring always uses to wrap
// data keys (spec.md §4.4 step 2: "fresh 12-byte IV").
const rawAESIVLen = 12

// rawAESTagLenBits is the AES-GCM tag length this keyring always uses.
const rawAESTagLenBits = 128

// RawAESKeyring wraps and unwraps data keys by sealing them directly
// under a single, locally held AES key, ported from spec.md §4.4 and
// generalized from the teacher's EncryptionService.EncryptArtifact (same
// AES-256-GCM-with-AAD shape, here applied to a data key instead of an
// artifact body) and include/aws/cryptosdk/raw_aes_mk.h's Raw AES MK
// semantics.
type RawAESKeyring struct {
	keyNamespace string
	keyName      string
	wrappingKey  *SecretBuffer // 16, 24, or 32 bytes
}

// NewRawAESKeyring builds a keyring around a 16/24/32-byte wrapping key,
// matching the AES-128/192/256 key sizes spec.md §4.4 allows. keyNamespace
// lets one process host keyrings for more than one tenant without their
// EDKs colliding; keyName identifies the specific key within that
// namespace.
func NewRawAESKeyring(keyNamespace, keyName string, wrappingKey []byte) (*RawAESKeyring, error) {
	switch len(wrappingKey) {
	case 16, 24, 32:
	default:
		return nil, newErr(ErrBadState, "raw AES keyring requires a 16, 24, or 32-byte wrapping key")
	}
	return &RawAESKeyring{
		keyNamespace: keyNamespace,
		keyName:      keyName,
		wrappingKey:  NewSecretBuffer(append([]byte(nil), wrappingKey...)),
	}, nil
}

// OnEncrypt generates a data key if materials doesn't already carry one,
// then always wraps it: the Raw AES keyring never merely records an
// already-wrapped key the way a KMS keyring can skip a CMK it doesn't
// own, since there is exactly one wrapping key here.
func (k *RawAESKeyring) OnEncrypt(ctx context.Context, materials *EncryptionMaterials) error {
	generate, err := checkEncryptPrecondition(materials)
	if err != nil {
		return err
	}

	edksBefore := materials.EncryptedDataKeys.Len()
	var traceFlags TraceFlag

	if generate {
		dataKey := make([]byte, materials.Suite.DataKeyLen)
		if _, err := rand.Read(dataKey); err != nil {
			return wrapErr(ErrCrypto, "failed to generate data key", err)
		}
		materials.UnencryptedDataKey.Set(dataKey)
		traceFlags |= FlagGeneratedDataKey
	}

	aad := materials.EncryptionContext.CanonicalSerialize()

	iv := make([]byte, rawAESIVLen)
	if _, err := rand.Read(iv); err != nil {
		if traceFlags&FlagGeneratedDataKey != 0 {
			materials.UnencryptedDataKey.Release()
		}
		return wrapErr(ErrCrypto, "failed to generate wrapping IV", err)
	}

	wrapSuite := k.wrapSuite()
	ciphertext, tag, err := EncryptBody(wrapSuite, k.wrappingKey.Bytes(), iv, aad, materials.UnencryptedDataKey.Bytes())
	if err != nil {
		rollbackEDKs(materials.EncryptedDataKeys, edksBefore)
		if traceFlags&FlagGeneratedDataKey != 0 {
			materials.UnencryptedDataKey.Release()
		}
		return err
	}

	providerInfo := rawAESProviderInfo(k.keyName, rawAESTagLenBits, rawAESIVLen, iv)
	materials.EncryptedDataKeys.Append(EDK{
		ProviderNamespace: []byte(k.keyNamespace),
		ProviderInfo:      providerInfo,
		Ciphertext:        append(ciphertext, tag...),
	})

	traceFlags |= FlagEncryptedDataKey
	materials.Trace.Add(k.keyNamespace, k.keyName, traceFlags)
	return nil
}

// OnDecrypt scans edks for one this keyring's namespace and key name
// produced, and stops at the first one it can successfully unwrap
// (spec.md §4.4/§4.2's "first success wins" decrypt policy, shared with
// the KMS keyring's identical stop-on-first-success loop).
func (k *RawAESKeyring) OnDecrypt(ctx context.Context, materials *DecryptionMaterials, edks *EDKList) error {
	if err := checkDecryptPrecondition(materials); err != nil {
		return err
	}

	aad := materials.EncryptionContext.CanonicalSerialize()
	wrapSuite := k.wrapSuite()

	for _, edk := range edks.All() {
		if string(edk.ProviderNamespace) != k.keyNamespace {
			continue
		}
		tagLenBits, iv, ok := parseRawAESProviderInfo(edk.ProviderInfo, k.keyName)
		if !ok || tagLenBits != rawAESTagLenBits {
			continue
		}
		if len(edk.Ciphertext) < rawAESTagLenBits/8 {
			continue
		}

		split := len(edk.Ciphertext) - rawAESTagLenBits/8
		ciphertext := edk.Ciphertext[:split]
		tag := edk.Ciphertext[split:]

		plaintext, err := DecryptBody(wrapSuite, k.wrappingKey.Bytes(), iv, aad, ciphertext, tag)
		if err != nil {
			continue // try the next candidate EDK, per spec.md §4.2
		}
		if len(plaintext) != materials.Suite.DataKeyLen {
			continue
		}

		materials.UnencryptedDataKey.Set(plaintext)
		materials.Trace.Add(k.keyNamespace, k.keyName, FlagDecryptedDataKey)
		return nil
	}

	return nil // no matching/decryptable EDK; not itself an error
}

// wrapSuite describes the AES-GCM parameters this keyring wraps with,
// sized to the wrapping key rather than the body suite: a 16-byte Raw AES
// keyring can still wrap a 32-byte data key's bytes, since AES-GCM's
// plaintext length is independent of its key length.
func (k *RawAESKeyring) wrapSuite() AlgorithmSuite {
	return AlgorithmSuite{
		DataKeyLen:    k.wrappingKey.Len(),
		ContentKeyLen: k.wrappingKey.Len(),
		IVLen:         rawAESIVLen,
		TagLen:        rawAESTagLenBits / 8,
		KDF:           KDFNone,
	}
}
