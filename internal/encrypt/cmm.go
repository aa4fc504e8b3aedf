package encrypt

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/base64"
)

// CMM is a Crypto Materials Manager: the entry point a caller drives to
// produce encryption materials for a new message or recover decryption
// materials for an existing one (spec.md §4.3). A CMM decides which
// algorithm suite to use and delegates data-key wrapping to a Keyring
// graph; DefaultCMM is the only implementation this package provides, but
// callers may wrap one CMM inside another (e.g. a caching CMM) since the
// interface is the extension point, not the struct.
type CMM interface {
	GenerateEncryptionMaterials(ctx context.Context, req *EncryptionRequest) (*EncryptionMaterials, error)
	DecryptMaterials(ctx context.Context, req *DecryptionRequest) (*DecryptionMaterials, error)
}

// DefaultCMM pins every generated message to a single algorithm suite and
// defers all data-key wrapping to one Keyring, generalized from
// default_cmm.c's aws_cryptosdk_default_cmm. Unlike the original, which
// lets a caller override the pinned suite through a setter, this Go port
// takes the suite at construction and offers no setter.
type DefaultCMM struct {
	keyring Keyring
	suite   AlgorithmSuite
}

// NewDefaultCMM builds a DefaultCMM pinned to suite and backed by keyring.
func NewDefaultCMM(keyring Keyring, suite AlgorithmSuite) *DefaultCMM {
	return &DefaultCMM{keyring: keyring, suite: suite}
}

// GenerateEncryptionMaterials builds fresh encryption materials: if the
// request names a suite it must match the CMM's pinned suite (spec.md
// §4.3's "pin-or-fail" rule — this CMM never silently negotiates), then
// it generates a trailing-signature key pair for signed suites, stashes
// the public key in the encryption context's reserved field, and finally
// calls the keyring graph's OnEncrypt to produce the data key and EDKs.
func (c *DefaultCMM) GenerateEncryptionMaterials(ctx context.Context, req *EncryptionRequest) (*EncryptionMaterials, error) {
	if req.Suite != nil && req.Suite.ID != c.suite.ID {
		return nil, newErr(ErrUnsupportedFormat, "requested algorithm suite does not match CMM's configured suite")
	}

	ec := req.EncryptionContext
	if ec == nil {
		ec = NewEncryptionContext()
	} else {
		ec = ec.Clone()
	}

	materials := NewEncryptionMaterials(c.suite, ec)

	if c.suite.HasSignature() {
		priv, pubB64, err := generateSignatureKeyPair(c.suite)
		if err != nil {
			return nil, err
		}
		materials.SignatureKey = NewSecretBuffer(priv)
		materials.EncryptionContext.Set(ReservedPublicKeyField, pubB64)
	}

	if err := c.keyring.OnEncrypt(ctx, materials); err != nil {
		materials.Destroy()
		return nil, err
	}

	if materials.UnencryptedDataKey.Len() != c.suite.DataKeyLen {
		materials.Destroy()
		return nil, newErr(ErrBadState, "keyring graph did not produce a data key")
	}
	if materials.EncryptedDataKeys.Len() == 0 {
		materials.Destroy()
		return nil, newErr(ErrBadState, "keyring graph did not produce any encrypted data keys")
	}

	return materials, nil
}

// DecryptMaterials recovers the data key for an existing message: it
// checks the encryption context carries a verification key when the
// suite signs, then asks the keyring to decrypt one of the supplied
// EDKs. An error from the keyring is propagated as-is; a keyring that
// returns without recovering a data key leaves the buffer empty, and this
// method then fails with CannotDecrypt, generalized from
// default_cmm_decrypt_materials's identical check.
// The suite used is the one named by req, not the CMM's configured
// suite: a decrypting CMM must honor whatever suite the message being
// decrypted was originally encrypted with (spec.md §4.3.1's "caller-set-
// wins for decrypt only" tie-break), since that suite is read from the
// message itself, not chosen fresh.
func (c *DefaultCMM) DecryptMaterials(ctx context.Context, req *DecryptionRequest) (*DecryptionMaterials, error) {
	suite := req.Suite

	var verificationKey []byte
	if suite.HasSignature() {
		pubB64, ok := req.EncryptionContext.Get(ReservedPublicKeyField)
		if !ok {
			return nil, newErr(ErrBadCiphertext, "encryption context is missing the trailing-signature verification key")
		}
		pub, err := base64.StdEncoding.DecodeString(pubB64)
		if err != nil {
			return nil, wrapErr(ErrBadCiphertext, "trailing-signature verification key is not valid base64", err)
		}
		verificationKey = pub
	}

	materials := NewDecryptionMaterials(suite, req.EncryptionContext)
	if err := c.keyring.OnDecrypt(ctx, materials, req.EncryptedDataKeys); err != nil {
		materials.Destroy()
		return nil, err
	}
	if materials.UnencryptedDataKey.Len() != suite.DataKeyLen {
		materials.Destroy()
		return nil, newErr(ErrCannotDecrypt, "no keyring in the graph was able to decrypt an encrypted data key")
	}

	materials.VerificationKey = verificationKey
	return materials, nil
}

// generateSignatureKeyPair creates an ECDSA key pair on the curve a
// signed suite requires, returning the private key's ASN.1 DER encoding
// (to carry as a SecretBuffer) and the public key's DER encoding
// base64-encoded for the encryption context, matching how
// default_cmm.c's EC_PUBLIC_KEY_FIELD value is opaque-to-the-format text.
func generateSignatureKeyPair(suite AlgorithmSuite) (priv []byte, pubB64 string, err error) {
	var curve elliptic.Curve
	switch suite.Signature {
	case SignatureECDSAP256SHA256:
		curve = elliptic.P256()
	case SignatureECDSAP384SHA384:
		curve = elliptic.P384()
	default:
		return nil, "", newErr(ErrBadState, "suite does not specify a known signature algorithm")
	}

	key, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		return nil, "", wrapErr(ErrCrypto, "failed to generate ECDSA signing key", err)
	}

	privDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, "", wrapErr(ErrCrypto, "failed to marshal ECDSA private key", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, "", wrapErr(ErrCrypto, "failed to marshal ECDSA public key", err)
	}

	return privDER, base64.StdEncoding.EncodeToString(pubDER), nil
}
