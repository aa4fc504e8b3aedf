package encrypt

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/binary"
	"hash"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveContentKey turns a data key into the content-encryption key for
// the given suite and message id, per spec.md §4.1:
//
//	content_key = HKDF-Expand(HKDF-Extract(salt=0, ikm=data_key),
//	              info = suite_id_be ∥ message_id, L = content_key_len)
//
// when the suite specifies a KDF, or the data key verbatim when it does
// not. messageID binds the derived key to one message so that reusing a
// data key across messages never reuses a content key.
func DeriveContentKey(suite AlgorithmSuite, dataKey, messageID []byte) ([]byte, error) {
	if len(dataKey) != suite.DataKeyLen {
		return nil, newErr(ErrBadState, "data key length does not match suite")
	}

	if suite.KDF == KDFNone {
		out := make([]byte, suite.ContentKeyLen)
		copy(out, dataKey)
		return out, nil
	}

	newHash, err := hkdfHash(suite.KDF)
	if err != nil {
		return nil, err
	}

	var info [2]byte
	binary.BigEndian.PutUint16(info[:], suite.ID)
	infoBytes := append(append([]byte{}, info[:]...), messageID...)

	// salt=nil is treated by golang.org/x/crypto/hkdf as a zero-filled
	// salt of the hash's block size, matching HKDF-Extract(salt=0, ...).
	kdf := hkdf.New(newHash, dataKey, nil, infoBytes)

	contentKey := make([]byte, suite.ContentKeyLen)
	if _, err := io.ReadFull(kdf, contentKey); err != nil {
		return nil, wrapErr(ErrCrypto, "HKDF expand failed", err)
	}
	return contentKey, nil
}

func hkdfHash(kind KDFKind) (func() hash.Hash, error) {
	switch kind {
	case KDFHKDFSHA256:
		return sha256.New, nil
	case KDFHKDFSHA384:
		return sha512.New384, nil
	case KDFHKDFSHA512:
		return sha512.New, nil
	default:
		return nil, newErr(ErrBadState, "unsupported KDF kind")
	}
}

// EncryptBody runs AES-GCM over plaintext, returning ciphertext and an
// authentication tag of suite.TagLen bytes. iv must be suite.IVLen bytes.
func EncryptBody(suite AlgorithmSuite, contentKey, iv, aad, plaintext []byte) (ciphertext, tag []byte, err error) {
	gcm, err := newGCM(contentKey, suite.IVLen, suite.TagLen)
	if err != nil {
		return nil, nil, err
	}
	if len(iv) != suite.IVLen {
		return nil, nil, newErr(ErrBadState, "IV length does not match suite")
	}

	sealed := gcm.Seal(nil, iv, plaintext, aad)
	ctLen := len(sealed) - suite.TagLen
	ciphertext = sealed[:ctLen]
	tag = sealed[ctLen:]
	return ciphertext, tag, nil
}

// DecryptBody verifies tag and recovers plaintext from ciphertext. On
// tag mismatch it fails with BadCiphertext and returns no partial
// plaintext (spec.md §4.1: "pt_out is zeroized before return" — Go never
// exposes the zero-filled scratch buffer crypto/cipher uses internally
// on a failed Open, so returning nil on failure satisfies the same
// no-partial-plaintext-leak invariant).
func DecryptBody(suite AlgorithmSuite, contentKey, iv, aad, ciphertext, tag []byte) ([]byte, error) {
	gcm, err := newGCM(contentKey, suite.IVLen, suite.TagLen)
	if err != nil {
		return nil, err
	}
	if len(iv) != suite.IVLen {
		return nil, newErr(ErrBadState, "IV length does not match suite")
	}

	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)

	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, wrapErr(ErrBadCiphertext, "AES-GCM tag verification failed", err)
	}
	return plaintext, nil
}

func newGCM(key []byte, ivLen, tagLen int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "failed to create AES cipher", err)
	}
	gcm, err := cipher.NewGCMWithTagSize(block, tagLen)
	if err != nil {
		return nil, wrapErr(ErrCrypto, "failed to create GCM", err)
	}
	if gcm.NonceSize() != ivLen {
		return nil, newErr(ErrBadState, "suite IV length does not match GCM nonce size")
	}
	return gcm, nil
}
