package encrypt

import "context"

// Keyring is the core extension point of the materials pipeline
// (spec.md §2/§4.2): something that can wrap or unwrap a data key. A
// DefaultCMM holds one root keyring and calls OnEncrypt once per
// GenerateEncryptionMaterials and OnDecrypt once per DecryptMaterials.
//
// Implementations must uphold the pre/postconditions spec.md §4.2 lists:
// OnEncrypt either generates the data key (if materials.UnencryptedDataKey
// is empty on entry) or re-wraps the one already present, and on any
// failure it must roll back every EDK it appended during the call and
// leave a freshly generated data key zeroized. OnDecrypt must leave
// materials unchanged when it cannot decrypt any candidate EDK — that is
// not itself an error; the CMM turns a data key that is still empty after
// OnDecrypt into CannotDecrypt.
type Keyring interface {
	OnEncrypt(ctx context.Context, materials *EncryptionMaterials) error
	OnDecrypt(ctx context.Context, materials *DecryptionMaterials, edks *EDKList) error
}

// checkEncryptPrecondition enforces spec.md §4.2's entry invariant: the
// data key buffer is either empty (this keyring must generate) or exactly
// suite.DataKeyLen bytes (this keyring must re-wrap).
func checkEncryptPrecondition(materials *EncryptionMaterials) (generate bool, err error) {
	n := materials.UnencryptedDataKey.Len()
	switch {
	case n == 0:
		return true, nil
	case n == materials.Suite.DataKeyLen:
		return false, nil
	default:
		return false, newErr(ErrBadState, "unencrypted data key length does not match suite before on_encrypt")
	}
}

// checkDecryptPrecondition enforces the entry invariant for OnDecrypt:
// the data key buffer must be empty. spec.md §4.2 requires "data_key is
// empty" on entry, with any violation ⇒ BadState and the keyring never
// invoked; a DefaultCMM holds exactly one root keyring, so there is never
// a legitimate "previous keyring already decrypted it" case to tolerate.
func checkDecryptPrecondition(materials *DecryptionMaterials) error {
	if materials.UnencryptedDataKey.Len() != 0 {
		return newErr(ErrBadState, "unencrypted data key must be empty before on_decrypt")
	}
	return nil
}

// rollbackEDKs truncates edks back to the length recorded before a failed
// OnEncrypt call appended to it, per the EDK-cleanup postcondition.
func rollbackEDKs(edks *EDKList, lenBefore int) {
	edks.Truncate(lenBefore)
}
