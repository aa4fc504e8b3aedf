package encrypt

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a materials-pipeline failure the way callers need
// to branch on it. It is never used for control flow inside the package;
// internally every function returns a plain Go error and callers that
// care about the kind unwrap it with KindOf.
type ErrorKind int

const (
	// ErrUnsupportedFormat signals an unknown algorithm suite id.
	ErrUnsupportedFormat ErrorKind = iota + 1
	// ErrBadCiphertext signals tag verification failure, malformed
	// provider_info, or a missing signing key in the encryption context.
	ErrBadCiphertext
	// ErrCannotDecrypt signals that no keyring recovered the data key.
	ErrCannotDecrypt
	// ErrKMSFailure signals a failed KMS GenerateDataKey or Encrypt call
	// during KMSKeyring.OnEncrypt. The key id KMS returns from
	// GenerateDataKey is not compared against the requested one, so a
	// key-id mismatch does not produce this kind.
	ErrKMSFailure
	// ErrBadState signals a pre/postcondition violation: a programming
	// error, never a data-dependent failure.
	ErrBadState
	// ErrCrypto signals an underlying primitive failure (cipher
	// construction, random source exhaustion).
	ErrCrypto
)

func (k ErrorKind) String() string {
	switch k {
	case ErrUnsupportedFormat:
		return "UnsupportedFormat"
	case ErrBadCiphertext:
		return "BadCiphertext"
	case ErrCannotDecrypt:
		return "CannotDecrypt"
	case ErrKMSFailure:
		return "KmsFailure"
	case ErrBadState:
		return "BadState"
	case ErrCrypto:
		return "CryptoError"
	default:
		return "Unknown"
	}
}

// Error is the error type every exported materials-pipeline operation
// returns. It carries a discriminable Kind for callers that must branch
// (e.g. "missing keyring falls through, forged ciphertext fails closed")
// plus a human-readable message and an optional wrapped cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(kind ErrorKind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

func wrapErr(kind ErrorKind, msg string, err error) error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the ErrorKind from err, returning ok=false if err was
// not produced by this package. It unwraps with errors.As so a *Error
// wrapped by an outer fmt.Errorf("...: %w", err) is still discriminable.
func KindOf(err error) (ErrorKind, bool) {
	var asError *Error
	if errors.As(err, &asError) {
		return asError.Kind, true
	}
	return 0, false
}
