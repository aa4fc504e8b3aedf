package encrypt

import "runtime"

// SecretBuffer is an owned byte buffer whose Release path is guaranteed
// to overwrite its contents before the memory becomes garbage. Every
// secret value that crosses a materials-pipeline boundary (a data key,
// a signing key, a decrypted TMK) is carried in one of these
// rather than a bare []byte, so zeroization is a property of the type
// and not something every call site has to remember to do — generalized
// from the teacher's repeated `defer zeroBytes(dek)` pattern.
type SecretBuffer struct {
	b []byte
}

// NewSecretBuffer takes ownership of b; the caller must not use b after
// this call except through the returned SecretBuffer.
func NewSecretBuffer(b []byte) *SecretBuffer {
	return &SecretBuffer{b: b}
}

// EmptySecretBuffer returns a SecretBuffer with zero length, representing
// "no data key yet" (spec.md §4.2 precondition: an empty buffer signals
// a keyring must generate one).
func EmptySecretBuffer() *SecretBuffer { return &SecretBuffer{} }

// Len reports the number of live bytes.
func (s *SecretBuffer) Len() int {
	if s == nil {
		return 0
	}
	return len(s.b)
}

// Bytes exposes the underlying buffer. Callers must not retain it past
// the SecretBuffer's lifetime.
func (s *SecretBuffer) Bytes() []byte {
	if s == nil {
		return nil
	}
	return s.b
}

// Set replaces the buffer's contents, zeroizing whatever was there
// before. Used by a keyring that generates or recovers a data key into
// an already-allocated (but empty) buffer.
func (s *SecretBuffer) Set(b []byte) {
	s.zero()
	s.b = b
}

// Clone returns an independent copy backed by its own memory.
func (s *SecretBuffer) Clone() *SecretBuffer {
	if s == nil || len(s.b) == 0 {
		return EmptySecretBuffer()
	}
	cp := make([]byte, len(s.b))
	copy(cp, s.b)
	return &SecretBuffer{b: cp}
}

// Release zeroizes and discards the buffer. Safe to call multiple times.
func (s *SecretBuffer) Release() {
	if s == nil {
		return
	}
	s.zero()
	s.b = nil
}

// zero overwrites every byte with a volatile-equivalent write so the
// optimizer cannot elide it as a dead store, then pins the slice alive
// across the loop with runtime.KeepAlive (spec.md §9 zeroization
// discipline: "must not be elided by an optimizer").
func (s *SecretBuffer) zero() {
	for i := range s.b {
		s.b[i] = 0
	}
	runtime.KeepAlive(s.b)
}

// ZeroBytes zeroizes a plain byte slice in place, for call sites that
// have not yet been migrated onto SecretBuffer (e.g. short-lived request
// plaintext). Kept as a free function because not every secret in this
// package owns a SecretBuffer wrapper end-to-end.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(b)
}
