package encrypt

// TraceFlag is a bitmask describing what a keyring did to produce one
// KeyringTraceRecord, mirroring the original aws_cryptosdk_keyring_trace
// flag set (spec.md §4.6).
type TraceFlag uint32

const (
	FlagEncryptedDataKey TraceFlag = 1 << iota
	FlagDecryptedDataKey
	FlagGeneratedDataKey
	FlagSignedEncCtx
	FlagVerifiedEncCtx
)

// KeyringTraceRecord names the wrapping key that performed one operation
// and what it did.
type KeyringTraceRecord struct {
	WrappingKeyNamespace string
	WrappingKeyName      string
	Flags                TraceFlag
}

// Equal compares two records field-by-field, per spec.md §4.6.
func (r KeyringTraceRecord) Equal(other KeyringTraceRecord) bool {
	return r.Flags == other.Flags &&
		r.WrappingKeyNamespace == other.WrappingKeyNamespace &&
		r.WrappingKeyName == other.WrappingKeyName
}

// KeyringTrace is an append-only, order-significant log of wrapping-key
// operations accumulated over one materials operation. The caller owns
// its lifetime; a CMM allocates one per generate/decrypt call and hands
// it down through the keyring graph.
type KeyringTrace struct {
	records []KeyringTraceRecord
}

// NewKeyringTrace returns an empty trace.
func NewKeyringTrace() *KeyringTrace {
	return &KeyringTrace{}
}

// Add appends one record. Strings are copied by value assignment (Go
// strings are already immutable and share no mutable backing array with
// the caller), matching the clone-into-allocator behavior of the
// original aws_cryptosdk_keyring_trace_add_record.
func (t *KeyringTrace) Add(namespace, name string, flags TraceFlag) {
	t.records = append(t.records, KeyringTraceRecord{
		WrappingKeyNamespace: namespace,
		WrappingKeyName:      name,
		Flags:                flags,
	})
}

// Records returns the accumulated records in append order.
func (t *KeyringTrace) Records() []KeyringTraceRecord {
	if t == nil {
		return nil
	}
	return t.records
}

// Len reports how many records have been appended.
func (t *KeyringTrace) Len() int {
	if t == nil {
		return 0
	}
	return len(t.records)
}

// Clear empties the trace in place.
func (t *KeyringTrace) Clear() {
	t.records = t.records[:0]
}

// Clone returns an independent copy; trace_clone(t) == t per spec.md §8.
func (t *KeyringTrace) Clone() *KeyringTrace {
	clone := NewKeyringTrace()
	if t == nil {
		return clone
	}
	clone.records = append(clone.records, t.records...)
	return clone
}

// Equal compares two traces element-wise; order is significant.
func (t *KeyringTrace) Equal(other *KeyringTrace) bool {
	a, b := t.Records(), other.Records()
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
