package encrypt

import (
	"encoding/binary"
	"sort"
)

// ReservedPublicKeyField is the encryption-context key a DefaultCMM uses
// to smuggle the trailing-signature verification key to the decrypting
// side (spec.md §4.3/§6).
const ReservedPublicKeyField = "aws-crypto-public-key"

// EncryptionContext is an ordered string-to-string mapping with a
// canonical, injective serialization used as AEAD additional
// authenticated data by every keyring (spec.md §3). Set mutates the
// receiver in place; DefaultCMM.GenerateEncryptionMaterials works on a
// Clone, so the caller's value is not modified by that entry point.
type EncryptionContext struct {
	keys   []string
	values map[string]string
}

// NewEncryptionContext returns an empty EncryptionContext. Its key order
// is the order Set is called in.
func NewEncryptionContext() *EncryptionContext {
	return &EncryptionContext{values: make(map[string]string)}
}

// EncryptionContextFromMap builds an EncryptionContext from an unordered
// map; key order in the result is lexicographic, which is fine because
// canonical serialization re-sorts regardless.
func EncryptionContextFromMap(m map[string]string) *EncryptionContext {
	ec := NewEncryptionContext()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ec.Set(k, m[k])
	}
	return ec
}

// Set inserts or overwrites a key. Returns the receiver for chaining.
func (ec *EncryptionContext) Set(key, value string) *EncryptionContext {
	if _, exists := ec.values[key]; !exists {
		ec.keys = append(ec.keys, key)
	}
	ec.values[key] = value
	return ec
}

// Get retrieves a value, returning ok=false if the key is absent.
func (ec *EncryptionContext) Get(key string) (string, bool) {
	if ec == nil {
		return "", false
	}
	v, ok := ec.values[key]
	return v, ok
}

// Len reports the number of entries.
func (ec *EncryptionContext) Len() int {
	if ec == nil {
		return 0
	}
	return len(ec.keys)
}

// Clone returns a deep, independent copy.
func (ec *EncryptionContext) Clone() *EncryptionContext {
	out := NewEncryptionContext()
	if ec == nil {
		return out
	}
	for _, k := range ec.sortedKeys() {
		out.Set(k, ec.values[k])
	}
	return out
}

func (ec *EncryptionContext) sortedKeys() []string {
	keys := make([]string, len(ec.keys))
	copy(keys, ec.keys)
	sort.Strings(keys)
	return keys
}

// CanonicalSerialize produces the byte string used as AAD: keys sorted
// lexicographically by UTF-8 bytes, each key and value prefixed by its
// big-endian uint16 length (spec.md §3: "canonical serialization").
func (ec *EncryptionContext) CanonicalSerialize() []byte {
	if ec == nil || len(ec.keys) == 0 {
		return nil
	}
	keys := ec.sortedKeys()

	total := 2
	for _, k := range keys {
		total += 2 + len(k) + 2 + len(ec.values[k])
	}

	out := make([]byte, 0, total)
	out = appendU16(out, uint16(len(keys)))
	for _, k := range keys {
		v := ec.values[k]
		out = appendU16(out, uint16(len(k)))
		out = append(out, k...)
		out = appendU16(out, uint16(len(v)))
		out = append(out, v...)
	}
	return out
}

func appendU16(b []byte, v uint16) []byte {
	var tmp [2]byte
	binary.BigEndian.PutUint16(tmp[:], v)
	return append(b, tmp[:]...)
}

// SerializeEncryptionContext is an alias for CanonicalSerialize: the
// canonical AAD form is already an injective, order-independent encoding
// of the map, so it doubles as the at-rest storage format for records
// (like a wrapped_data_keys row) that need to recover their encryption
// context later to reconstruct the same AAD.
func (ec *EncryptionContext) SerializeEncryptionContext() []byte {
	return ec.CanonicalSerialize()
}

// deserializeEncryptionContext parses the format CanonicalSerialize
// produces back into an EncryptionContext.
func deserializeEncryptionContext(data []byte) (*EncryptionContext, error) {
	ec := NewEncryptionContext()
	if len(data) == 0 {
		return ec, nil
	}
	if len(data) < 2 {
		return nil, newErr(ErrBadCiphertext, "truncated encryption context record")
	}
	count := binary.BigEndian.Uint16(data[:2])
	pos := 2
	for i := uint16(0); i < count; i++ {
		k, next, err := readU16Prefixed(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		v, next, err := readU16Prefixed(data, pos)
		if err != nil {
			return nil, err
		}
		pos = next
		ec.Set(string(k), string(v))
	}
	return ec, nil
}

func readU16Prefixed(data []byte, pos int) (field []byte, newPos int, err error) {
	if len(data)-pos < 2 {
		return nil, 0, newErr(ErrBadCiphertext, "truncated encryption context field length")
	}
	n := int(binary.BigEndian.Uint16(data[pos : pos+2]))
	pos += 2
	if len(data)-pos < n {
		return nil, 0, newErr(ErrBadCiphertext, "truncated encryption context field value")
	}
	return data[pos : pos+n], pos + n, nil
}
