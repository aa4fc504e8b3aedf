package encrypt

import (
	"encoding/binary"
	"io"
)

// EDK is one wrapped copy of a data key: the triple of byte strings
// spec.md §3 describes. Interpretation of ProviderInfo is namespace
// specific (the CMK ARN for "aws-kms"; a packed key-name/IV/tag-length
// record for a Raw AES keyring's namespace).
type EDK struct {
	ProviderNamespace []byte
	ProviderInfo      []byte
	Ciphertext        []byte
}

// EDKList is an ordered, append-only container of EDKs produced during
// one encrypt operation or supplied as decrypt candidates.
type EDKList struct {
	edks []EDK
}

// NewEDKList returns an empty list.
func NewEDKList() *EDKList { return &EDKList{} }

// Append adds one EDK to the end of the list.
func (l *EDKList) Append(e EDK) {
	l.edks = append(l.edks, e)
}

// Len reports the number of EDKs.
func (l *EDKList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.edks)
}

// All returns the EDKs in append order.
func (l *EDKList) All() []EDK {
	if l == nil {
		return nil
	}
	return l.edks
}

// Truncate keeps the first n EDKs and drops the rest, used to roll back partially
// appended EDKs when a later wrap in the same on_encrypt call fails
// (spec.md §4.2 postcondition: "any partially-written EDKs are cleaned").
func (l *EDKList) Truncate(n int) {
	if n < len(l.edks) {
		l.edks = l.edks[:n]
	}
}

// rawAESProviderInfo encodes the Raw AES keyring's provider_info layout:
// key_name ∥ u32(tag_len_bits) ∥ u32(iv_len_bytes) ∥ iv (spec.md §6).
func rawAESProviderInfo(keyName string, tagLenBits, ivLenBytes uint32, iv []byte) []byte {
	out := make([]byte, 0, len(keyName)+4+4+len(iv))
	out = append(out, keyName...)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], tagLenBits)
	out = append(out, tmp[:]...)
	binary.BigEndian.PutUint32(tmp[:], ivLenBytes)
	out = append(out, tmp[:]...)
	out = append(out, iv...)
	return out
}

// parseRawAESProviderInfo splits a provider_info blob into the key name
// prefix, tag length (bits), and IV, given the expected key name. It
// returns ok=false (a skippable condition, never an error) if the blob
// is too short, the key name prefix does not match, or the declared IV
// length does not match the bytes actually present.
func parseRawAESProviderInfo(info []byte, keyName string) (tagLenBits uint32, iv []byte, ok bool) {
	prefixLen := len(keyName)
	if len(info) < prefixLen+8 {
		return 0, nil, false
	}
	if string(info[:prefixLen]) != keyName {
		return 0, nil, false
	}
	tagLenBits = binary.BigEndian.Uint32(info[prefixLen : prefixLen+4])
	ivLen := binary.BigEndian.Uint32(info[prefixLen+4 : prefixLen+8])
	rest := info[prefixLen+8:]
	if uint32(len(rest)) != ivLen {
		return 0, nil, false
	}
	return tagLenBits, rest, true
}

// serializeEDKList flattens an EDKList into a self-contained byte string
// for storage (e.g. a tenant_master_keys row's encrypted_key column),
// independent of the single-ciphertext-blob shape raw KMS output has:
// u32 count, then per-EDK three u32-length-prefixed fields in
// ProviderNamespace/ProviderInfo/Ciphertext order.
func serializeEDKList(edks *EDKList) []byte {
	all := edks.All()
	total := 4
	for _, e := range all {
		total += 4 + len(e.ProviderNamespace) + 4 + len(e.ProviderInfo) + 4 + len(e.Ciphertext)
	}

	out := make([]byte, 0, total)
	out = appendU32(out, uint32(len(all)))
	for _, e := range all {
		out = appendU32(out, uint32(len(e.ProviderNamespace)))
		out = append(out, e.ProviderNamespace...)
		out = appendU32(out, uint32(len(e.ProviderInfo)))
		out = append(out, e.ProviderInfo...)
		out = appendU32(out, uint32(len(e.Ciphertext)))
		out = append(out, e.Ciphertext...)
	}
	return out
}

// deserializeEDKList parses the format serializeEDKList produces. A
// truncated or malformed blob fails with BadCiphertext: a TMK record
// corrupted in storage is not distinguishable from a tampered one from
// the caller's point of view.
func deserializeEDKList(data []byte) (*EDKList, error) {
	r := &byteReader{b: data}

	count, err := r.readU32()
	if err != nil {
		return nil, wrapErr(ErrBadCiphertext, "truncated EDK list record", err)
	}

	edks := NewEDKList()
	for i := uint32(0); i < count; i++ {
		namespace, err := r.readLenPrefixed()
		if err != nil {
			return nil, wrapErr(ErrBadCiphertext, "truncated EDK provider namespace", err)
		}
		info, err := r.readLenPrefixed()
		if err != nil {
			return nil, wrapErr(ErrBadCiphertext, "truncated EDK provider info", err)
		}
		ciphertext, err := r.readLenPrefixed()
		if err != nil {
			return nil, wrapErr(ErrBadCiphertext, "truncated EDK ciphertext", err)
		}
		edks.Append(EDK{ProviderNamespace: namespace, ProviderInfo: info, Ciphertext: ciphertext})
	}
	return edks, nil
}

func appendU32(b []byte, v uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], v)
	return append(b, tmp[:]...)
}

type byteReader struct {
	b   []byte
	pos int
}

func (r *byteReader) readU32() (uint32, error) {
	if len(r.b)-r.pos < 4 {
		return 0, io.ErrUnexpectedEOF
	}
	v := binary.BigEndian.Uint32(r.b[r.pos : r.pos+4])
	r.pos += 4
	return v, nil
}

func (r *byteReader) readLenPrefixed() ([]byte, error) {
	n, err := r.readU32()
	if err != nil {
		return nil, err
	}
	if uint32(len(r.b)-r.pos) < n {
		return nil, io.ErrUnexpectedEOF
	}
	out := r.b[r.pos : r.pos+int(n)]
	r.pos += int(n)
	return out, nil
}
