package encrypt

import (
	"bytes"
	"testing"
)

func TestEDKListSerializeDeserializeRoundTrip(t *testing.T) {
	edks := NewEDKList()
	edks.Append(EDK{ProviderNamespace: []byte("aws-kms"), ProviderInfo: []byte("arn:aws:kms:us-east-1:111:key/a"), Ciphertext: []byte{1, 2, 3}})
	edks.Append(EDK{ProviderNamespace: []byte(RawAESKeyringNamespace), ProviderInfo: []byte("key-name-and-iv"), Ciphertext: []byte{4, 5, 6, 7, 8}})

	blob := serializeEDKList(edks)
	got, err := deserializeEDKList(blob)
	if err != nil {
		t.Fatalf("deserializeEDKList: %v", err)
	}
	if got.Len() != edks.Len() {
		t.Fatalf("round-tripped EDK count = %d, want %d", got.Len(), edks.Len())
	}
	for i, e := range got.All() {
		want := edks.All()[i]
		if !bytes.Equal(e.ProviderNamespace, want.ProviderNamespace) ||
			!bytes.Equal(e.ProviderInfo, want.ProviderInfo) ||
			!bytes.Equal(e.Ciphertext, want.Ciphertext) {
			t.Errorf("EDK[%d] round-tripped incorrectly: got %+v, want %+v", i, e, want)
		}
	}
}

func TestDeserializeEDKListTruncated(t *testing.T) {
	edks := NewEDKList()
	edks.Append(EDK{ProviderNamespace: []byte("aws-kms"), ProviderInfo: []byte("arn"), Ciphertext: []byte{1}})
	blob := serializeEDKList(edks)

	_, err := deserializeEDKList(blob[:len(blob)-2])
	kind, ok := KindOf(err)
	if !ok || kind != ErrBadCiphertext {
		t.Fatalf("expected BadCiphertext on truncated EDK list, got %v", err)
	}
}

func TestEDKListTruncateRollsBackPartialAppends(t *testing.T) {
	edks := NewEDKList()
	edks.Append(EDK{ProviderNamespace: []byte("a")})
	before := edks.Len()
	edks.Append(EDK{ProviderNamespace: []byte("b")})
	edks.Append(EDK{ProviderNamespace: []byte("c")})

	rollbackEDKs(edks, before)

	if edks.Len() != before {
		t.Fatalf("rollbackEDKs left %d EDKs, want %d", edks.Len(), before)
	}
}

func TestRawAESProviderInfoRoundTrip(t *testing.T) {
	iv := []byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}
	info := rawAESProviderInfo("my-key", 128, 12, iv)

	tagLenBits, gotIV, ok := parseRawAESProviderInfo(info, "my-key")
	if !ok {
		t.Fatalf("parseRawAESProviderInfo failed to parse a well-formed record")
	}
	if tagLenBits != 128 {
		t.Errorf("tagLenBits = %d, want 128", tagLenBits)
	}
	if !bytes.Equal(gotIV, iv) {
		t.Errorf("iv = %x, want %x", gotIV, iv)
	}
}

func TestParseRawAESProviderInfoRejectsWrongKeyName(t *testing.T) {
	info := rawAESProviderInfo("key-a", 128, 12, make([]byte, 12))
	_, _, ok := parseRawAESProviderInfo(info, "key-b")
	if ok {
		t.Errorf("parseRawAESProviderInfo should reject a record with a different key name prefix")
	}
}

func TestParseRawAESProviderInfoRejectsTruncated(t *testing.T) {
	info := rawAESProviderInfo("key-a", 128, 12, make([]byte, 12))
	_, _, ok := parseRawAESProviderInfo(info[:len(info)-4], "key-a")
	if ok {
		t.Errorf("parseRawAESProviderInfo should reject a record whose declared IV length exceeds the bytes present")
	}
}
