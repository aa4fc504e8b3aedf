package encrypt

import (
	"bytes"
	"testing"
)

func TestEncryptionContextCanonicalSerializeIsSorted(t *testing.T) {
	ec := NewEncryptionContext().
		Set("zebra", "1").
		Set("alpha", "2").
		Set("mid", "3")

	serialized := ec.CanonicalSerialize()

	reordered := NewEncryptionContext().
		Set("mid", "3").
		Set("alpha", "2").
		Set("zebra", "1")

	if !bytes.Equal(serialized, reordered.CanonicalSerialize()) {
		t.Errorf("canonical serialization must not depend on insertion order")
	}
}

func TestEncryptionContextSerializeDeserializeRoundTrip(t *testing.T) {
	ec := NewEncryptionContext().
		Set("tenant_id", "acme-corp").
		Set("purpose", "data-key-wrap").
		Set(ReservedPublicKeyField, "dGVzdA==")

	blob := ec.SerializeEncryptionContext()
	got, err := deserializeEncryptionContext(blob)
	if err != nil {
		t.Fatalf("deserializeEncryptionContext: %v", err)
	}

	if got.Len() != ec.Len() {
		t.Fatalf("round-tripped length = %d, want %d", got.Len(), ec.Len())
	}
	for _, k := range ec.sortedKeys() {
		want, _ := ec.Get(k)
		gotVal, ok := got.Get(k)
		if !ok || gotVal != want {
			t.Errorf("key %q round-tripped to (%q, %v), want %q", k, gotVal, ok, want)
		}
	}
}

func TestEncryptionContextEmptySerializesToNil(t *testing.T) {
	ec := NewEncryptionContext()
	if ec.CanonicalSerialize() != nil {
		t.Errorf("an empty encryption context should serialize to nil/empty")
	}
	var nilEC *EncryptionContext
	if nilEC.CanonicalSerialize() != nil {
		t.Errorf("a nil *EncryptionContext should serialize to nil")
	}
	if nilEC.Len() != 0 {
		t.Errorf("a nil *EncryptionContext should report Len() == 0")
	}
}

func TestDeserializeEncryptionContextTruncated(t *testing.T) {
	ec := NewEncryptionContext().Set("k", "v")
	blob := ec.CanonicalSerialize()

	_, err := deserializeEncryptionContext(blob[:len(blob)-1])
	kind, ok := KindOf(err)
	if !ok || kind != ErrBadCiphertext {
		t.Fatalf("expected BadCiphertext on truncated record, got %v", err)
	}
}

func TestEncryptionContextClone(t *testing.T) {
	ec := NewEncryptionContext().Set("a", "1")
	clone := ec.Clone()
	clone.Set("b", "2")

	if ec.Len() != 1 {
		t.Errorf("mutating a clone must not affect the original")
	}
	if clone.Len() != 2 {
		t.Errorf("clone should carry the new key in addition to the original's")
	}
}
