package audit

import (
	"bytes"
	"errors"
	"testing"

	"github.com/wardenlabs/warden/pkg/crypto"
)

func TestDeriveKeyring(t *testing.T) {
	master := bytes.Repeat([]byte{'m'}, 32)

	kr, err := DeriveKeyring(master, "key-1")
	if err != nil {
		t.Fatalf("DeriveKeyring failed: %v", err)
	}
	id, key := kr.Active()
	if id != "key-1" {
		t.Errorf("active id = %s, want key-1", id)
	}
	if bytes.Equal(key, master) {
		t.Error("derived key equals the master secret")
	}

	again, err := DeriveKeyring(master, "key-1")
	if err != nil {
		t.Fatalf("DeriveKeyring failed: %v", err)
	}
	if _, key2 := again.Active(); !bytes.Equal(key, key2) {
		t.Error("derivation is not deterministic for the same master and id")
	}

	other, err := DeriveKeyring(master, "key-2")
	if err != nil {
		t.Fatalf("DeriveKeyring failed: %v", err)
	}
	if _, key3 := other.Active(); bytes.Equal(key, key3) {
		t.Error("different key ids derived the same key")
	}

	if _, err := DeriveKeyring([]byte("short"), "key-1"); !errors.Is(err, crypto.ErrKeyTooShort) {
		t.Errorf("short master: err = %v, want ErrKeyTooShort", err)
	}
}
