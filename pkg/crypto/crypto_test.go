package crypto

import (
	"errors"
	"sort"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestSHA256Hex(t *testing.T) {
	// Known vectors.
	if got := SHA256Hex(nil); got != "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855" {
		t.Errorf("empty input: got %s", got)
	}
	if got := SHA256Hex([]byte("abc")); got != "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad" {
		t.Errorf("abc: got %s", got)
	}
}

func TestHMACSHA256Hex(t *testing.T) {
	// RFC 4231 test case 2.
	got := HMACSHA256Hex([]byte("Jefe"), []byte("what do ya want for nothing?"))
	want := "5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843"
	if got != want {
		t.Errorf("got %s, want %s", got, want)
	}

	if HMACSHA256Hex([]byte("key-a"), []byte("data")) == HMACSHA256Hex([]byte("key-b"), []byte("data")) {
		t.Error("different keys should produce different MACs")
	}
}

func TestConstantTimeEqual(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"", "", true},
		{"secret", "secret", true},
		{"secret", "Secret", false},
		{"secret", "secrets", false},
		{"short", "a much longer value", false},
	}
	for _, tc := range cases {
		if got := ConstantTimeEqual(tc.a, tc.b); got != tc.want {
			t.Errorf("ConstantTimeEqual(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestRandomHex(t *testing.T) {
	s, err := RandomHex(32)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if len(s) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(s))
	}
	if strings.ToLower(s) != s {
		t.Error("expected lowercase hex")
	}

	other, err := RandomHex(32)
	if err != nil {
		t.Fatalf("RandomHex failed: %v", err)
	}
	if s == other {
		t.Error("two draws should not collide")
	}

	if _, err := RandomHex(0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
	if _, err := RandomHex(-4); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
}

func TestNewID(t *testing.T) {
	ids := make([]string, 0, 100)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewID()
		parsed, err := uuid.Parse(id)
		if err != nil {
			t.Fatalf("NewID produced unparseable uuid %q: %v", id, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected version 7, got %d", parsed.Version())
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		ids = append(ids, id)
	}

	// v7 IDs generated in sequence sort in generation order.
	if !sort.StringsAreSorted(ids) {
		t.Error("sequential v7 ids should be lexicographically ordered")
	}
}

func TestDeriveKey(t *testing.T) {
	master := []byte("0123456789abcdef0123456789abcdef")

	k1, err := DeriveKey(master, "audit-key-2", 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if len(k1) != 32 {
		t.Errorf("expected 32 bytes, got %d", len(k1))
	}

	k2, err := DeriveKey(master, "audit-key-2", 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if string(k1) != string(k2) {
		t.Error("derivation should be deterministic")
	}

	k3, err := DeriveKey(master, "audit-key-3", 32)
	if err != nil {
		t.Fatalf("DeriveKey failed: %v", err)
	}
	if string(k1) == string(k3) {
		t.Error("distinct info strings should yield distinct keys")
	}

	if _, err := DeriveKey([]byte("too short"), "x", 32); !errors.Is(err, ErrKeyTooShort) {
		t.Errorf("expected ErrKeyTooShort, got %v", err)
	}
	if _, err := DeriveKey(master, "x", 0); !errors.Is(err, ErrInvalidLength) {
		t.Errorf("expected ErrInvalidLength, got %v", err)
	}
}
