/*
 * Copyright (c) 2024 Johan Stenstam, johani@johani.org
 */
package zone

import (
	"encoding/hex"
	"testing"
)

func TestGenerateNsec3SaltLength(t *testing.T) {
	salt, err := GenerateNsec3Salt(8)
	if err != nil {
		t.Fatalf("GenerateNsec3Salt: %v", err)
	}
	b, err := hex.DecodeString(salt)
	if err != nil {
		t.Fatalf("salt is not valid hex: %v", err)
	}
	if len(b) != 8 {
		t.Errorf("expected 8 raw bytes, got %d", len(b))
	}
}

func TestGenerateNsec3SaltZeroIsEmpty(t *testing.T) {
	salt, err := GenerateNsec3Salt(0)
	if err != nil {
		t.Fatalf("GenerateNsec3Salt(0): %v", err)
	}
	if salt != "" {
		t.Errorf("expected empty salt for numBytes=0, got %q", salt)
	}
}

func TestGenerateNsec3SaltRejectsOutOfRange(t *testing.T) {
	if _, err := GenerateNsec3Salt(maxNsec3SaltBytes + 1); err == nil {
		t.Errorf("expected salt length above the maximum to be rejected")
	}
	if _, err := GenerateNsec3Salt(-1); err == nil {
		t.Errorf("expected a negative salt length to be rejected")
	}
}

func TestSeededRandIntnBounded(t *testing.T) {
	r := newSeededRand()
	for i := 0; i < 100; i++ {
		v := r.Intn(61)
		if v < 0 || v >= 61 {
			t.Fatalf("Intn(61) returned out-of-range value %d", v)
		}
	}
}
