package bs58

import (
	"bytes"
	"testing"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []struct {
		name string
		in   []byte
	}{
		{"empty", []byte{}},
		{"single-zero", []byte{0}},
		{"leading-zeros", []byte{0, 0, 1, 2, 3}},
		{"32-byte-pubkey", bytes.Repeat([]byte{0xAB}, 32)},
		{"all-zero-32", make([]byte, 32)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			enc := Encode(c.in)
			dec, err := Decode(enc)
			if err != nil {
				t.Fatalf("Decode returned error: %v", err)
			}
			if !bytes.Equal(dec, c.in) {
				t.Fatalf("round trip mismatch: got %x, want %x", dec, c.in)
			}
		})
	}
}

func TestDecodeKnownVector(t *testing.T) {
	// "1" decodes to a single zero byte.
	got, err := Decode("1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !bytes.Equal(got, []byte{0}) {
		t.Fatalf("got %x, want [0]", got)
	}
}

func TestDecodeInvalidChar(t *testing.T) {
	if _, err := Decode("0OIl"); err != ErrInvalidChar {
		t.Fatalf("expected ErrInvalidChar, got %v", err)
	}
}
