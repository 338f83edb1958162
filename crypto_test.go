package desfire

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustHex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex literal %q: %v", s, err)
	}
	return b
}

// TestAESCMACRFC4493Vectors checks AlgAES.CMAC against the published
// RFC 4493 §4 test vectors (the NIST SP 800-38B OMAC1 reference
// implementation AES-CMAC is built on).
func TestAESCMACRFC4493Vectors(t *testing.T) {
	key := mustHex(t, "2b7e151628aed2a6abf7158809cf4f3c")

	cases := []struct {
		name string
		msg  string
		want string
	}{
		{"empty message", "", "bb1d6929e95937287fa37d129b756746"},
		{"one block", "6bc1bee22e409f96e93d7e117393172a", "070a16b46b4d4144f79bdd9dd04a287c"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg := mustHex(t, tc.msg)
			want := mustHex(t, tc.want)
			got, err := AlgAES.CMAC(key, msg)
			if err != nil {
				t.Fatalf("CMAC returned error: %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Fatalf("CMAC(%q) = %X, want %X", tc.msg, got, want)
			}
		})
	}
}

func TestTruncateOddBytesExtractsEveryOtherByte(t *testing.T) {
	cmac := make([]byte, 16)
	for i := range cmac {
		cmac[i] = byte(i)
	}
	got := truncateOddBytes(cmac)
	want := []byte{1, 3, 5, 7, 9, 11, 13, 15}
	if !bytes.Equal(got, want) {
		t.Fatalf("truncateOddBytes = % X, want % X", got, want)
	}
}

func TestRotateLeftRight1RoundTrip(t *testing.T) {
	in := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	rotated := rotateLeft1(in)
	want := []byte{2, 3, 4, 5, 6, 7, 8, 1}
	if !bytes.Equal(rotated, want) {
		t.Fatalf("rotateLeft1 = % X, want % X", rotated, want)
	}
	back := rotateRight1(rotated)
	if !bytes.Equal(back, in) {
		t.Fatalf("rotateRight1(rotateLeft1(x)) = % X, want % X", back, in)
	}
}

func TestRotateOnEmptySlice(t *testing.T) {
	if got := rotateLeft1(nil); len(got) != 0 {
		t.Fatalf("rotateLeft1(nil) = %v, want empty", got)
	}
	if got := rotateRight1(nil); len(got) != 0 {
		t.Fatalf("rotateRight1(nil) = %v, want empty", got)
	}
}

func TestPadISO9797M2RoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07},
		{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08},
	}
	for _, data := range cases {
		padded := padISO9797M2(data, 8)
		if len(padded)%8 != 0 {
			t.Fatalf("padISO9797M2(%v) length %d not a multiple of 8", data, len(padded))
		}
		unpadded, err := unpadISO9797M2(padded)
		if err != nil {
			t.Fatalf("unpadISO9797M2 failed: %v", err)
		}
		if !bytes.Equal(unpadded, data) {
			t.Fatalf("round trip: got %X, want %X", unpadded, data)
		}
	}
}

func TestUnpadISO9797M2RejectsMissingMarker(t *testing.T) {
	if _, err := unpadISO9797M2([]byte{0x00, 0x00, 0x00, 0x00}); err == nil {
		t.Fatal("expected error for all-zero block with no 0x80 marker")
	}
}

func TestAlgorithmKeyAndBlockLengths(t *testing.T) {
	cases := []struct {
		alg      Algorithm
		keyLen   int
		blockLen int
	}{
		{AlgDES, 8, 8},
		{Alg2TDEA, 16, 8},
		{Alg3TDEA, 24, 8},
		{AlgAES, 16, 16},
	}
	for _, tc := range cases {
		if got := tc.alg.KeyLen(); got != tc.keyLen {
			t.Errorf("%s.KeyLen() = %d, want %d", tc.alg, got, tc.keyLen)
		}
		if got := tc.alg.BlockLen(); got != tc.blockLen {
			t.Errorf("%s.BlockLen() = %d, want %d", tc.alg, got, tc.blockLen)
		}
	}
}

func TestCmacRbDependsOnBlockLength(t *testing.T) {
	if AlgAES.cmacRb() != 0x87 {
		t.Errorf("AlgAES.cmacRb() = %#x, want 0x87", AlgAES.cmacRb())
	}
	if AlgDES.cmacRb() != 0x1B {
		t.Errorf("AlgDES.cmacRb() = %#x, want 0x1B", AlgDES.cmacRb())
	}
}

func TestEncryptDecryptCBCRoundTrip(t *testing.T) {
	key := make([]byte, 16)
	iv := make([]byte, 16)
	data := mustHex(t, "00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	enc, err := AlgAES.EncryptCBC(key, iv, data)
	if err != nil {
		t.Fatalf("EncryptCBC failed: %v", err)
	}
	dec, err := AlgAES.DecryptCBC(key, iv, enc)
	if err != nil {
		t.Fatalf("DecryptCBC failed: %v", err)
	}
	if !bytes.Equal(dec, data) {
		t.Fatalf("round trip mismatch: got %X, want %X", dec, data)
	}
}

func TestDESFamilyBlockExpansion(t *testing.T) {
	// A DES key doubled into a 2TDEA-shaped key must decrypt what the
	// plain DES algorithm encrypted, since Algorithm.block expands both
	// to the same effective 24-byte 3DES key.
	desKey := mustHex(t, "0123456789abcdef")
	tdeaKey := append(append([]byte(nil), desKey...), desKey...)

	plain := mustHex(t, "0011223344556677")
	iv := make([]byte, 8)
	encDES, err := AlgDES.EncryptCBC(desKey, iv, plain)
	if err != nil {
		t.Fatalf("DES encrypt failed: %v", err)
	}
	dec2TDEA, err := Alg2TDEA.DecryptCBC(tdeaKey, iv, encDES)
	if err != nil {
		t.Fatalf("2TDEA decrypt failed: %v", err)
	}
	if !bytes.Equal(dec2TDEA, plain) {
		t.Fatalf("cross-algorithm round trip mismatch: got %X, want %X", dec2TDEA, plain)
	}
}
