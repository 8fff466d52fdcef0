package main

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestVarIntBoundaries(t *testing.T) {
	tests := []struct {
		v    uint64
		want []byte
	}{
		{0x00, []byte{0x00}},
		{0xfc, []byte{0xfc}},
		{0xfd, []byte{0xfd, 0xfd, 0x00}},
		{0xffff, []byte{0xfd, 0xff, 0xff}},
		{0x10000, []byte{0xfe, 0x00, 0x00, 0x01, 0x00}},
		{0xffffffff, []byte{0xfe, 0xff, 0xff, 0xff, 0xff}},
		{0x100000000, []byte{0xff, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}},
	}
	for _, tc := range tests {
		got := varIntBytes(tc.v)
		if !bytes.Equal(got, tc.want) {
			t.Errorf("varIntBytes(%#x) = %x, want %x", tc.v, got, tc.want)
		}
		// Round-trip through the reader.
		val, n, err := readVarInt(got)
		if err != nil || val != tc.v || n != len(tc.want) {
			t.Errorf("readVarInt(%x) = (%d, %d, %v), want (%d, %d, nil)", got, val, n, err, tc.v, len(tc.want))
		}
	}
}

func TestSerializeNumberScript(t *testing.T) {
	tests := []struct {
		n    int64
		want []byte
	}{
		{1, []byte{0x51}},
		{10, []byte{0x5a}},
		{16, []byte{0x60}},
		{17, []byte{0x01, 0x11}},
		{0x100, []byte{0x02, 0x00, 0x01}},
	}
	for _, tc := range tests {
		got, err := serializeNumberScript(tc.n)
		if err != nil {
			t.Fatalf("serializeNumberScript(%d) error: %v", tc.n, err)
		}
		if !bytes.Equal(got, tc.want) {
			t.Errorf("serializeNumberScript(%d) = %x, want %x", tc.n, got, tc.want)
		}
	}
	if _, err := serializeNumberScript(-1); err == nil {
		t.Error("expected error for negative script number")
	}
}

func TestVarStringBytes(t *testing.T) {
	got := varStringBytes("abc")
	want := []byte{0x03, 'a', 'b', 'c'}
	if !bytes.Equal(got, want) {
		t.Errorf("varStringBytes = %x, want %x", got, want)
	}
}

func TestReverseHelpers(t *testing.T) {
	in := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}
	if got := reverseBytes(in); !bytes.Equal(got, []byte{8, 7, 6, 5, 4, 3, 2, 1}) {
		t.Errorf("reverseBytes = %x", got)
	}
	if got := reverseU32Words(in); !bytes.Equal(got, []byte{4, 3, 2, 1, 8, 7, 6, 5}) {
		t.Errorf("reverseU32Words = %x", got)
	}
	rev, err := reverseHex("01020304")
	if err != nil || rev != "04030201" {
		t.Errorf("reverseHex = %q, %v", rev, err)
	}
}

func TestUint256BytesFromHashHex(t *testing.T) {
	got, err := uint256BytesFromHashHex("01ff")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 32 {
		t.Fatalf("expected 32 bytes, got %d", len(got))
	}
	// Right-padded to 32 bytes then reversed: the 0xff lands at index 30.
	if got[31] != 0x01 || got[30] != 0xff || got[0] != 0x00 {
		t.Errorf("unexpected layout: %s", hex.EncodeToString(got))
	}
}

func TestParseUint32BEHex(t *testing.T) {
	v, err := parseUint32BEHex("20000000")
	if err != nil || v != 0x20000000 {
		t.Errorf("parseUint32BEHex = %#x, %v", v, err)
	}
	if _, err := parseUint32BEHex("zzzzzzzz"); err == nil {
		t.Error("expected error for invalid hex")
	}
	if _, err := parseUint32BEHex("123"); err == nil {
		t.Error("expected error for short hex")
	}
	if got := uint32ToBEHex(0x1d00ffff); got != "1d00ffff" {
		t.Errorf("uint32ToBEHex = %q", got)
	}
}

func TestIsHexString(t *testing.T) {
	tests := []struct {
		s    string
		want bool
	}{
		{"00aaFF", true},
		{"", false},
		{"abc", false},
		{"zz", false},
	}
	for _, tc := range tests {
		if got := isHexString(tc.s); got != tc.want {
			t.Errorf("isHexString(%q) = %v, want %v", tc.s, got, tc.want)
		}
	}
}
