package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"slices"
)

// putVarInt encodes v into dst using Bitcoin compact-size encoding and
// returns the number of bytes written.
func putVarInt(dst *[9]byte, v uint64) int {
	switch {
	case v < 0xfd:
		dst[0] = byte(v)
		return 1
	case v <= 0xffff:
		dst[0] = 0xfd
		binary.LittleEndian.PutUint16(dst[1:3], uint16(v))
		return 3
	case v <= 0xffffffff:
		dst[0] = 0xfe
		binary.LittleEndian.PutUint32(dst[1:5], uint32(v))
		return 5
	default:
		dst[0] = 0xff
		binary.LittleEndian.PutUint64(dst[1:9], v)
		return 9
	}
}

func writeVarInt(buf *bytes.Buffer, v uint64) {
	var tmp [9]byte
	n := putVarInt(&tmp, v)
	buf.Write(tmp[:n])
}

func varIntBytes(v uint64) []byte {
	var tmp [9]byte
	n := putVarInt(&tmp, v)
	return append([]byte(nil), tmp[:n]...)
}

func readVarInt(raw []byte) (uint64, int, error) {
	if len(raw) == 0 {
		return 0, 0, fmt.Errorf("varint empty")
	}
	switch raw[0] {
	case 0xff:
		if len(raw) < 9 {
			return 0, 0, fmt.Errorf("varint 0xff missing bytes")
		}
		return binary.LittleEndian.Uint64(raw[1:9]), 9, nil
	case 0xfe:
		if len(raw) < 5 {
			return 0, 0, fmt.Errorf("varint 0xfe missing bytes")
		}
		return uint64(binary.LittleEndian.Uint32(raw[1:5])), 5, nil
	case 0xfd:
		if len(raw) < 3 {
			return 0, 0, fmt.Errorf("varint 0xfd missing bytes")
		}
		return uint64(binary.LittleEndian.Uint16(raw[1:3])), 3, nil
	default:
		return uint64(raw[0]), 1, nil
	}
}

// varStringBytes encodes s as var_int(len) followed by the raw bytes.
func varStringBytes(s string) []byte {
	out := varIntBytes(uint64(len(s)))
	return append(out, s...)
}

// serializeNumberScript encodes n the way coinbase scriptSigs expect
// (BIP34 heights, timestamps): OP_1..OP_16 for small values, otherwise a
// minimal little-endian push with a single length byte.
func serializeNumberScript(n int64) ([]byte, error) {
	if n < 0 {
		return nil, fmt.Errorf("cannot serialize negative script number %d", n)
	}
	if n >= 1 && n <= 16 {
		return []byte{byte(0x50 + n)}, nil
	}
	l := 1
	var buf [9]byte
	for n > 0x7f {
		buf[l] = byte(n & 0xff)
		l++
		n >>= 8
	}
	buf[0] = byte(l)
	buf[l] = byte(n)
	return append([]byte(nil), buf[:l+1]...), nil
}

// serializeStringScript pushes s with a compact length prefix.
func serializeStringScript(s string) []byte {
	b := []byte(s)
	if len(b) < 253 {
		return append([]byte{byte(len(b))}, b...)
	}
	out := varIntBytes(uint64(len(b)))
	return append(out, b...)
}

func reverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

// reverseU32Words byte-swaps each aligned 32-bit word in place, the legacy
// Stratum previous-hash layout. The input length must be a multiple of 4.
func reverseU32Words(in []byte) []byte {
	out := append([]byte(nil), in...)
	for i := 0; i+4 <= len(out); i += 4 {
		out[i], out[i+3] = out[i+3], out[i]
		out[i+1], out[i+2] = out[i+2], out[i+1]
	}
	return out
}

func reverseHex(src string) (string, error) {
	b, err := hex.DecodeString(src)
	if err != nil {
		return "", fmt.Errorf("reverse hex: %w", err)
	}
	return hex.EncodeToString(reverseBytes(b)), nil
}

// uint256BytesFromHashHex right-pads the hex to 32 bytes and reverses the
// byte order, producing the internal uint256 layout for tx and block hashes.
func uint256BytesFromHashHex(hexStr string) ([]byte, error) {
	raw, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("decode hash hex: %w", err)
	}
	if len(raw) > 32 {
		return nil, fmt.Errorf("hash exceeds 32 bytes: %d", len(raw))
	}
	var buf [32]byte
	copy(buf[:], raw)
	return reverseBytes(buf[:]), nil
}

func parseUint32BEHex(hexStr string) (uint32, error) {
	if len(hexStr) != 8 {
		return 0, fmt.Errorf("expected 8 hex characters, got %d", len(hexStr))
	}
	var buf [4]byte
	if _, err := hex.Decode(buf[:], []byte(hexStr)); err != nil {
		return 0, fmt.Errorf("invalid hex in %q", hexStr)
	}
	return binary.BigEndian.Uint32(buf[:]), nil
}

func uint32ToBEHex(v uint32) string {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], v)
	return hex.EncodeToString(buf[:])
}

func int32ToBEHex(v int32) string {
	return uint32ToBEHex(uint32(v))
}

func isHexString(s string) bool {
	return len(s)%2 == 0 && isHexDigits(s)
}

// isHexDigits accepts odd-width hex as well; job IDs are 1..4 nibbles.
func isHexDigits(s string) bool {
	if len(s) == 0 {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') && (c < 'A' || c > 'F') {
			return false
		}
	}
	return true
}
