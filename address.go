package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
)

// addressToScript returns the P2PKH scriptPubKey for a legacy base58check
// address. CashAddr inputs are translated to their legacy form first.
// Bech32/bech32m destinations are not handled here; scriptForPayoutAddress
// resolves them through btcutil for the pool's own payout address.
func addressToScript(addr string) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("empty address")
	}
	if isCashAddr(addr) {
		legacy, err := cashAddrToLegacy(addr)
		if err != nil {
			return nil, fmt.Errorf("cashaddr: %w", err)
		}
		addr = legacy
	}

	decoded := base58.Decode(addr)
	if len(decoded) == 0 {
		return nil, fmt.Errorf("base58 decode failed for %q", addr)
	}
	if len(decoded) != 25 {
		return nil, fmt.Errorf("invalid address length %d (expected 25)", len(decoded))
	}
	if _, _, err := base58.CheckDecode(addr); err != nil {
		return nil, fmt.Errorf("address checksum: %w", err)
	}
	hash160 := decoded[1:21]

	script := make([]byte, 0, 25)
	script = append(script, 0x76, 0xa9, 0x14)
	script = append(script, hash160...)
	script = append(script, 0x88, 0xac)
	return script, nil
}

// pubkeyToScript builds the P2PK script used by POS coins whose coinbase
// pays a raw public key.
func pubkeyToScript(pubkeyHex string) ([]byte, error) {
	if len(pubkeyHex) != 66 {
		return nil, fmt.Errorf("invalid pubkey hex length %d (expected 66)", len(pubkeyHex))
	}
	script := make([]byte, 35)
	script[0] = 0x21
	if err := decodeHexInto(script[1:34], pubkeyHex); err != nil {
		return nil, fmt.Errorf("decode pubkey: %w", err)
	}
	script[34] = 0xac
	return script, nil
}

// scriptForPayoutAddress resolves the pool's own reward address, accepting
// base58 and segwit destinations for the configured network.
func scriptForPayoutAddress(addr string, params *chaincfg.Params) ([]byte, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" || params == nil {
		return nil, errors.New("empty address")
	}
	if isCashAddr(addr) {
		return addressToScript(addr)
	}
	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		// Fall back to the plain base58check path for coins whose version
		// bytes btcd does not know about.
		return addressToScript(addr)
	}
	if !decoded.IsForNet(params) {
		return nil, fmt.Errorf("address %s is not valid for %s", addr, params.Name)
	}
	return txscript.PayToAddrScript(decoded)
}

const cashAddrCharset = "qpzry9x8gf2tvdw0s3jn54khce6mua7l"

func isCashAddr(addr string) bool {
	hasPrefix := false
	if i := strings.IndexByte(addr, ':'); i > 0 {
		addr = addr[i+1:]
		hasPrefix = true
	}
	if len(addr) < 14 {
		return false
	}
	lower := strings.ToLower(addr)
	if lower != addr && strings.ToUpper(addr) != addr {
		return false
	}
	for i := 0; i < len(lower); i++ {
		if !strings.ContainsRune(cashAddrCharset, rune(lower[i])) {
			return false
		}
	}
	// Require the explicit prefix or the typical 42-char payload length so
	// plain base58 addresses never match.
	return hasPrefix || len(lower) == 42
}

// cashAddrToLegacy decodes a CashAddr string and re-encodes the embedded
// hash160 as a legacy base58check address.
func cashAddrToLegacy(addr string) (string, error) {
	prefix := "bitcoincash"
	payload := addr
	if i := strings.IndexByte(addr, ':'); i >= 0 {
		prefix = strings.ToLower(addr[:i])
		payload = addr[i+1:]
	}
	payload = strings.ToLower(payload)

	data := make([]byte, len(payload))
	for i := 0; i < len(payload); i++ {
		v := strings.IndexByte(cashAddrCharset, payload[i])
		if v < 0 {
			return "", fmt.Errorf("invalid cashaddr character %q", payload[i])
		}
		data[i] = byte(v)
	}
	if cashAddrPolymod(append(cashAddrPrefixExpand(prefix), data...)) != 0 {
		return "", errors.New("invalid cashaddr checksum")
	}
	if len(data) < 8 {
		return "", errors.New("cashaddr payload too short")
	}
	conv, err := convertBits(data[:len(data)-8], 5, 8, false)
	if err != nil {
		return "", err
	}
	if len(conv) != 21 {
		return "", fmt.Errorf("unexpected cashaddr payload length %d", len(conv))
	}
	versionByte := conv[0]
	hash160 := conv[1:21]

	var legacyVersion byte
	switch versionByte >> 3 {
	case 0: // P2PKH
		legacyVersion = 0x00
	case 1: // P2SH
		legacyVersion = 0x05
	default:
		return "", fmt.Errorf("unsupported cashaddr type %d", versionByte>>3)
	}
	return base58.CheckEncode(hash160, legacyVersion), nil
}

func cashAddrPrefixExpand(prefix string) []byte {
	out := make([]byte, 0, len(prefix)+1)
	for i := 0; i < len(prefix); i++ {
		out = append(out, prefix[i]&0x1f)
	}
	return append(out, 0)
}

func cashAddrPolymod(values []byte) uint64 {
	c := uint64(1)
	for _, d := range values {
		c0 := byte(c >> 35)
		c = ((c & 0x07ffffffff) << 5) ^ uint64(d)
		if c0&0x01 != 0 {
			c ^= 0x98f2bc8e61
		}
		if c0&0x02 != 0 {
			c ^= 0x79b76d99e2
		}
		if c0&0x04 != 0 {
			c ^= 0xf33e5fb3c4
		}
		if c0&0x08 != 0 {
			c ^= 0xae2eabe2a8
		}
		if c0&0x10 != 0 {
			c ^= 0x1e4f43e470
		}
	}
	return c ^ 1
}

func convertBits(data []byte, fromBits, toBits uint, pad bool) ([]byte, error) {
	var acc uint32
	var bits uint
	out := make([]byte, 0, len(data)*int(fromBits)/int(toBits)+1)
	maxv := uint32(1)<<toBits - 1
	for _, v := range data {
		if uint32(v)>>fromBits != 0 {
			return nil, fmt.Errorf("invalid data range %d", v)
		}
		acc = acc<<fromBits | uint32(v)
		bits += fromBits
		for bits >= toBits {
			bits -= toBits
			out = append(out, byte(acc>>bits&maxv))
		}
	}
	if pad {
		if bits > 0 {
			out = append(out, byte(acc<<(toBits-bits)&maxv))
		}
	} else if bits >= fromBits || acc<<(toBits-bits)&maxv != 0 {
		return nil, errors.New("invalid incomplete group")
	}
	return out, nil
}

func decodeHexInto(dst []byte, src string) error {
	if len(src) != len(dst)*2 {
		return fmt.Errorf("expected %d hex characters, got %d", len(dst)*2, len(src))
	}
	for i := range dst {
		hi, ok1 := hexNibble(src[i*2])
		lo, ok2 := hexNibble(src[i*2+1])
		if !ok1 || !ok2 {
			return fmt.Errorf("invalid hex digit")
		}
		dst[i] = hi<<4 | lo
	}
	return nil
}

func hexNibble(c byte) (byte, bool) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', true
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, true
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, true
	}
	return 0, false
}
