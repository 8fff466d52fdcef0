package main

import (
	"fmt"
	"math/big"
)

// Uint256 is the unsigned 256-bit integer used for targets and header-hash
// arithmetic. It wraps math/big so intermediate products and scaled
// divisions wider than 256 bits stay exact.
type Uint256 struct {
	n big.Int
}

var diff1Target = mustUint256Hex("00000000ffff0000000000000000000000000000000000000000000000000000")

func mustUint256Hex(s string) *Uint256 {
	u, err := Uint256FromHex(s)
	if err != nil {
		panic(err)
	}
	return u
}

func NewUint256(v uint64) *Uint256 {
	u := new(Uint256)
	u.n.SetUint64(v)
	return u
}

func Uint256FromDecimal(s string) (*Uint256, error) {
	u := new(Uint256)
	if _, ok := u.n.SetString(s, 10); !ok || u.n.Sign() < 0 {
		return nil, fmt.Errorf("invalid decimal uint256 %q", s)
	}
	return u, nil
}

func Uint256FromHex(s string) (*Uint256, error) {
	u := new(Uint256)
	if _, ok := u.n.SetString(s, 16); !ok || u.n.Sign() < 0 {
		return nil, fmt.Errorf("invalid hex uint256 %q", s)
	}
	return u, nil
}

func Uint256FromBytesBE(b []byte) *Uint256 {
	u := new(Uint256)
	u.n.SetBytes(b)
	return u
}

func Uint256FromBytesLE(b []byte) *Uint256 {
	return Uint256FromBytesBE(reverseBytes(b))
}

// BytesBE renders the value as a fixed-size big-endian buffer. size 0 means
// the minimal representation.
func (u *Uint256) BytesBE(size int) []byte {
	raw := u.n.Bytes()
	if size <= 0 {
		return raw
	}
	if len(raw) > size {
		raw = raw[len(raw)-size:]
	}
	out := make([]byte, size)
	copy(out[size-len(raw):], raw)
	return out
}

func (u *Uint256) BytesLE(size int) []byte {
	return reverseBytes(u.BytesBE(size))
}

func (u *Uint256) Hex() string {
	return u.n.Text(16)
}

func (u *Uint256) Uint64() uint64 { return u.n.Uint64() }

func (u *Uint256) Sign() int { return u.n.Sign() }

func (u *Uint256) Cmp(v *Uint256) int { return u.n.Cmp(&v.n) }

func (u *Uint256) Add(v *Uint256) *Uint256 {
	out := new(Uint256)
	out.n.Add(&u.n, &v.n)
	return out
}

func (u *Uint256) Sub(v *Uint256) *Uint256 {
	out := new(Uint256)
	out.n.Sub(&u.n, &v.n)
	return out
}

func (u *Uint256) Mul(v *Uint256) *Uint256 {
	out := new(Uint256)
	out.n.Mul(&u.n, &v.n)
	return out
}

func (u *Uint256) Div(v *Uint256) *Uint256 {
	out := new(Uint256)
	out.n.Quo(&u.n, &v.n)
	return out
}

func (u *Uint256) Mod(v *Uint256) *Uint256 {
	out := new(Uint256)
	out.n.Rem(&u.n, &v.n)
	return out
}

func (u *Uint256) Lsh(bits uint) *Uint256 {
	out := new(Uint256)
	out.n.Lsh(&u.n, bits)
	return out
}

func (u *Uint256) Rsh(bits uint) *Uint256 {
	out := new(Uint256)
	out.n.Rsh(&u.n, bits)
	return out
}

func (u *Uint256) Float64() float64 {
	f, _ := new(big.Float).SetInt(&u.n).Float64()
	return f
}

// targetFromCompactBits decodes the 4-byte compact representation into a
// full target.
func targetFromCompactBits(bits uint32) (*Uint256, error) {
	exp := bits >> 24
	mantissa := bits & 0x007fffff
	if bits&0x00800000 != 0 {
		return nil, fmt.Errorf("compact bits %08x has sign bit set", bits)
	}
	u := new(Uint256)
	u.n.SetUint64(uint64(mantissa))
	if exp <= 3 {
		u.n.Rsh(&u.n, 8*uint(3-exp))
	} else {
		u.n.Lsh(&u.n, 8*uint(exp-3))
	}
	return u, nil
}

func targetFromBitsHex(bits string) (*Uint256, error) {
	if len(bits) != 8 {
		return nil, fmt.Errorf("bits must be 8 hex characters, got %d", len(bits))
	}
	v, err := parseUint32BEHex(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	return targetFromCompactBits(v)
}

// targetToCompactBits is the canonical inverse of targetFromCompactBits:
// when the mantissa's high byte would read as a sign bit, the mantissa is
// shifted down and the exponent bumped.
func targetToCompactBits(target *Uint256) uint32 {
	raw := target.n.Bytes()
	size := len(raw)
	var mantissa uint32
	if size <= 3 {
		for _, b := range raw {
			mantissa = mantissa<<8 | uint32(b)
		}
		mantissa <<= 8 * uint(3-size)
	} else {
		mantissa = uint32(raw[0])<<16 | uint32(raw[1])<<8 | uint32(raw[2])
	}
	if mantissa&0x00800000 != 0 {
		mantissa >>= 8
		size++
	}
	return uint32(size)<<24 | mantissa
}

// difficultyFromTarget is the pool-difficulty view of a target: diff1/target.
func difficultyFromTarget(target *Uint256) float64 {
	if target.Sign() <= 0 {
		return 0
	}
	num := new(big.Float).SetPrec(256).SetInt(&diff1Target.n)
	den := new(big.Float).SetPrec(256).SetInt(&target.n)
	val, _ := num.Quo(num, den).Float64()
	return val
}

var shareScale = func() *Uint256 {
	u := NewUint256(10)
	out := NewUint256(1)
	for i := 0; i < defaultShareScaleDigits; i++ {
		out = out.Mul(u)
	}
	return out
}()

// shareDifficulty computes diff1/hash with defaultShareScaleDigits decimal
// digits of precision, scaling before the integer division and recovering a
// float at the end.
func shareDifficulty(headerHashLE []byte, multiplier uint64) float64 {
	h := Uint256FromBytesLE(headerHashLE)
	if h.Sign() <= 0 {
		return 0
	}
	scaled := diff1Target.Mul(shareScale)
	if multiplier > 1 {
		scaled = scaled.Mul(NewUint256(multiplier))
	}
	q := scaled.Div(h)
	return q.Float64() / 1e18
}
