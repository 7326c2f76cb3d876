// Package fixed implements the signed 128-bit fixed-point number format
// used for all balance, index and price math in the margin core: 80 integer
// bits and 48 fractional bits, little-endian two's complement on the wire.
//
// Every checked operation fails with ErrArithmetic on overflow instead of
// saturating. A saturated balance could hide an insolvent account.
package fixed

import (
	"errors"
	"fmt"
	"math/big"
)

// FracBits is the number of fractional bits.
const FracBits = 48

var ErrArithmetic = errors.New("fixed-point arithmetic overflow")

var (
	oneRaw    = new(big.Int).Lsh(big.NewInt(1), FracBits)
	rawMax    = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 127), big.NewInt(1))
	rawMin    = new(big.Int).Neg(new(big.Int).Lsh(big.NewInt(1), 127))
	twoPow128 = new(big.Int).Lsh(big.NewInt(1), 128)
)

// I80F48 is an immutable fixed-point value. The zero value is 0.
type I80F48 struct {
	raw *big.Int
}

func (x I80F48) bigraw() *big.Int {
	if x.raw == nil {
		return new(big.Int)
	}
	return x.raw
}

func fromRawChecked(raw *big.Int) (I80F48, error) {
	if raw.Cmp(rawMax) > 0 || raw.Cmp(rawMin) < 0 {
		return I80F48{}, fmt.Errorf("%w: raw value out of i128 range", ErrArithmetic)
	}
	return I80F48{raw: raw}, nil
}

// Zero returns 0.
func Zero() I80F48 { return I80F48{} }

// One returns 1.
func One() I80F48 { return I80F48{raw: new(big.Int).Set(oneRaw)} }

// FromInt64 converts an integer amount.
func FromInt64(v int64) I80F48 {
	return I80F48{raw: new(big.Int).Lsh(big.NewInt(v), FracBits)}
}

// FromUint64 converts a native token amount.
func FromUint64(v uint64) I80F48 {
	return I80F48{raw: new(big.Int).Lsh(new(big.Int).SetUint64(v), FracBits)}
}

// FromFraction returns num/den, e.g. FromFraction(9, 10) for a 0.9 weight.
// It panics on a zero denominator; callers pass literal denominators.
func FromFraction(num, den int64) I80F48 {
	if den == 0 {
		panic("fixed: zero denominator")
	}
	raw := new(big.Int).Lsh(big.NewInt(num), FracBits)
	raw.Quo(raw, big.NewInt(den))
	return I80F48{raw: raw}
}

// FromRawBig wraps a raw i128 value (already scaled by 2^48).
func FromRawBig(raw *big.Int) (I80F48, error) {
	return fromRawChecked(new(big.Int).Set(raw))
}

// RawBig returns a copy of the raw scaled value.
func (x I80F48) RawBig() *big.Int { return new(big.Int).Set(x.bigraw()) }

// Add returns x + y.
func (x I80F48) Add(y I80F48) (I80F48, error) {
	return fromRawChecked(new(big.Int).Add(x.bigraw(), y.bigraw()))
}

// Sub returns x - y.
func (x I80F48) Sub(y I80F48) (I80F48, error) {
	return fromRawChecked(new(big.Int).Sub(x.bigraw(), y.bigraw()))
}

// Mul returns x * y, rounding the result toward negative infinity.
func (x I80F48) Mul(y I80F48) (I80F48, error) {
	raw := new(big.Int).Mul(x.bigraw(), y.bigraw())
	raw.Rsh(raw, FracBits)
	return fromRawChecked(raw)
}

// Div returns x / y, truncating toward zero. Division by zero fails with
// ErrArithmetic.
func (x I80F48) Div(y I80F48) (I80F48, error) {
	if y.IsZero() {
		return I80F48{}, fmt.Errorf("%w: division by zero", ErrArithmetic)
	}
	raw := new(big.Int).Lsh(x.bigraw(), FracBits)
	raw.Quo(raw, y.bigraw())
	return fromRawChecked(raw)
}

// Neg returns -x.
func (x I80F48) Neg() (I80F48, error) {
	return fromRawChecked(new(big.Int).Neg(x.bigraw()))
}

// Abs returns |x|.
func (x I80F48) Abs() (I80F48, error) {
	if x.Sign() >= 0 {
		return x, nil
	}
	return x.Neg()
}

// Cmp compares x and y: -1 if x < y, 0 if equal, +1 if x > y.
func (x I80F48) Cmp(y I80F48) int { return x.bigraw().Cmp(y.bigraw()) }

// Sign reports the sign of x: -1, 0 or +1.
func (x I80F48) Sign() int { return x.bigraw().Sign() }

// IsZero reports whether x == 0.
func (x I80F48) IsZero() bool { return x.bigraw().Sign() == 0 }

// IsNeg reports whether x < 0.
func (x I80F48) IsNeg() bool { return x.bigraw().Sign() < 0 }

// Min returns the smaller of x and y.
func Min(x, y I80F48) I80F48 {
	if x.Cmp(y) <= 0 {
		return x
	}
	return y
}

// Max returns the larger of x and y.
func Max(x, y I80F48) I80F48 {
	if x.Cmp(y) >= 0 {
		return x
	}
	return y
}

// FloorInt64 returns the largest integer <= x. Fails with ErrArithmetic if
// the result does not fit in an int64.
func (x I80F48) FloorInt64() (int64, error) {
	raw := new(big.Int).Rsh(x.bigraw(), FracBits)
	if !raw.IsInt64() {
		return 0, fmt.Errorf("%w: floor does not fit int64", ErrArithmetic)
	}
	return raw.Int64(), nil
}

// FloorUint64 returns floor(x) as a native amount. Negative values and
// values above the uint64 range fail with ErrArithmetic.
func (x I80F48) FloorUint64() (uint64, error) {
	if x.IsNeg() {
		return 0, fmt.Errorf("%w: negative native amount", ErrArithmetic)
	}
	raw := new(big.Int).Rsh(x.bigraw(), FracBits)
	if !raw.IsUint64() {
		return 0, fmt.Errorf("%w: floor does not fit uint64", ErrArithmetic)
	}
	return raw.Uint64(), nil
}

// CeilUint64 returns ceil(x) as a native amount. Negative values and
// values above the uint64 range fail with ErrArithmetic.
func (x I80F48) CeilUint64() (uint64, error) {
	if x.IsNeg() {
		return 0, fmt.Errorf("%w: negative native amount", ErrArithmetic)
	}
	raw := new(big.Int).Rsh(x.bigraw(), FracBits)
	if new(big.Int).Lsh(raw, FracBits).Cmp(x.bigraw()) != 0 {
		raw.Add(raw, big.NewInt(1))
	}
	if !raw.IsUint64() {
		return 0, fmt.Errorf("%w: ceil does not fit uint64", ErrArithmetic)
	}
	return raw.Uint64(), nil
}

// MarshalBinary renders the raw value as 16 little-endian bytes in two's
// complement, the layout stored records use.
func (x I80F48) MarshalBinary() [16]byte {
	raw := new(big.Int).Set(x.bigraw())
	if raw.Sign() < 0 {
		raw.Add(raw, twoPow128)
	}
	var out [16]byte
	rawBytes := raw.Bytes() // big-endian
	for i := 0; i < len(rawBytes); i++ {
		out[i] = rawBytes[len(rawBytes)-1-i]
	}
	return out
}

// UnmarshalBinary parses 16 little-endian two's-complement bytes.
func UnmarshalBinary(data [16]byte) I80F48 {
	beBytes := make([]byte, 16)
	for i := 0; i < 16; i++ {
		beBytes[i] = data[15-i]
	}
	raw := new(big.Int).SetBytes(beBytes)
	if data[15]&0x80 != 0 {
		raw.Sub(raw, twoPow128)
	}
	return I80F48{raw: raw}
}

// String renders the value with up to 12 fractional decimal digits.
func (x I80F48) String() string {
	rat := new(big.Rat).SetFrac(x.bigraw(), oneRaw)
	return rat.FloatString(12)
}
