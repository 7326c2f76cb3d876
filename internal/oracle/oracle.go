// Package oracle classifies and decodes the price-feed account formats the
// margin core accepts. Classification is a cheap prefix sniff on a leading
// tag; it runs on every health computation, so there is no dynamic dispatch
// table, just a branch into exactly one fixed-layout parser.
package oracle

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/state"
)

var (
	ErrUnknownOracleType = errors.New("unknown oracle type")
	ErrOracleDecode      = errors.New("malformed oracle account")
	ErrStaleOracle       = errors.New("stale oracle")
)

// PythMagic is the little-endian u32 at the front of every pyth account.
const PythMagic uint32 = 0xa1b2c3d4

// Fixed offsets into the pyth price account layout.
const (
	pythOffExponent      = 20
	pythOffTimestamp     = 96
	pythOffPrevTimestamp = 200
	pythOffAggPrice      = 208
	pythOffAggConf       = 216
	pythOffAggStatus     = 224
	pythMinAccountLen    = 240

	pythStatusTrading = 1

	// Exponents outside this range never occur on real feeds and would
	// overflow the int64 power-of-ten below.
	pythMaxAbsExponent = 18
)

type OracleType uint8

const (
	OracleTypeUnknown OracleType = iota
	OracleTypeStub
	OracleTypePyth
)

func (t OracleType) String() string {
	switch t {
	case OracleTypeStub:
		return "stub"
	case OracleTypePyth:
		return "pyth"
	default:
		return "unknown"
	}
}

// Price is the canonical decoded form of any supported feed.
type Price struct {
	Type        OracleType
	Price       fixed.I80F48
	Conf        fixed.I80F48
	LastUpdated int64
}

// DetermineOracleType sniffs the leading tag. Bytes matching no known
// discriminator fail with ErrUnknownOracleType; there is no fallback price.
func DetermineOracleType(data []byte) (OracleType, error) {
	if len(data) >= 4 && binary.LittleEndian.Uint32(data[0:4]) == PythMagic {
		return OracleTypePyth, nil
	}
	if len(data) >= 8 {
		var tag [8]byte
		copy(tag[:], data[:8])
		if tag == state.DiscriminatorStubOracle {
			return OracleTypeStub, nil
		}
	}
	return OracleTypeUnknown, ErrUnknownOracleType
}

// DecodePrice classifies the account and decodes price, confidence and the
// publish timestamp into the canonical fixed-point form.
func DecodePrice(data []byte) (*Price, error) {
	oracleType, err := DetermineOracleType(data)
	if err != nil {
		return nil, err
	}
	switch oracleType {
	case OracleTypeStub:
		return decodeStub(data)
	case OracleTypePyth:
		return decodePyth(data)
	default:
		return nil, ErrUnknownOracleType
	}
}

// PriceOf decodes the feed and enforces the staleness bound: data not
// fresher than maxStalenessSec fails closed with ErrStaleOracle. A
// non-positive bound disables the check.
func PriceOf(data []byte, now int64, maxStalenessSec int64) (fixed.I80F48, error) {
	decoded, err := DecodePrice(data)
	if err != nil {
		return fixed.I80F48{}, err
	}
	if maxStalenessSec > 0 {
		if decoded.LastUpdated <= 0 || now-decoded.LastUpdated > maxStalenessSec {
			return fixed.I80F48{}, fmt.Errorf("%w: published %d, now %d, bound %ds",
				ErrStaleOracle, decoded.LastUpdated, now, maxStalenessSec)
		}
	}
	return decoded.Price, nil
}

func decodeStub(data []byte) (*Price, error) {
	stub, err := state.ParseStubOracle(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleDecode, err)
	}
	return &Price{
		Type:        OracleTypeStub,
		Price:       stub.Price,
		LastUpdated: stub.LastUpdated,
	}, nil
}

func decodePyth(data []byte) (*Price, error) {
	if len(data) < pythMinAccountLen {
		return nil, fmt.Errorf("%w: pyth payload too short (%d bytes)", ErrOracleDecode, len(data))
	}

	status := binary.LittleEndian.Uint32(data[pythOffAggStatus : pythOffAggStatus+4])
	if status != pythStatusTrading {
		return nil, fmt.Errorf("%w: pyth aggregate not trading (status=%d)", ErrOracleDecode, status)
	}

	exponent := int32(binary.LittleEndian.Uint32(data[pythOffExponent : pythOffExponent+4]))
	if exponent > pythMaxAbsExponent || exponent < -pythMaxAbsExponent {
		return nil, fmt.Errorf("%w: unsupported pyth exponent %d", ErrOracleDecode, exponent)
	}

	rawPrice := int64(binary.LittleEndian.Uint64(data[pythOffAggPrice : pythOffAggPrice+8]))
	if rawPrice <= 0 {
		return nil, fmt.Errorf("%w: non-positive pyth price %d", ErrOracleDecode, rawPrice)
	}
	rawConf := binary.LittleEndian.Uint64(data[pythOffAggConf : pythOffAggConf+8])

	price, err := scaleByExponent(fixed.FromInt64(rawPrice), exponent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleDecode, err)
	}
	conf, err := scaleByExponent(fixed.FromUint64(rawConf), exponent)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOracleDecode, err)
	}

	publishTime := int64(binary.LittleEndian.Uint64(data[pythOffTimestamp : pythOffTimestamp+8]))
	if publishTime == 0 {
		publishTime = int64(binary.LittleEndian.Uint64(data[pythOffPrevTimestamp : pythOffPrevTimestamp+8]))
	}

	return &Price{
		Type:        OracleTypePyth,
		Price:       price,
		Conf:        conf,
		LastUpdated: publishTime,
	}, nil
}

func scaleByExponent(value fixed.I80F48, exponent int32) (fixed.I80F48, error) {
	if exponent == 0 {
		return value, nil
	}
	pow := int64(1)
	abs := exponent
	if abs < 0 {
		abs = -abs
	}
	for i := int32(0); i < abs; i++ {
		pow *= 10
	}
	if exponent > 0 {
		return value.Mul(fixed.FromInt64(pow))
	}
	return value.Div(fixed.FromInt64(pow))
}
