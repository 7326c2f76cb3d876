package state

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/coldbell/dex/margin/internal/fixed"
	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

var ErrInvalidDiscriminator = errors.New("invalid account discriminator")

// AccountDiscriminator returns the 8-byte tag stored at the front of every
// persisted record, derived from the record name the usual anchor way.
func AccountDiscriminator(name string) [8]byte {
	hash := sha256.Sum256([]byte("account:" + name))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}

var (
	DiscriminatorGroup         = AccountDiscriminator("Group")
	DiscriminatorBank          = AccountDiscriminator("Bank")
	DiscriminatorStubOracle    = AccountDiscriminator("StubOracle")
	DiscriminatorMarginAccount = AccountDiscriminator("MarginAccount")
	DiscriminatorPerpMarket    = AccountDiscriminator("PerpMarket")
)

func checkDiscriminator(dec *bin.Decoder, want [8]byte, name string) error {
	got, err := dec.ReadNBytes(8)
	if err != nil {
		return fmt.Errorf("read %s discriminator: %w", name, err)
	}
	if !bytes.Equal(got, want[:]) {
		return fmt.Errorf("%w: not a %s record", ErrInvalidDiscriminator, name)
	}
	return nil
}

func readPubkey(dec *bin.Decoder) (solana.PublicKey, error) {
	raw, err := dec.ReadNBytes(32)
	if err != nil {
		return solana.PublicKey{}, err
	}
	return solana.PublicKeyFromBytes(raw), nil
}

func readFixed(dec *bin.Decoder) (fixed.I80F48, error) {
	raw, err := dec.ReadNBytes(16)
	if err != nil {
		return fixed.I80F48{}, err
	}
	var arr [16]byte
	copy(arr[:], raw)
	return fixed.UnmarshalBinary(arr), nil
}

func writeFixed(enc *bin.Encoder, v fixed.I80F48) error {
	arr := v.MarshalBinary()
	return enc.WriteBytes(arr[:], false)
}

// ParseGroup decodes a Group record.
func ParseGroup(data []byte) (*Group, error) {
	dec := bin.NewBinDecoder(data)
	if err := checkDiscriminator(dec, DiscriminatorGroup, "Group"); err != nil {
		return nil, err
	}
	out := &Group{}
	var err error
	if out.Admin, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode group admin: %w", err)
	}
	if out.GroupNum, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("decode group num: %w", err)
	}
	if out.InsuranceVault, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode insurance vault: %w", err)
	}
	if out.InsuranceTokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("decode insurance token index: %w", err)
	}
	for i := range out.Tokens {
		reg := &out.Tokens[i]
		if reg.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode token registration %d: %w", i, err)
		}
		if reg.TokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode token registration %d: %w", i, err)
		}
		if reg.Bank, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode token registration %d: %w", i, err)
		}
		if reg.Oracle, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode token registration %d: %w", i, err)
		}
	}
	for i := range out.PerpMarkets {
		reg := &out.PerpMarkets[i]
		if reg.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode perp registration %d: %w", i, err)
		}
		if reg.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp registration %d: %w", i, err)
		}
		if reg.PerpMarket, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode perp registration %d: %w", i, err)
		}
		if reg.Oracle, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode perp registration %d: %w", i, err)
		}
	}
	return out, nil
}

// Serialize renders the record in its fixed wire layout.
func (g *Group) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(DiscriminatorGroup[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(g.Admin[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(g.GroupNum, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(g.InsuranceVault[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(g.InsuranceTokenIndex, bin.LE); err != nil {
		return nil, err
	}
	for i := range g.Tokens {
		reg := &g.Tokens[i]
		if err := enc.WriteUint8(reg.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(reg.TokenIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(reg.Bank[:], false); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(reg.Oracle[:], false); err != nil {
			return nil, err
		}
	}
	for i := range g.PerpMarkets {
		reg := &g.PerpMarkets[i]
		if err := enc.WriteUint8(reg.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(reg.MarketIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(reg.PerpMarket[:], false); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(reg.Oracle[:], false); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParseBank decodes a Bank record.
func ParseBank(data []byte) (*Bank, error) {
	dec := bin.NewBinDecoder(data)
	if err := checkDiscriminator(dec, DiscriminatorBank, "Bank"); err != nil {
		return nil, err
	}
	out := &Bank{}
	var err error
	if out.Group, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode bank group: %w", err)
	}
	if out.TokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("decode bank token index: %w", err)
	}
	if out.Mint, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode bank mint: %w", err)
	}
	if out.Vault, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode bank vault: %w", err)
	}
	if out.Oracle, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode bank oracle: %w", err)
	}
	fixedFields := []*fixed.I80F48{
		&out.DepositIndex, &out.BorrowIndex,
		&out.IndexedTotalDeposits, &out.IndexedTotalBorrows,
		&out.AssetWeightInit, &out.AssetWeightMaint,
		&out.LiabWeightInit, &out.LiabWeightMaint,
		&out.LiquidationFee, &out.LoanOriginationFee, &out.BorrowRate,
	}
	for i, field := range fixedFields {
		if *field, err = readFixed(dec); err != nil {
			return nil, fmt.Errorf("decode bank fixed field %d: %w", i, err)
		}
	}
	if out.OracleMaxStalenessSec, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode bank oracle staleness: %w", err)
	}
	if out.LastIndexUpdate, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode bank last index update: %w", err)
	}
	return out, nil
}

// Serialize renders the record in its fixed wire layout.
func (b *Bank) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(DiscriminatorBank[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(b.Group[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(b.TokenIndex, bin.LE); err != nil {
		return nil, err
	}
	for _, key := range []solana.PublicKey{b.Mint, b.Vault, b.Oracle} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return nil, err
		}
	}
	for _, field := range []fixed.I80F48{
		b.DepositIndex, b.BorrowIndex,
		b.IndexedTotalDeposits, b.IndexedTotalBorrows,
		b.AssetWeightInit, b.AssetWeightMaint,
		b.LiabWeightInit, b.LiabWeightMaint,
		b.LiquidationFee, b.LoanOriginationFee, b.BorrowRate,
	} {
		if err := writeFixed(enc, field); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteInt64(b.OracleMaxStalenessSec, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(b.LastIndexUpdate, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseStubOracle decodes a StubOracle record.
func ParseStubOracle(data []byte) (*StubOracle, error) {
	dec := bin.NewBinDecoder(data)
	if err := checkDiscriminator(dec, DiscriminatorStubOracle, "StubOracle"); err != nil {
		return nil, err
	}
	out := &StubOracle{}
	var err error
	if out.Group, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode stub oracle group: %w", err)
	}
	if out.Price, err = readFixed(dec); err != nil {
		return nil, fmt.Errorf("decode stub oracle price: %w", err)
	}
	if out.LastUpdated, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode stub oracle timestamp: %w", err)
	}
	return out, nil
}

// Serialize renders the record in its fixed wire layout.
func (o *StubOracle) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(DiscriminatorStubOracle[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(o.Group[:], false); err != nil {
		return nil, err
	}
	if err := writeFixed(enc, o.Price); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(o.LastUpdated, bin.LE); err != nil {
		return nil, err
	}
	// reserved tail, kept for layout stability
	if err := enc.WriteBytes(make([]byte, 8), false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// ParseMarginAccount decodes a MarginAccount record.
func ParseMarginAccount(data []byte) (*MarginAccount, error) {
	dec := bin.NewBinDecoder(data)
	if err := checkDiscriminator(dec, DiscriminatorMarginAccount, "MarginAccount"); err != nil {
		return nil, err
	}
	out := &MarginAccount{}
	var err error
	if out.Owner, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode account owner: %w", err)
	}
	if out.Group, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode account group: %w", err)
	}
	if out.AccountNum, err = dec.ReadUint32(bin.LE); err != nil {
		return nil, fmt.Errorf("decode account num: %w", err)
	}
	name, err := dec.ReadNBytes(32)
	if err != nil {
		return nil, fmt.Errorf("decode account name: %w", err)
	}
	copy(out.Name[:], name)
	if out.Bankrupt, err = dec.ReadUint8(); err != nil {
		return nil, fmt.Errorf("decode bankrupt flag: %w", err)
	}
	for i := range out.Tokens {
		pos := &out.Tokens[i]
		if pos.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode token slot %d: %w", i, err)
		}
		if pos.TokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode token slot %d: %w", i, err)
		}
		if pos.Indexed, err = readFixed(dec); err != nil {
			return nil, fmt.Errorf("decode token slot %d: %w", i, err)
		}
	}
	for i := range out.OpenOrders {
		slot := &out.OpenOrders[i]
		if slot.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.BaseTokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.QuoteTokenIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.OpenOrders, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.ReservedBase, err = dec.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
		if slot.ReservedQuote, err = dec.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode open orders slot %d: %w", i, err)
		}
	}
	for i := range out.Perps {
		pos := &out.Perps[i]
		if pos.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
		if pos.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
		if pos.BasePositionLots, err = dec.ReadInt64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
		if pos.QuotePositionNative, err = readFixed(dec); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
		if pos.BidsBaseLots, err = dec.ReadInt64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
		if pos.AsksBaseLots, err = dec.ReadInt64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp slot %d: %w", i, err)
		}
	}
	for i := range out.PerpOrders {
		slot := &out.PerpOrders[i]
		if slot.Active, err = dec.ReadUint8(); err != nil {
			return nil, fmt.Errorf("decode perp order slot %d: %w", i, err)
		}
		if slot.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp order slot %d: %w", i, err)
		}
		side, err := dec.ReadUint8()
		if err != nil {
			return nil, fmt.Errorf("decode perp order slot %d: %w", i, err)
		}
		slot.Side = Side(side)
		if slot.OrderID, err = dec.ReadUint64(bin.LE); err != nil {
			return nil, fmt.Errorf("decode perp order slot %d: %w", i, err)
		}
	}
	return out, nil
}

// Serialize renders the record in its fixed wire layout.
func (a *MarginAccount) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(DiscriminatorMarginAccount[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(a.Owner[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(a.Group[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint32(a.AccountNum, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(a.Name[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint8(a.Bankrupt); err != nil {
		return nil, err
	}
	for i := range a.Tokens {
		pos := &a.Tokens[i]
		if err := enc.WriteUint8(pos.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(pos.TokenIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := writeFixed(enc, pos.Indexed); err != nil {
			return nil, err
		}
	}
	for i := range a.OpenOrders {
		slot := &a.OpenOrders[i]
		if err := enc.WriteUint8(slot.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(slot.MarketIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(slot.BaseTokenIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(slot.QuoteTokenIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteBytes(slot.OpenOrders[:], false); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(slot.ReservedBase, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(slot.ReservedQuote, bin.LE); err != nil {
			return nil, err
		}
	}
	for i := range a.Perps {
		pos := &a.Perps[i]
		if err := enc.WriteUint8(pos.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(pos.MarketIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteInt64(pos.BasePositionLots, bin.LE); err != nil {
			return nil, err
		}
		if err := writeFixed(enc, pos.QuotePositionNative); err != nil {
			return nil, err
		}
		if err := enc.WriteInt64(pos.BidsBaseLots, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteInt64(pos.AsksBaseLots, bin.LE); err != nil {
			return nil, err
		}
	}
	for i := range a.PerpOrders {
		slot := &a.PerpOrders[i]
		if err := enc.WriteUint8(slot.Active); err != nil {
			return nil, err
		}
		if err := enc.WriteUint16(slot.MarketIndex, bin.LE); err != nil {
			return nil, err
		}
		if err := enc.WriteUint8(uint8(slot.Side)); err != nil {
			return nil, err
		}
		if err := enc.WriteUint64(slot.OrderID, bin.LE); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// ParsePerpMarket decodes a PerpMarket record.
func ParsePerpMarket(data []byte) (*PerpMarket, error) {
	dec := bin.NewBinDecoder(data)
	if err := checkDiscriminator(dec, DiscriminatorPerpMarket, "PerpMarket"); err != nil {
		return nil, err
	}
	out := &PerpMarket{}
	var err error
	if out.Group, err = readPubkey(dec); err != nil {
		return nil, fmt.Errorf("decode perp market group: %w", err)
	}
	if out.MarketIndex, err = dec.ReadUint16(bin.LE); err != nil {
		return nil, fmt.Errorf("decode perp market index: %w", err)
	}
	name, err := dec.ReadNBytes(16)
	if err != nil {
		return nil, fmt.Errorf("decode perp market name: %w", err)
	}
	copy(out.Name[:], name)
	for _, key := range []*solana.PublicKey{&out.Oracle, &out.Bids, &out.Asks} {
		if *key, err = readPubkey(dec); err != nil {
			return nil, fmt.Errorf("decode perp market key: %w", err)
		}
	}
	if out.BaseLotSize, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode base lot size: %w", err)
	}
	if out.QuoteLotSize, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode quote lot size: %w", err)
	}
	for i, field := range []*fixed.I80F48{
		&out.InitBaseAssetWeight, &out.MaintBaseAssetWeight,
		&out.InitBaseLiabWeight, &out.MaintBaseLiabWeight,
	} {
		if *field, err = readFixed(dec); err != nil {
			return nil, fmt.Errorf("decode perp weight %d: %w", i, err)
		}
	}
	if out.OracleMaxStalenessSec, err = dec.ReadInt64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode perp oracle staleness: %w", err)
	}
	if out.Seq, err = dec.ReadUint64(bin.LE); err != nil {
		return nil, fmt.Errorf("decode perp seq: %w", err)
	}
	return out, nil
}

// Serialize renders the record in its fixed wire layout.
func (m *PerpMarket) Serialize() ([]byte, error) {
	buf := new(bytes.Buffer)
	enc := bin.NewBinEncoder(buf)
	if err := enc.WriteBytes(DiscriminatorPerpMarket[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(m.Group[:], false); err != nil {
		return nil, err
	}
	if err := enc.WriteUint16(m.MarketIndex, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteBytes(m.Name[:], false); err != nil {
		return nil, err
	}
	for _, key := range []solana.PublicKey{m.Oracle, m.Bids, m.Asks} {
		if err := enc.WriteBytes(key[:], false); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteInt64(m.BaseLotSize, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteInt64(m.QuoteLotSize, bin.LE); err != nil {
		return nil, err
	}
	for _, field := range []fixed.I80F48{
		m.InitBaseAssetWeight, m.MaintBaseAssetWeight,
		m.InitBaseLiabWeight, m.MaintBaseLiabWeight,
	} {
		if err := writeFixed(enc, field); err != nil {
			return nil, err
		}
	}
	if err := enc.WriteInt64(m.OracleMaxStalenessSec, bin.LE); err != nil {
		return nil, err
	}
	if err := enc.WriteUint64(m.Seq, bin.LE); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
