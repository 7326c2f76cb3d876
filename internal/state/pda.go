package state

import (
	"encoding/binary"

	"github.com/gagliardetto/solana-go"
)

// Program-derived addresses for every persisted record: group key plus a
// literal seed string plus integer index plus owner key, matching the
// on-chain derivation.

func DeriveGroupPDA(programID, admin solana.PublicKey, groupNum uint32) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("group"), admin.Bytes(), u32LE(groupNum)}, programID)
}

func DeriveBankPDA(programID, group solana.PublicKey, tokenIndex TokenIndex) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("bank"), group.Bytes(), u16LE(tokenIndex)}, programID)
}

func DeriveVaultPDA(programID, group solana.PublicKey, tokenIndex TokenIndex) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("vault"), group.Bytes(), u16LE(tokenIndex)}, programID)
}

func DeriveInsuranceVaultPDA(programID, group solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("insurance-vault"), group.Bytes()}, programID)
}

func DeriveStubOraclePDA(programID, group, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("stub-oracle"), group.Bytes(), mint.Bytes()}, programID)
}

func DeriveMarginAccountPDA(programID, group, owner solana.PublicKey, accountNum uint32) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("margin-account"), group.Bytes(), owner.Bytes(), u32LE(accountNum)}, programID)
}

func DerivePerpMarketPDA(programID, group solana.PublicKey, marketIndex PerpMarketIndex) (solana.PublicKey, uint8, error) {
	return solana.FindProgramAddress([][]byte{[]byte("perp-market"), group.Bytes(), u16LE(marketIndex)}, programID)
}

func DerivePerpBookSidePDA(programID, perpMarket solana.PublicKey, side Side) (solana.PublicKey, uint8, error) {
	seed := "bids"
	if side == SideAsk {
		seed = "asks"
	}
	return solana.FindProgramAddress([][]byte{[]byte(seed), perpMarket.Bytes()}, programID)
}

func u16LE(value uint16) []byte {
	buf := make([]byte, 2)
	binary.LittleEndian.PutUint16(buf, value)
	return buf
}

func u32LE(value uint32) []byte {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint32(buf, value)
	return buf
}
