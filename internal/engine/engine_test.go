package engine

import (
	"io"
	"log/slog"
	"testing"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/health"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

const testNow = int64(1_700_000_000)

// testbed wires a group with two tokens: collateral token 0 (weights
// 0.9/0.95, no liquidation bonus) and borrow token 1 (liability weight
// 1.0/1.0), both priced 1 by stub oracles. Token 0 doubles as the
// insurance token.
type testbed struct {
	t   *testing.T
	eng *Engine

	admin    solana.PublicKey
	groupKey solana.PublicKey

	oracleA, oracleB solana.PublicKey
	bankA, bankB     solana.PublicKey
	vaultA, vaultB   solana.PublicKey
}

type testUser struct {
	owner   solana.PublicKey
	account solana.PublicKey
	walletA solana.PublicKey
	walletB solana.PublicKey
}

func frac(num, den int64) fixed.I80F48 { return fixed.FromFraction(num, den) }

func newTestbed(t *testing.T) *testbed {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng := New(solana.NewWallet().PublicKey(), logger)

	tb := &testbed{t: t, eng: eng, admin: solana.NewWallet().PublicKey()}

	groupKey, err := eng.CreateGroup(tb.admin, 0, 0)
	require.NoError(t, err)
	tb.groupKey = groupKey

	mintA := solana.NewWallet().PublicKey()
	mintB := solana.NewWallet().PublicKey()

	tb.oracleA, err = eng.CreateStubOracle(groupKey, mintA, fixed.One(), testNow)
	require.NoError(t, err)
	tb.oracleB, err = eng.CreateStubOracle(groupKey, mintB, fixed.One(), testNow)
	require.NoError(t, err)

	tb.bankA, err = eng.RegisterToken(groupKey, TokenParams{
		TokenIndex:            0,
		Mint:                  mintA,
		Oracle:                tb.oracleA,
		AssetWeightInit:       frac(9, 10),
		AssetWeightMaint:      frac(95, 100),
		LiabWeightInit:        frac(12, 10),
		LiabWeightMaint:       frac(11, 10),
		LoanOriginationFee:    frac(1, 64),
		OracleMaxStalenessSec: 3600,
	})
	require.NoError(t, err)

	tb.bankB, err = eng.RegisterToken(groupKey, TokenParams{
		TokenIndex:            1,
		Mint:                  mintB,
		Oracle:                tb.oracleB,
		AssetWeightInit:       frac(8, 10),
		AssetWeightMaint:      frac(9, 10),
		LiabWeightInit:        fixed.One(),
		LiabWeightMaint:       fixed.One(),
		OracleMaxStalenessSec: 3600,
	})
	require.NoError(t, err)

	bankA, _ := eng.Bank(tb.bankA)
	bankB, _ := eng.Bank(tb.bankB)
	tb.vaultA = bankA.Vault
	tb.vaultB = bankB.Vault
	return tb
}

func (tb *testbed) newUser(balanceA, balanceB uint64) *testUser {
	tb.t.Helper()
	owner := solana.NewWallet().PublicKey()
	account, _, err := state.DeriveMarginAccountPDA(tb.eng.ProgramID(), tb.groupKey, owner, 0)
	require.NoError(tb.t, err)

	err = tb.eng.Execute(testNow, []solana.PublicKey{owner}, &CreateMarginAccount{
		Group:       tb.groupKey,
		Account:     account,
		Owner:       owner,
		Payer:       owner,
		AccountNum:  0,
		AccountName: "test",
	})
	require.NoError(tb.t, err)

	user := &testUser{
		owner:   owner,
		account: account,
		walletA: solana.NewWallet().PublicKey(),
		walletB: solana.NewWallet().PublicKey(),
	}
	tb.eng.CreateTokenAccount(user.walletA, balanceA)
	tb.eng.CreateTokenAccount(user.walletB, balanceB)
	return user
}

func (tb *testbed) deposit(user *testUser, bank, vault, wallet solana.PublicKey, amount uint64) error {
	return tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &TokenDeposit{
		Owner:        user.owner,
		Account:      user.account,
		Bank:         bank,
		Vault:        vault,
		TokenAccount: wallet,
		Amount:       amount,
	})
}

func (tb *testbed) setPrice(oracleKey solana.PublicKey, price fixed.I80F48) {
	tb.t.Helper()
	err := tb.eng.Execute(testNow, []solana.PublicKey{tb.admin}, &StubOracleSet{
		Group:  tb.groupKey,
		Admin:  tb.admin,
		Oracle: oracleKey,
		Price:  price,
	})
	require.NoError(tb.t, err)
}

func (tb *testbed) tokenNative(account solana.PublicKey, bankKey solana.PublicKey) fixed.I80F48 {
	tb.t.Helper()
	acc, ok := tb.eng.MarginAccount(account)
	require.True(tb.t, ok)
	bank, ok := tb.eng.Bank(bankKey)
	require.True(tb.t, ok)
	pos, ok := acc.TokenPosition(bank.TokenIndex)
	if !ok {
		return fixed.Zero()
	}
	native, err := pos.Native(bank)
	require.NoError(tb.t, err)
	return native
}

// retriever assembles a health retriever over both banks from committed
// state, for asserting health values outside instruction execution.
func (tb *testbed) retriever() *health.Retriever {
	tb.t.Helper()
	ret := health.NewRetriever()
	for _, bankKey := range []solana.PublicKey{tb.bankA, tb.bankB} {
		bank, ok := tb.eng.Bank(bankKey)
		require.True(tb.t, ok)
		ret.AddBank(bank)
		data, ok := tb.eng.OracleData(bank.Oracle)
		require.True(tb.t, ok)
		ret.AddOracle(bank.Oracle, data)
	}
	return ret
}

func (tb *testbed) health(account solana.PublicKey, typ health.Type) fixed.I80F48 {
	tb.t.Helper()
	acc, ok := tb.eng.MarginAccount(account)
	require.True(tb.t, ok)
	value, err := health.Compute(acc, typ, tb.retriever(), testNow)
	require.NoError(tb.t, err)
	return value
}

func requireApprox(t *testing.T, want, got fixed.I80F48) {
	t.Helper()
	diff, err := want.Sub(got)
	require.NoError(t, err)
	abs, err := diff.Abs()
	require.NoError(t, err)
	require.True(t, abs.Cmp(frac(1, 1_000_000)) < 0, "want %s, got %s", want, got)
}

func TestCreateMarginAccount(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(0, 0)

	acc, ok := tb.eng.MarginAccount(user.account)
	require.True(t, ok)
	require.Equal(t, user.owner, acc.Owner)
	require.Equal(t, "test", acc.NameString())
	require.False(t, acc.IsBankrupt())
}

func TestCreateMarginAccountWrongAddress(t *testing.T) {
	tb := newTestbed(t)
	owner := solana.NewWallet().PublicKey()

	err := tb.eng.Execute(testNow, []solana.PublicKey{owner}, &CreateMarginAccount{
		Group:      tb.groupKey,
		Account:    solana.NewWallet().PublicKey(),
		Owner:      owner,
		Payer:      owner,
		AccountNum: 0,
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestCreateMarginAccountTwiceFails(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(0, 0)

	err := tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &CreateMarginAccount{
		Group:      tb.groupKey,
		Account:    user.account,
		Owner:      user.owner,
		Payer:      user.owner,
		AccountNum: 0,
	})
	require.ErrorIs(t, err, ErrAccountExists)
}

func TestDepositAndWithdraw(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(100, 0)

	require.NoError(t, tb.deposit(user, tb.bankA, tb.vaultA, user.walletA, 100))
	require.Equal(t, uint64(0), tb.eng.TokenAccountBalance(user.walletA))
	require.Equal(t, uint64(100), tb.eng.TokenAccountBalance(tb.vaultA))
	requireApprox(t, fixed.FromInt64(100), tb.tokenNative(user.account, tb.bankA))

	err := tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &TokenWithdraw{
		Owner:          user.owner,
		Group:          tb.groupKey,
		Account:        user.account,
		Bank:           tb.bankA,
		Vault:          tb.vaultA,
		TokenAccount:   user.walletA,
		Amount:         40,
		HealthAccounts: []solana.PublicKey{tb.bankA, tb.oracleA},
	})
	require.NoError(t, err)
	require.Equal(t, uint64(40), tb.eng.TokenAccountBalance(user.walletA))
	require.Equal(t, uint64(60), tb.eng.TokenAccountBalance(tb.vaultA))
	requireApprox(t, fixed.FromInt64(60), tb.tokenNative(user.account, tb.bankA))
}

func TestWithdrawAllDeactivatesPosition(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(100, 0)
	require.NoError(t, tb.deposit(user, tb.bankA, tb.vaultA, user.walletA, 100))

	// Withdrawing everything frees the slot; the health requirement is
	// then empty.
	err := tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &TokenWithdraw{
		Owner:        user.owner,
		Group:        tb.groupKey,
		Account:      user.account,
		Bank:         tb.bankA,
		Vault:        tb.vaultA,
		TokenAccount: user.walletA,
		Amount:       100,
	})
	require.NoError(t, err)
	require.Equal(t, uint64(100), tb.eng.TokenAccountBalance(user.walletA))

	acc, _ := tb.eng.MarginAccount(user.account)
	_, ok := acc.TokenPosition(0)
	require.False(t, ok)
}

func TestWithdrawWithoutBorrowRequiresBalance(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(100, 0)
	require.NoError(t, tb.deposit(user, tb.bankA, tb.vaultA, user.walletA, 100))

	err := tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &TokenWithdraw{
		Owner:          user.owner,
		Group:          tb.groupKey,
		Account:        user.account,
		Bank:           tb.bankA,
		Vault:          tb.vaultA,
		TokenAccount:   user.walletA,
		Amount:         150,
		HealthAccounts: []solana.PublicKey{tb.bankA, tb.oracleA},
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.ErrorIs(t, err, ErrState)
}

func TestDepositRequiresOwner(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(100, 0)
	stranger := solana.NewWallet().PublicKey()

	err := tb.eng.Execute(testNow, []solana.PublicKey{stranger}, &TokenDeposit{
		Owner:        stranger,
		Account:      user.account,
		Bank:         tb.bankA,
		Vault:        tb.vaultA,
		TokenAccount: user.walletA,
		Amount:       10,
	})
	require.ErrorIs(t, err, ErrOwnerMismatch)
	require.ErrorIs(t, err, ErrAuthorization)
}

func TestMissingSignerRejected(t *testing.T) {
	tb := newTestbed(t)
	user := tb.newUser(100, 0)

	// Correct owner on the instruction, but nobody signed.
	err := tb.eng.Execute(testNow, nil, &TokenDeposit{
		Owner:        user.owner,
		Account:      user.account,
		Bank:         tb.bankA,
		Vault:        tb.vaultA,
		TokenAccount: user.walletA,
		Amount:       10,
	})
	require.ErrorIs(t, err, ErrMissingSigner)
}

// borrowSetup gives the user 100 collateral of token 0 and seeds the
// token 1 vault through a whale deposit, returning both users.
func borrowSetup(t *testing.T, tb *testbed) (user, whale *testUser) {
	t.Helper()
	user = tb.newUser(100, 0)
	whale = tb.newUser(0, 500)
	require.NoError(t, tb.deposit(user, tb.bankA, tb.vaultA, user.walletA, 100))
	require.NoError(t, tb.deposit(whale, tb.bankB, tb.vaultB, whale.walletB, 500))
	return user, whale
}

func (tb *testbed) borrow(user *testUser, amount uint64) error {
	return tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &TokenWithdraw{
		Owner:          user.owner,
		Group:          tb.groupKey,
		Account:        user.account,
		Bank:           tb.bankB,
		Vault:          tb.vaultB,
		TokenAccount:   user.walletB,
		Amount:         amount,
		AllowBorrow:    true,
		HealthAccounts: []solana.PublicKey{tb.bankA, tb.bankB, tb.oracleA, tb.oracleB},
	})
}

func TestBorrowBeyondInitHealthFails(t *testing.T) {
	tb := newTestbed(t)
	user, _ := borrowSetup(t, tb)

	// 100 collateral at weight 0.9 supports at most 90 of borrow value.
	err := tb.borrow(user, 95)
	require.ErrorIs(t, err, ErrInsolvency)

	// The failed transaction left nothing behind.
	require.Equal(t, uint64(500), tb.eng.TokenAccountBalance(tb.vaultB))
	require.Equal(t, uint64(0), tb.eng.TokenAccountBalance(user.walletB))
	acc, _ := tb.eng.MarginAccount(user.account)
	_, ok := acc.TokenPosition(1)
	require.False(t, ok)
}

func TestBorrowWithinInitHealthSucceeds(t *testing.T) {
	tb := newTestbed(t)
	user, _ := borrowSetup(t, tb)

	require.NoError(t, tb.borrow(user, 80))
	require.Equal(t, uint64(80), tb.eng.TokenAccountBalance(user.walletB))
	requireApprox(t, fixed.FromInt64(-80), tb.tokenNative(user.account, tb.bankB))

	// 90 collateral value minus 80 liability at weight 1.0 leaves 10.
	requireApprox(t, fixed.FromInt64(10), tb.health(user.account, health.Init))
}

type sneakyInstruction struct {
	bank     solana.PublicKey
	readOnly bool
}

func (ix *sneakyInstruction) Name() string { return "Sneaky" }

func (ix *sneakyInstruction) Metas() []AccountMeta {
	if ix.readOnly {
		return []AccountMeta{Meta(ix.bank)}
	}
	return nil
}

func (ix *sneakyInstruction) execute(tc *txContext) error {
	_, err := tc.bankMut(ix.bank)
	return err
}

func TestUndeclaredAccountMutationRejected(t *testing.T) {
	tb := newTestbed(t)

	err := tb.eng.Execute(testNow, nil, &sneakyInstruction{bank: tb.bankA})
	require.ErrorIs(t, err, ErrUndeclaredAccount)
	require.ErrorIs(t, err, ErrAuthorization)

	// Declared read-only is not a license to mutate.
	err = tb.eng.Execute(testNow, nil, &sneakyInstruction{bank: tb.bankA, readOnly: true})
	require.ErrorIs(t, err, ErrUndeclaredAccount)
}

func perpTestbed(t *testing.T, tb *testbed) (marketKey solana.PublicKey, market *state.PerpMarket) {
	t.Helper()
	oracleKey := tb.oracleA
	marketKey, err := tb.eng.RegisterPerpMarket(tb.groupKey, PerpParams{
		MarketIndex:           0,
		Name:                  "TEST-PERP",
		Oracle:                oracleKey,
		BaseLotSize:           10,
		QuoteLotSize:          1,
		InitBaseAssetWeight:   frac(8, 10),
		MaintBaseAssetWeight:  frac(9, 10),
		InitBaseLiabWeight:    frac(12, 10),
		MaintBaseLiabWeight:   frac(11, 10),
		OracleMaxStalenessSec: 3600,
	})
	require.NoError(t, err)
	market, ok := tb.eng.PerpMarket(marketKey)
	require.True(t, ok)
	return marketKey, market
}

func (tb *testbed) placePerpOrder(user *testUser, marketKey solana.PublicKey, market *state.PerpMarket,
	side state.Side, price, lots int64, healthAccounts []solana.PublicKey) (*PerpPlaceOrder, error) {
	ix := &PerpPlaceOrder{
		Owner:          user.owner,
		Group:          tb.groupKey,
		Account:        user.account,
		PerpMarket:     marketKey,
		Bids:           market.Bids,
		Asks:           market.Asks,
		Side:           side,
		PriceLots:      price,
		BaseLots:       lots,
		HealthAccounts: healthAccounts,
	}
	return ix, tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, ix)
}

func TestPerpPlaceAndCancel(t *testing.T) {
	tb := newTestbed(t)
	marketKey, market := perpTestbed(t, tb)
	user := tb.newUser(0, 0)

	healthAccounts := []solana.PublicKey{tb.oracleA, marketKey}
	ix, err := tb.placePerpOrder(user, marketKey, market, state.SideBid, 100, 5, healthAccounts)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ix.PlacedOrderID)

	bk, ok := tb.eng.Book(marketKey)
	require.True(t, ok)
	require.Equal(t, 1, bk.Bids.Len())
	require.Equal(t, uint64(1), bk.Bids.Best().OrderID)

	acc, _ := tb.eng.MarginAccount(user.account)
	pos, ok := acc.PerpPosition(0)
	require.True(t, ok)
	require.Equal(t, int64(5), pos.BidsBaseLots)

	err = tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &PerpCancelOrder{
		Owner:      user.owner,
		Account:    user.account,
		PerpMarket: marketKey,
		Bids:       market.Bids,
		Asks:       market.Asks,
		OrderID:    ix.PlacedOrderID,
	})
	require.NoError(t, err)

	bk, _ = tb.eng.Book(marketKey)
	require.Equal(t, 0, bk.Bids.Len())
	acc, _ = tb.eng.MarginAccount(user.account)
	pos, _ = acc.PerpPosition(0)
	require.Equal(t, int64(0), pos.BidsBaseLots)
}

func TestPerpPlaceOrderFailingHealthReportsNoOrderID(t *testing.T) {
	tb := newTestbed(t)
	marketKey, market := perpTestbed(t, tb)
	user := tb.newUser(0, 0)

	// An ask from an empty account is a prospective short with nothing
	// behind it, so the health check rejects the placement.
	healthAccounts := []solana.PublicKey{tb.oracleA, marketKey}
	ix, err := tb.placePerpOrder(user, marketKey, market, state.SideAsk, 100, 5, healthAccounts)
	require.ErrorIs(t, err, ErrInsolvency)
	require.Equal(t, uint64(0), ix.PlacedOrderID)

	bk, ok := tb.eng.Book(marketKey)
	require.True(t, ok)
	require.Equal(t, 0, bk.Asks.Len())
}

func TestPerpCancelTwiceFails(t *testing.T) {
	tb := newTestbed(t)
	marketKey, market := perpTestbed(t, tb)
	user := tb.newUser(0, 0)

	healthAccounts := []solana.PublicKey{tb.oracleA, marketKey}
	ix, err := tb.placePerpOrder(user, marketKey, market, state.SideBid, 100, 5, healthAccounts)
	require.NoError(t, err)

	cancel := &PerpCancelOrder{
		Owner:      user.owner,
		Account:    user.account,
		PerpMarket: marketKey,
		Bids:       market.Bids,
		Asks:       market.Asks,
		OrderID:    ix.PlacedOrderID,
	}
	require.NoError(t, tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, cancel))

	err = tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, cancel)
	require.ErrorIs(t, err, book.ErrInvalidOrderID)
	require.ErrorIs(t, err, ErrState)
}

func TestPerpCancelForeignOrderFails(t *testing.T) {
	tb := newTestbed(t)
	marketKey, market := perpTestbed(t, tb)
	owner := tb.newUser(0, 0)
	other := tb.newUser(0, 0)

	healthAccounts := []solana.PublicKey{tb.oracleA, marketKey}
	ix, err := tb.placePerpOrder(owner, marketKey, market, state.SideBid, 100, 5, healthAccounts)
	require.NoError(t, err)

	// The other account never tracked this order id.
	err = tb.eng.Execute(testNow, []solana.PublicKey{other.owner}, &PerpCancelOrder{
		Owner:      other.owner,
		Account:    other.account,
		PerpMarket: marketKey,
		Bids:       market.Bids,
		Asks:       market.Asks,
		OrderID:    ix.PlacedOrderID,
	})
	require.ErrorIs(t, err, book.ErrInvalidOrderID)

	// The order still rests.
	bk, _ := tb.eng.Book(marketKey)
	require.Equal(t, 1, bk.Bids.Len())
}

func TestPerpOrderIDsStrictlyIncrease(t *testing.T) {
	tb := newTestbed(t)
	marketKey, market := perpTestbed(t, tb)
	user := tb.newUser(0, 0)

	healthAccounts := []solana.PublicKey{tb.oracleA, marketKey}
	var last uint64
	for i := 0; i < 5; i++ {
		ix, err := tb.placePerpOrder(user, marketKey, market, state.SideBid, int64(100+i), 1, healthAccounts)
		require.NoError(t, err)
		require.Greater(t, ix.PlacedOrderID, last)
		last = ix.PlacedOrderID
	}
}

// liquidationSetup produces an underwater liqee: 100 collateral of token
// 0 and an 80 borrow of token 1, with the token 1 price then doubled.
func liquidationSetup(t *testing.T, tb *testbed) (liqee, whale *testUser) {
	t.Helper()
	liqee, whale = borrowSetup(t, tb)
	require.NoError(t, tb.borrow(liqee, 80))
	tb.setPrice(tb.oracleB, fixed.FromInt64(2))
	return liqee, whale
}

func (tb *testbed) liquidate(liqor, liqee *testUser, maxLiab fixed.I80F48) error {
	return tb.eng.Execute(testNow, []solana.PublicKey{liqor.owner}, &LiqTokenWithToken{
		Liqor:           liqor.owner,
		LiqorAccount:    liqor.account,
		LiqeeAccount:    liqee.account,
		Group:           tb.groupKey,
		AssetBank:       tb.bankA,
		LiabBank:        tb.bankB,
		AssetTokenIndex: 0,
		LiabTokenIndex:  1,
		MaxLiabTransfer: maxLiab,
		HealthAccounts:  []solana.PublicKey{tb.bankA, tb.bankB, tb.oracleA, tb.oracleB},
	})
}

func TestLiquidationImprovesHealthAndConserves(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := liquidationSetup(t, tb)

	preHealth := tb.health(liqee.account, health.Maint)
	require.True(t, preHealth.Sign() < 0)
	preLiab := tb.tokenNative(liqee.account, tb.bankB)

	require.NoError(t, tb.liquidate(whale, liqee, fixed.FromInt64(1000)))

	// With 100 collateral at price 1 against a liability priced 2, the
	// seizable collateral caps the transfer at 50 liability units.
	postLiab := tb.tokenNative(liqee.account, tb.bankB)
	requireApprox(t, fixed.FromInt64(-30), postLiab)
	require.True(t, postLiab.Cmp(preLiab) > 0, "liability must shrink")

	postHealth := tb.health(liqee.account, health.Maint)
	require.True(t, postHealth.Cmp(preHealth) > 0, "health must improve: %s -> %s", preHealth, postHealth)

	// Collateral moved to the liqor, nothing minted or burned.
	requireApprox(t, fixed.FromInt64(100), tb.tokenNative(whale.account, tb.bankA))
	requireApprox(t, fixed.Zero(), tb.tokenNative(liqee.account, tb.bankA))
	liqorB := tb.tokenNative(whale.account, tb.bankB)
	totalB, err := liqorB.Add(postLiab)
	require.NoError(t, err)
	requireApprox(t, fixed.FromInt64(420), totalB)
}

func TestLiquidationMarksBankruptWhenCollateralExhausted(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := liquidationSetup(t, tb)

	require.NoError(t, tb.liquidate(whale, liqee, fixed.FromInt64(1000)))

	acc, _ := tb.eng.MarginAccount(liqee.account)
	require.True(t, acc.IsBankrupt(), "no collateral left but debt remains")

	// A bankrupt liqee cannot be liquidated again; resolution takes over.
	err := tb.liquidate(whale, liqee, fixed.FromInt64(1000))
	require.ErrorIs(t, err, ErrIsBankrupt)
}

func TestLiquidationRequiresUnderwaterAccount(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := borrowSetup(t, tb)
	require.NoError(t, tb.borrow(liqee, 80))
	// Price unchanged, the account is healthy.
	err := tb.liquidate(whale, liqee, fixed.FromInt64(1000))
	require.ErrorIs(t, err, ErrNotLiquidatable)
	require.ErrorIs(t, err, ErrState)
}

func TestBankruptcyResolution(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := liquidationSetup(t, tb)
	require.NoError(t, tb.liquidate(whale, liqee, fixed.FromInt64(1000)))

	// 40 insurance tokens at price 1 cover 20 of the 30 remaining
	// liability priced 2; the last 10 are socialized.
	require.NoError(t, tb.eng.FundInsuranceVault(tb.groupKey, 40))
	group, _ := tb.eng.Group(tb.groupKey)

	whaleBBefore := tb.tokenNative(whale.account, tb.bankB)

	err := tb.eng.Execute(testNow, []solana.PublicKey{whale.owner}, &LiqTokenBankruptcy{
		Liqor:           whale.owner,
		LiqeeAccount:    liqee.account,
		Group:           tb.groupKey,
		LiabBank:        tb.bankB,
		LiabVault:       tb.vaultB,
		LiabOracle:      tb.oracleB,
		InsuranceVault:  group.InsuranceVault,
		InsuranceBank:   tb.bankA,
		InsuranceOracle: tb.oracleA,
		LiabTokenIndex:  1,
		MaxLiabTransfer: fixed.FromInt64(1000),
	})
	require.NoError(t, err)

	// Liability gone, bankruptcy flag cleared.
	acc, _ := tb.eng.MarginAccount(liqee.account)
	require.False(t, acc.IsBankrupt())
	_, ok := acc.TokenPosition(1)
	require.False(t, ok)

	// Insurance drained: 20 covered liability at price 2 costs 40
	// insurance tokens at price 1.
	require.Equal(t, uint64(0), tb.eng.TokenAccountBalance(group.InsuranceVault))
	// The covered amount lands in the liability vault.
	require.Equal(t, uint64(440), tb.eng.TokenAccountBalance(tb.vaultB))

	// The residual 10 came out of the whale's deposits pro rata.
	whaleBAfter := tb.tokenNative(whale.account, tb.bankB)
	haircut, errSub := whaleBBefore.Sub(whaleBAfter)
	require.NoError(t, errSub)
	requireApprox(t, fixed.FromInt64(10), haircut)
}

func TestBankruptcyFractionalCoverageStaysFunded(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := liquidationSetup(t, tb)
	require.NoError(t, tb.liquidate(whale, liqee, fixed.FromInt64(1000)))

	// 7 insurance tokens at price 3 are worth 21, or 10.5 units of the
	// liability priced 2. Only the whole 10 units settle through the
	// vault; the half unit joins the 20 socialized ones, so depositor
	// claims never exceed what the vault and haircut fund.
	tb.setPrice(tb.oracleA, fixed.FromInt64(3))
	require.NoError(t, tb.eng.FundInsuranceVault(tb.groupKey, 7))
	group, _ := tb.eng.Group(tb.groupKey)

	err := tb.eng.Execute(testNow, []solana.PublicKey{whale.owner}, &LiqTokenBankruptcy{
		Liqor:           whale.owner,
		LiqeeAccount:    liqee.account,
		Group:           tb.groupKey,
		LiabBank:        tb.bankB,
		LiabVault:       tb.vaultB,
		LiabOracle:      tb.oracleB,
		InsuranceVault:  group.InsuranceVault,
		InsuranceBank:   tb.bankA,
		InsuranceOracle: tb.oracleA,
		LiabTokenIndex:  1,
		MaxLiabTransfer: fixed.FromInt64(1000),
	})
	require.NoError(t, err)

	acc, _ := tb.eng.MarginAccount(liqee.account)
	require.False(t, acc.IsBankrupt())

	// The 10 covered units cost ceil(20/3) = 7 insurance tokens.
	require.Equal(t, uint64(0), tb.eng.TokenAccountBalance(group.InsuranceVault))
	require.Equal(t, uint64(430), tb.eng.TokenAccountBalance(tb.vaultB))

	// The whale is the only depositor left; its claim must not exceed
	// the vault backing it.
	whaleB := tb.tokenNative(whale.account, tb.bankB)
	require.True(t, whaleB.Cmp(fixed.FromInt64(430)) <= 0, "got %s", whaleB)
	requireApprox(t, fixed.FromInt64(430), whaleB)
}

func TestBankruptcyRequiresBankruptAccount(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := borrowSetup(t, tb)
	require.NoError(t, tb.borrow(liqee, 80))
	group, _ := tb.eng.Group(tb.groupKey)

	err := tb.eng.Execute(testNow, []solana.PublicKey{whale.owner}, &LiqTokenBankruptcy{
		Liqor:           whale.owner,
		LiqeeAccount:    liqee.account,
		Group:           tb.groupKey,
		LiabBank:        tb.bankB,
		LiabVault:       tb.vaultB,
		LiabOracle:      tb.oracleB,
		InsuranceVault:  group.InsuranceVault,
		InsuranceBank:   tb.bankA,
		InsuranceOracle: tb.oracleA,
		LiabTokenIndex:  1,
		MaxLiabTransfer: fixed.FromInt64(1000),
	})
	require.ErrorIs(t, err, ErrNotBankrupt)
}

func flashLoanSetup(t *testing.T, tb *testbed) (user *testUser) {
	t.Helper()
	// Seed the token 0 vault so there is liquidity to lend.
	depositor := tb.newUser(200, 0)
	require.NoError(t, tb.deposit(depositor, tb.bankA, tb.vaultA, depositor.walletA, 200))
	// The flash borrower holds just enough to pay the 1/64 origination
	// fee on a 64 token loan.
	return tb.newUser(1, 0)
}

func TestFlashLoanRepaidWithFee(t *testing.T) {
	tb := newTestbed(t)
	user := flashLoanSetup(t, tb)

	err := tb.eng.ExecuteTransaction(testNow, []solana.PublicKey{user.owner}, []Instruction{
		&FlashLoanBegin{
			Owner:          user.owner,
			Account:        user.account,
			Banks:          []solana.PublicKey{tb.bankA},
			Vaults:         []solana.PublicKey{tb.vaultA},
			TargetAccounts: []solana.PublicKey{user.walletA},
			Amounts:        []uint64{64},
		},
		&TokenTransfer{From: user.walletA, To: tb.vaultA, Amount: 65},
		&FlashLoanEnd{
			Owner:   user.owner,
			Group:   tb.groupKey,
			Account: user.account,
			Banks:   []solana.PublicKey{tb.bankA},
			Vaults:  []solana.PublicKey{tb.vaultA},
		},
	})
	require.NoError(t, err)

	// Principal plus the 1 token fee are back in the vault; the borrower
	// spent their fee balance and owes nothing.
	require.Equal(t, uint64(201), tb.eng.TokenAccountBalance(tb.vaultA))
	require.Equal(t, uint64(0), tb.eng.TokenAccountBalance(user.walletA))
	acc, _ := tb.eng.MarginAccount(user.account)
	_, ok := acc.TokenPosition(0)
	require.False(t, ok)
}

func TestFlashLoanDefaultAbortsWholeTransaction(t *testing.T) {
	tb := newTestbed(t)
	user := flashLoanSetup(t, tb)

	// No repayment leg: ending the loan books a borrow the empty account
	// cannot support, so the whole transaction unwinds.
	err := tb.eng.ExecuteTransaction(testNow, []solana.PublicKey{user.owner}, []Instruction{
		&FlashLoanBegin{
			Owner:          user.owner,
			Account:        user.account,
			Banks:          []solana.PublicKey{tb.bankA},
			Vaults:         []solana.PublicKey{tb.vaultA},
			TargetAccounts: []solana.PublicKey{user.walletA},
			Amounts:        []uint64{64},
		},
		&FlashLoanEnd{
			Owner:   user.owner,
			Group:   tb.groupKey,
			Account: user.account,
			Banks:   []solana.PublicKey{tb.bankA},
			Vaults:  []solana.PublicKey{tb.vaultA},
			HealthAccounts: []solana.PublicKey{
				tb.bankA, tb.oracleA,
			},
		},
	})
	require.ErrorIs(t, err, ErrInsolvency)

	// Committed state is exactly as before the transaction.
	require.Equal(t, uint64(200), tb.eng.TokenAccountBalance(tb.vaultA))
	require.Equal(t, uint64(1), tb.eng.TokenAccountBalance(user.walletA))
	acc, _ := tb.eng.MarginAccount(user.account)
	_, ok := acc.TokenPosition(0)
	require.False(t, ok)
}

func TestFlashLoanDepositInsideBracketRejected(t *testing.T) {
	tb := newTestbed(t)
	flashLoanSetup(t, tb)
	user := tb.newUser(65, 0)

	// Routing the repayment through TokenDeposit would book a margin
	// deposit and raise the vault delta at the same time, turning one
	// payment into two credits. The bracket refuses ledger traffic on
	// the loaned vault.
	err := tb.eng.ExecuteTransaction(testNow, []solana.PublicKey{user.owner}, []Instruction{
		&FlashLoanBegin{
			Owner:          user.owner,
			Account:        user.account,
			Banks:          []solana.PublicKey{tb.bankA},
			Vaults:         []solana.PublicKey{tb.vaultA},
			TargetAccounts: []solana.PublicKey{user.walletA},
			Amounts:        []uint64{64},
		},
		&TokenDeposit{
			Owner:        user.owner,
			Account:      user.account,
			Bank:         tb.bankA,
			Vault:        tb.vaultA,
			TokenAccount: user.walletA,
			Amount:       65,
		},
		&FlashLoanEnd{
			Owner:   user.owner,
			Group:   tb.groupKey,
			Account: user.account,
			Banks:   []solana.PublicKey{tb.bankA},
			Vaults:  []solana.PublicKey{tb.vaultA},
		},
	})
	require.ErrorIs(t, err, ErrValidation)

	// Nothing committed: no free deposit position, balances untouched.
	require.Equal(t, uint64(200), tb.eng.TokenAccountBalance(tb.vaultA))
	require.Equal(t, uint64(65), tb.eng.TokenAccountBalance(user.walletA))
	acc, _ := tb.eng.MarginAccount(user.account)
	_, ok := acc.TokenPosition(0)
	require.False(t, ok)
}

func TestFlashLoanWithdrawInsideBracketRejected(t *testing.T) {
	tb := newTestbed(t)
	user := flashLoanSetup(t, tb)
	require.NoError(t, tb.deposit(user, tb.bankA, tb.vaultA, user.walletA, 1))

	err := tb.eng.ExecuteTransaction(testNow, []solana.PublicKey{user.owner}, []Instruction{
		&FlashLoanBegin{
			Owner:          user.owner,
			Account:        user.account,
			Banks:          []solana.PublicKey{tb.bankA},
			Vaults:         []solana.PublicKey{tb.vaultA},
			TargetAccounts: []solana.PublicKey{user.walletA},
			Amounts:        []uint64{64},
		},
		&TokenWithdraw{
			Owner:        user.owner,
			Group:        tb.groupKey,
			Account:      user.account,
			Bank:         tb.bankA,
			Vault:        tb.vaultA,
			TokenAccount: user.walletA,
			Amount:       1,
		},
		&FlashLoanEnd{
			Owner:   user.owner,
			Group:   tb.groupKey,
			Account: user.account,
			Banks:   []solana.PublicKey{tb.bankA},
			Vaults:  []solana.PublicKey{tb.vaultA},
		},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, uint64(201), tb.eng.TokenAccountBalance(tb.vaultA))
}

func TestFlashLoanUnclosedBracketFails(t *testing.T) {
	tb := newTestbed(t)
	user := flashLoanSetup(t, tb)

	err := tb.eng.ExecuteTransaction(testNow, []solana.PublicKey{user.owner}, []Instruction{
		&FlashLoanBegin{
			Owner:          user.owner,
			Account:        user.account,
			Banks:          []solana.PublicKey{tb.bankA},
			Vaults:         []solana.PublicKey{tb.vaultA},
			TargetAccounts: []solana.PublicKey{user.walletA},
			Amounts:        []uint64{64},
		},
	})
	require.ErrorIs(t, err, ErrValidation)
	require.Equal(t, uint64(200), tb.eng.TokenAccountBalance(tb.vaultA))
	require.Equal(t, uint64(1), tb.eng.TokenAccountBalance(user.walletA))
}

func TestFlashLoanEndWithoutBeginFails(t *testing.T) {
	tb := newTestbed(t)
	user := flashLoanSetup(t, tb)

	err := tb.eng.Execute(testNow, []solana.PublicKey{user.owner}, &FlashLoanEnd{
		Owner:   user.owner,
		Group:   tb.groupKey,
		Account: user.account,
		Banks:   []solana.PublicKey{tb.bankA},
		Vaults:  []solana.PublicKey{tb.vaultA},
	})
	require.ErrorIs(t, err, ErrValidation)
}

func TestStubOracleSetRequiresAdmin(t *testing.T) {
	tb := newTestbed(t)
	stranger := solana.NewWallet().PublicKey()

	err := tb.eng.Execute(testNow, []solana.PublicKey{stranger}, &StubOracleSet{
		Group:  tb.groupKey,
		Admin:  stranger,
		Oracle: tb.oracleA,
		Price:  fixed.FromInt64(5),
	})
	require.ErrorIs(t, err, ErrAuthorization)
}

func TestWithdrawBlockedWhileBankrupt(t *testing.T) {
	tb := newTestbed(t)
	liqee, whale := liquidationSetup(t, tb)
	require.NoError(t, tb.liquidate(whale, liqee, fixed.FromInt64(1000)))

	err := tb.eng.Execute(testNow, []solana.PublicKey{liqee.owner}, &TokenWithdraw{
		Owner:          liqee.owner,
		Group:          tb.groupKey,
		Account:        liqee.account,
		Bank:           tb.bankB,
		Vault:          tb.vaultB,
		TokenAccount:   liqee.walletB,
		Amount:         1,
		AllowBorrow:    true,
		HealthAccounts: []solana.PublicKey{tb.bankB, tb.oracleB},
	})
	require.ErrorIs(t, err, ErrIsBankrupt)
	require.ErrorIs(t, err, ErrState)
}
