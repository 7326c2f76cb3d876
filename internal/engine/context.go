package engine

import (
	"fmt"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/health"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// flashEntry records one leg of an open flash loan: which bank lent, out
// of which vault, and the vault balance before funds left.
type flashEntry struct {
	bankKey    solana.PublicKey
	vaultKey   solana.PublicKey
	loanAmount uint64
	preBalance uint64
}

type flashState struct {
	account solana.PublicKey
	entries []flashEntry
	ended   bool
}

// txContext carries the staged view of one transaction. Reads fall
// through to committed state; the first write to an account clones it
// into the overlay. commit publishes the overlay atomically.
type txContext struct {
	eng     *Engine
	now     int64
	signers map[solana.PublicKey]struct{}

	// Declared metas of the instruction currently executing.
	declared map[solana.PublicKey]AccountMeta

	groups        map[solana.PublicKey]*state.Group
	banks         map[solana.PublicKey]*state.Bank
	accounts      map[solana.PublicKey]*state.MarginAccount
	perpMarkets   map[solana.PublicKey]*state.PerpMarket
	books         map[solana.PublicKey]*book.Book
	oracles       map[solana.PublicKey][]byte
	tokenAccounts map[solana.PublicKey]uint64

	flash *flashState
}

func newTxContext(eng *Engine, now int64, signers []solana.PublicKey) *txContext {
	signerSet := make(map[solana.PublicKey]struct{}, len(signers))
	for _, key := range signers {
		signerSet[key] = struct{}{}
	}
	return &txContext{
		eng:           eng,
		now:           now,
		signers:       signerSet,
		groups:        make(map[solana.PublicKey]*state.Group),
		banks:         make(map[solana.PublicKey]*state.Bank),
		accounts:      make(map[solana.PublicKey]*state.MarginAccount),
		perpMarkets:   make(map[solana.PublicKey]*state.PerpMarket),
		books:         make(map[solana.PublicKey]*book.Book),
		oracles:       make(map[solana.PublicKey][]byte),
		tokenAccounts: make(map[solana.PublicKey]uint64),
	}
}

func (tc *txContext) beginInstruction(ix Instruction) {
	tc.declared = make(map[solana.PublicKey]AccountMeta)
	for _, meta := range ix.Metas() {
		// Writable or signer wins if a key is listed twice.
		prev := tc.declared[meta.Key]
		prev.Key = meta.Key
		prev.Signer = prev.Signer || meta.Signer
		prev.Writable = prev.Writable || meta.Writable
		tc.declared[meta.Key] = prev
	}
}

func (tc *txContext) commit() {
	for key, g := range tc.groups {
		tc.eng.groups[key] = g
	}
	for key, b := range tc.banks {
		tc.eng.banks[key] = b
	}
	for key, a := range tc.accounts {
		tc.eng.accounts[key] = a
	}
	for key, m := range tc.perpMarkets {
		tc.eng.perpMarkets[key] = m
	}
	for key, b := range tc.books {
		tc.eng.books[key] = b
	}
	for key, data := range tc.oracles {
		tc.eng.oracles[key] = data
	}
	for key, balance := range tc.tokenAccounts {
		tc.eng.tokenAccounts[key] = balance
	}
}

// requireSigner enforces that a key is both declared as a signer by the
// instruction and actually present in the transaction's signer set.
func (tc *txContext) requireSigner(key solana.PublicKey) error {
	meta, ok := tc.declared[key]
	if !ok || !meta.Signer {
		return fmt.Errorf("%w: %s", ErrMissingSigner, key)
	}
	if _, ok := tc.signers[key]; !ok {
		return fmt.Errorf("%w: %s", ErrMissingSigner, key)
	}
	return nil
}

func (tc *txContext) requireDeclared(key solana.PublicKey) error {
	if _, ok := tc.declared[key]; !ok {
		return fmt.Errorf("%w: %s", ErrUndeclaredAccount, key)
	}
	return nil
}

func (tc *txContext) requireWritable(key solana.PublicKey) error {
	meta, ok := tc.declared[key]
	if !ok || !meta.Writable {
		return fmt.Errorf("%w: %s not writable", ErrUndeclaredAccount, key)
	}
	return nil
}

func (tc *txContext) group(key solana.PublicKey) (*state.Group, error) {
	if err := tc.requireDeclared(key); err != nil {
		return nil, err
	}
	if g, ok := tc.groups[key]; ok {
		return g, nil
	}
	g, ok := tc.eng.groups[key]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrUnknownAccount, key)
	}
	return g, nil
}

func (tc *txContext) groupMut(key solana.PublicKey) (*state.Group, error) {
	if err := tc.requireWritable(key); err != nil {
		return nil, err
	}
	if g, ok := tc.groups[key]; ok {
		return g, nil
	}
	g, ok := tc.eng.groups[key]
	if !ok {
		return nil, fmt.Errorf("%w: group %s", ErrUnknownAccount, key)
	}
	staged := *g
	tc.groups[key] = &staged
	return &staged, nil
}

func (tc *txContext) bank(key solana.PublicKey) (*state.Bank, error) {
	if err := tc.requireDeclared(key); err != nil {
		return nil, err
	}
	if b, ok := tc.banks[key]; ok {
		return b, nil
	}
	b, ok := tc.eng.banks[key]
	if !ok {
		return nil, fmt.Errorf("%w: bank %s", ErrUnknownAccount, key)
	}
	return b, nil
}

func (tc *txContext) bankMut(key solana.PublicKey) (*state.Bank, error) {
	if err := tc.requireWritable(key); err != nil {
		return nil, err
	}
	if b, ok := tc.banks[key]; ok {
		return b, nil
	}
	b, ok := tc.eng.banks[key]
	if !ok {
		return nil, fmt.Errorf("%w: bank %s", ErrUnknownAccount, key)
	}
	staged := *b
	tc.banks[key] = &staged
	return &staged, nil
}

func (tc *txContext) account(key solana.PublicKey) (*state.MarginAccount, error) {
	if err := tc.requireDeclared(key); err != nil {
		return nil, err
	}
	if a, ok := tc.accounts[key]; ok {
		return a, nil
	}
	a, ok := tc.eng.accounts[key]
	if !ok {
		return nil, fmt.Errorf("%w: margin account %s", ErrUnknownAccount, key)
	}
	return a, nil
}

func (tc *txContext) accountMut(key solana.PublicKey) (*state.MarginAccount, error) {
	if err := tc.requireWritable(key); err != nil {
		return nil, err
	}
	if a, ok := tc.accounts[key]; ok {
		return a, nil
	}
	a, ok := tc.eng.accounts[key]
	if !ok {
		return nil, fmt.Errorf("%w: margin account %s", ErrUnknownAccount, key)
	}
	staged := a.Clone()
	tc.accounts[key] = staged
	return staged, nil
}

// createAccount stages a brand new margin account under a writable key.
func (tc *txContext) createAccount(key solana.PublicKey, acc *state.MarginAccount) error {
	if err := tc.requireWritable(key); err != nil {
		return err
	}
	if _, ok := tc.accounts[key]; ok {
		return fmt.Errorf("%w: margin account %s", ErrAccountExists, key)
	}
	if _, ok := tc.eng.accounts[key]; ok {
		return fmt.Errorf("%w: margin account %s", ErrAccountExists, key)
	}
	tc.accounts[key] = acc
	return nil
}

func (tc *txContext) perpMarket(key solana.PublicKey) (*state.PerpMarket, error) {
	if err := tc.requireDeclared(key); err != nil {
		return nil, err
	}
	if m, ok := tc.perpMarkets[key]; ok {
		return m, nil
	}
	m, ok := tc.eng.perpMarkets[key]
	if !ok {
		return nil, fmt.Errorf("%w: perp market %s", ErrUnknownAccount, key)
	}
	return m, nil
}

func (tc *txContext) perpMarketMut(key solana.PublicKey) (*state.PerpMarket, error) {
	if err := tc.requireWritable(key); err != nil {
		return nil, err
	}
	if m, ok := tc.perpMarkets[key]; ok {
		return m, nil
	}
	m, ok := tc.eng.perpMarkets[key]
	if !ok {
		return nil, fmt.Errorf("%w: perp market %s", ErrUnknownAccount, key)
	}
	staged := *m
	tc.perpMarkets[key] = &staged
	return &staged, nil
}

// bookMut stages the book of a market. Both side accounts must be
// declared writable; the book is keyed by the market.
func (tc *txContext) bookMut(market *state.PerpMarket, marketKey solana.PublicKey) (*book.Book, error) {
	if err := tc.requireWritable(market.Bids); err != nil {
		return nil, err
	}
	if err := tc.requireWritable(market.Asks); err != nil {
		return nil, err
	}
	if b, ok := tc.books[marketKey]; ok {
		return b, nil
	}
	b, ok := tc.eng.books[marketKey]
	if !ok {
		return nil, fmt.Errorf("%w: book for perp market %s", ErrUnknownAccount, marketKey)
	}
	staged := b.Clone()
	tc.books[marketKey] = staged
	return staged, nil
}

func (tc *txContext) oracleData(key solana.PublicKey) ([]byte, error) {
	if err := tc.requireDeclared(key); err != nil {
		return nil, err
	}
	if data, ok := tc.oracles[key]; ok {
		return data, nil
	}
	data, ok := tc.eng.oracles[key]
	if !ok {
		return nil, fmt.Errorf("%w: oracle %s", ErrUnknownAccount, key)
	}
	return data, nil
}

func (tc *txContext) setOracleData(key solana.PublicKey, data []byte) error {
	if err := tc.requireWritable(key); err != nil {
		return err
	}
	staged := make([]byte, len(data))
	copy(staged, data)
	tc.oracles[key] = staged
	return nil
}

func (tc *txContext) tokenBalance(key solana.PublicKey) (uint64, error) {
	if err := tc.requireDeclared(key); err != nil {
		return 0, err
	}
	if balance, ok := tc.tokenAccounts[key]; ok {
		return balance, nil
	}
	return tc.eng.tokenAccounts[key], nil
}

func (tc *txContext) creditToken(key solana.PublicKey, amount uint64) error {
	if err := tc.requireWritable(key); err != nil {
		return err
	}
	balance, err := tc.tokenBalance(key)
	if err != nil {
		return err
	}
	tc.tokenAccounts[key] = balance + amount
	return nil
}

func (tc *txContext) debitToken(key solana.PublicKey, amount uint64) error {
	if err := tc.requireWritable(key); err != nil {
		return err
	}
	balance, err := tc.tokenBalance(key)
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("%w: token account %s holds %d, need %d", ErrInsufficientFunds, key, balance, amount)
	}
	tc.tokenAccounts[key] = balance - amount
	return nil
}

// checkInitHealth derives the required account set for the account's
// post-mutation shape, verifies the caller supplied exactly that set, and
// fails with ErrInsolvency if init health is negative.
func (tc *txContext) checkInitHealth(group *state.Group, acc *state.MarginAccount, supplied []solana.PublicKey) error {
	required, err := health.Required(group, acc)
	if err != nil {
		return err
	}
	if err := health.VerifySupplied(required, supplied); err != nil {
		return err
	}
	ret, err := tc.healthRetriever(required)
	if err != nil {
		return err
	}
	value, err := health.Compute(acc, health.Init, ret, tc.now)
	if err != nil {
		return err
	}
	if value.Sign() < 0 {
		return fmt.Errorf("%w: init health %s", ErrInsolvency, value)
	}
	return nil
}

// healthRetriever builds a retriever over the staged view from a derived
// requirement set, so post-instruction health sees in-transaction writes.
func (tc *txContext) healthRetriever(required health.RequiredAccounts) (*health.Retriever, error) {
	ret := health.NewRetriever()
	for _, bankKey := range required.Banks {
		bank, err := tc.bank(bankKey)
		if err != nil {
			return nil, err
		}
		ret.AddBank(bank)
		data, err := tc.oracleData(bank.Oracle)
		if err != nil {
			return nil, err
		}
		ret.AddOracle(bank.Oracle, data)
	}
	for i, marketKey := range required.PerpMarkets {
		market, err := tc.perpMarket(marketKey)
		if err != nil {
			return nil, err
		}
		ret.AddPerpMarket(market)
		oracleKey := required.PerpOracles[i]
		data, err := tc.oracleData(oracleKey)
		if err != nil {
			return nil, err
		}
		ret.AddOracle(oracleKey, data)
	}
	return ret, nil
}
