// Package engine executes margin-core instructions against in-memory
// ledger state. Execution is strictly sequential: one transaction (a list
// of instructions sharing a commit boundary) runs to completion before the
// next begins. Every instruction declares upfront which accounts it reads
// and which it mutates; mutations land on staged copies and become visible
// only when the whole transaction commits. Any error aborts the
// transaction as a unit; there is no partial rollback because there is
// never a partial write.
package engine

import (
	"fmt"
	"log/slog"

	"github.com/coldbell/dex/margin/internal/book"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/gagliardetto/solana-go"
)

// AccountMeta declares one account an instruction touches.
type AccountMeta struct {
	Key      solana.PublicKey
	Signer   bool
	Writable bool
}

func Meta(key solana.PublicKey) AccountMeta       { return AccountMeta{Key: key} }
func MetaMut(key solana.PublicKey) AccountMeta    { return AccountMeta{Key: key, Writable: true} }
func MetaSigner(key solana.PublicKey) AccountMeta { return AccountMeta{Key: key, Signer: true} }
func MetaMutSigner(key solana.PublicKey) AccountMeta {
	return AccountMeta{Key: key, Signer: true, Writable: true}
}

// Instruction is one executable unit. Metas lists every account it may
// touch, including the trailing health-check segment where applicable.
type Instruction interface {
	Name() string
	Metas() []AccountMeta
	execute(tc *txContext) error
}

// Engine owns the committed ledger state.
type Engine struct {
	logger    *slog.Logger
	programID solana.PublicKey

	groups        map[solana.PublicKey]*state.Group
	banks         map[solana.PublicKey]*state.Bank
	accounts      map[solana.PublicKey]*state.MarginAccount
	perpMarkets   map[solana.PublicKey]*state.PerpMarket
	books         map[solana.PublicKey]*book.Book
	oracles       map[solana.PublicKey][]byte
	tokenAccounts map[solana.PublicKey]uint64
}

func New(programID solana.PublicKey, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		logger:        logger,
		programID:     programID,
		groups:        make(map[solana.PublicKey]*state.Group),
		banks:         make(map[solana.PublicKey]*state.Bank),
		accounts:      make(map[solana.PublicKey]*state.MarginAccount),
		perpMarkets:   make(map[solana.PublicKey]*state.PerpMarket),
		books:         make(map[solana.PublicKey]*book.Book),
		oracles:       make(map[solana.PublicKey][]byte),
		tokenAccounts: make(map[solana.PublicKey]uint64),
	}
}

func (e *Engine) ProgramID() solana.PublicKey { return e.programID }

// Execute runs a single instruction as its own transaction.
func (e *Engine) Execute(now int64, signers []solana.PublicKey, ix Instruction) error {
	return e.ExecuteTransaction(now, signers, []Instruction{ix})
}

// ExecuteTransaction runs a list of instructions under one commit
// boundary. On any failure every staged mutation is discarded; the
// committed state is exactly as if the transaction never ran.
func (e *Engine) ExecuteTransaction(now int64, signers []solana.PublicKey, ixs []Instruction) error {
	tc := newTxContext(e, now, signers)
	for _, ix := range ixs {
		tc.beginInstruction(ix)
		if err := ix.execute(tc); err != nil {
			classified := Classify(err)
			e.logger.Debug("instruction aborted", "instruction", ix.Name(), "err", classified)
			return fmt.Errorf("%s: %w", ix.Name(), classified)
		}
	}
	if tc.flash != nil && !tc.flash.ended {
		return fmt.Errorf("flash loan: %w", errUnclosedFlashLoan)
	}
	tc.commit()
	return nil
}

// Committed-state accessors. These return live references for inspection;
// mutation goes through instructions only.

func (e *Engine) Group(key solana.PublicKey) (*state.Group, bool) {
	g, ok := e.groups[key]
	return g, ok
}

func (e *Engine) Bank(key solana.PublicKey) (*state.Bank, bool) {
	b, ok := e.banks[key]
	return b, ok
}

func (e *Engine) MarginAccount(key solana.PublicKey) (*state.MarginAccount, bool) {
	a, ok := e.accounts[key]
	return a, ok
}

func (e *Engine) PerpMarket(key solana.PublicKey) (*state.PerpMarket, bool) {
	m, ok := e.perpMarkets[key]
	return m, ok
}

func (e *Engine) Book(perpMarket solana.PublicKey) (*book.Book, bool) {
	b, ok := e.books[perpMarket]
	return b, ok
}

func (e *Engine) OracleData(key solana.PublicKey) ([]byte, bool) {
	data, ok := e.oracles[key]
	return data, ok
}

func (e *Engine) TokenAccountBalance(key solana.PublicKey) uint64 {
	return e.tokenAccounts[key]
}
