// Package liquidator is the off-ledger daemon that keeps the margin core
// solvent: it scans every margin account in a group, recomputes health
// from live on-chain state, and submits liquidation instructions for
// accounts under maintenance.
package liquidator

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/coldbell/dex/margin/internal/config"
	"github.com/coldbell/dex/margin/internal/fixed"
	"github.com/coldbell/dex/margin/internal/health"
	"github.com/coldbell/dex/margin/internal/oracle"
	"github.com/coldbell/dex/margin/internal/pricefeed"
	"github.com/coldbell/dex/margin/internal/state"
	"github.com/coldbell/dex/margin/internal/store"
	"github.com/gagliardetto/solana-go"
	computebudget "github.com/gagliardetto/solana-go/programs/compute-budget"
	"github.com/gagliardetto/solana-go/rpc"
)

var liqTokenWithTokenDisc = anchorInstructionDiscriminator("liq_token_with_token")

type Service struct {
	cfg    config.LiquidatorConfig
	rpc    *rpc.Client
	signer solana.PrivateKey
	logger *slog.Logger
	store  *store.Store
	feed   *pricefeed.Feed
}

// groupState is everything a tick needs to value accounts: the group
// registry plus every registered bank, perp market and raw oracle
// payload, fetched in one batch.
type groupState struct {
	group       *state.Group
	banks       map[solana.PublicKey]*state.Bank
	perpMarkets map[solana.PublicKey]*state.PerpMarket
	oracles     map[solana.PublicKey][]byte
	slot        uint64
}

type candidate struct {
	pubkey      solana.PublicKey
	account     *state.MarginAccount
	maintHealth fixed.I80F48
}

func New(cfg config.LiquidatorConfig, logger *slog.Logger) (*Service, error) {
	signer, err := solana.PrivateKeyFromSolanaKeygenFile(cfg.KeypairPath)
	if err != nil {
		return nil, fmt.Errorf("load keypair %q: %w", cfg.KeypairPath, err)
	}

	svc := &Service{
		cfg:    cfg,
		rpc:    rpc.New(cfg.RPCURL),
		signer: signer,
		logger: logger,
	}

	if cfg.EnableStore {
		st, err := store.New(cfg.DBDSN)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		svc.store = st
	}
	if cfg.EnablePythPriceStream {
		svc.feed = pricefeed.New(pricefeed.Config{
			StreamURL:         cfg.PythStreamURL,
			FeedIDs:           cfg.PythFeedIDs,
			ReconnectInterval: cfg.PythReconnectInterval,
		}, logger, svc.onPriceUpdate)
	}
	return svc, nil
}

func (s *Service) Close() error {
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

func (s *Service) Run(ctx context.Context) error {
	s.logger.Info("liquidator started",
		"rpc", s.cfg.RPCURL,
		"commitment", s.cfg.Commitment,
		"liqor", s.signer.PublicKey(),
		"liqor_account", s.cfg.LiqorAccount,
		"group", s.cfg.Group,
		"program", s.cfg.MarginProgramID,
	)

	if s.feed != nil {
		go func() {
			if err := s.feed.Run(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("price stream stopped", "err", err)
			}
		}()
	}

	if err := s.tick(ctx); err != nil {
		s.logger.Error("liquidator tick failed", "err", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("liquidator stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.logger.Error("liquidator tick failed", "err", err)
			}
		}
	}
}

func (s *Service) onPriceUpdate(update pricefeed.Update) {
	if s.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.store.InsertPriceTick(ctx, store.PriceTickRow{
		FeedID:      update.FeedID,
		Price:       update.Price.String(),
		Conf:        update.Conf.String(),
		Expo:        update.Expo,
		PublishTime: update.PublishTime,
		ReceivedAt:  update.ReceivedAt,
	})
	if err != nil {
		s.logger.Warn("failed to store price tick", "feed", update.FeedID, "err", err)
	}
}

func (s *Service) tick(ctx context.Context) error {
	gs, err := s.loadGroupState(ctx)
	if err != nil {
		return err
	}

	accounts, err := s.fetchMarginAccounts(ctx)
	if err != nil {
		return err
	}
	if len(accounts) == 0 {
		return nil
	}

	now := s.getClusterUnixTime(ctx)

	liqor, ok := accounts[s.cfg.LiqorAccount]
	if !ok {
		liqorParsed, err := s.fetchMarginAccount(ctx, s.cfg.LiqorAccount)
		if err != nil {
			return fmt.Errorf("fetch liqor account: %w", err)
		}
		liqor = liqorParsed
	}

	candidates := make([]candidate, 0)
	for pubkey, acc := range accounts {
		if pubkey.Equals(s.cfg.LiqorAccount) {
			continue
		}
		ret, err := s.retrieverFor(gs, acc)
		if err != nil {
			s.logger.Warn("skipping account with unresolvable health accounts", "account", pubkey, "err", err)
			continue
		}
		maint, err := health.Compute(acc, health.Maint, ret, now)
		if err != nil {
			s.logger.Warn("health computation failed", "account", pubkey, "err", err)
			continue
		}
		s.snapshotHealth(ctx, gs, pubkey, acc, ret, maint, now)

		if maint.Sign() < 0 && !acc.IsBankrupt() {
			candidates = append(candidates, candidate{pubkey: pubkey, account: acc, maintHealth: maint})
		}
	}
	if len(candidates) == 0 {
		return nil
	}

	// Worst health first.
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].maintHealth.Cmp(candidates[j].maintHealth) < 0
	})

	limit := s.cfg.MaxLiquidationsPerTick
	if limit > len(candidates) {
		limit = len(candidates)
	}

	submitted := 0
	for idx := 0; idx < limit; idx++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.liquidate(ctx, gs, candidates[idx], liqor, now); err != nil {
			s.logger.Warn("liquidation failed", "liqee", candidates[idx].pubkey, "err", err)
			continue
		}
		submitted++
	}

	s.logger.Info("liquidator tick complete",
		"accounts", len(accounts),
		"underwater", len(candidates),
		"attempted", limit,
		"submitted", submitted,
	)
	return nil
}

func (s *Service) loadGroupState(ctx context.Context) (*groupState, error) {
	resp, err := s.rpc.GetAccountInfoWithOpts(ctx, s.cfg.Group, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch group %s: %w", s.cfg.Group, err)
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("group account %s not found (hint: check MARGIN_GROUP)", s.cfg.Group)
	}
	group, err := state.ParseGroup(resp.Value.Data.GetBinary())
	if err != nil {
		return nil, fmt.Errorf("decode group %s: %w", s.cfg.Group, err)
	}

	var keys []solana.PublicKey
	for i := range group.Tokens {
		reg := &group.Tokens[i]
		if reg.Active == 1 {
			keys = append(keys, reg.Bank, reg.Oracle)
		}
	}
	for i := range group.PerpMarkets {
		reg := &group.PerpMarkets[i]
		if reg.Active == 1 {
			keys = append(keys, reg.PerpMarket, reg.Oracle)
		}
	}

	gs := &groupState{
		group:       group,
		banks:       make(map[solana.PublicKey]*state.Bank),
		perpMarkets: make(map[solana.PublicKey]*state.PerpMarket),
		oracles:     make(map[solana.PublicKey][]byte),
	}
	if len(keys) == 0 {
		return gs, nil
	}

	fetched, err := s.rpc.GetMultipleAccountsWithOpts(ctx, keys, &rpc.GetMultipleAccountsOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		return nil, fmt.Errorf("fetch group registry accounts: %w", err)
	}
	if len(fetched.Value) != len(keys) {
		return nil, fmt.Errorf("unexpected registry account count: got %d, want %d", len(fetched.Value), len(keys))
	}
	gs.slot = fetched.RPCContext.Context.Slot

	for i, item := range fetched.Value {
		if item == nil {
			return nil, fmt.Errorf("registry account %s missing", keys[i])
		}
		data := item.Data.GetBinary()
		if bank, err := state.ParseBank(data); err == nil {
			gs.banks[keys[i]] = bank
			continue
		}
		if market, err := state.ParsePerpMarket(data); err == nil {
			gs.perpMarkets[keys[i]] = market
			continue
		}
		// Anything else in the registry key list is an oracle payload;
		// the health check classifies it when pricing.
		gs.oracles[keys[i]] = data
	}
	return gs, nil
}

func (s *Service) fetchMarginAccounts(ctx context.Context) (map[solana.PublicKey]*state.MarginAccount, error) {
	groupOffset := uint64(8 + 32) // discriminator + owner
	items, err := s.rpc.GetProgramAccountsWithOpts(ctx, s.cfg.MarginProgramID, &rpc.GetProgramAccountsOpts{
		Commitment: s.cfg.Commitment,
		Filters: []rpc.RPCFilter{
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: 0, Bytes: solana.Base58(state.DiscriminatorMarginAccount[:])}},
			{Memcmp: &rpc.RPCFilterMemcmp{Offset: groupOffset, Bytes: solana.Base58(s.cfg.Group.Bytes())}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("getProgramAccounts margin accounts: %w", err)
	}

	out := make(map[solana.PublicKey]*state.MarginAccount, len(items))
	for _, item := range items {
		if item == nil || item.Account == nil {
			continue
		}
		acc, err := state.ParseMarginAccount(item.Account.Data.GetBinary())
		if err != nil {
			s.logger.Warn("failed to parse margin account", "pubkey", item.Pubkey, "err", err)
			continue
		}
		out[item.Pubkey] = acc
	}
	return out, nil
}

func (s *Service) fetchMarginAccount(ctx context.Context, key solana.PublicKey) (*state.MarginAccount, error) {
	resp, err := s.rpc.GetAccountInfoWithOpts(ctx, key, &rpc.GetAccountInfoOpts{Commitment: s.cfg.Commitment})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.Value == nil {
		return nil, fmt.Errorf("margin account %s not found", key)
	}
	return state.ParseMarginAccount(resp.Value.Data.GetBinary())
}

// retrieverFor assembles the bank/oracle/market set the health check
// needs for one account, out of the batch-fetched group state.
func (s *Service) retrieverFor(gs *groupState, accounts ...*state.MarginAccount) (*health.Retriever, error) {
	required, err := health.Required(gs.group, accounts...)
	if err != nil {
		return nil, err
	}
	ret := health.NewRetriever()
	for _, bankKey := range required.Banks {
		bank, ok := gs.banks[bankKey]
		if !ok {
			return nil, fmt.Errorf("bank %s not in fetched group state", bankKey)
		}
		ret.AddBank(bank)
		data, ok := gs.oracles[bank.Oracle]
		if !ok {
			return nil, fmt.Errorf("oracle %s not in fetched group state", bank.Oracle)
		}
		ret.AddOracle(bank.Oracle, data)
	}
	for i, marketKey := range required.PerpMarkets {
		market, ok := gs.perpMarkets[marketKey]
		if !ok {
			return nil, fmt.Errorf("perp market %s not in fetched group state", marketKey)
		}
		ret.AddPerpMarket(market)
		oracleKey := required.PerpOracles[i]
		data, ok := gs.oracles[oracleKey]
		if !ok {
			return nil, fmt.Errorf("oracle %s not in fetched group state", oracleKey)
		}
		ret.AddOracle(oracleKey, data)
	}
	return ret, nil
}

func (s *Service) snapshotHealth(ctx context.Context, gs *groupState, pubkey solana.PublicKey,
	acc *state.MarginAccount, ret *health.Retriever, maint fixed.I80F48, now int64) {
	if s.store == nil {
		return
	}
	init, err := health.Compute(acc, health.Init, ret, now)
	if err != nil {
		init = maint
	}
	err = s.store.UpsertAccountHealth(ctx, store.AccountHealthRow{
		Pubkey:      pubkey.String(),
		Owner:       acc.Owner.String(),
		GroupKey:    acc.Group.String(),
		Bankrupt:    acc.IsBankrupt(),
		MaintHealth: maint.String(),
		InitHealth:  init.String(),
		Slot:        gs.slot,
		UpdatedAt:   now,
	})
	if err != nil {
		s.logger.Warn("failed to store health snapshot", "account", pubkey, "err", err)
	}
}

// liquidate picks the most negative liability and the most valuable
// collateral on the liqee and submits liq_token_with_token for the pair.
func (s *Service) liquidate(ctx context.Context, gs *groupState, target candidate,
	liqor *state.MarginAccount, now int64) error {
	liabIndex, liabNative, assetIndex, found, err := s.pickLiquidationPair(gs, target.account, now)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("no token liability and collateral pair on %s", target.pubkey)
	}

	liabReg, ok := gs.group.TokenRegistration(liabIndex)
	if !ok {
		return fmt.Errorf("liability token %d not registered", liabIndex)
	}
	assetReg, ok := gs.group.TokenRegistration(assetIndex)
	if !ok {
		return fmt.Errorf("asset token %d not registered", assetIndex)
	}

	required, err := health.Required(gs.group, target.account, liqor)
	if err != nil {
		return fmt.Errorf("derive health accounts: %w", err)
	}

	maxLiabTransfer, err := liabNative.Neg()
	if err != nil {
		return err
	}
	if s.cfg.MaxLiabTransferNative > 0 {
		maxLiabTransfer = fixed.Min(maxLiabTransfer, fixed.FromUint64(s.cfg.MaxLiabTransferNative))
	}

	liqIx := newLiqTokenWithTokenInstruction(
		s.cfg.MarginProgramID,
		s.signer.PublicKey(),
		s.cfg.LiqorAccount,
		target.pubkey,
		s.cfg.Group,
		assetReg.Bank,
		liabReg.Bank,
		assetIndex,
		liabIndex,
		maxLiabTransfer,
		required.Keys(),
	)

	instructions := make([]solana.Instruction, 0, 3)
	if s.cfg.ComputeUnitLimit > 0 {
		cuLimitIx, err := computebudget.NewSetComputeUnitLimitInstruction(s.cfg.ComputeUnitLimit).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build compute unit limit instruction: %w", err)
		}
		instructions = append(instructions, cuLimitIx)
	}
	if s.cfg.ComputeUnitPriceMicroLamports > 0 {
		cuPriceIx, err := computebudget.NewSetComputeUnitPriceInstruction(s.cfg.ComputeUnitPriceMicroLamports).ValidateAndBuild()
		if err != nil {
			return fmt.Errorf("build compute unit price instruction: %w", err)
		}
		instructions = append(instructions, cuPriceIx)
	}
	instructions = append(instructions, liqIx)

	txCtx, cancel := context.WithTimeout(ctx, s.cfg.TxTimeout)
	defer cancel()

	signature, err := s.sendTransaction(txCtx, instructions)
	attempt := store.LiquidationAttemptRow{
		Liqee:           target.pubkey.String(),
		Liqor:           s.cfg.LiqorAccount.String(),
		LiabToken:       liabIndex,
		AssetToken:      assetIndex,
		MaintHealth:     target.maintHealth.String(),
		MaxLiabTransfer: maxLiabTransfer.String(),
		SubmittedAt:     now,
	}
	if err != nil {
		attempt.Status = "send_failed"
		attempt.Error = err.Error()
		s.recordAttempt(ctx, attempt)
		return fmt.Errorf("send liq_token_with_token transaction: %w", err)
	}
	attempt.Signature = signature.String()

	if err := s.waitForConfirmation(txCtx, signature); err != nil {
		attempt.Status = "unconfirmed"
		attempt.Error = err.Error()
		s.recordAttempt(ctx, attempt)
		return fmt.Errorf("confirm liq_token_with_token %s: %w", signature, err)
	}
	attempt.Status = "confirmed"
	s.recordAttempt(ctx, attempt)

	s.logger.Info("liquidation submitted",
		"liqee", target.pubkey,
		"liab_token", liabIndex,
		"asset_token", assetIndex,
		"maint_health", target.maintHealth,
		"max_liab_transfer", maxLiabTransfer,
		"signature", signature,
	)
	return nil
}

// pickLiquidationPair returns the token with the most negative value as
// the liability and the token with the most positive value as the asset.
func (s *Service) pickLiquidationPair(gs *groupState, acc *state.MarginAccount, now int64) (
	liabIndex state.TokenIndex, liabNative fixed.I80F48, assetIndex state.TokenIndex, found bool, err error) {

	worstLiabValue := fixed.Zero()
	bestAssetValue := fixed.Zero()
	haveLiab := false
	haveAsset := false

	for _, pos := range acc.ActiveTokenPositions() {
		reg, ok := gs.group.TokenRegistration(pos.TokenIndex)
		if !ok {
			continue
		}
		bank, ok := gs.banks[reg.Bank]
		if !ok {
			continue
		}
		native, nativeErr := pos.Native(bank)
		if nativeErr != nil {
			return 0, fixed.I80F48{}, 0, false, nativeErr
		}
		value, valueErr := s.tokenValue(gs, bank, native, now)
		if valueErr != nil {
			continue
		}
		if value.Sign() < 0 && (!haveLiab || value.Cmp(worstLiabValue) < 0) {
			worstLiabValue = value
			liabIndex = pos.TokenIndex
			liabNative = native
			haveLiab = true
		}
		if value.Sign() > 0 && (!haveAsset || value.Cmp(bestAssetValue) > 0) {
			bestAssetValue = value
			assetIndex = pos.TokenIndex
			haveAsset = true
		}
	}
	return liabIndex, liabNative, assetIndex, haveLiab && haveAsset, nil
}

func (s *Service) tokenValue(gs *groupState, bank *state.Bank, native fixed.I80F48, now int64) (fixed.I80F48, error) {
	data, ok := gs.oracles[bank.Oracle]
	if !ok {
		return fixed.I80F48{}, fmt.Errorf("oracle %s not fetched", bank.Oracle)
	}
	price, err := oracle.PriceOf(data, now, bank.OracleMaxStalenessSec)
	if err != nil {
		return fixed.I80F48{}, err
	}
	return native.Mul(price)
}

func (s *Service) recordAttempt(ctx context.Context, row store.LiquidationAttemptRow) {
	if s.store == nil {
		return
	}
	if err := s.store.InsertLiquidationAttempt(ctx, row); err != nil {
		s.logger.Warn("failed to store liquidation attempt", "liqee", row.Liqee, "err", err)
	}
}

func (s *Service) getClusterUnixTime(ctx context.Context) int64 {
	slot, err := s.rpc.GetSlot(ctx, s.cfg.Commitment)
	if err != nil {
		s.logger.Warn("using local clock because getSlot failed", "err", err)
		return time.Now().Unix()
	}

	blockTime, err := s.rpc.GetBlockTime(ctx, slot)
	if err != nil || blockTime == nil {
		s.logger.Warn("using local clock because getBlockTime unavailable", "slot", slot, "err", err)
		return time.Now().Unix()
	}

	return int64(*blockTime)
}

func (s *Service) sendTransaction(ctx context.Context, instructions []solana.Instruction) (solana.Signature, error) {
	recent, err := s.rpc.GetLatestBlockhash(ctx, s.cfg.Commitment)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("get latest blockhash: %w", err)
	}

	tx, err := solana.NewTransaction(
		instructions,
		recent.Value.Blockhash,
		solana.TransactionPayer(s.signer.PublicKey()),
	)
	if err != nil {
		return solana.Signature{}, fmt.Errorf("build transaction: %w", err)
	}

	_, err = tx.Sign(func(key solana.PublicKey) *solana.PrivateKey {
		if s.signer.PublicKey().Equals(key) {
			return &s.signer
		}
		return nil
	})
	if err != nil {
		return solana.Signature{}, fmt.Errorf("sign transaction: %w", err)
	}

	opts := rpc.TransactionOpts{
		SkipPreflight:       s.cfg.SkipPreflight,
		PreflightCommitment: s.cfg.Commitment,
	}
	if s.cfg.MaxRetries != nil {
		retries := *s.cfg.MaxRetries
		opts.MaxRetries = &retries
	}

	sig, err := s.rpc.SendTransactionWithOpts(ctx, tx, opts)
	if err != nil {
		return solana.Signature{}, err
	}
	return sig, nil
}

func (s *Service) waitForConfirmation(ctx context.Context, sig solana.Signature) error {
	ticker := time.NewTicker(700 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			result, err := s.rpc.GetSignatureStatuses(ctx, true, sig)
			if err != nil {
				continue
			}
			if len(result.Value) == 0 || result.Value[0] == nil {
				continue
			}
			status := result.Value[0]
			if status.Err != nil {
				return fmt.Errorf("transaction failed: %v", status.Err)
			}
			if status.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
				status.ConfirmationStatus == rpc.ConfirmationStatusFinalized {
				return nil
			}
		}
	}
}

func newLiqTokenWithTokenInstruction(
	programID solana.PublicKey,
	liqor solana.PublicKey,
	liqorAccount solana.PublicKey,
	liqeeAccount solana.PublicKey,
	group solana.PublicKey,
	assetBank solana.PublicKey,
	liabBank solana.PublicKey,
	assetTokenIndex state.TokenIndex,
	liabTokenIndex state.TokenIndex,
	maxLiabTransfer fixed.I80F48,
	healthAccounts []solana.PublicKey,
) solana.Instruction {
	data := make([]byte, 0, 8+2+2+16)
	data = append(data, liqTokenWithTokenDisc[:]...)
	data = binary.LittleEndian.AppendUint16(data, assetTokenIndex)
	data = binary.LittleEndian.AppendUint16(data, liabTokenIndex)
	rawTransfer := maxLiabTransfer.MarshalBinary()
	data = append(data, rawTransfer[:]...)

	accounts := solana.AccountMetaSlice{
		solana.NewAccountMeta(liqor, false, true),
		solana.NewAccountMeta(liqorAccount, true, false),
		solana.NewAccountMeta(liqeeAccount, true, false),
		solana.NewAccountMeta(group, false, false),
		solana.NewAccountMeta(assetBank, true, false),
		solana.NewAccountMeta(liabBank, true, false),
	}
	for _, key := range healthAccounts {
		accounts = append(accounts, solana.NewAccountMeta(key, false, false))
	}

	return solana.NewInstruction(programID, accounts, data)
}

func anchorInstructionDiscriminator(ixName string) [8]byte {
	hash := sha256.Sum256([]byte("global:" + ixName))
	var out [8]byte
	copy(out[:], hash[:8])
	return out
}
