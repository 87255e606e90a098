package core

import (
	"errors"
	"math/big"
	"testing"

	"gridsettle/core/errs"
	"gridsettle/core/types"
	"gridsettle/journal"
	nativecommon "gridsettle/native/common"
	"gridsettle/native/staking"
	"gridsettle/native/token"
	"gridsettle/native/trading"
	"gridsettle/state"
	"gridsettle/storage"
)

func addr(b byte) types.Address {
	var a types.Address
	a[19] = b
	return a
}

func nonce(b byte) [32]byte {
	var n [32]byte
	n[31] = b
	return n
}

var (
	admin     = addr(0xad)
	collector = addr(0xfe)
	seller    = addr(1)
	buyer     = addr(2)
)

func testParams() Params {
	return Params{
		MaxSupply: big.NewInt(1_000_000_000),
		FeeConfig: token.FeeConfig{
			TransferFeeBp: 0,
			TradingFeeBp:  25,
			FeeCollector:  collector,
			MaxFeeBp:      500,
		},
		TradingLimits: trading.Limits{
			MinTradeAmount: big.NewInt(1),
			MaxTradeAmount: big.NewInt(1_000_000),
			EscrowDelay:    3_600,
		},
		StakingParams: staking.Params{
			MinimumStake:      big.NewInt(100),
			MaximumValidators: 10,
			UnbondingPeriod:   1_000,
			SlashingBp:        1_000,
		},
		PriceFreshness:   900,
		PriceDeviationBp: 2_000,
	}
}

func newTestProcessor(t *testing.T) (*Processor, *state.Manager, *int64) {
	t.Helper()
	mgr := state.NewManager(nil)
	p := NewProcessor(mgr, testParams())
	now := int64(1_000_000)
	p.SetNowFunc(func() int64 { return now })
	for _, c := range []Capability{CapAdmin, CapMinter, CapFeeManager, CapDisputeResolver, CapRewardDistributor, CapSlasher} {
		p.Roles().Grant(admin, c)
	}
	return p, mgr, &now
}

func requireConserved(t *testing.T, mgr *state.Manager) {
	t.Helper()
	if err := mgr.CheckConservation(); err != nil {
		t.Fatalf("conservation violated: %v", err)
	}
}

func TestSupplyConservedAcrossSettlementFlow(t *testing.T) {
	p, mgr, now := newTestProcessor(t)

	if err := p.Mint(admin, seller, big.NewInt(100_000), "genesis"); err != nil {
		t.Fatalf("mint seller: %v", err)
	}
	if err := p.Mint(admin, buyer, big.NewInt(100_000), "genesis"); err != nil {
		t.Fatalf("mint buyer: %v", err)
	}
	requireConserved(t, mgr)

	offer, err := p.CreateOffer(seller, trading.OfferSell, big.NewInt(100), big.NewInt(100), *now+7_200, "grid-7", "solar", nonce(1))
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	trade, err := p.AcceptOffer(buyer, offer.ID, big.NewInt(100))
	if err != nil {
		t.Fatalf("accept offer: %v", err)
	}
	requireConserved(t, mgr)

	*now += 3_601
	if err := p.ReleaseEscrow(seller, trade.ID); err != nil {
		t.Fatalf("release: %v", err)
	}
	requireConserved(t, mgr)

	balSeller, err := p.BalanceOf(seller)
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	// 10000 escrowed, 25 bp fee
	if balSeller.Cmp(big.NewInt(109_975)) != 0 {
		t.Fatalf("seller balance = %s, want 109975", balSeller)
	}
	balCollector, _ := p.BalanceOf(collector)
	if balCollector.Cmp(big.NewInt(25)) != 0 {
		t.Fatalf("collector balance = %s, want 25", balCollector)
	}

	if _, err := p.Stake(seller, big.NewInt(50_000), "meter-7"); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := p.AddRewards(admin, big.NewInt(1), 1); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("unfunded distributor: err = %v, want insufficient funds", err)
	}
	if err := p.Mint(admin, admin, big.NewInt(10_000), "rewards budget"); err != nil {
		t.Fatalf("mint rewards: %v", err)
	}
	if err := p.AddRewards(admin, big.NewInt(10_000), 100); err != nil {
		t.Fatalf("add rewards: %v", err)
	}
	requireConserved(t, mgr)

	*now += 100
	reward, err := p.ClaimRewards(seller)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reward.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("reward = %s, want full 10000", reward)
	}
	requireConserved(t, mgr)

	slashed, err := p.SlashValidator(admin, seller, "missed delivery")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if slashed.Cmp(big.NewInt(5_000)) != 0 {
		t.Fatalf("slashed = %s, want 10%% of 50000", slashed)
	}
	requireConserved(t, mgr)

	if err := p.Burn(buyer, big.NewInt(40_000)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	requireConserved(t, mgr)
}

func TestFailedOperationRollsBackState(t *testing.T) {
	p, mgr, now := newTestProcessor(t)
	if err := p.Mint(admin, buyer, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	snapBalance, _ := p.BalanceOf(buyer)

	offer, err := p.CreateOffer(seller, trading.OfferSell, big.NewInt(500), big.NewInt(100), *now+7_200, "", "", nonce(1))
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	// fill needs 50000, buyer holds 1000: the fill must fail atomically
	_, err = p.AcceptOffer(buyer, offer.ID, big.NewInt(500))
	if !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want insufficient funds", err)
	}

	got, _ := p.BalanceOf(buyer)
	if got.Cmp(snapBalance) != 0 {
		t.Fatalf("buyer balance = %s, want untouched %s", got, snapBalance)
	}
	stored, err := p.GetOffer(offer.ID)
	if err != nil {
		t.Fatalf("get offer: %v", err)
	}
	if stored.Remaining.Cmp(big.NewInt(500)) != 0 || stored.Fills != 0 {
		t.Fatalf("offer mutated by failed fill: %+v", stored)
	}
	stats, _ := p.GetTradingStats()
	if stats.TotalTrades != 0 {
		t.Fatalf("stats mutated by failed fill: %+v", stats)
	}
	requireConserved(t, mgr)
}

func TestCapabilityGating(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	intruder := addr(0x66)

	if err := p.Mint(intruder, intruder, big.NewInt(100), ""); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("mint without capability: err = %v, want authorization", err)
	}
	if err := p.SetTransferFee(intruder, 10); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("fee without capability: err = %v, want authorization", err)
	}
	if err := p.Blacklist(intruder, buyer); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("blacklist without capability: err = %v, want authorization", err)
	}
	if _, err := p.SlashValidator(intruder, seller, "grudge"); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("slash without capability: err = %v, want authorization", err)
	}
	if err := p.GrantRole(intruder, intruder, CapMinter); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("self-grant: err = %v, want authorization", err)
	}

	// admin alone does not imply minter
	adminOnly := addr(0x67)
	p.Roles().Grant(adminOnly, CapAdmin)
	if err := p.Mint(adminOnly, adminOnly, big.NewInt(100), ""); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("admin minting without minter capability: err = %v, want authorization", err)
	}
	if err := p.GrantRole(admin, adminOnly, CapMinter); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := p.Mint(adminOnly, adminOnly, big.NewInt(100), ""); err != nil {
		t.Fatalf("mint after grant: %v", err)
	}
	if err := p.RevokeRole(admin, adminOnly, CapMinter); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if err := p.Mint(adminOnly, adminOnly, big.NewInt(100), ""); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("mint after revoke: err = %v, want authorization", err)
	}
}

func TestJournalRecordsCommittedOperationsOnly(t *testing.T) {
	p, _, _ := newTestProcessor(t)
	db := storage.NewMemDB()
	j, err := journal.Open(db)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	p.SetJournal(j)

	if err := p.Mint(admin, buyer, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := p.Transfer(buyer, seller, big.NewInt(100)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	// failed call must not journal
	if err := p.Transfer(buyer, seller, big.NewInt(1_000_000)); err == nil {
		t.Fatal("oversized transfer succeeded")
	}
	if j.Len() != 2 {
		t.Fatalf("journal len = %d, want 2", j.Len())
	}

	var ops []string
	if err := j.Replay(func(rec journal.Record) error {
		ops = append(ops, rec.Op)
		return nil
	}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(ops) != 2 || ops[0] != "token.mint" || ops[1] != "token.transfer" {
		t.Fatalf("journal ops = %v", ops)
	}
}

type faultyDB struct {
	*storage.MemDB
	failPuts bool
}

func (db *faultyDB) Put(key, value []byte) error {
	if db.failPuts {
		return errors.New("disk full")
	}
	return db.MemDB.Put(key, value)
}

func TestJournalFailureRevertsRoleGrant(t *testing.T) {
	p, mgr, _ := newTestProcessor(t)
	db := &faultyDB{MemDB: storage.NewMemDB()}
	j, err := journal.Open(db)
	if err != nil {
		t.Fatalf("open journal: %v", err)
	}
	p.SetJournal(j)
	target := addr(0x70)

	db.failPuts = true
	if err := p.GrantRole(admin, target, CapMinter); err == nil {
		t.Fatal("grant committed despite journal failure")
	}
	if p.Roles().Has(target, CapMinter) {
		t.Fatal("grant survived journal failure")
	}
	if err := p.Mint(target, target, big.NewInt(1), ""); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("mint after failed grant: err = %v, want authorization", err)
	}

	db.failPuts = false
	if err := p.GrantRole(admin, target, CapMinter); err != nil {
		t.Fatalf("grant: %v", err)
	}
	if err := p.Mint(target, target, big.NewInt(1), ""); err != nil {
		t.Fatalf("mint after grant: %v", err)
	}
	requireConserved(t, mgr)
}

func TestPausedModuleRejectsWrites(t *testing.T) {
	mgr := state.NewManager(nil)
	params := testParams()
	params.Pauses = nativecommon.StaticPauses{"trading": true}
	p := NewProcessor(mgr, params)
	now := int64(1_000_000)
	p.SetNowFunc(func() int64 { return now })
	p.Roles().Grant(admin, CapMinter)

	if err := p.Mint(admin, seller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("mint on unpaused module: %v", err)
	}
	_, err := p.CreateOffer(seller, trading.OfferSell, big.NewInt(100), big.NewInt(10), now+100, "", "", nonce(1))
	if !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("create on paused trading: err = %v, want paused", err)
	}
	if _, err := p.Stake(seller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake on unpaused staking: %v", err)
	}

	params.Pauses = nativecommon.StaticPauses{"token": true}
	frozen := NewProcessor(state.NewManager(nil), params)
	frozen.Roles().Grant(admin, CapMinter)
	if err := frozen.Mint(admin, seller, big.NewInt(1), ""); !errors.Is(err, nativecommon.ErrModulePaused) {
		t.Fatalf("mint on paused token module: err = %v, want paused", err)
	}
}

func TestDisputeResolutionThroughProcessor(t *testing.T) {
	p, mgr, now := newTestProcessor(t)
	if err := p.Mint(admin, buyer, big.NewInt(100_000), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	offer, err := p.CreateOffer(seller, trading.OfferSell, big.NewInt(100), big.NewInt(100), *now+7_200, "", "", nonce(1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	trade, err := p.AcceptOffer(buyer, offer.ID, big.NewInt(100))
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := p.InitiateDispute(buyer, trade.ID, "no delivery"); err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if err := p.ResolveDispute(buyer, trade.ID, buyer, big.NewInt(10_000)); !errors.Is(err, errs.ErrAuthorization) {
		t.Fatalf("resolve without capability: err = %v, want authorization", err)
	}
	if err := p.ResolveDispute(admin, trade.ID, buyer, big.NewInt(10_000)); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	bal, _ := p.BalanceOf(buyer)
	if bal.Cmp(big.NewInt(100_000)) != 0 {
		t.Fatalf("buyer refund = %s, want full 100000", bal)
	}
	requireConserved(t, mgr)
}

func TestReadsThroughProcessor(t *testing.T) {
	p, _, now := newTestProcessor(t)
	if err := p.Mint(admin, seller, big.NewInt(10_000), ""); err != nil {
		t.Fatalf("mint: %v", err)
	}
	for i := byte(1); i <= 3; i++ {
		if _, err := p.CreateOffer(seller, trading.OfferSell, big.NewInt(100), big.NewInt(int64(i)), *now+7_200, "", "", nonce(i)); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}
	page, err := p.GetActiveOffers(1, 2)
	if err != nil {
		t.Fatalf("active offers: %v", err)
	}
	if len(page) != 2 {
		t.Fatalf("page = %d offers, want 2", len(page))
	}
	mine, err := p.GetUserOffers(seller)
	if err != nil {
		t.Fatalf("user offers: %v", err)
	}
	if len(mine) != 3 {
		t.Fatalf("user offers = %d, want 3", len(mine))
	}
	supply, err := p.TotalSupply()
	if err != nil {
		t.Fatalf("supply: %v", err)
	}
	if supply.Cmp(big.NewInt(10_000)) != 0 {
		t.Fatalf("supply = %s, want 10000", supply)
	}

	if err := p.SubmitPrice("meter-1", trading.PairEnergy, big.NewRat(2, 1)); err != nil {
		t.Fatalf("submit price: %v", err)
	}
	ref, ok := p.ReferencePrice(trading.PairEnergy)
	if !ok || ref.Cmp(big.NewRat(2, 1)) != 0 {
		t.Fatalf("reference = %v, want 2", ref)
	}
}
