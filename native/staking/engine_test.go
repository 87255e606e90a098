package staking

import (
	"errors"
	"math/big"
	"testing"

	"gridsettle/core/errs"
	"gridsettle/core/events"
	"gridsettle/core/types"
)

type mockState struct {
	validators map[types.Address]*Validator
	pool       RewardPool
	params     Params
	stats      Stats
}

func newMockState() *mockState {
	return &mockState{
		validators: make(map[types.Address]*Validator),
		params: Params{
			MinimumStake:      big.NewInt(100),
			MaximumValidators: 10,
			UnbondingPeriod:   1_000,
			SlashingBp:        1_000,
		},
	}
}

func (m *mockState) ValidatorPut(v *Validator) error {
	if v == nil {
		return errors.New("nil validator")
	}
	if v.StakedAmount != nil && v.StakedAmount.Sign() < 0 {
		return errors.New("negative stake")
	}
	m.validators[v.Address] = v.Clone()
	return nil
}

func (m *mockState) ValidatorGet(addr types.Address) (*Validator, bool) {
	v, ok := m.validators[addr]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

func (m *mockState) ValidatorDelete(addr types.Address) error {
	delete(m.validators, addr)
	return nil
}

func (m *mockState) ValidatorAddresses() []types.Address {
	out := make([]types.Address, 0, len(m.validators))
	for addr := range m.validators {
		out = append(out, addr)
	}
	return out
}

func (m *mockState) RewardPool() RewardPool { return m.pool.Clone() }

func (m *mockState) SetRewardPool(pool RewardPool) error {
	m.pool = pool.Clone()
	return nil
}

func (m *mockState) StakingParams() Params { return m.params.Clone() }

func (m *mockState) SetStakingParams(params Params) error {
	m.params = params.Clone()
	return nil
}

func (m *mockState) StakingStats() Stats { return m.stats.Clone() }

func (m *mockState) SetStakingStats(stats Stats) error {
	m.stats = stats.Clone()
	return nil
}

type mockLedger struct {
	balances map[types.Address]*big.Int
}

func newMockLedger() *mockLedger {
	return &mockLedger{balances: make(map[types.Address]*big.Int)}
}

func (m *mockLedger) balance(addr types.Address) *big.Int {
	if v, ok := m.balances[addr]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

func (m *mockLedger) Move(from, to types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() == 0 {
		return nil
	}
	have := m.balance(from)
	if have.Cmp(amount) < 0 {
		return errs.InsufficientFundsf("balance %s below settlement amount %s", have, amount)
	}
	m.balances[from] = have.Sub(have, amount)
	m.balances[to] = new(big.Int).Add(m.balance(to), amount)
	return nil
}

func addr(b byte) types.Address {
	var a types.Address
	a[19] = b
	return a
}

var (
	vault       = addr(0xe1)
	rewardsPool = addr(0xe2)
	penaltySink = addr(0xe3)
	distributor = addr(0xd0)
)

func newTestEngine(t *testing.T) (*Engine, *mockState, *mockLedger, *events.Capture, *int64) {
	t.Helper()
	state := newMockState()
	ledger := newMockLedger()
	engine := NewEngine(ledger, vault, rewardsPool, penaltySink)
	engine.SetState(state)
	capture := &events.Capture{}
	engine.SetEmitter(capture)
	now := int64(1_000_000)
	engine.SetNowFunc(func() int64 { return now })
	return engine, state, ledger, capture, &now
}

func TestStakeRegistersValidator(t *testing.T) {
	engine, state, ledger, capture, _ := newTestEngine(t)
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)

	if _, err := engine.Stake(caller, big.NewInt(50), ""); !errors.Is(err, errs.ErrInsufficientFunds) {
		t.Fatalf("below minimum: err = %v, want insufficient funds", err)
	}
	v, err := engine.Stake(caller, big.NewInt(500), "meter-42")
	if err != nil {
		t.Fatalf("stake: %v", err)
	}
	if !v.Active || v.StakedAmount.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("validator = %+v, want active with 500 staked", v)
	}
	if got := ledger.balance(vault); got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("vault = %s, want 500", got)
	}
	if state.stats.ActiveValidators != 1 || state.stats.TotalStaked.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("stats = %+v", state.stats)
	}
	if _, err := engine.Stake(caller, big.NewInt(500), ""); !errors.Is(err, errs.ErrState) {
		t.Fatalf("duplicate stake: err = %v, want state", err)
	}
	if !capture.Seen(events.TypeValidatorStaked) {
		t.Fatalf("expected %s event", events.TypeValidatorStaked)
	}
}

func TestStakeEnforcesValidatorCap(t *testing.T) {
	engine, state, ledger, _, _ := newTestEngine(t)
	state.params.MaximumValidators = 2
	for i := byte(1); i <= 2; i++ {
		ledger.balances[addr(i)] = big.NewInt(1_000)
		if _, err := engine.Stake(addr(i), big.NewInt(500), ""); err != nil {
			t.Fatalf("stake %d: %v", i, err)
		}
	}
	ledger.balances[addr(3)] = big.NewInt(1_000)
	if _, err := engine.Stake(addr(3), big.NewInt(500), ""); !errors.Is(err, errs.ErrState) {
		t.Fatalf("stake past cap: err = %v, want state", err)
	}

	// an unbonding validator frees a slot
	if err := engine.RequestUnstake(addr(1)); err != nil {
		t.Fatalf("request unstake: %v", err)
	}
	if _, err := engine.Stake(addr(3), big.NewInt(500), ""); err != nil {
		t.Fatalf("stake into freed slot: %v", err)
	}
}

func TestUnstakeLifecycle(t *testing.T) {
	engine, _, ledger, capture, now := newTestEngine(t)
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)

	if _, err := engine.Stake(caller, big.NewInt(800), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if _, err := engine.Unstake(caller); !errors.Is(err, errs.ErrState) {
		t.Fatalf("unstake without request: err = %v, want state", err)
	}
	if err := engine.RequestUnstake(caller); err != nil {
		t.Fatalf("request: %v", err)
	}
	if err := engine.RequestUnstake(caller); !errors.Is(err, errs.ErrState) {
		t.Fatalf("repeat request: err = %v, want state", err)
	}
	if err := engine.AddStake(caller, big.NewInt(100)); !errors.Is(err, errs.ErrState) {
		t.Fatalf("top-up while unbonding: err = %v, want state", err)
	}
	if _, err := engine.Unstake(caller); !errors.Is(err, errs.ErrTiming) {
		t.Fatalf("early unstake: err = %v, want timing", err)
	}

	*now += 1_000
	returned, err := engine.Unstake(caller)
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if returned.Cmp(big.NewInt(800)) != 0 {
		t.Fatalf("returned = %s, want 800", returned)
	}
	if got := ledger.balance(caller); got.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("caller balance = %s, want 1000", got)
	}
	if _, err := engine.GetValidatorInfo(caller); !errors.Is(err, errs.ErrNotFound) {
		t.Fatalf("record survived unstake: err = %v", err)
	}
	if !capture.Seen(events.TypeValidatorUnstaked) {
		t.Fatalf("expected %s event", events.TypeValidatorUnstaked)
	}
}

func TestRewardsAccrueProportionally(t *testing.T) {
	engine, _, ledger, _, now := newTestEngine(t)
	small, large := addr(1), addr(2)
	ledger.balances[small] = big.NewInt(100)
	ledger.balances[large] = big.NewInt(200)
	ledger.balances[distributor] = big.NewInt(10_000)

	if _, err := engine.Stake(small, big.NewInt(100), ""); err != nil {
		t.Fatalf("stake small: %v", err)
	}
	if _, err := engine.Stake(large, big.NewInt(200), ""); err != nil {
		t.Fatalf("stake large: %v", err)
	}
	if err := engine.AddRewards(distributor, big.NewInt(1_000), 100); err != nil {
		t.Fatalf("add rewards: %v", err)
	}

	*now += 100
	earnedSmall, err := engine.Earned(small)
	if err != nil {
		t.Fatalf("earned small: %v", err)
	}
	earnedLarge, err := engine.Earned(large)
	if err != nil {
		t.Fatalf("earned large: %v", err)
	}
	// proportional to stake within one base unit of truncation each
	if earnedSmall.Cmp(big.NewInt(332)) < 0 || earnedSmall.Cmp(big.NewInt(334)) > 0 {
		t.Fatalf("small earned = %s, want ~333", earnedSmall)
	}
	if earnedLarge.Cmp(big.NewInt(665)) < 0 || earnedLarge.Cmp(big.NewInt(667)) > 0 {
		t.Fatalf("large earned = %s, want ~666", earnedLarge)
	}
	sum := new(big.Int).Add(earnedSmall, earnedLarge)
	if sum.Cmp(big.NewInt(1_000)) > 0 {
		t.Fatalf("earned sum %s exceeds funded 1000", sum)
	}

	got, err := engine.ClaimRewards(small)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if got.Cmp(earnedSmall) != 0 {
		t.Fatalf("claim = %s, earned = %s", got, earnedSmall)
	}
	if ledger.balance(small).Cmp(earnedSmall) != 0 {
		t.Fatalf("small balance = %s, want %s", ledger.balance(small), earnedSmall)
	}
	if _, err := engine.ClaimRewards(small); !errors.Is(err, errs.ErrState) {
		t.Fatalf("re-claim: err = %v, want state", err)
	}
}

func TestAccrualStopsAfterPeriodFinish(t *testing.T) {
	engine, _, ledger, _, now := newTestEngine(t)
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)
	ledger.balances[distributor] = big.NewInt(10_000)

	if _, err := engine.Stake(caller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.AddRewards(distributor, big.NewInt(500), 100); err != nil {
		t.Fatalf("add rewards: %v", err)
	}

	*now += 1_000
	got, err := engine.Earned(caller)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	if got.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("earned = %s, want 500 capped at period finish", got)
	}
}

func TestUnbondingValidatorStopsAccruing(t *testing.T) {
	engine, _, ledger, _, now := newTestEngine(t)
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)
	ledger.balances[distributor] = big.NewInt(10_000)

	if _, err := engine.Stake(caller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	if err := engine.AddRewards(distributor, big.NewInt(1_000), 100); err != nil {
		t.Fatalf("add rewards: %v", err)
	}

	*now += 50
	if err := engine.RequestUnstake(caller); err != nil {
		t.Fatalf("request: %v", err)
	}
	frozen, err := engine.Earned(caller)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	if frozen.Cmp(big.NewInt(500)) != 0 {
		t.Fatalf("frozen reward = %s, want 500", frozen)
	}

	*now += 50
	later, err := engine.Earned(caller)
	if err != nil {
		t.Fatalf("earned: %v", err)
	}
	if later.Cmp(frozen) != 0 {
		t.Fatalf("reward kept accruing after unstake request: %s -> %s", frozen, later)
	}
}

func TestAddRewardsFoldsLeftoverIntoNewPeriod(t *testing.T) {
	engine, state, ledger, _, now := newTestEngine(t)
	ledger.balances[distributor] = big.NewInt(10_000)

	if err := engine.AddRewards(distributor, big.NewInt(1_000), 100); err != nil {
		t.Fatalf("first period: %v", err)
	}
	*now += 50
	if err := engine.AddRewards(distributor, big.NewInt(1_000), 100); err != nil {
		t.Fatalf("second period: %v", err)
	}
	// 500 unspent from the first period folds into the new rate
	want := new(big.Int).Mul(big.NewInt(15), rewardUnit)
	if got := state.pool.RewardRate; got.Cmp(want) != 0 {
		t.Fatalf("reward rate = %s, want 15 per second scaled", got)
	}
	if got := state.pool.PeriodFinish; got != *now+100 {
		t.Fatalf("period finish = %d, want %d", got, *now+100)
	}
	if got := ledger.balance(rewardsPool); got.Cmp(big.NewInt(2_000)) != 0 {
		t.Fatalf("rewards vault = %s, want 2000", got)
	}

	if err := engine.AddRewards(distributor, big.NewInt(0), 100); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("zero amount: err = %v, want validation", err)
	}
	if err := engine.AddRewards(distributor, big.NewInt(100), 0); !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("zero duration: err = %v, want validation", err)
	}
}

func TestRewardsDistributableWhenBudgetBelowDuration(t *testing.T) {
	engine, _, ledger, _, now := newTestEngine(t)
	week := int64(604_800)
	a, b := addr(1), addr(2)
	ledger.balances[a] = big.NewInt(1_000)
	ledger.balances[b] = big.NewInt(1_000)
	ledger.balances[distributor] = big.NewInt(1_000)

	if _, err := engine.Stake(a, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake a: %v", err)
	}
	if _, err := engine.Stake(b, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake b: %v", err)
	}
	// budget well below the period length in seconds
	if err := engine.AddRewards(distributor, big.NewInt(1_000), week); err != nil {
		t.Fatalf("add rewards: %v", err)
	}

	*now += week
	earnedA, err := engine.Earned(a)
	if err != nil {
		t.Fatalf("earned a: %v", err)
	}
	earnedB, err := engine.Earned(b)
	if err != nil {
		t.Fatalf("earned b: %v", err)
	}
	// equal stake over the full period splits the budget evenly, with at
	// most one base unit lost to truncation per validator
	if earnedA.Cmp(big.NewInt(499)) < 0 || earnedA.Cmp(big.NewInt(500)) > 0 {
		t.Fatalf("earned a = %s, want ~500", earnedA)
	}
	if earnedB.Cmp(earnedA) != 0 {
		t.Fatalf("earned b = %s, want %s", earnedB, earnedA)
	}
	sum := new(big.Int).Add(earnedA, earnedB)
	if sum.Cmp(big.NewInt(1_000)) > 0 {
		t.Fatalf("earned sum %s exceeds funded 1000", sum)
	}

	claimed, err := engine.ClaimRewards(a)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Cmp(earnedA) != 0 {
		t.Fatalf("claim = %s, earned = %s", claimed, earnedA)
	}
}

func TestSlashReducesStakeAndUnstakePayout(t *testing.T) {
	engine, state, ledger, capture, now := newTestEngine(t)
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)

	if _, err := engine.Stake(caller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	slashed, err := engine.SlashValidator(caller, "missed delivery")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	// 1000 bp of 1000
	if slashed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("slashed = %s, want 100", slashed)
	}
	if got := ledger.balance(penaltySink); got.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("penalty sink = %s, want 100", got)
	}
	v, err := engine.GetValidatorInfo(caller)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if !v.Slashed || v.StakedAmount.Cmp(big.NewInt(900)) != 0 || v.SlashedAmount.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("validator after slash = %+v", v)
	}
	if state.stats.TotalSlashed.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("total slashed = %s, want 100", state.stats.TotalSlashed)
	}
	if state.stats.TotalStaked.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("total staked = %s, want 900", state.stats.TotalStaked)
	}
	if !capture.Seen(events.TypeValidatorSlashed) {
		t.Fatalf("expected %s event", events.TypeValidatorSlashed)
	}

	if err := engine.RequestUnstake(caller); err != nil {
		t.Fatalf("request: %v", err)
	}
	*now += 1_000
	returned, err := engine.Unstake(caller)
	if err != nil {
		t.Fatalf("unstake: %v", err)
	}
	if returned.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("returned = %s, want stake net of slash", returned)
	}
}

func TestZeroRateSlashLeavesValidatorUnmarked(t *testing.T) {
	engine, state, ledger, capture, _ := newTestEngine(t)
	state.params.SlashingBp = 0
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(1_000)

	if _, err := engine.Stake(caller, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	slashed, err := engine.SlashValidator(caller, "noop")
	if err != nil {
		t.Fatalf("slash: %v", err)
	}
	if slashed.Sign() != 0 {
		t.Fatalf("slashed = %s, want 0", slashed)
	}
	v, err := engine.GetValidatorInfo(caller)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if v.Slashed || v.SlashedAmount.Sign() != 0 || v.StakedAmount.Cmp(big.NewInt(1_000)) != 0 {
		t.Fatalf("validator mutated by zero slash: %+v", v)
	}
	if got := ledger.balance(penaltySink); got.Sign() != 0 {
		t.Fatalf("penalty sink = %s, want 0", got)
	}
	if capture.Seen(events.TypeValidatorSlashed) {
		t.Fatalf("unexpected %s event", events.TypeValidatorSlashed)
	}
}

func TestSlashNeverExceedsStake(t *testing.T) {
	engine, state, ledger, _, _ := newTestEngine(t)
	state.params.SlashingBp = 5_000
	caller := addr(1)
	ledger.balances[caller] = big.NewInt(100)

	if _, err := engine.Stake(caller, big.NewInt(100), ""); err != nil {
		t.Fatalf("stake: %v", err)
	}
	for i := 0; i < 20; i++ {
		if _, err := engine.SlashValidator(caller, "repeat offender"); err != nil {
			t.Fatalf("slash %d: %v", i, err)
		}
	}
	v, err := engine.GetValidatorInfo(caller)
	if err != nil {
		t.Fatalf("info: %v", err)
	}
	if v.StakedAmount.Sign() < 0 {
		t.Fatalf("stake went negative: %s", v.StakedAmount)
	}
	total := new(big.Int).Add(v.StakedAmount, v.SlashedAmount)
	if total.Cmp(big.NewInt(100)) != 0 {
		t.Fatalf("stake + slashed = %s, want original 100", total)
	}
}

func TestSetStakingParametersValidation(t *testing.T) {
	engine, state, _, _, _ := newTestEngine(t)

	err := engine.SetStakingParameters(Params{MinimumStake: big.NewInt(1), SlashingBp: 5_001})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("slashing past hard cap: err = %v, want validation", err)
	}
	err = engine.SetStakingParameters(Params{MinimumStake: big.NewInt(0), SlashingBp: 100})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("zero minimum stake: err = %v, want validation", err)
	}
	err = engine.SetStakingParameters(Params{MinimumStake: big.NewInt(10), UnbondingPeriod: -1})
	if !errors.Is(err, errs.ErrValidation) {
		t.Fatalf("negative unbonding: err = %v, want validation", err)
	}
	err = engine.SetStakingParameters(Params{
		MinimumStake:      big.NewInt(10),
		MaximumValidators: 5,
		UnbondingPeriod:   60,
		SlashingBp:        500,
	})
	if err != nil {
		t.Fatalf("valid params: %v", err)
	}
	if state.params.SlashingBp != 500 || state.params.MaximumValidators != 5 {
		t.Fatalf("params not stored: %+v", state.params)
	}
}

func TestGetActiveValidatorsSortedByAddress(t *testing.T) {
	engine, _, ledger, _, _ := newTestEngine(t)
	for _, b := range []byte{7, 3, 5} {
		ledger.balances[addr(b)] = big.NewInt(1_000)
		if _, err := engine.Stake(addr(b), big.NewInt(500), ""); err != nil {
			t.Fatalf("stake %d: %v", b, err)
		}
	}
	if err := engine.RequestUnstake(addr(5)); err != nil {
		t.Fatalf("request: %v", err)
	}

	active, err := engine.GetActiveValidators()
	if err != nil {
		t.Fatalf("active validators: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("active = %d, want 2", len(active))
	}
	if active[0].Address != addr(3) || active[1].Address != addr(7) {
		t.Fatalf("active set out of order: %s, %s", active[0].Address, active[1].Address)
	}
}

func TestLateStakerEarnsNothingFromEarlierAccrual(t *testing.T) {
	engine, _, ledger, _, now := newTestEngine(t)
	early, late := addr(1), addr(2)
	ledger.balances[early] = big.NewInt(1_000)
	ledger.balances[late] = big.NewInt(1_000)
	ledger.balances[distributor] = big.NewInt(10_000)

	if _, err := engine.Stake(early, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake early: %v", err)
	}
	if err := engine.AddRewards(distributor, big.NewInt(1_000), 100); err != nil {
		t.Fatalf("add rewards: %v", err)
	}

	*now += 50
	if _, err := engine.Stake(late, big.NewInt(1_000), ""); err != nil {
		t.Fatalf("stake late: %v", err)
	}

	*now += 50
	gotEarly, err := engine.Earned(early)
	if err != nil {
		t.Fatalf("earned early: %v", err)
	}
	gotLate, err := engine.Earned(late)
	if err != nil {
		t.Fatalf("earned late: %v", err)
	}
	// early: 500 alone + 250 shared; late: 250 shared
	if gotEarly.Cmp(big.NewInt(750)) != 0 {
		t.Fatalf("early earned = %s, want 750", gotEarly)
	}
	if gotLate.Cmp(big.NewInt(250)) != 0 {
		t.Fatalf("late earned = %s, want 250", gotLate)
	}
}
