package staking

import (
	"bytes"
	"errors"
	"math/big"
	"sort"
	"time"

	"gridsettle/core/errs"
	"gridsettle/core/events"
	"gridsettle/core/types"
	nativecommon "gridsettle/native/common"
)

var (
	errNilState  = errors.New("staking engine: state not configured")
	errNilLedger = errors.New("staking engine: ledger not configured")
)

const moduleName = "staking"

// maxSlashingBp caps the per-event slashing rate at 50%.
const maxSlashingBp = 5000

type engineState interface {
	ValidatorPut(*Validator) error
	ValidatorGet(addr types.Address) (*Validator, bool)
	ValidatorDelete(addr types.Address) error
	ValidatorAddresses() []types.Address
	RewardPool() RewardPool
	SetRewardPool(RewardPool) error
	StakingParams() Params
	SetStakingParams(Params) error
	StakingStats() Stats
	SetStakingStats(Stats) error
}

type settlementLedger interface {
	Move(from, to types.Address, amount *big.Int) error
}

// Engine owns the validator registry, the reward-per-token accrual pool and
// the slashing rules. Staked funds live in the staking vault account; reward
// funding lives in the rewards vault; confiscations go to the penalty sink.
type Engine struct {
	state       engineState
	ledger      settlementLedger
	vault       types.Address
	rewardsPool types.Address
	penaltySink types.Address
	emitter     events.Emitter
	nowFn       func() int64
	pauses      nativecommon.PauseView
}

// NewEngine creates a staking engine bound to the supplied ledger and vault
// addresses.
func NewEngine(ledger settlementLedger, vault, rewardsPool, penaltySink types.Address) *Engine {
	return &Engine{
		ledger:      ledger,
		vault:       vault,
		rewardsPool: rewardsPool,
		penaltySink: penaltySink,
		emitter:     events.NoopEmitter{},
		nowFn:       func() int64 { return time.Now().Unix() },
	}
}

// SetState configures the state backend.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetEmitter configures the event emitter used by the engine.
func (e *Engine) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		e.emitter = events.NoopEmitter{}
		return
	}
	e.emitter = emitter
}

// SetPauses configures the administrative pause view.
func (e *Engine) SetPauses(p nativecommon.PauseView) { e.pauses = p }

// SetNowFunc overrides the time source, primarily used in tests.
func (e *Engine) SetNowFunc(now func() int64) {
	if now == nil {
		e.nowFn = func() int64 { return time.Now().Unix() }
		return
	}
	e.nowFn = now
}

func (e *Engine) emit(evt events.Event) {
	if e == nil || e.emitter == nil || evt == nil {
		return
	}
	e.emitter.Emit(evt)
}

func (e *Engine) now() int64 {
	if e == nil || e.nowFn == nil {
		return time.Now().Unix()
	}
	return e.nowFn()
}

func (e *Engine) ready() error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if e.ledger == nil {
		return errNilLedger
	}
	return nil
}

// lastTimeRewardApplicable clamps accrual to the end of the reward period.
func lastTimeRewardApplicable(pool RewardPool, now int64) int64 {
	if now > pool.PeriodFinish {
		return pool.PeriodFinish
	}
	return now
}

// rewardPerToken extends the stored UQ128x128 index by the reward accrued
// since the last update, spread over the active stake.
func rewardPerToken(pool RewardPool, now int64) *big.Int {
	stored := cloneBigInt(pool.RewardPerTokenStored)
	if pool.TotalStaked == nil || pool.TotalStaked.Sign() == 0 {
		return stored
	}
	elapsed := lastTimeRewardApplicable(pool, now) - pool.LastUpdateTime
	if elapsed <= 0 || pool.RewardRate == nil || pool.RewardRate.Sign() == 0 {
		return stored
	}
	accrued := new(big.Int).Mul(big.NewInt(elapsed), pool.RewardRate)
	accrued.Quo(accrued, pool.TotalStaked)
	return stored.Add(stored, accrued)
}

func earned(v *Validator, index *big.Int) *big.Int {
	delta := new(big.Int).Sub(index, cloneBigInt(v.RewardPerTokenPaid))
	if delta.Sign() <= 0 {
		return cloneBigInt(v.RewardStored)
	}
	reward := new(big.Int).Mul(cloneBigInt(v.StakedAmount), delta)
	reward.Quo(reward, rewardUnit)
	return reward.Add(reward, cloneBigInt(v.RewardStored))
}

// updatePool folds accrual up to now into the stored index and persists it.
func (e *Engine) updatePool(now int64) (RewardPool, error) {
	pool := e.state.RewardPool().Clone()
	pool.RewardPerTokenStored = rewardPerToken(pool, now)
	pool.LastUpdateTime = lastTimeRewardApplicable(pool, now)
	if pool.LastUpdateTime < 0 {
		pool.LastUpdateTime = 0
	}
	if err := e.state.SetRewardPool(pool); err != nil {
		return RewardPool{}, err
	}
	return pool, nil
}

// updateValidator settles the validator's accrued reward against the current
// index. Only active validators accrue; inactive ones keep their stored
// reward frozen.
func (e *Engine) updateValidator(v *Validator, pool RewardPool) {
	if v.Active {
		v.RewardStored = earned(v, pool.RewardPerTokenStored)
	}
	v.RewardPerTokenPaid = cloneBigInt(pool.RewardPerTokenStored)
}

// Stake locks the caller's funds and registers a new active validator.
func (e *Engine) Stake(caller types.Address, amount *big.Int, metadata string) (*Validator, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	params := e.state.StakingParams()
	amt := cloneBigInt(amount)
	if params.MinimumStake != nil && amt.Cmp(params.MinimumStake) < 0 {
		return nil, errs.InsufficientFundsf("stake %s below minimum %s", amt, params.MinimumStake)
	}
	if amt.Sign() <= 0 {
		return nil, errs.Validationf("stake amount must be positive")
	}
	if _, ok := e.state.ValidatorGet(caller); ok {
		return nil, errs.Statef("validator record already exists")
	}
	stats := e.state.StakingStats().Clone()
	if params.MaximumValidators > 0 && stats.ActiveValidators >= params.MaximumValidators {
		return nil, errs.Statef("maximum of %d active validators reached", params.MaximumValidators)
	}
	now := e.now()
	pool, err := e.updatePool(now)
	if err != nil {
		return nil, err
	}
	if err := e.ledger.Move(caller, e.vault, amt); err != nil {
		return nil, err
	}
	v := &Validator{
		Address:            caller,
		StakedAmount:       amt,
		SlashedAmount:      big.NewInt(0),
		RewardPerTokenPaid: cloneBigInt(pool.RewardPerTokenStored),
		RewardStored:       big.NewInt(0),
		Active:             true,
		Metadata:           metadata,
		CreatedAt:          now,
	}
	if err := e.state.ValidatorPut(v); err != nil {
		return nil, err
	}
	pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, amt)
	if err := e.state.SetRewardPool(pool); err != nil {
		return nil, err
	}
	stats.ActiveValidators++
	stats.TotalStaked = new(big.Int).Add(stats.TotalStaked, amt)
	if err := e.state.SetStakingStats(stats); err != nil {
		return nil, err
	}
	e.emit(events.ValidatorStaked{Validator: caller, Amount: amt})
	return v.Clone(), nil
}

// AddStake tops up an existing active validator. No cap re-check applies.
func (e *Engine) AddStake(caller types.Address, amount *big.Int) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("stake amount must be positive")
	}
	v, ok := e.state.ValidatorGet(caller)
	if !ok {
		return errs.NotFoundf("validator %x", caller)
	}
	if !v.Active {
		return errs.Statef("validator is unbonding")
	}
	pool, err := e.updatePool(e.now())
	if err != nil {
		return err
	}
	e.updateValidator(v, pool)
	if err := e.ledger.Move(caller, e.vault, amt); err != nil {
		return err
	}
	v.StakedAmount = new(big.Int).Add(v.StakedAmount, amt)
	if err := e.state.ValidatorPut(v); err != nil {
		return err
	}
	pool.TotalStaked = new(big.Int).Add(pool.TotalStaked, amt)
	if err := e.state.SetRewardPool(pool); err != nil {
		return err
	}
	stats := e.state.StakingStats().Clone()
	stats.TotalStaked = new(big.Int).Add(stats.TotalStaked, amt)
	if err := e.state.SetStakingStats(stats); err != nil {
		return err
	}
	e.emit(events.StakeAdded{Validator: caller, Amount: amt, NewStake: cloneBigInt(v.StakedAmount)})
	return nil
}

// RequestUnstake removes the validator from the reward-earning active set and
// starts the unbonding clock.
func (e *Engine) RequestUnstake(caller types.Address) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	v, ok := e.state.ValidatorGet(caller)
	if !ok {
		return errs.NotFoundf("validator %x", caller)
	}
	if !v.Active {
		return errs.Statef("unstake already requested")
	}
	now := e.now()
	pool, err := e.updatePool(now)
	if err != nil {
		return err
	}
	e.updateValidator(v, pool)
	v.Active = false
	v.UnstakeRequestTime = now
	if err := e.state.ValidatorPut(v); err != nil {
		return err
	}
	pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, v.StakedAmount)
	if pool.TotalStaked.Sign() < 0 {
		pool.TotalStaked = big.NewInt(0)
	}
	if err := e.state.SetRewardPool(pool); err != nil {
		return err
	}
	stats := e.state.StakingStats().Clone()
	if stats.ActiveValidators > 0 {
		stats.ActiveValidators--
	}
	stats.TotalStaked = new(big.Int).Sub(stats.TotalStaked, v.StakedAmount)
	if stats.TotalStaked.Sign() < 0 {
		stats.TotalStaked = big.NewInt(0)
	}
	if err := e.state.SetStakingStats(stats); err != nil {
		return err
	}
	e.emit(events.UnstakeRequested{Validator: caller, RequestTime: now})
	return nil
}

// Unstake completes unbonding: the remaining stake (already net of any
// slashing) and any outstanding reward are paid back, then the record is
// deleted.
func (e *Engine) Unstake(caller types.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	v, ok := e.state.ValidatorGet(caller)
	if !ok {
		return nil, errs.NotFoundf("validator %x", caller)
	}
	if v.Active {
		return nil, errs.Statef("unstake not requested")
	}
	params := e.state.StakingParams()
	now := e.now()
	if now < v.UnstakeRequestTime+params.UnbondingPeriod {
		return nil, errs.Timingf("unbonding period not complete")
	}
	payout := cloneBigInt(v.StakedAmount)
	if payout.Sign() > 0 {
		if err := e.ledger.Move(e.vault, caller, payout); err != nil {
			return nil, err
		}
	}
	if v.RewardStored != nil && v.RewardStored.Sign() > 0 {
		if err := e.payReward(caller, cloneBigInt(v.RewardStored)); err != nil {
			return nil, err
		}
	}
	if err := e.state.ValidatorDelete(caller); err != nil {
		return nil, err
	}
	e.emit(events.ValidatorUnstaked{Validator: caller, Returned: payout})
	return payout, nil
}

// AddRewards starts a new reward period, folding any unspent remainder of the
// running period into the new rate. Funding moves from the distributor into
// the rewards vault. The rate is UQ128x128-scaled before the division so a
// budget smaller than the duration still distributes; the sub-unit dust that
// remains stays in the vault and rolls into the next period.
func (e *Engine) AddRewards(from types.Address, amount *big.Int, duration int64) error {
	if err := e.ready(); err != nil {
		return err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("reward amount must be positive")
	}
	if duration <= 0 {
		return errs.Validationf("reward duration must be positive")
	}
	now := e.now()
	pool, err := e.updatePool(now)
	if err != nil {
		return err
	}
	budget := new(big.Int).Mul(amt, rewardUnit)
	if now < pool.PeriodFinish && pool.RewardRate != nil {
		leftover := new(big.Int).Mul(big.NewInt(pool.PeriodFinish-now), pool.RewardRate)
		budget.Add(budget, leftover)
	}
	if err := e.ledger.Move(from, e.rewardsPool, amt); err != nil {
		return err
	}
	pool.RewardRate = new(big.Int).Quo(budget, big.NewInt(duration))
	pool.PeriodFinish = now + duration
	pool.LastUpdateTime = now
	if err := e.state.SetRewardPool(pool); err != nil {
		return err
	}
	e.emit(events.RewardsAdded{Amount: amt, Duration: duration, PeriodFinish: pool.PeriodFinish})
	return nil
}

// ClaimRewards pays out everything the caller has earned so far.
func (e *Engine) ClaimRewards(caller types.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	v, ok := e.state.ValidatorGet(caller)
	if !ok {
		return nil, errs.NotFoundf("validator %x", caller)
	}
	pool, err := e.updatePool(e.now())
	if err != nil {
		return nil, err
	}
	e.updateValidator(v, pool)
	reward := cloneBigInt(v.RewardStored)
	if reward.Sign() == 0 {
		return nil, errs.Statef("no rewards to claim")
	}
	if err := e.payReward(caller, reward); err != nil {
		return nil, err
	}
	v.RewardStored = big.NewInt(0)
	if err := e.state.ValidatorPut(v); err != nil {
		return nil, err
	}
	e.emit(events.RewardsClaimed{Validator: caller, Amount: reward})
	return reward, nil
}

func (e *Engine) payReward(to types.Address, reward *big.Int) error {
	if err := e.ledger.Move(e.rewardsPool, to, reward); err != nil {
		return err
	}
	stats := e.state.StakingStats().Clone()
	stats.TotalRewardsPaid = new(big.Int).Add(stats.TotalRewardsPaid, reward)
	return e.state.SetStakingStats(stats)
}

// SlashValidator confiscates floor(stake * slashingBp / 10000) to the penalty
// sink. The stake is reduced in place and can never go negative; the lifetime
// confiscation accumulates in SlashedAmount. A zero slash leaves the record
// unmarked and emits nothing.
func (e *Engine) SlashValidator(addr types.Address, reason string) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	v, ok := e.state.ValidatorGet(addr)
	if !ok {
		return nil, errs.NotFoundf("validator %x", addr)
	}
	params := e.state.StakingParams()
	pool, err := e.updatePool(e.now())
	if err != nil {
		return nil, err
	}
	e.updateValidator(v, pool)
	slash := new(big.Int).Mul(cloneBigInt(v.StakedAmount), new(big.Int).SetUint64(uint64(params.SlashingBp)))
	slash.Quo(slash, big.NewInt(10_000))
	if slash.Cmp(v.StakedAmount) > 0 {
		slash = cloneBigInt(v.StakedAmount)
	}
	if slash.Sign() > 0 {
		v.Slashed = true
		v.StakedAmount = new(big.Int).Sub(v.StakedAmount, slash)
		v.SlashedAmount = new(big.Int).Add(v.SlashedAmount, slash)
	}
	if err := e.state.ValidatorPut(v); err != nil {
		return nil, err
	}
	if slash.Sign() > 0 {
		if err := e.ledger.Move(e.vault, e.penaltySink, slash); err != nil {
			return nil, err
		}
		if v.Active {
			pool.TotalStaked = new(big.Int).Sub(pool.TotalStaked, slash)
			if pool.TotalStaked.Sign() < 0 {
				pool.TotalStaked = big.NewInt(0)
			}
			if err := e.state.SetRewardPool(pool); err != nil {
				return nil, err
			}
		}
		stats := e.state.StakingStats().Clone()
		stats.TotalSlashed = new(big.Int).Add(stats.TotalSlashed, slash)
		if v.Active {
			stats.TotalStaked = new(big.Int).Sub(stats.TotalStaked, slash)
			if stats.TotalStaked.Sign() < 0 {
				stats.TotalStaked = big.NewInt(0)
			}
		}
		if err := e.state.SetStakingStats(stats); err != nil {
			return nil, err
		}
		e.emit(events.ValidatorSlashed{Validator: addr, Amount: slash, Reason: reason})
	}
	return slash, nil
}

// SetStakingParameters replaces the staking rules. The slashing rate is
// hard-capped at 50% per event.
func (e *Engine) SetStakingParameters(params Params) error {
	if err := e.ready(); err != nil {
		return err
	}
	if params.SlashingBp > maxSlashingBp {
		return errs.Validationf("slashing rate %d bp exceeds hard cap %d bp", params.SlashingBp, maxSlashingBp)
	}
	if params.MinimumStake == nil || params.MinimumStake.Sign() <= 0 {
		return errs.Validationf("minimum stake must be positive")
	}
	if params.UnbondingPeriod < 0 {
		return errs.Validationf("unbonding period must be non-negative")
	}
	if err := e.state.SetStakingParams(params.Clone()); err != nil {
		return err
	}
	e.emit(events.StakingParamsSet{
		MinimumStake:    cloneBigInt(params.MinimumStake),
		MaxValidators:   params.MaximumValidators,
		UnbondingPeriod: params.UnbondingPeriod,
		SlashingBp:      params.SlashingBp,
	})
	return nil
}

// Earned returns the reward the address would receive from ClaimRewards now.
func (e *Engine) Earned(addr types.Address) (*big.Int, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	v, ok := e.state.ValidatorGet(addr)
	if !ok {
		return nil, errs.NotFoundf("validator %x", addr)
	}
	if !v.Active {
		return cloneBigInt(v.RewardStored), nil
	}
	index := rewardPerToken(e.state.RewardPool(), e.now())
	return earned(v, index), nil
}

// GetValidatorInfo returns a copy of the validator record.
func (e *Engine) GetValidatorInfo(addr types.Address) (*Validator, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	v, ok := e.state.ValidatorGet(addr)
	if !ok {
		return nil, errs.NotFoundf("validator %x", addr)
	}
	return v.Clone(), nil
}

// GetActiveValidators returns the active set in deterministic address order.
func (e *Engine) GetActiveValidators() ([]*Validator, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	addrs := e.state.ValidatorAddresses()
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
	out := make([]*Validator, 0, len(addrs))
	for _, addr := range addrs {
		if v, ok := e.state.ValidatorGet(addr); ok && v.Active {
			out = append(out, v.Clone())
		}
	}
	return out, nil
}

// GetStakingStats returns the aggregate counters.
func (e *Engine) GetStakingStats() (Stats, error) {
	if err := e.ready(); err != nil {
		return Stats{}, err
	}
	return e.state.StakingStats().Clone(), nil
}
