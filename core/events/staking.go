package events

import (
	"math/big"
	"strconv"

	"gridsettle/core/types"
)

const (
	TypeValidatorStaked   = "staking.staked"
	TypeStakeAdded        = "staking.stakeAdded"
	TypeUnstakeRequested  = "staking.unstakeRequested"
	TypeValidatorUnstaked = "staking.unstaked"
	TypeRewardsAdded      = "staking.rewardsAdded"
	TypeRewardsClaimed    = "staking.rewardsClaimed"
	TypeValidatorSlashed  = "staking.slashed"
	TypeStakingParamsSet  = "staking.parametersUpdated"
)

// ValidatorStaked records a new validator entering the active set.
type ValidatorStaked struct {
	Validator types.Address
	Amount    *big.Int
}

func (ValidatorStaked) EventType() string { return TypeValidatorStaked }

// Event converts the structured payload into a broadcastable event.
func (e ValidatorStaked) Event() *types.Event {
	return &types.Event{Type: TypeValidatorStaked, Attributes: map[string]string{
		"validator": formatAddress(e.Validator),
		"amount":    formatAmount(e.Amount),
	}}
}

// StakeAdded records a top-up by an existing validator.
type StakeAdded struct {
	Validator types.Address
	Amount    *big.Int
	NewStake  *big.Int
}

func (StakeAdded) EventType() string { return TypeStakeAdded }

// Event converts the structured payload into a broadcastable event.
func (e StakeAdded) Event() *types.Event {
	return &types.Event{Type: TypeStakeAdded, Attributes: map[string]string{
		"validator": formatAddress(e.Validator),
		"amount":    formatAmount(e.Amount),
		"newStake":  formatAmount(e.NewStake),
	}}
}

// UnstakeRequested records the start of the unbonding period.
type UnstakeRequested struct {
	Validator   types.Address
	RequestTime int64
}

func (UnstakeRequested) EventType() string { return TypeUnstakeRequested }

// Event converts the structured payload into a broadcastable event.
func (e UnstakeRequested) Event() *types.Event {
	return &types.Event{Type: TypeUnstakeRequested, Attributes: map[string]string{
		"validator":   formatAddress(e.Validator),
		"requestTime": strconv.FormatInt(e.RequestTime, 10),
	}}
}

// ValidatorUnstaked records completion of unbonding and return of stake.
type ValidatorUnstaked struct {
	Validator types.Address
	Returned  *big.Int
}

func (ValidatorUnstaked) EventType() string { return TypeValidatorUnstaked }

// Event converts the structured payload into a broadcastable event.
func (e ValidatorUnstaked) Event() *types.Event {
	return &types.Event{Type: TypeValidatorUnstaked, Attributes: map[string]string{
		"validator": formatAddress(e.Validator),
		"returned":  formatAmount(e.Returned),
	}}
}

// RewardsAdded records a new (or extended) reward period.
type RewardsAdded struct {
	Amount       *big.Int
	Duration     int64
	PeriodFinish int64
}

func (RewardsAdded) EventType() string { return TypeRewardsAdded }

// Event converts the structured payload into a broadcastable event.
func (e RewardsAdded) Event() *types.Event {
	return &types.Event{Type: TypeRewardsAdded, Attributes: map[string]string{
		"amount":       formatAmount(e.Amount),
		"duration":     strconv.FormatInt(e.Duration, 10),
		"periodFinish": strconv.FormatInt(e.PeriodFinish, 10),
	}}
}

// RewardsClaimed records an accrued reward payout.
type RewardsClaimed struct {
	Validator types.Address
	Amount    *big.Int
}

func (RewardsClaimed) EventType() string { return TypeRewardsClaimed }

// Event converts the structured payload into a broadcastable event.
func (e RewardsClaimed) Event() *types.Event {
	return &types.Event{Type: TypeRewardsClaimed, Attributes: map[string]string{
		"validator": formatAddress(e.Validator),
		"amount":    formatAmount(e.Amount),
	}}
}

// ValidatorSlashed records a forced stake confiscation.
type ValidatorSlashed struct {
	Validator types.Address
	Amount    *big.Int
	Reason    string
}

func (ValidatorSlashed) EventType() string { return TypeValidatorSlashed }

// Event converts the structured payload into a broadcastable event.
func (e ValidatorSlashed) Event() *types.Event {
	attrs := map[string]string{
		"validator": formatAddress(e.Validator),
		"amount":    formatAmount(e.Amount),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeValidatorSlashed, Attributes: attrs}
}

// StakingParamsSet records an admin parameter update.
type StakingParamsSet struct {
	MinimumStake    *big.Int
	MaxValidators   uint32
	UnbondingPeriod int64
	SlashingBp      uint32
}

func (StakingParamsSet) EventType() string { return TypeStakingParamsSet }

// Event converts the structured payload into a broadcastable event.
func (e StakingParamsSet) Event() *types.Event {
	return &types.Event{Type: TypeStakingParamsSet, Attributes: map[string]string{
		"minimumStake":    formatAmount(e.MinimumStake),
		"maxValidators":   strconv.FormatUint(uint64(e.MaxValidators), 10),
		"unbondingPeriod": strconv.FormatInt(e.UnbondingPeriod, 10),
		"slashingBp":      strconv.FormatUint(uint64(e.SlashingBp), 10),
	}}
}
