package staking

import (
	"math/big"

	"gridsettle/core/types"
)

// rewardUnit is the UQ128x128 scale applied to the reward-per-token index.
// With stakes far below 2^128 the truncation error on any single claim is
// bounded by one base unit; the undistributed dust stays in the rewards
// vault and is folded into the next period.
var rewardUnit = new(big.Int).Lsh(big.NewInt(1), 128)

// Validator is the staking record for a single address. StakedAmount is
// reduced in place by slashing; SlashedAmount accumulates the lifetime
// confiscation for reporting and for the slashing-bound invariant.
type Validator struct {
	Address            types.Address `json:"address"`
	StakedAmount       *big.Int      `json:"stakedAmount"`
	SlashedAmount      *big.Int      `json:"slashedAmount"`
	RewardPerTokenPaid *big.Int      `json:"rewardPerTokenPaid"`
	RewardStored       *big.Int      `json:"rewardStored"`
	Active             bool          `json:"active"`
	Slashed            bool          `json:"slashed"`
	UnstakeRequestTime int64         `json:"unstakeRequestTime,omitempty"`
	Metadata           string        `json:"metadata,omitempty"`
	CreatedAt          int64         `json:"createdAt"`
}

// Clone returns a deep copy of the validator record.
func (v *Validator) Clone() *Validator {
	if v == nil {
		return nil
	}
	clone := *v
	clone.StakedAmount = cloneBigInt(v.StakedAmount)
	clone.SlashedAmount = cloneBigInt(v.SlashedAmount)
	clone.RewardPerTokenPaid = cloneBigInt(v.RewardPerTokenPaid)
	clone.RewardStored = cloneBigInt(v.RewardStored)
	return &clone
}

// RewardPool holds the continuous-accrual accounting shared by all active
// validators. RewardRate is in UQ128x128-scaled units per second so a budget
// smaller than the period length still yields a nonzero rate. TotalStaked
// counts only reward-earning (active) stake.
type RewardPool struct {
	RewardRate           *big.Int `json:"rewardRate"`
	PeriodFinish         int64    `json:"periodFinish"`
	RewardPerTokenStored *big.Int `json:"rewardPerTokenStored"`
	LastUpdateTime       int64    `json:"lastUpdateTime"`
	TotalStaked          *big.Int `json:"totalStaked"`
}

// Clone returns a deep copy of the pool.
func (p RewardPool) Clone() RewardPool {
	clone := p
	clone.RewardRate = cloneBigInt(p.RewardRate)
	clone.RewardPerTokenStored = cloneBigInt(p.RewardPerTokenStored)
	clone.TotalStaked = cloneBigInt(p.TotalStaked)
	return clone
}

// Params are the admin-tunable staking rules. SlashingBp is hard-capped at
// 5000 (50%) so a single slashing event can never wipe a validator out.
type Params struct {
	MinimumStake      *big.Int `json:"minimumStake"`
	MaximumValidators uint32   `json:"maximumValidators"`
	UnbondingPeriod   int64    `json:"unbondingPeriod"`
	SlashingBp        uint32   `json:"slashingBp"`
}

// Clone returns a deep copy of the parameters.
func (p Params) Clone() Params {
	clone := p
	clone.MinimumStake = cloneBigInt(p.MinimumStake)
	return clone
}

// Stats holds the aggregate staking counters, maintained incrementally.
type Stats struct {
	TotalStaked      *big.Int `json:"totalStaked"`
	ActiveValidators uint32   `json:"activeValidators"`
	TotalSlashed     *big.Int `json:"totalSlashed"`
	TotalRewardsPaid *big.Int `json:"totalRewardsPaid"`
}

// Clone returns a deep copy of the stats.
func (s Stats) Clone() Stats {
	clone := s
	clone.TotalStaked = cloneBigInt(s.TotalStaked)
	clone.TotalSlashed = cloneBigInt(s.TotalSlashed)
	clone.TotalRewardsPaid = cloneBigInt(s.TotalRewardsPaid)
	return clone
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
