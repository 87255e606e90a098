package core

import (
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"gridsettle/core/errs"
	"gridsettle/core/events"
	"gridsettle/core/types"
	"gridsettle/journal"
	nativecommon "gridsettle/native/common"
	"gridsettle/native/pricefeed"
	"gridsettle/native/staking"
	"gridsettle/native/token"
	"gridsettle/native/trading"
	"gridsettle/observability/metrics"
	"gridsettle/state"
)

// Params bundles the engine configuration applied to a fresh state. Values
// already persisted in the state manager (fee config, staking parameters)
// take precedence over these defaults on restart.
type Params struct {
	MaxSupply        *big.Int
	FeeConfig        token.FeeConfig
	TradingLimits    trading.Limits
	StakingParams    staking.Params
	PriceFreshness   int64
	PriceDeviationBp uint64
	Pauses           nativecommon.PauseView
}

// Processor is the narrow synchronous call surface over the settlement
// engines. It enforces the single-writer discipline: mutating calls hold the
// writer lock, run against a snapshot-guarded state, and either commit in
// full or roll back to the pre-call state. Reads hold the read lock.
type Processor struct {
	mu      sync.RWMutex
	state   *state.Manager
	ledger  *token.Ledger
	trading *trading.Engine
	staking *staking.Engine
	oracle  *pricefeed.Oracle
	roles   *RoleSet
	pauses  nativecommon.PauseView
	journal *journal.Journal
	logger  *slog.Logger
	nowFn   func() int64
}

// NewProcessor wires the three engines and the advisory oracle over the
// shared state manager.
func NewProcessor(mgr *state.Manager, params Params) *Processor {
	p := &Processor{
		state:  mgr,
		roles:  NewRoleSet(),
		pauses: params.Pauses,
		nowFn:  func() int64 { return time.Now().Unix() },
	}
	if mgr.FeeConfig() == (token.FeeConfig{}) {
		_ = mgr.SetFeeConfig(params.FeeConfig)
	}
	if mgr.StakingParams().MinimumStake == nil {
		_ = mgr.SetStakingParams(params.StakingParams)
	}
	p.ledger = token.NewLedger(params.MaxSupply)
	p.ledger.SetState(mgr)
	p.trading = trading.NewEngine(p.ledger, state.EscrowVault, params.TradingLimits)
	p.trading.SetState(mgr)
	p.trading.SetPauses(params.Pauses)
	p.staking = staking.NewEngine(p.ledger, state.StakingVault, state.RewardsVault, state.PenaltySink)
	p.staking.SetState(mgr)
	p.staking.SetPauses(params.Pauses)
	p.oracle = pricefeed.NewOracle(params.PriceFreshness)
	p.trading.SetReferencePrices(p.oracle, params.PriceDeviationBp)
	p.SetNowFunc(nil)
	return p
}

// SetLogger attaches a structured logger for committed operations.
func (p *Processor) SetLogger(logger *slog.Logger) { p.logger = logger }

// SetJournal attaches the command journal. Commits append one record each.
func (p *Processor) SetJournal(j *journal.Journal) { p.journal = j }

// SetEmitter forwards engine events to the supplied emitter.
func (p *Processor) SetEmitter(emitter events.Emitter) {
	p.ledger.SetEmitter(emitter)
	p.trading.SetEmitter(emitter)
	p.staking.SetEmitter(emitter)
}

// SetNowFunc overrides the time source for the processor and every engine.
// Passing nil restores the wall clock.
func (p *Processor) SetNowFunc(now func() int64) {
	if now == nil {
		now = func() int64 { return time.Now().Unix() }
	}
	p.nowFn = now
	p.trading.SetNowFunc(now)
	p.staking.SetNowFunc(now)
	p.oracle.SetNowFunc(now)
}

// Roles exposes the capability registry for initial grants at boot.
func (p *Processor) Roles() *RoleSet { return p.roles }

// State exposes the underlying manager for persistence and invariant checks.
func (p *Processor) State() *state.Manager { return p.state }

func (p *Processor) now() int64 { return p.nowFn() }

// write serializes a mutating call: capability check, snapshot, run, commit
// or revert. No partial state survives an error, role grants included.
func (p *Processor) write(op string, caller types.Address, c Capability, params any, fn func() error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if module, _, ok := strings.Cut(op, "."); ok {
		if err := nativecommon.Guard(p.pauses, module); err != nil {
			metrics.OperationFailures.WithLabelValues(op).Inc()
			return err
		}
	}
	if c != 0 && !p.roles.Has(caller, c) {
		metrics.OperationFailures.WithLabelValues(op).Inc()
		return errs.Authorizationf("caller %s lacks %s capability", caller, c)
	}
	snap := p.state.Snapshot()
	roleSnap := p.roles.Snapshot()
	if err := fn(); err != nil {
		p.state.Revert(snap)
		p.roles.Restore(roleSnap)
		metrics.OperationFailures.WithLabelValues(op).Inc()
		return err
	}
	if p.journal != nil {
		if _, err := p.journal.Append(op, caller, params, p.now()); err != nil {
			p.state.Revert(snap)
			p.roles.Restore(roleSnap)
			return err
		}
	}
	metrics.OperationsTotal.WithLabelValues(op).Inc()
	p.syncGauges()
	if p.logger != nil {
		p.logger.Info("operation committed", "op", op, "caller", caller.String())
	}
	return nil
}

func (p *Processor) syncGauges() {
	tstats := p.state.TradingStats()
	metrics.ActiveOffers.Set(float64(tstats.ActiveOfferCount))
	sstats := p.state.StakingStats()
	metrics.ActiveValidators.Set(float64(sstats.ActiveValidators))
	metrics.SetBig(metrics.TotalStaked, sstats.TotalStaked)
}

// --- ledger operations ---

// Transfer moves tokens from the caller to the recipient.
func (p *Processor) Transfer(caller, to types.Address, amount *big.Int) error {
	return p.write("token.transfer", caller, 0, map[string]string{"to": to.String(), "amount": amount.String()}, func() error {
		return p.ledger.Transfer(caller, to, amount)
	})
}

// Mint issues new supply. Requires the Minter capability.
func (p *Processor) Mint(caller, to types.Address, amount *big.Int, reason string) error {
	return p.write("token.mint", caller, CapMinter, map[string]string{"to": to.String(), "amount": amount.String(), "reason": reason}, func() error {
		return p.ledger.Mint(to, amount, reason)
	})
}

// Burn destroys supply from the caller's balance.
func (p *Processor) Burn(caller types.Address, amount *big.Int) error {
	return p.write("token.burn", caller, 0, map[string]string{"amount": amount.String()}, func() error {
		return p.ledger.Burn(caller, amount)
	})
}

// BurnFrom destroys owner supply against the caller's allowance.
func (p *Processor) BurnFrom(caller, owner types.Address, amount *big.Int) error {
	return p.write("token.burnFrom", caller, 0, map[string]string{"owner": owner.String(), "amount": amount.String()}, func() error {
		return p.ledger.BurnFrom(caller, owner, amount)
	})
}

// Approve sets the spender allowance for the caller.
func (p *Processor) Approve(caller, spender types.Address, amount *big.Int) error {
	return p.write("token.approve", caller, 0, map[string]string{"spender": spender.String(), "amount": amount.String()}, func() error {
		return p.ledger.Approve(caller, spender, amount)
	})
}

// TransferFrom spends the caller's allowance to move owner funds.
func (p *Processor) TransferFrom(caller, owner, to types.Address, amount *big.Int) error {
	return p.write("token.transferFrom", caller, 0, map[string]string{"owner": owner.String(), "to": to.String(), "amount": amount.String()}, func() error {
		return p.ledger.TransferFrom(caller, owner, to, amount)
	})
}

// SetTransferFee updates the transfer fee. Requires FeeManager.
func (p *Processor) SetTransferFee(caller types.Address, bp uint32) error {
	return p.write("token.setTransferFee", caller, CapFeeManager, map[string]uint32{"bp": bp}, func() error {
		return p.ledger.SetTransferFee(bp)
	})
}

// SetTradingFee updates the trading fee applied on escrow release. Requires
// FeeManager.
func (p *Processor) SetTradingFee(caller types.Address, bp uint32) error {
	return p.write("token.setTradingFee", caller, CapFeeManager, map[string]uint32{"bp": bp}, func() error {
		return p.ledger.SetTradingFee(bp)
	})
}

// SetFeeExempt toggles fee exemption. Requires Admin.
func (p *Processor) SetFeeExempt(caller, addr types.Address, exempt bool) error {
	return p.write("token.setFeeExempt", caller, CapAdmin, map[string]string{"addr": addr.String()}, func() error {
		return p.ledger.SetFeeExempt(addr, exempt)
	})
}

// Blacklist bars an account from transfers. Requires Admin.
func (p *Processor) Blacklist(caller, addr types.Address) error {
	return p.write("token.blacklist", caller, CapAdmin, map[string]string{"addr": addr.String()}, func() error {
		return p.ledger.Blacklist(addr)
	})
}

// RemoveFromBlacklist restores transfer eligibility. Requires Admin.
func (p *Processor) RemoveFromBlacklist(caller, addr types.Address) error {
	return p.write("token.removeFromBlacklist", caller, CapAdmin, map[string]string{"addr": addr.String()}, func() error {
		return p.ledger.RemoveFromBlacklist(addr)
	})
}

// EmergencyWithdraw recovers foreign assets. Requires Admin; the native
// token is always rejected.
func (p *Processor) EmergencyWithdraw(caller types.Address, asset string, to types.Address, amount *big.Int) error {
	return p.write("token.emergencyWithdraw", caller, CapAdmin, map[string]string{"asset": asset, "to": to.String()}, func() error {
		return p.ledger.EmergencyWithdraw(asset, to, amount)
	})
}

// GrantRole adds a capability to an address. Requires Admin.
func (p *Processor) GrantRole(caller, addr types.Address, c Capability) error {
	return p.write("core.grantRole", caller, CapAdmin, map[string]string{"addr": addr.String(), "capability": c.String()}, func() error {
		p.roles.Grant(addr, c)
		return nil
	})
}

// RevokeRole removes a capability from an address. Requires Admin.
func (p *Processor) RevokeRole(caller, addr types.Address, c Capability) error {
	return p.write("core.revokeRole", caller, CapAdmin, map[string]string{"addr": addr.String(), "capability": c.String()}, func() error {
		p.roles.Revoke(addr, c)
		return nil
	})
}

// --- trading operations ---

// CreateOffer publishes a standing offer.
func (p *Processor) CreateOffer(caller types.Address, kind trading.OfferKind, amount, pricePerUnit *big.Int, deadline int64, location, source string, nonce [32]byte) (*trading.Offer, error) {
	var offer *trading.Offer
	err := p.write("trading.createOffer", caller, 0, map[string]string{"kind": kind.String(), "amount": amount.String()}, func() error {
		var err error
		offer, err = p.trading.CreateOffer(caller, kind, amount, pricePerUnit, deadline, location, source, nonce)
		return err
	})
	return offer, err
}

// AcceptOffer fills (part of) an offer, escrowing the buyer's payment.
func (p *Processor) AcceptOffer(caller types.Address, offerID [32]byte, amount *big.Int) (*trading.Trade, error) {
	var trade *trading.Trade
	err := p.write("trading.acceptOffer", caller, 0, map[string]string{"amount": amount.String()}, func() error {
		var err error
		trade, err = p.trading.AcceptOffer(caller, offerID, amount)
		return err
	})
	if err == nil && trade != nil {
		metrics.AddBig(metrics.TradeVolume, trade.TotalPrice)
	}
	return trade, err
}

// CancelOffer withdraws the caller's active offer.
func (p *Processor) CancelOffer(caller types.Address, offerID [32]byte) error {
	return p.write("trading.cancelOffer", caller, 0, nil, func() error {
		return p.trading.CancelOffer(caller, offerID)
	})
}

// UpdateOfferPrice changes the unit price of the caller's active offer.
func (p *Processor) UpdateOfferPrice(caller types.Address, offerID [32]byte, newPrice *big.Int) error {
	return p.write("trading.updateOfferPrice", caller, 0, map[string]string{"price": newPrice.String()}, func() error {
		return p.trading.UpdateOfferPrice(caller, offerID, newPrice)
	})
}

// ExpireOffer applies the lazy deadline transition. Anyone may call.
func (p *Processor) ExpireOffer(caller types.Address, offerID [32]byte) error {
	return p.write("trading.expireOffer", caller, 0, nil, func() error {
		return p.trading.ExpireOffer(offerID)
	})
}

// ReleaseEscrow settles an escrowed trade to the seller.
func (p *Processor) ReleaseEscrow(caller types.Address, tradeID [32]byte) error {
	err := p.write("trading.releaseEscrow", caller, 0, nil, func() error {
		return p.trading.ReleaseEscrow(caller, tradeID)
	})
	if err == nil {
		metrics.TradesSettled.Inc()
	}
	return err
}

// InitiateDispute freezes an escrowed trade pending resolution.
func (p *Processor) InitiateDispute(caller types.Address, tradeID [32]byte, reason string) error {
	return p.write("trading.initiateDispute", caller, 0, map[string]string{"reason": reason}, func() error {
		return p.trading.InitiateDispute(caller, tradeID, reason)
	})
}

// ResolveDispute splits escrowed funds between the disputing parties.
// Requires DisputeResolver.
func (p *Processor) ResolveDispute(caller types.Address, tradeID [32]byte, beneficiary types.Address, amount *big.Int) error {
	err := p.write("trading.resolveDispute", caller, CapDisputeResolver, map[string]string{"beneficiary": beneficiary.String(), "amount": amount.String()}, func() error {
		return p.trading.ResolveDispute(tradeID, beneficiary, amount)
	})
	if err == nil {
		metrics.TradesSettled.Inc()
	}
	return err
}

// --- staking operations ---

// Stake registers the caller as an active validator.
func (p *Processor) Stake(caller types.Address, amount *big.Int, metadata string) (*staking.Validator, error) {
	var v *staking.Validator
	err := p.write("staking.stake", caller, 0, map[string]string{"amount": amount.String()}, func() error {
		var err error
		v, err = p.staking.Stake(caller, amount, metadata)
		return err
	})
	return v, err
}

// AddStake tops up the caller's active validator record.
func (p *Processor) AddStake(caller types.Address, amount *big.Int) error {
	return p.write("staking.addStake", caller, 0, map[string]string{"amount": amount.String()}, func() error {
		return p.staking.AddStake(caller, amount)
	})
}

// RequestUnstake starts the caller's unbonding period.
func (p *Processor) RequestUnstake(caller types.Address) error {
	return p.write("staking.requestUnstake", caller, 0, nil, func() error {
		return p.staking.RequestUnstake(caller)
	})
}

// Unstake completes unbonding and returns the remaining stake.
func (p *Processor) Unstake(caller types.Address) (*big.Int, error) {
	var returned *big.Int
	err := p.write("staking.unstake", caller, 0, nil, func() error {
		var err error
		returned, err = p.staking.Unstake(caller)
		return err
	})
	return returned, err
}

// ClaimRewards pays out the caller's accrued rewards.
func (p *Processor) ClaimRewards(caller types.Address) (*big.Int, error) {
	var reward *big.Int
	err := p.write("staking.claimRewards", caller, 0, nil, func() error {
		var err error
		reward, err = p.staking.ClaimRewards(caller)
		return err
	})
	return reward, err
}

// AddRewards funds a new reward period. Requires RewardDistributor.
func (p *Processor) AddRewards(caller types.Address, amount *big.Int, duration int64) error {
	return p.write("staking.addRewards", caller, CapRewardDistributor, map[string]string{"amount": amount.String()}, func() error {
		return p.staking.AddRewards(caller, amount, duration)
	})
}

// SlashValidator confiscates part of a validator's stake. Requires Slasher.
func (p *Processor) SlashValidator(caller, addr types.Address, reason string) (*big.Int, error) {
	var slashed *big.Int
	err := p.write("staking.slashValidator", caller, CapSlasher, map[string]string{"validator": addr.String(), "reason": reason}, func() error {
		var err error
		slashed, err = p.staking.SlashValidator(addr, reason)
		return err
	})
	if err == nil {
		metrics.SlashEvents.Inc()
	}
	return slashed, err
}

// SetStakingParameters replaces the staking rules. Requires Admin.
func (p *Processor) SetStakingParameters(caller types.Address, params staking.Params) error {
	return p.write("staking.setParameters", caller, CapAdmin, nil, func() error {
		return p.staking.SetStakingParameters(params)
	})
}

// --- oracle ---

// SubmitPrice records an advisory price observation. The oracle keeps its
// own lock; reference prices never touch settlement state.
func (p *Processor) SubmitPrice(feeder, pair string, rate *big.Rat) error {
	return p.oracle.Submit(feeder, pair, rate)
}

// ReferencePrice returns the current advisory median for the pair.
func (p *Processor) ReferencePrice(pair string) (*big.Rat, bool) {
	return p.oracle.Reference(pair)
}

// --- reads ---

// BalanceOf returns the spendable balance of the account.
func (p *Processor) BalanceOf(addr types.Address) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.BalanceOf(addr)
}

// TotalSupply returns the circulating supply.
func (p *Processor) TotalSupply() (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.TotalSupply()
}

// Allowance returns the remaining owner→spender allowance.
func (p *Processor) Allowance(owner, spender types.Address) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.ledger.Allowance(owner, spender)
}

// GetOffer returns a copy of the offer.
func (p *Processor) GetOffer(offerID [32]byte) (*trading.Offer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trading.GetOffer(offerID)
}

// GetTrade returns a copy of the trade.
func (p *Processor) GetTrade(tradeID [32]byte) (*trading.Trade, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trading.GetTrade(tradeID)
}

// GetActiveOffers pages through live offers in creation order.
func (p *Processor) GetActiveOffers(offset, limit int) ([]*trading.Offer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trading.GetActiveOffers(offset, limit)
}

// GetUserOffers returns every offer created by the address.
func (p *Processor) GetUserOffers(addr types.Address) ([]*trading.Offer, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trading.GetUserOffers(addr)
}

// GetTradingStats returns the running trading counters.
func (p *Processor) GetTradingStats() (trading.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.trading.GetTradingStats()
}

// GetValidatorInfo returns a copy of the validator record.
func (p *Processor) GetValidatorInfo(addr types.Address) (*staking.Validator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.staking.GetValidatorInfo(addr)
}

// Earned returns the reward the address would receive from ClaimRewards now.
func (p *Processor) Earned(addr types.Address) (*big.Int, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.staking.Earned(addr)
}

// GetActiveValidators returns the active set in address order.
func (p *Processor) GetActiveValidators() ([]*staking.Validator, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.staking.GetActiveValidators()
}

// GetStakingStats returns the aggregate staking counters.
func (p *Processor) GetStakingStats() (staking.Stats, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.staking.GetStakingStats()
}
