package token

import (
	"errors"
	"math/big"

	"gridsettle/core/errs"
	"gridsettle/core/events"
	"gridsettle/core/types"
)

var errNilState = errors.New("token ledger: state not configured")

type ledgerState interface {
	GetAccount(addr types.Address) (*types.Account, error)
	PutAccount(addr types.Address, acc *types.Account) error
	TotalSupply() *big.Int
	SetTotalSupply(*big.Int) error
	Allowance(owner, spender types.Address) *big.Int
	SetAllowance(owner, spender types.Address, amount *big.Int) error
	FeeConfig() FeeConfig
	SetFeeConfig(FeeConfig) error
}

// Ledger owns account balances, fee and blacklist policy and supply
// accounting. All other engines move funds exclusively through it.
type Ledger struct {
	state     ledgerState
	maxSupply *big.Int
	emitter   events.Emitter
}

// NewLedger creates a ledger engine with a no-op emitter. A nil or
// non-positive maxSupply disables the supply cap.
func NewLedger(maxSupply *big.Int) *Ledger {
	l := &Ledger{emitter: events.NoopEmitter{}}
	if maxSupply != nil && maxSupply.Sign() > 0 {
		l.maxSupply = new(big.Int).Set(maxSupply)
	}
	return l
}

// SetState configures the state backend used by the ledger.
func (l *Ledger) SetState(state ledgerState) { l.state = state }

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (l *Ledger) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		l.emitter = events.NoopEmitter{}
		return
	}
	l.emitter = emitter
}

func (l *Ledger) emit(evt events.Event) {
	if l == nil || l.emitter == nil || evt == nil {
		return
	}
	l.emitter.Emit(evt)
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}

func (l *Ledger) account(addr types.Address) (*types.Account, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	acc, err := l.state.GetAccount(addr)
	if err != nil {
		return nil, err
	}
	return types.EnsureAccount(acc), nil
}

// BalanceOf returns the spendable balance of the account.
func (l *Ledger) BalanceOf(addr types.Address) (*big.Int, error) {
	acc, err := l.account(addr)
	if err != nil {
		return nil, err
	}
	return cloneBigInt(acc.Balance), nil
}

// TotalSupply returns the current circulating supply.
func (l *Ledger) TotalSupply() (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return cloneBigInt(l.state.TotalSupply()), nil
}

// IsBlacklisted reports whether the address is barred from transfers.
func (l *Ledger) IsBlacklisted(addr types.Address) (bool, error) {
	acc, err := l.account(addr)
	if err != nil {
		return false, err
	}
	return acc.Blacklisted, nil
}

// FeeConfig returns the active fee policy.
func (l *Ledger) FeeConfig() (FeeConfig, error) {
	if l == nil || l.state == nil {
		return FeeConfig{}, errNilState
	}
	return l.state.FeeConfig(), nil
}

// Transfer moves amount from sender to recipient, routing the transfer fee to
// the collector. The fee is waived when the sender is fee-exempt; a transfer
// straight to the collector never charges (the fee would round-trip).
func (l *Ledger) Transfer(from, to types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("transfer amount must be positive")
	}
	fromAcc, err := l.account(from)
	if err != nil {
		return err
	}
	toAcc, err := l.account(to)
	if err != nil {
		return err
	}
	if fromAcc.Blacklisted {
		return errs.Authorizationf("sender blacklisted")
	}
	if toAcc.Blacklisted {
		return errs.Authorizationf("recipient blacklisted")
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return errs.InsufficientFundsf("balance %s below transfer amount %s", fromAcc.Balance, amt)
	}
	cfg := l.state.FeeConfig()
	fee := big.NewInt(0)
	if !fromAcc.FeeExempt && to != cfg.FeeCollector {
		fee = ApplyBps(amt, cfg.TransferFeeBp)
	}
	net := new(big.Int).Sub(amt, fee)
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	if from == to {
		fromAcc.Balance = new(big.Int).Add(fromAcc.Balance, net)
		if err := l.state.PutAccount(from, fromAcc); err != nil {
			return err
		}
	} else {
		toAcc.Balance = new(big.Int).Add(toAcc.Balance, net)
		if err := l.state.PutAccount(from, fromAcc); err != nil {
			return err
		}
		if err := l.state.PutAccount(to, toAcc); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := l.credit(cfg.FeeCollector, fee); err != nil {
			return err
		}
	}
	l.emit(events.TokenTransferred{From: from, To: to, Amount: amt, Fee: fee})
	return nil
}

// Approve sets the spender allowance for the owner.
func (l *Ledger) Approve(owner, spender types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return errs.Validationf("allowance must be non-negative")
	}
	if err := l.state.SetAllowance(owner, spender, amt); err != nil {
		return err
	}
	l.emit(events.TokenApproved{Owner: owner, Spender: spender, Amount: amt})
	return nil
}

// Allowance returns the remaining spender allowance for the owner.
func (l *Ledger) Allowance(owner, spender types.Address) (*big.Int, error) {
	if l == nil || l.state == nil {
		return nil, errNilState
	}
	return cloneBigInt(l.state.Allowance(owner, spender)), nil
}

// TransferFrom spends the caller's allowance to move owner funds. The
// allowance decrements by the gross amount.
func (l *Ledger) TransferFrom(spender, owner, to types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("transfer amount must be positive")
	}
	allowance := cloneBigInt(l.state.Allowance(owner, spender))
	if allowance.Cmp(amt) < 0 {
		return errs.InsufficientFundsf("allowance %s below transfer amount %s", allowance, amt)
	}
	if err := l.Transfer(owner, to, amt); err != nil {
		return err
	}
	return l.state.SetAllowance(owner, spender, new(big.Int).Sub(allowance, amt))
}

// Mint credits newly issued supply to the recipient. The processor gates the
// call behind the Minter capability.
func (l *Ledger) Mint(to types.Address, amount *big.Int, reason string) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("mint amount must be positive")
	}
	toAcc, err := l.account(to)
	if err != nil {
		return err
	}
	if toAcc.Blacklisted {
		return errs.Authorizationf("recipient blacklisted")
	}
	supply := cloneBigInt(l.state.TotalSupply())
	supply.Add(supply, amt)
	if l.maxSupply != nil && supply.Cmp(l.maxSupply) > 0 {
		return errs.Validationf("mint exceeds max supply %s", l.maxSupply)
	}
	toAcc.Balance = new(big.Int).Add(toAcc.Balance, amt)
	if err := l.state.PutAccount(to, toAcc); err != nil {
		return err
	}
	if err := l.state.SetTotalSupply(supply); err != nil {
		return err
	}
	l.emit(events.TokenMinted{To: to, Amount: amt, Reason: reason})
	return nil
}

// Burn destroys amount from the caller's balance.
func (l *Ledger) Burn(from types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("burn amount must be positive")
	}
	fromAcc, err := l.account(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return errs.InsufficientFundsf("balance %s below burn amount %s", fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	if err := l.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	supply := cloneBigInt(l.state.TotalSupply())
	if err := l.state.SetTotalSupply(supply.Sub(supply, amt)); err != nil {
		return err
	}
	l.emit(events.TokenBurned{From: from, Amount: amt})
	return nil
}

// BurnFrom destroys owner funds against the caller's allowance.
func (l *Ledger) BurnFrom(spender, owner types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return errs.Validationf("burn amount must be positive")
	}
	allowance := cloneBigInt(l.state.Allowance(owner, spender))
	if allowance.Cmp(amt) < 0 {
		return errs.InsufficientFundsf("allowance %s below burn amount %s", allowance, amt)
	}
	if err := l.Burn(owner, amt); err != nil {
		return err
	}
	return l.state.SetAllowance(owner, spender, new(big.Int).Sub(allowance, amt))
}

// SetTransferFee updates the transfer fee rate. The processor gates the call
// behind the FeeManager capability.
func (l *Ledger) SetTransferFee(bp uint32) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	cfg := l.state.FeeConfig()
	if bp > cfg.MaxFeeBp {
		return errs.Validationf("transfer fee %d bp exceeds maximum %d bp", bp, cfg.MaxFeeBp)
	}
	cfg.TransferFeeBp = bp
	if err := l.state.SetFeeConfig(cfg); err != nil {
		return err
	}
	l.emit(events.TokenFeeUpdated{TransferFeeBp: bp})
	return nil
}

// SetTradingFee updates the trading fee rate applied on escrow release.
func (l *Ledger) SetTradingFee(bp uint32) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	cfg := l.state.FeeConfig()
	if bp > cfg.MaxFeeBp {
		return errs.Validationf("trading fee %d bp exceeds maximum %d bp", bp, cfg.MaxFeeBp)
	}
	cfg.TradingFeeBp = bp
	return l.state.SetFeeConfig(cfg)
}

// SetFeeExempt toggles fee exemption for the account.
func (l *Ledger) SetFeeExempt(addr types.Address, exempt bool) error {
	acc, err := l.account(addr)
	if err != nil {
		return err
	}
	acc.FeeExempt = exempt
	return l.state.PutAccount(addr, acc)
}

// Blacklist bars the account from future transfers. Existing balances are
// untouched.
func (l *Ledger) Blacklist(addr types.Address) error {
	return l.setBlacklisted(addr, true)
}

// RemoveFromBlacklist restores transfer eligibility.
func (l *Ledger) RemoveFromBlacklist(addr types.Address) error {
	return l.setBlacklisted(addr, false)
}

func (l *Ledger) setBlacklisted(addr types.Address, flag bool) error {
	acc, err := l.account(addr)
	if err != nil {
		return err
	}
	if acc.Blacklisted == flag {
		return nil
	}
	acc.Blacklisted = flag
	if err := l.state.PutAccount(addr, acc); err != nil {
		return err
	}
	l.emit(events.TokenBlacklistUpdated{Account: addr, Blacklisted: flag})
	return nil
}

// EmergencyWithdraw recovers foreign assets mistakenly sent to the engine.
// Withdrawing the native settlement token is rejected outright since it would
// bypass supply conservation. The ledger holds no foreign asset balances, so
// any other symbol resolves to an unknown asset.
func (l *Ledger) EmergencyWithdraw(asset string, to types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	if asset == Symbol {
		return errs.Validationf("cannot emergency-withdraw the native settlement token")
	}
	return errs.NotFoundf("no balance held for asset %q", asset)
}

// Move performs a raw settlement movement between an account and a module
// vault. No fee applies and blacklist checks are skipped: the funds already
// passed policy on the way in, and freezes must not trap escrowed or staked
// value.
func (l *Ledger) Move(from, to types.Address, amount *big.Int) error {
	if l == nil || l.state == nil {
		return errNilState
	}
	amt := cloneBigInt(amount)
	if amt.Sign() == 0 {
		return nil
	}
	if amt.Sign() < 0 {
		return errs.Validationf("negative settlement amount")
	}
	fromAcc, err := l.account(from)
	if err != nil {
		return err
	}
	if fromAcc.Balance.Cmp(amt) < 0 {
		return errs.InsufficientFundsf("balance %s below settlement amount %s", fromAcc.Balance, amt)
	}
	fromAcc.Balance = new(big.Int).Sub(fromAcc.Balance, amt)
	if err := l.state.PutAccount(from, fromAcc); err != nil {
		return err
	}
	return l.credit(to, amt)
}

func (l *Ledger) credit(to types.Address, amount *big.Int) error {
	acc, err := l.account(to)
	if err != nil {
		return err
	}
	acc.Balance = new(big.Int).Add(acc.Balance, amount)
	return l.state.PutAccount(to, acc)
}
