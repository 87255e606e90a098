// Package state holds the single authoritative settlement state: the five
// logical tables (accounts, offers, trades, validators, reward pool) plus the
// incremental counters, with snapshot/revert for transactional rollback and
// persistence through a key-value store.
package state

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gridsettle/core/types"
	"gridsettle/native/staking"
	"gridsettle/native/token"
	"gridsettle/native/trading"
	"gridsettle/storage"
)

// Reserved module accounts. Deriving them from keccak tags keeps them
// deterministic and out of the user address space.
var (
	EscrowVault  = moduleAddress("gridsettle/trading/escrow-vault")
	StakingVault = moduleAddress("gridsettle/staking/stake-vault")
	RewardsVault = moduleAddress("gridsettle/staking/rewards-vault")
	PenaltySink  = moduleAddress("gridsettle/staking/penalty-sink")
)

func moduleAddress(tag string) types.Address {
	var addr types.Address
	hash := ethcrypto.Keccak256([]byte(tag))
	copy(addr[:], hash[len(hash)-20:])
	return addr
}

type allowanceKey struct {
	owner   types.Address
	spender types.Address
}

// Storage key prefixes for the persisted tables.
var (
	keySupply        = []byte("supply")
	keyFeeConfig     = []byte("feeconfig")
	keyOfferIndex    = []byte("offeridx")
	keyTradingStats  = []byte("tradingstats")
	keyRewardPool    = []byte("rewardpool")
	keyStakingParams = []byte("stakingparams")
	keyStakingStats  = []byte("stakingstats")

	prefixAccount   = []byte("acct/")
	prefixAllowance = []byte("allow/")
	prefixOffer     = []byte("offer/")
	prefixUserOffer = []byte("useroffers/")
	prefixTrade     = []byte("trade/")
	prefixValidator = []byte("validator/")
)

// Manager is the in-memory working copy of the settlement state. Mutating
// operations run against it under the processor's writer lock; Persist writes
// the full state back to the database.
type Manager struct {
	db storage.Database

	accounts   map[types.Address]*types.Account
	supply     *big.Int
	allowances map[allowanceKey]*big.Int
	feeConfig  token.FeeConfig

	offers     map[[32]byte]*trading.Offer
	offerIndex [][32]byte
	userOffers map[types.Address][][32]byte
	trades     map[[32]byte]*trading.Trade
	tstats     trading.Stats

	validators map[types.Address]*staking.Validator
	pool       staking.RewardPool
	sparams    staking.Params
	sstats     staking.Stats
}

// NewManager creates an empty manager backed by the database. A nil database
// is allowed for purely in-memory use (tests).
func NewManager(db storage.Database) *Manager {
	return &Manager{
		db:         db,
		accounts:   make(map[types.Address]*types.Account),
		supply:     big.NewInt(0),
		allowances: make(map[allowanceKey]*big.Int),
		offers:     make(map[[32]byte]*trading.Offer),
		userOffers: make(map[types.Address][][32]byte),
		trades:     make(map[[32]byte]*trading.Trade),
		tstats:     trading.Stats{TotalVolume: big.NewInt(0), TotalFees: big.NewInt(0)},
		validators: make(map[types.Address]*staking.Validator),
		pool: staking.RewardPool{
			RewardRate:           big.NewInt(0),
			RewardPerTokenStored: big.NewInt(0),
			TotalStaked:          big.NewInt(0),
		},
		sstats: staking.Stats{
			TotalStaked:      big.NewInt(0),
			TotalSlashed:     big.NewInt(0),
			TotalRewardsPaid: big.NewInt(0),
		},
	}
}

// --- token ledger state ---

// GetAccount returns a copy of the stored account, or a fresh zero-balance
// account for unknown addresses (accounts exist implicitly).
func (m *Manager) GetAccount(addr types.Address) (*types.Account, error) {
	if acc, ok := m.accounts[addr]; ok {
		return acc.Clone(), nil
	}
	return &types.Account{Balance: big.NewInt(0)}, nil
}

// PutAccount stores the account record.
func (m *Manager) PutAccount(addr types.Address, acc *types.Account) error {
	if acc == nil {
		return errors.New("state: nil account")
	}
	if acc.Balance != nil && acc.Balance.Sign() < 0 {
		return fmt.Errorf("state: negative balance for %s", addr)
	}
	m.accounts[addr] = acc.Clone()
	return nil
}

// TotalSupply returns the circulating supply.
func (m *Manager) TotalSupply() *big.Int { return new(big.Int).Set(m.supply) }

// SetTotalSupply replaces the circulating supply.
func (m *Manager) SetTotalSupply(v *big.Int) error {
	if v == nil || v.Sign() < 0 {
		return errors.New("state: supply must be non-negative")
	}
	m.supply = new(big.Int).Set(v)
	return nil
}

// Allowance returns the owner→spender allowance.
func (m *Manager) Allowance(owner, spender types.Address) *big.Int {
	if v, ok := m.allowances[allowanceKey{owner, spender}]; ok {
		return new(big.Int).Set(v)
	}
	return big.NewInt(0)
}

// SetAllowance replaces the owner→spender allowance.
func (m *Manager) SetAllowance(owner, spender types.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() < 0 {
		return errors.New("state: allowance must be non-negative")
	}
	key := allowanceKey{owner, spender}
	if amount.Sign() == 0 {
		delete(m.allowances, key)
		return nil
	}
	m.allowances[key] = new(big.Int).Set(amount)
	return nil
}

// FeeConfig returns the active fee policy.
func (m *Manager) FeeConfig() token.FeeConfig { return m.feeConfig }

// SetFeeConfig replaces the fee policy.
func (m *Manager) SetFeeConfig(cfg token.FeeConfig) error {
	m.feeConfig = cfg
	return nil
}

// --- trading state ---

// OfferPut stores the offer.
func (m *Manager) OfferPut(offer *trading.Offer) error {
	if offer == nil {
		return errors.New("state: nil offer")
	}
	if offer.Remaining != nil && offer.Remaining.Sign() < 0 {
		return errors.New("state: negative remaining offer amount")
	}
	m.offers[offer.ID] = offer.Clone()
	return nil
}

// OfferGet returns a copy of the offer.
func (m *Manager) OfferGet(id [32]byte) (*trading.Offer, bool) {
	offer, ok := m.offers[id]
	if !ok {
		return nil, false
	}
	return offer.Clone(), true
}

// OfferIndex returns the offer ids in creation order.
func (m *Manager) OfferIndex() [][32]byte {
	out := make([][32]byte, len(m.offerIndex))
	copy(out, m.offerIndex)
	return out
}

// OfferIndexAppend records a new offer id in creation order.
func (m *Manager) OfferIndexAppend(id [32]byte) error {
	m.offerIndex = append(m.offerIndex, id)
	return nil
}

// UserOfferIndexAppend records an offer id under its creator.
func (m *Manager) UserOfferIndexAppend(addr types.Address, id [32]byte) error {
	m.userOffers[addr] = append(m.userOffers[addr], id)
	return nil
}

// UserOfferIndex returns the offer ids created by the address.
func (m *Manager) UserOfferIndex(addr types.Address) [][32]byte {
	ids := m.userOffers[addr]
	out := make([][32]byte, len(ids))
	copy(out, ids)
	return out
}

// TradePut stores the trade.
func (m *Manager) TradePut(trade *trading.Trade) error {
	if trade == nil {
		return errors.New("state: nil trade")
	}
	m.trades[trade.ID] = trade.Clone()
	return nil
}

// TradeGet returns a copy of the trade.
func (m *Manager) TradeGet(id [32]byte) (*trading.Trade, bool) {
	trade, ok := m.trades[id]
	if !ok {
		return nil, false
	}
	return trade.Clone(), true
}

// TradingStats returns the running trading counters.
func (m *Manager) TradingStats() trading.Stats { return m.tstats.Clone() }

// SetTradingStats replaces the running trading counters.
func (m *Manager) SetTradingStats(stats trading.Stats) error {
	m.tstats = stats.Clone()
	return nil
}

// --- staking state ---

// ValidatorPut stores the validator record.
func (m *Manager) ValidatorPut(v *staking.Validator) error {
	if v == nil {
		return errors.New("state: nil validator")
	}
	if v.StakedAmount != nil && v.StakedAmount.Sign() < 0 {
		return errors.New("state: negative staked amount")
	}
	m.validators[v.Address] = v.Clone()
	return nil
}

// ValidatorGet returns a copy of the validator record.
func (m *Manager) ValidatorGet(addr types.Address) (*staking.Validator, bool) {
	v, ok := m.validators[addr]
	if !ok {
		return nil, false
	}
	return v.Clone(), true
}

// ValidatorDelete removes the validator record.
func (m *Manager) ValidatorDelete(addr types.Address) error {
	delete(m.validators, addr)
	return nil
}

// ValidatorAddresses returns every known validator address, active or not.
func (m *Manager) ValidatorAddresses() []types.Address {
	out := make([]types.Address, 0, len(m.validators))
	for addr := range m.validators {
		out = append(out, addr)
	}
	return out
}

// RewardPool returns the accrual pool.
func (m *Manager) RewardPool() staking.RewardPool { return m.pool.Clone() }

// SetRewardPool replaces the accrual pool.
func (m *Manager) SetRewardPool(pool staking.RewardPool) error {
	m.pool = pool.Clone()
	return nil
}

// StakingParams returns the staking rules.
func (m *Manager) StakingParams() staking.Params { return m.sparams.Clone() }

// SetStakingParams replaces the staking rules.
func (m *Manager) SetStakingParams(params staking.Params) error {
	m.sparams = params.Clone()
	return nil
}

// StakingStats returns the aggregate staking counters.
func (m *Manager) StakingStats() staking.Stats { return m.sstats.Clone() }

// SetStakingStats replaces the aggregate staking counters.
func (m *Manager) SetStakingStats(stats staking.Stats) error {
	m.sstats = stats.Clone()
	return nil
}

// --- snapshot / revert ---

// Snapshot captures a deep copy of the full state for rollback.
type Snapshot struct {
	accounts   map[types.Address]*types.Account
	supply     *big.Int
	allowances map[allowanceKey]*big.Int
	feeConfig  token.FeeConfig
	offers     map[[32]byte]*trading.Offer
	offerIndex [][32]byte
	userOffers map[types.Address][][32]byte
	trades     map[[32]byte]*trading.Trade
	tstats     trading.Stats
	validators map[types.Address]*staking.Validator
	pool       staking.RewardPool
	sparams    staking.Params
	sstats     staking.Stats
}

// Snapshot returns a deep copy of the current state.
func (m *Manager) Snapshot() *Snapshot {
	snap := &Snapshot{
		supply:     new(big.Int).Set(m.supply),
		feeConfig:  m.feeConfig,
		tstats:     m.tstats.Clone(),
		pool:       m.pool.Clone(),
		sparams:    m.sparams.Clone(),
		sstats:     m.sstats.Clone(),
		accounts:   make(map[types.Address]*types.Account, len(m.accounts)),
		allowances: make(map[allowanceKey]*big.Int, len(m.allowances)),
		offers:     make(map[[32]byte]*trading.Offer, len(m.offers)),
		offerIndex: make([][32]byte, len(m.offerIndex)),
		userOffers: make(map[types.Address][][32]byte, len(m.userOffers)),
		trades:     make(map[[32]byte]*trading.Trade, len(m.trades)),
		validators: make(map[types.Address]*staking.Validator, len(m.validators)),
	}
	for addr, acc := range m.accounts {
		snap.accounts[addr] = acc.Clone()
	}
	for key, v := range m.allowances {
		snap.allowances[key] = new(big.Int).Set(v)
	}
	for id, offer := range m.offers {
		snap.offers[id] = offer.Clone()
	}
	copy(snap.offerIndex, m.offerIndex)
	for addr, ids := range m.userOffers {
		cp := make([][32]byte, len(ids))
		copy(cp, ids)
		snap.userOffers[addr] = cp
	}
	for id, trade := range m.trades {
		snap.trades[id] = trade.Clone()
	}
	for addr, v := range m.validators {
		snap.validators[addr] = v.Clone()
	}
	return snap
}

// Revert restores the state captured by the snapshot.
func (m *Manager) Revert(snap *Snapshot) {
	if snap == nil {
		return
	}
	m.accounts = snap.accounts
	m.supply = snap.supply
	m.allowances = snap.allowances
	m.feeConfig = snap.feeConfig
	m.offers = snap.offers
	m.offerIndex = snap.offerIndex
	m.userOffers = snap.userOffers
	m.trades = snap.trades
	m.tstats = snap.tstats
	m.validators = snap.validators
	m.pool = snap.pool
	m.sparams = snap.sparams
	m.sstats = snap.sstats
}

// CheckConservation verifies that the sum of every account balance equals the
// circulating supply. Escrowed, staked and collected-fee value lives in the
// module vault accounts, so the plain sum is the full conservation check.
func (m *Manager) CheckConservation() error {
	sum := big.NewInt(0)
	for _, acc := range m.accounts {
		if acc.Balance == nil {
			continue
		}
		if acc.Balance.Sign() < 0 {
			return errors.New("state: negative balance")
		}
		sum.Add(sum, acc.Balance)
	}
	if sum.Cmp(m.supply) != 0 {
		return fmt.Errorf("state: balances %s do not match supply %s", sum, m.supply)
	}
	return nil
}

// --- persistence ---

type persistedIndex struct {
	IDs []string `json:"ids"`
}

func idKey(prefix []byte, id [32]byte) []byte {
	return append(append([]byte{}, prefix...), []byte(hex.EncodeToString(id[:]))...)
}

func addrKey(prefix []byte, addr types.Address) []byte {
	return append(append([]byte{}, prefix...), []byte(hex.EncodeToString(addr[:]))...)
}

func putJSON(db storage.Database, key []byte, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return db.Put(key, raw)
}

// Persist writes the full state to the backing database.
func (m *Manager) Persist() error {
	if m.db == nil {
		return errors.New("state: no database configured")
	}
	if err := putJSON(m.db, keySupply, m.supply); err != nil {
		return err
	}
	if err := putJSON(m.db, keyFeeConfig, m.feeConfig); err != nil {
		return err
	}
	for addr, acc := range m.accounts {
		if err := putJSON(m.db, addrKey(prefixAccount, addr), acc); err != nil {
			return err
		}
	}
	type persistedAllowance struct {
		Owner   types.Address `json:"owner"`
		Spender types.Address `json:"spender"`
		Amount  *big.Int      `json:"amount"`
	}
	for key, amount := range m.allowances {
		dbKey := append(append([]byte{}, prefixAllowance...), []byte(hex.EncodeToString(key.owner[:])+hex.EncodeToString(key.spender[:]))...)
		record := persistedAllowance{Owner: key.owner, Spender: key.spender, Amount: amount}
		if err := putJSON(m.db, dbKey, record); err != nil {
			return err
		}
	}
	for id, offer := range m.offers {
		if err := putJSON(m.db, idKey(prefixOffer, id), offer); err != nil {
			return err
		}
	}
	index := persistedIndex{IDs: make([]string, 0, len(m.offerIndex))}
	for _, id := range m.offerIndex {
		index.IDs = append(index.IDs, hex.EncodeToString(id[:]))
	}
	if err := putJSON(m.db, keyOfferIndex, index); err != nil {
		return err
	}
	for addr, ids := range m.userOffers {
		user := persistedIndex{IDs: make([]string, 0, len(ids))}
		for _, id := range ids {
			user.IDs = append(user.IDs, hex.EncodeToString(id[:]))
		}
		if err := putJSON(m.db, addrKey(prefixUserOffer, addr), user); err != nil {
			return err
		}
	}
	for id, trade := range m.trades {
		if err := putJSON(m.db, idKey(prefixTrade, id), trade); err != nil {
			return err
		}
	}
	if err := putJSON(m.db, keyTradingStats, m.tstats); err != nil {
		return err
	}
	for addr, v := range m.validators {
		if err := putJSON(m.db, addrKey(prefixValidator, addr), v); err != nil {
			return err
		}
	}
	if err := putJSON(m.db, keyRewardPool, m.pool); err != nil {
		return err
	}
	if err := putJSON(m.db, keyStakingParams, m.sparams); err != nil {
		return err
	}
	return putJSON(m.db, keyStakingStats, m.sstats)
}

func getJSON(db storage.Database, key []byte, v any) (bool, error) {
	raw, err := db.Get(key)
	if errors.Is(err, storage.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, json.Unmarshal(raw, v)
}

func decodeID(s string) ([32]byte, error) {
	var id [32]byte
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, err
	}
	if len(raw) != 32 {
		return id, fmt.Errorf("state: id must be 32 bytes, got %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

func decodeAddr(s string) (types.Address, error) {
	return types.ParseAddress(s)
}

// Load restores the full state from the backing database.
func (m *Manager) Load() error {
	if m.db == nil {
		return errors.New("state: no database configured")
	}
	supply := big.NewInt(0)
	if _, err := getJSON(m.db, keySupply, supply); err != nil {
		return err
	}
	m.supply = supply
	if _, err := getJSON(m.db, keyFeeConfig, &m.feeConfig); err != nil {
		return err
	}
	if err := m.db.IteratePrefix(prefixAccount, func(key, value []byte) error {
		addr, err := decodeAddr(string(key[len(prefixAccount):]))
		if err != nil {
			return err
		}
		acc := &types.Account{}
		if err := json.Unmarshal(value, acc); err != nil {
			return err
		}
		m.accounts[addr] = types.EnsureAccount(acc)
		return nil
	}); err != nil {
		return err
	}
	if err := m.db.IteratePrefix(prefixAllowance, func(key, value []byte) error {
		record := struct {
			Owner   types.Address `json:"owner"`
			Spender types.Address `json:"spender"`
			Amount  *big.Int      `json:"amount"`
		}{}
		if err := json.Unmarshal(value, &record); err != nil {
			return err
		}
		if record.Amount != nil && record.Amount.Sign() > 0 {
			m.allowances[allowanceKey{record.Owner, record.Spender}] = record.Amount
		}
		return nil
	}); err != nil {
		return err
	}
	if err := m.db.IteratePrefix(prefixOffer, func(key, value []byte) error {
		offer := &trading.Offer{}
		if err := json.Unmarshal(value, offer); err != nil {
			return err
		}
		m.offers[offer.ID] = offer
		return nil
	}); err != nil {
		return err
	}
	var index persistedIndex
	if ok, err := getJSON(m.db, keyOfferIndex, &index); err != nil {
		return err
	} else if ok {
		m.offerIndex = make([][32]byte, 0, len(index.IDs))
		for _, s := range index.IDs {
			id, err := decodeID(s)
			if err != nil {
				return err
			}
			m.offerIndex = append(m.offerIndex, id)
		}
	}
	if err := m.db.IteratePrefix(prefixUserOffer, func(key, value []byte) error {
		addr, err := decodeAddr(string(key[len(prefixUserOffer):]))
		if err != nil {
			return err
		}
		var user persistedIndex
		if err := json.Unmarshal(value, &user); err != nil {
			return err
		}
		ids := make([][32]byte, 0, len(user.IDs))
		for _, s := range user.IDs {
			id, err := decodeID(s)
			if err != nil {
				return err
			}
			ids = append(ids, id)
		}
		m.userOffers[addr] = ids
		return nil
	}); err != nil {
		return err
	}
	if err := m.db.IteratePrefix(prefixTrade, func(key, value []byte) error {
		trade := &trading.Trade{}
		if err := json.Unmarshal(value, trade); err != nil {
			return err
		}
		m.trades[trade.ID] = trade
		return nil
	}); err != nil {
		return err
	}
	if _, err := getJSON(m.db, keyTradingStats, &m.tstats); err != nil {
		return err
	}
	if m.tstats.TotalVolume == nil {
		m.tstats.TotalVolume = big.NewInt(0)
	}
	if m.tstats.TotalFees == nil {
		m.tstats.TotalFees = big.NewInt(0)
	}
	if err := m.db.IteratePrefix(prefixValidator, func(key, value []byte) error {
		v := &staking.Validator{}
		if err := json.Unmarshal(value, v); err != nil {
			return err
		}
		m.validators[v.Address] = v
		return nil
	}); err != nil {
		return err
	}
	if _, err := getJSON(m.db, keyRewardPool, &m.pool); err != nil {
		return err
	}
	m.pool = m.pool.Clone()
	if _, err := getJSON(m.db, keyStakingParams, &m.sparams); err != nil {
		return err
	}
	if _, err := getJSON(m.db, keyStakingStats, &m.sstats); err != nil {
		return err
	}
	m.sstats = m.sstats.Clone()
	return nil
}
