package trading

import (
	"encoding/binary"
	"errors"
	"math/big"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"gridsettle/core/errs"
	"gridsettle/core/events"
	"gridsettle/core/types"
	nativecommon "gridsettle/native/common"
	"gridsettle/native/token"
)

var (
	errNilState  = errors.New("trading engine: state not configured")
	errNilLedger = errors.New("trading engine: ledger not configured")
)

const moduleName = "trading"

// PairEnergy is the advisory oracle pair consulted for offer price warnings.
const PairEnergy = "ENERGY/" + token.Symbol

type engineState interface {
	OfferPut(*Offer) error
	OfferGet(id [32]byte) (*Offer, bool)
	OfferIndex() [][32]byte
	OfferIndexAppend(id [32]byte) error
	UserOfferIndexAppend(addr types.Address, id [32]byte) error
	UserOfferIndex(addr types.Address) [][32]byte
	TradePut(*Trade) error
	TradeGet(id [32]byte) (*Trade, bool)
	TradingStats() Stats
	SetTradingStats(Stats) error
}

type settlementLedger interface {
	Move(from, to types.Address, amount *big.Int) error
	FeeConfig() (token.FeeConfig, error)
	IsBlacklisted(addr types.Address) (bool, error)
}

// ReferencePrices supplies an advisory token-per-unit price. It is consulted
// only for out-of-band validation warnings, never for settlement.
type ReferencePrices interface {
	Reference(pair string) (*big.Rat, bool)
}

// Engine owns the offer book and the escrowed-trade state machine. Fund
// movement goes through the token ledger; the buyer's payment sits in the
// escrow vault account between fill and release.
type Engine struct {
	state        engineState
	ledger       settlementLedger
	vault        types.Address
	limits       Limits
	emitter      events.Emitter
	nowFn        func() int64
	pauses       nativecommon.PauseView
	refPrices    ReferencePrices
	deviationBps uint64
}

// NewEngine creates a trading engine bound to the supplied ledger and escrow
// vault address.
func NewEngine(ledger settlementLedger, vault types.Address, limits Limits) *Engine {
	return &Engine{
		ledger:  ledger,
		vault:   vault,
		limits:  limits,
		emitter: events.NoopEmitter{},
		nowFn:   func() int64 { return time.Now().Unix() },
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

// SetReferencePrices attaches the advisory oracle. A zero deviationBps
// disables the warning entirely.
func (e *Engine) SetReferencePrices(ref ReferencePrices, deviationBps uint64) {
	e.refPrices = ref
	e.deviationBps = deviationBps
}

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

// CreateOffer validates and persists a new standing offer. No funds are
// locked at creation; each fill escrows its own payment, which is what makes
// partial fills by multiple counterparties possible.
func (e *Engine) CreateOffer(creator types.Address, kind OfferKind, amount, pricePerUnit *big.Int, deadline int64, location, source string, nonce [32]byte) (*Offer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	if !kind.Valid() {
		return nil, errs.Validationf("unknown offer kind %d", kind)
	}
	amt := cloneBigInt(amount)
	if e.limits.MinTradeAmount != nil && amt.Cmp(e.limits.MinTradeAmount) < 0 {
		return nil, errs.Validationf("offer amount %s below minimum %s", amt, e.limits.MinTradeAmount)
	}
	if e.limits.MaxTradeAmount != nil && e.limits.MaxTradeAmount.Sign() > 0 && amt.Cmp(e.limits.MaxTradeAmount) > 0 {
		return nil, errs.Validationf("offer amount %s above maximum %s", amt, e.limits.MaxTradeAmount)
	}
	if amt.Sign() <= 0 {
		return nil, errs.Validationf("offer amount must be positive")
	}
	price := cloneBigInt(pricePerUnit)
	if price.Sign() <= 0 {
		return nil, errs.Validationf("price per unit must be positive")
	}
	now := e.now()
	if deadline <= now {
		return nil, errs.Validationf("offer deadline must be in the future")
	}
	id := ethcrypto.Keccak256Hash([]byte("offer"), creator[:], nonce[:])
	if _, ok := e.state.OfferGet(id); ok {
		return nil, errs.Validationf("offer nonce already used")
	}
	offer := &Offer{
		ID:           id,
		Creator:      creator,
		Kind:         kind,
		Amount:       amt,
		Remaining:    new(big.Int).Set(amt),
		PricePerUnit: price,
		Deadline:     deadline,
		CreatedAt:    now,
		Location:     location,
		Source:       source,
		Status:       OfferActive,
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	if err := e.state.OfferIndexAppend(id); err != nil {
		return nil, err
	}
	if err := e.state.UserOfferIndexAppend(creator, id); err != nil {
		return nil, err
	}
	stats := e.state.TradingStats().Clone()
	stats.ActiveOfferCount++
	if err := e.state.SetTradingStats(stats); err != nil {
		return nil, err
	}
	e.emit(events.OfferCreated{ID: id, Creator: creator, Kind: kind.String(), Amount: amt, Price: price})
	e.checkPriceDeviation(offer)
	return offer.Clone(), nil
}

// checkPriceDeviation emits an advisory warning when the offer price strays
// from the oracle reference beyond the configured band. Never blocks.
func (e *Engine) checkPriceDeviation(offer *Offer) {
	if e.refPrices == nil || e.deviationBps == 0 || offer == nil {
		return
	}
	ref, ok := e.refPrices.Reference(PairEnergy)
	if !ok || ref == nil || ref.Sign() <= 0 {
		return
	}
	price := new(big.Rat).SetInt(offer.PricePerUnit)
	diff := new(big.Rat).Sub(price, ref)
	diff.Abs(diff)
	dev := new(big.Rat).Quo(diff, ref)
	dev.Mul(dev, big.NewRat(10_000, 1))
	band := new(big.Rat).SetUint64(e.deviationBps)
	if dev.Cmp(band) <= 0 {
		return
	}
	devInt := new(big.Int).Quo(dev.Num(), dev.Denom())
	e.emit(events.PriceDeviation{
		OfferID:      offer.ID,
		Price:        cloneBigInt(offer.PricePerUnit),
		Reference:    ref.FloatString(6),
		DeviationBps: devInt.Uint64(),
	})
}

func (e *Engine) loadOffer(id [32]byte) (*Offer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	offer, ok := e.state.OfferGet(id)
	if !ok {
		return nil, errs.NotFoundf("offer %x", id)
	}
	return offer, nil
}

// markExpired transitions an ACTIVE offer past its deadline to EXPIRED and
// adjusts the active counter.
func (e *Engine) markExpired(offer *Offer) error {
	offer.Status = OfferExpired
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	stats := e.state.TradingStats().Clone()
	if stats.ActiveOfferCount > 0 {
		stats.ActiveOfferCount--
	}
	if err := e.state.SetTradingStats(stats); err != nil {
		return err
	}
	e.emit(events.OfferExpired{ID: offer.ID})
	return nil
}

// AcceptOffer fills (part of) an active offer. The buyer's payment moves into
// the escrow vault and a Trade record is created with a release time of
// now+escrowDelay. The offer becomes EXECUTED once fully filled.
func (e *Engine) AcceptOffer(caller types.Address, offerID [32]byte, amount *big.Int) (*Trade, error) {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return nil, err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if offer.Status == OfferActive && now > offer.Deadline {
		if err := e.markExpired(offer); err != nil {
			return nil, err
		}
	}
	if offer.Status != OfferActive {
		return nil, errs.Statef("offer is %s", offer.Status)
	}
	if caller == offer.Creator {
		return nil, errs.Authorizationf("cannot accept own offer")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() <= 0 {
		return nil, errs.Validationf("fill amount must be positive")
	}
	if amt.Cmp(offer.Remaining) > 0 {
		return nil, errs.Validationf("fill amount %s exceeds remaining %s", amt, offer.Remaining)
	}
	var buyer, seller types.Address
	if offer.Kind == OfferSell {
		buyer, seller = caller, offer.Creator
	} else {
		buyer, seller = offer.Creator, caller
	}
	for _, party := range []types.Address{buyer, seller} {
		listed, err := e.ledger.IsBlacklisted(party)
		if err != nil {
			return nil, err
		}
		if listed {
			return nil, errs.Authorizationf("trade party blacklisted")
		}
	}
	totalPrice := new(big.Int).Mul(amt, offer.PricePerUnit)
	if err := e.ledger.Move(buyer, e.vault, totalPrice); err != nil {
		return nil, err
	}
	offer.Remaining = new(big.Int).Sub(offer.Remaining, amt)
	offer.Fills++
	executed := offer.Remaining.Sign() == 0
	if executed {
		offer.Status = OfferExecuted
	}
	if err := e.state.OfferPut(offer); err != nil {
		return nil, err
	}
	var fillSeq [8]byte
	binary.BigEndian.PutUint64(fillSeq[:], offer.Fills)
	tradeID := ethcrypto.Keccak256Hash([]byte("trade"), offerID[:], caller[:], fillSeq[:])
	trade := &Trade{
		ID:                tradeID,
		OfferID:           offerID,
		Buyer:             buyer,
		Seller:            seller,
		Amount:            amt,
		PricePerUnit:      cloneBigInt(offer.PricePerUnit),
		TotalPrice:        totalPrice,
		EscrowReleaseTime: now + e.limits.EscrowDelay,
		CreatedAt:         now,
		Status:            TradeEscrowed,
	}
	if err := e.state.TradePut(trade); err != nil {
		return nil, err
	}
	stats := e.state.TradingStats().Clone()
	stats.TotalTrades++
	stats.TotalVolume = new(big.Int).Add(stats.TotalVolume, totalPrice)
	if executed && stats.ActiveOfferCount > 0 {
		stats.ActiveOfferCount--
	}
	if err := e.state.SetTradingStats(stats); err != nil {
		return nil, err
	}
	e.emit(events.TradeEscrowed{
		ID:          tradeID,
		OfferID:     offerID,
		Buyer:       buyer,
		Seller:      seller,
		Amount:      amt,
		TotalPrice:  totalPrice,
		ReleaseTime: trade.EscrowReleaseTime,
	})
	return trade.Clone(), nil
}

// CancelOffer withdraws an active offer. Creator-only. Trades created from
// prior fills are unaffected.
func (e *Engine) CancelOffer(caller types.Address, offerID [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Status == OfferActive && e.now() > offer.Deadline {
		if err := e.markExpired(offer); err != nil {
			return err
		}
	}
	if offer.Status != OfferActive {
		return errs.Statef("offer is %s", offer.Status)
	}
	if caller != offer.Creator {
		return errs.Authorizationf("only the creator may cancel")
	}
	offer.Status = OfferCancelled
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	stats := e.state.TradingStats().Clone()
	if stats.ActiveOfferCount > 0 {
		stats.ActiveOfferCount--
	}
	if err := e.state.SetTradingStats(stats); err != nil {
		return err
	}
	e.emit(events.OfferCancelled{ID: offerID})
	return nil
}

// UpdateOfferPrice changes the unit price of an active offer. Creator-only.
// Trades created from prior fills keep the price they filled at.
func (e *Engine) UpdateOfferPrice(caller types.Address, offerID [32]byte, newPrice *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Status == OfferActive && e.now() > offer.Deadline {
		if err := e.markExpired(offer); err != nil {
			return err
		}
	}
	if offer.Status != OfferActive {
		return errs.Statef("offer is %s", offer.Status)
	}
	if caller != offer.Creator {
		return errs.Authorizationf("only the creator may update the price")
	}
	price := cloneBigInt(newPrice)
	if price.Sign() <= 0 {
		return errs.Validationf("price per unit must be positive")
	}
	offer.PricePerUnit = price
	if err := e.state.OfferPut(offer); err != nil {
		return err
	}
	e.emit(events.OfferPriceUpdated{ID: offerID, Price: price})
	e.checkPriceDeviation(offer)
	return nil
}

// ExpireOffer performs the lazy ACTIVE→EXPIRED transition once the deadline
// has elapsed. Anyone may invoke it; it is idempotent for offers that already
// left ACTIVE.
func (e *Engine) ExpireOffer(offerID [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return err
	}
	if offer.Status != OfferActive {
		return nil
	}
	if e.now() <= offer.Deadline {
		return errs.Timingf("offer deadline not reached")
	}
	return e.markExpired(offer)
}

func (e *Engine) loadTrade(id [32]byte) (*Trade, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	trade, ok := e.state.TradeGet(id)
	if !ok {
		return nil, errs.NotFoundf("trade %x", id)
	}
	return trade, nil
}

// ReleaseEscrow settles an escrowed trade in favour of the seller, routing
// the trading fee to the collector. Anyone may call once the release time has
// passed; the buyer may release immediately to signal trust. Disputed trades
// are frozen until resolved.
func (e *Engine) ReleaseEscrow(caller types.Address, tradeID [32]byte) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status == TradeReleased {
		return nil
	}
	if trade.Dispute == DisputeInitiated {
		return errs.Statef("escrow frozen by open dispute")
	}
	early := caller == trade.Buyer
	if !early && e.now() < trade.EscrowReleaseTime {
		return errs.Timingf("escrow release time not reached")
	}
	cfg, err := e.ledger.FeeConfig()
	if err != nil {
		return err
	}
	fee := token.ApplyBps(trade.TotalPrice, cfg.TradingFeeBp)
	payout := new(big.Int).Sub(trade.TotalPrice, fee)
	if payout.Sign() > 0 {
		if err := e.ledger.Move(e.vault, trade.Seller, payout); err != nil {
			return err
		}
	}
	if fee.Sign() > 0 {
		if err := e.ledger.Move(e.vault, cfg.FeeCollector, fee); err != nil {
			return err
		}
	}
	trade.Status = TradeReleased
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	stats := e.state.TradingStats().Clone()
	stats.TotalFees = new(big.Int).Add(stats.TotalFees, fee)
	if err := e.state.SetTradingStats(stats); err != nil {
		return err
	}
	e.emit(events.TradeReleased{ID: tradeID, Payout: payout, Fee: fee, Early: early})
	return nil
}

// InitiateDispute freezes an escrowed trade pending resolution. Only the
// buyer or seller of the trade may dispute, and only before release.
func (e *Engine) InitiateDispute(caller types.Address, tradeID [32]byte, reason string) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != TradeEscrowed {
		return errs.Statef("trade already released")
	}
	if trade.Dispute == DisputeInitiated {
		return nil
	}
	if caller != trade.Buyer && caller != trade.Seller {
		return errs.Authorizationf("only trade parties may dispute")
	}
	trade.Dispute = DisputeInitiated
	trade.DisputeReason = reason
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(events.DisputeInitiated{ID: tradeID, By: caller, Reason: reason})
	return nil
}

// ResolveDispute splits the escrowed funds between the disputing parties:
// amount to the beneficiary, the remainder to the counterparty. The processor
// gates the call behind the DisputeResolver capability. No trading fee is
// charged on arbitrated settlements.
func (e *Engine) ResolveDispute(tradeID [32]byte, beneficiary types.Address, amount *big.Int) error {
	if err := nativecommon.Guard(e.pauses, moduleName); err != nil {
		return err
	}
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return err
	}
	if trade.Status != TradeEscrowed || trade.Dispute != DisputeInitiated {
		return errs.Statef("trade has no open dispute")
	}
	if beneficiary != trade.Buyer && beneficiary != trade.Seller {
		return errs.Validationf("beneficiary must be a trade party")
	}
	amt := cloneBigInt(amount)
	if amt.Sign() < 0 {
		return errs.Validationf("resolution amount must be non-negative")
	}
	if amt.Cmp(trade.TotalPrice) > 0 {
		return errs.Validationf("resolution amount %s exceeds escrowed total %s", amt, trade.TotalPrice)
	}
	other := trade.Seller
	if beneficiary == trade.Seller {
		other = trade.Buyer
	}
	remainder := new(big.Int).Sub(trade.TotalPrice, amt)
	if amt.Sign() > 0 {
		if err := e.ledger.Move(e.vault, beneficiary, amt); err != nil {
			return err
		}
	}
	if remainder.Sign() > 0 {
		if err := e.ledger.Move(e.vault, other, remainder); err != nil {
			return err
		}
	}
	trade.Dispute = DisputeResolved
	trade.Status = TradeReleased
	if err := e.state.TradePut(trade); err != nil {
		return err
	}
	e.emit(events.DisputeResolved{ID: tradeID, Beneficiary: beneficiary, Amount: amt, Remainder: remainder})
	return nil
}

// GetOffer returns a copy of the offer.
func (e *Engine) GetOffer(offerID [32]byte) (*Offer, error) {
	offer, err := e.loadOffer(offerID)
	if err != nil {
		return nil, err
	}
	return offer.Clone(), nil
}

// GetTrade returns a copy of the trade.
func (e *Engine) GetTrade(tradeID [32]byte) (*Trade, error) {
	trade, err := e.loadTrade(tradeID)
	if err != nil {
		return nil, err
	}
	return trade.Clone(), nil
}

// GetActiveOffers pages through offers that are still ACTIVE and not past
// their deadline, in creation order. Offers whose deadline has lapsed are
// skipped without mutation; the mutating EXPIRED transition stays lazy. The
// scan stops after offset+limit matches.
func (e *Engine) GetActiveOffers(offset, limit int) ([]*Offer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	if offset < 0 || limit < 0 {
		return nil, errs.Validationf("offset and limit must be non-negative")
	}
	now := e.now()
	matched := 0
	out := make([]*Offer, 0, limit)
	for _, id := range e.state.OfferIndex() {
		offer, ok := e.state.OfferGet(id)
		if !ok || offer.Status != OfferActive || now > offer.Deadline {
			continue
		}
		matched++
		if matched <= offset {
			continue
		}
		out = append(out, offer.Clone())
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// GetUserOffers returns every offer created by the address, any status.
func (e *Engine) GetUserOffers(addr types.Address) ([]*Offer, error) {
	if err := e.ready(); err != nil {
		return nil, err
	}
	ids := e.state.UserOfferIndex(addr)
	out := make([]*Offer, 0, len(ids))
	for _, id := range ids {
		if offer, ok := e.state.OfferGet(id); ok {
			out = append(out, offer.Clone())
		}
	}
	return out, nil
}

// GetTradingStats returns the running counters.
func (e *Engine) GetTradingStats() (Stats, error) {
	if err := e.ready(); err != nil {
		return Stats{}, err
	}
	return e.state.TradingStats().Clone(), nil
}
