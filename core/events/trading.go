package events

import (
	"math/big"
	"strconv"

	"gridsettle/core/types"
)

const (
	TypeOfferCreated      = "trading.offerCreated"
	TypeOfferCancelled    = "trading.offerCancelled"
	TypeOfferExpired      = "trading.offerExpired"
	TypeOfferPriceUpdated = "trading.offerPriceUpdated"
	TypeTradeEscrowed     = "trading.tradeEscrowed"
	TypeTradeReleased     = "trading.tradeReleased"
	TypeDisputeInitiated  = "trading.disputeInitiated"
	TypeDisputeResolved   = "trading.disputeResolved"
	// TypePriceDeviation is advisory only: the offer price strayed from the
	// oracle reference beyond the configured band.
	TypePriceDeviation = "trading.priceDeviation"
)

// OfferCreated captures a new standing offer.
type OfferCreated struct {
	ID      [32]byte
	Creator types.Address
	Kind    string
	Amount  *big.Int
	Price   *big.Int
}

func (OfferCreated) EventType() string { return TypeOfferCreated }

// Event converts the structured payload into a broadcastable event.
func (e OfferCreated) Event() *types.Event {
	return &types.Event{Type: TypeOfferCreated, Attributes: map[string]string{
		"id":      formatID(e.ID),
		"creator": formatAddress(e.Creator),
		"kind":    e.Kind,
		"amount":  formatAmount(e.Amount),
		"price":   formatAmount(e.Price),
	}}
}

// OfferCancelled marks a creator-initiated cancellation.
type OfferCancelled struct {
	ID [32]byte
}

func (OfferCancelled) EventType() string { return TypeOfferCancelled }

// Event converts the structured payload into a broadcastable event.
func (e OfferCancelled) Event() *types.Event {
	return &types.Event{Type: TypeOfferCancelled, Attributes: map[string]string{"id": formatID(e.ID)}}
}

// OfferExpired marks a lazily detected deadline expiry.
type OfferExpired struct {
	ID [32]byte
}

func (OfferExpired) EventType() string { return TypeOfferExpired }

// Event converts the structured payload into a broadcastable event.
func (e OfferExpired) Event() *types.Event {
	return &types.Event{Type: TypeOfferExpired, Attributes: map[string]string{"id": formatID(e.ID)}}
}

// OfferPriceUpdated records a creator price change on an active offer.
type OfferPriceUpdated struct {
	ID    [32]byte
	Price *big.Int
}

func (OfferPriceUpdated) EventType() string { return TypeOfferPriceUpdated }

// Event converts the structured payload into a broadcastable event.
func (e OfferPriceUpdated) Event() *types.Event {
	return &types.Event{Type: TypeOfferPriceUpdated, Attributes: map[string]string{
		"id":    formatID(e.ID),
		"price": formatAmount(e.Price),
	}}
}

// TradeEscrowed captures a fill: funds moved into escrow and a trade record
// created.
type TradeEscrowed struct {
	ID          [32]byte
	OfferID     [32]byte
	Buyer       types.Address
	Seller      types.Address
	Amount      *big.Int
	TotalPrice  *big.Int
	ReleaseTime int64
}

func (TradeEscrowed) EventType() string { return TypeTradeEscrowed }

// Event converts the structured payload into a broadcastable event.
func (e TradeEscrowed) Event() *types.Event {
	return &types.Event{Type: TypeTradeEscrowed, Attributes: map[string]string{
		"id":          formatID(e.ID),
		"offerId":     formatID(e.OfferID),
		"buyer":       formatAddress(e.Buyer),
		"seller":      formatAddress(e.Seller),
		"amount":      formatAmount(e.Amount),
		"totalPrice":  formatAmount(e.TotalPrice),
		"releaseTime": strconv.FormatInt(e.ReleaseTime, 10),
	}}
}

// TradeReleased captures escrow settlement in favour of the seller.
type TradeReleased struct {
	ID     [32]byte
	Payout *big.Int
	Fee    *big.Int
	Early  bool
}

func (TradeReleased) EventType() string { return TypeTradeReleased }

// Event converts the structured payload into a broadcastable event.
func (e TradeReleased) Event() *types.Event {
	return &types.Event{Type: TypeTradeReleased, Attributes: map[string]string{
		"id":     formatID(e.ID),
		"payout": formatAmount(e.Payout),
		"fee":    formatAmount(e.Fee),
		"early":  strconv.FormatBool(e.Early),
	}}
}

// DisputeInitiated freezes a trade's escrow pending resolution.
type DisputeInitiated struct {
	ID     [32]byte
	By     types.Address
	Reason string
}

func (DisputeInitiated) EventType() string { return TypeDisputeInitiated }

// Event converts the structured payload into a broadcastable event.
func (e DisputeInitiated) Event() *types.Event {
	attrs := map[string]string{
		"id": formatID(e.ID),
		"by": formatAddress(e.By),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeDisputeInitiated, Attributes: attrs}
}

// DisputeResolved records the arbitrated split of escrowed funds.
type DisputeResolved struct {
	ID          [32]byte
	Beneficiary types.Address
	Amount      *big.Int
	Remainder   *big.Int
}

func (DisputeResolved) EventType() string { return TypeDisputeResolved }

// Event converts the structured payload into a broadcastable event.
func (e DisputeResolved) Event() *types.Event {
	return &types.Event{Type: TypeDisputeResolved, Attributes: map[string]string{
		"id":          formatID(e.ID),
		"beneficiary": formatAddress(e.Beneficiary),
		"amount":      formatAmount(e.Amount),
		"remainder":   formatAmount(e.Remainder),
	}}
}

// PriceDeviation warns that an offer price strayed from the oracle reference.
type PriceDeviation struct {
	OfferID      [32]byte
	Price        *big.Int
	Reference    string
	DeviationBps uint64
}

func (PriceDeviation) EventType() string { return TypePriceDeviation }

// Event converts the structured payload into a broadcastable event.
func (e PriceDeviation) Event() *types.Event {
	return &types.Event{Type: TypePriceDeviation, Attributes: map[string]string{
		"offerId":      formatID(e.OfferID),
		"price":        formatAmount(e.Price),
		"reference":    e.Reference,
		"deviationBps": strconv.FormatUint(e.DeviationBps, 10),
	}}
}
