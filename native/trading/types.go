package trading

import (
	"math/big"

	"gridsettle/core/types"
)

// OfferKind distinguishes standing sell intents from standing buy intents.
type OfferKind uint8

const (
	OfferSell OfferKind = iota
	OfferBuy
)

// String renders the canonical kind label.
func (k OfferKind) String() string {
	switch k {
	case OfferSell:
		return "SELL"
	case OfferBuy:
		return "BUY"
	default:
		return "UNKNOWN"
	}
}

// Valid reports whether the kind value is within the supported range.
func (k OfferKind) Valid() bool { return k == OfferSell || k == OfferBuy }

// OfferStatus represents the offer lifecycle. An offer leaves ACTIVE exactly
// once and never re-enters it.
type OfferStatus uint8

const (
	OfferActive OfferStatus = iota
	OfferCancelled
	OfferExecuted
	OfferExpired
)

// String renders the canonical status label.
func (s OfferStatus) String() string {
	switch s {
	case OfferActive:
		return "ACTIVE"
	case OfferCancelled:
		return "CANCELLED"
	case OfferExecuted:
		return "EXECUTED"
	case OfferExpired:
		return "EXPIRED"
	default:
		return "UNKNOWN"
	}
}

// Offer is a standing intent to buy or sell a quantity of energy at a price.
// Remaining decreases on each partial fill; funds are only locked per fill,
// never at creation.
type Offer struct {
	ID           [32]byte      `json:"id"`
	Creator      types.Address `json:"creator"`
	Kind         OfferKind     `json:"kind"`
	Amount       *big.Int      `json:"amount"`
	Remaining    *big.Int      `json:"remaining"`
	PricePerUnit *big.Int      `json:"pricePerUnit"`
	Deadline     int64         `json:"deadline"`
	CreatedAt    int64         `json:"createdAt"`
	Location     string        `json:"location,omitempty"`
	Source       string        `json:"source,omitempty"`
	Status       OfferStatus   `json:"status"`
	Fills        uint64        `json:"fills"`
}

// Clone returns a deep copy of the offer so callers can safely mutate the
// copy without affecting the stored instance.
func (o *Offer) Clone() *Offer {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Amount = cloneBigInt(o.Amount)
	clone.Remaining = cloneBigInt(o.Remaining)
	clone.PricePerUnit = cloneBigInt(o.PricePerUnit)
	return &clone
}

// DisputeStatus is the optional dispute sub-state of an escrowed trade.
type DisputeStatus uint8

const (
	DisputeNone DisputeStatus = iota
	DisputeInitiated
	DisputeResolved
)

// TradeStatus represents the trade lifecycle: escrowed until released.
type TradeStatus uint8

const (
	TradeEscrowed TradeStatus = iota
	TradeReleased
)

// Trade is the record created when an offer is (partially) accepted. The
// buyer's funds sit in the escrow vault until release or dispute resolution.
type Trade struct {
	ID                [32]byte      `json:"id"`
	OfferID           [32]byte      `json:"offerId"`
	Buyer             types.Address `json:"buyer"`
	Seller            types.Address `json:"seller"`
	Amount            *big.Int      `json:"amount"`
	PricePerUnit      *big.Int      `json:"pricePerUnit"`
	TotalPrice        *big.Int      `json:"totalPrice"`
	EscrowReleaseTime int64         `json:"escrowReleaseTime"`
	CreatedAt         int64         `json:"createdAt"`
	Dispute           DisputeStatus `json:"dispute"`
	DisputeReason     string        `json:"disputeReason,omitempty"`
	Status            TradeStatus   `json:"status"`
}

// Clone returns a deep copy of the trade.
func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	clone := *t
	clone.Amount = cloneBigInt(t.Amount)
	clone.PricePerUnit = cloneBigInt(t.PricePerUnit)
	clone.TotalPrice = cloneBigInt(t.TotalPrice)
	return &clone
}

// Stats holds the running trading counters. They are maintained incrementally
// on each mutating call, never recomputed by a full scan.
type Stats struct {
	TotalTrades      uint64   `json:"totalTrades"`
	TotalVolume      *big.Int `json:"totalVolume"`
	TotalFees        *big.Int `json:"totalFees"`
	ActiveOfferCount uint64   `json:"activeOfferCount"`
}

// Clone returns a deep copy of the stats.
func (s Stats) Clone() Stats {
	clone := s
	clone.TotalVolume = cloneBigInt(s.TotalVolume)
	clone.TotalFees = cloneBigInt(s.TotalFees)
	return clone
}

// Limits bounds offer sizes and sets the escrow protection window.
type Limits struct {
	MinTradeAmount *big.Int
	MaxTradeAmount *big.Int
	EscrowDelay    int64
}

func cloneBigInt(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return new(big.Int).Set(v)
}
