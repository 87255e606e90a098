package events

import (
	"math/big"
	"strconv"

	"gridsettle/core/types"
)

const (
	// TypeTokenTransferred captures a completed balance movement, including
	// the fee routed to the collector.
	TypeTokenTransferred = "token.transferred"
	// TypeTokenMinted is emitted when new supply enters circulation.
	TypeTokenMinted = "token.minted"
	// TypeTokenBurned is emitted when supply is destroyed.
	TypeTokenBurned = "token.burned"
	// TypeTokenApproved captures an allowance update.
	TypeTokenApproved = "token.approved"
	// TypeTokenBlacklistUpdated signals a change of blacklist membership.
	TypeTokenBlacklistUpdated = "token.blacklistUpdated"
	// TypeTokenFeeUpdated signals a transfer fee change.
	TypeTokenFeeUpdated = "token.feeUpdated"
)

// TokenTransferred captures the net movement realised by a transfer.
type TokenTransferred struct {
	From   types.Address
	To     types.Address
	Amount *big.Int
	Fee    *big.Int
}

// EventType satisfies the Event interface.
func (TokenTransferred) EventType() string { return TypeTokenTransferred }

// Event converts the structured payload into a broadcastable event.
func (e TokenTransferred) Event() *types.Event {
	return &types.Event{Type: TypeTokenTransferred, Attributes: map[string]string{
		"from":   formatAddress(e.From),
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
		"fee":    formatAmount(e.Fee),
	}}
}

// TokenMinted records supply entering circulation.
type TokenMinted struct {
	To     types.Address
	Amount *big.Int
	Reason string
}

func (TokenMinted) EventType() string { return TypeTokenMinted }

// Event converts the structured payload into a broadcastable event.
func (e TokenMinted) Event() *types.Event {
	attrs := map[string]string{
		"to":     formatAddress(e.To),
		"amount": formatAmount(e.Amount),
	}
	if e.Reason != "" {
		attrs["reason"] = e.Reason
	}
	return &types.Event{Type: TypeTokenMinted, Attributes: attrs}
}

// TokenBurned records supply leaving circulation.
type TokenBurned struct {
	From   types.Address
	Amount *big.Int
}

func (TokenBurned) EventType() string { return TypeTokenBurned }

// Event converts the structured payload into a broadcastable event.
func (e TokenBurned) Event() *types.Event {
	return &types.Event{Type: TypeTokenBurned, Attributes: map[string]string{
		"from":   formatAddress(e.From),
		"amount": formatAmount(e.Amount),
	}}
}

// TokenApproved records an allowance update.
type TokenApproved struct {
	Owner   types.Address
	Spender types.Address
	Amount  *big.Int
}

func (TokenApproved) EventType() string { return TypeTokenApproved }

// Event converts the structured payload into a broadcastable event.
func (e TokenApproved) Event() *types.Event {
	return &types.Event{Type: TypeTokenApproved, Attributes: map[string]string{
		"owner":   formatAddress(e.Owner),
		"spender": formatAddress(e.Spender),
		"amount":  formatAmount(e.Amount),
	}}
}

// TokenBlacklistUpdated records blacklist membership changes.
type TokenBlacklistUpdated struct {
	Account     types.Address
	Blacklisted bool
}

func (TokenBlacklistUpdated) EventType() string { return TypeTokenBlacklistUpdated }

// Event converts the structured payload into a broadcastable event.
func (e TokenBlacklistUpdated) Event() *types.Event {
	return &types.Event{Type: TypeTokenBlacklistUpdated, Attributes: map[string]string{
		"account":     formatAddress(e.Account),
		"blacklisted": strconv.FormatBool(e.Blacklisted),
	}}
}

// TokenFeeUpdated records a transfer fee change in basis points.
type TokenFeeUpdated struct {
	TransferFeeBp uint32
}

func (TokenFeeUpdated) EventType() string { return TypeTokenFeeUpdated }

// Event converts the structured payload into a broadcastable event.
func (e TokenFeeUpdated) Event() *types.Event {
	return &types.Event{Type: TypeTokenFeeUpdated, Attributes: map[string]string{
		"transferFeeBp": strconv.FormatUint(uint64(e.TransferFeeBp), 10),
	}}
}
