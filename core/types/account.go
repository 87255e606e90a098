package types

import (
	"encoding/hex"
	"fmt"
	"math/big"
)

// Address identifies a ledger account. Module vaults (escrow, staking pool,
// rewards pool, fee collector, penalty sink) are ordinary accounts at
// reserved addresses so supply accounting stays a plain sum over accounts.
type Address [20]byte

// String renders the address as 0x-prefixed hex.
func (a Address) String() string { return "0x" + hex.EncodeToString(a[:]) }

// MarshalText renders the address as hex for JSON keys and values.
func (a Address) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(a[:])), nil
}

// UnmarshalText parses a hex address, with or without a 0x prefix.
func (a *Address) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[:2] == "0x" {
		s = s[2:]
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}
	if len(raw) != len(a) {
		return fmt.Errorf("address must be %d bytes, got %d", len(a), len(raw))
	}
	copy(a[:], raw)
	return nil
}

// ParseAddress decodes a hex address string.
func ParseAddress(s string) (Address, error) {
	var addr Address
	err := addr.UnmarshalText([]byte(s))
	return addr, err
}

// Account holds the ledger-visible state of a single participant. Accounts
// are created implicitly on first credit.
type Account struct {
	Balance     *big.Int `json:"balance"`
	Blacklisted bool     `json:"blacklisted,omitempty"`
	FeeExempt   bool     `json:"feeExempt,omitempty"`
}

// Clone returns a deep copy of the account so callers can safely mutate the
// copy without affecting the stored instance.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Balance != nil {
		clone.Balance = new(big.Int).Set(a.Balance)
	} else {
		clone.Balance = big.NewInt(0)
	}
	return &clone
}

// EnsureAccount normalises a possibly-nil account into a zero-balance record.
func EnsureAccount(acc *Account) *Account {
	if acc == nil {
		return &Account{Balance: big.NewInt(0)}
	}
	if acc.Balance == nil {
		acc.Balance = big.NewInt(0)
	}
	return acc
}
