package core

import "gridsettle/core/types"

// Capability tags a privileged operation class. A caller presents its address
// and the processor checks capability membership before any mutation; this
// replaces modifier-style role gating with an explicit per-call check.
type Capability uint8

const (
	CapAdmin Capability = iota + 1
	CapMinter
	CapFeeManager
	CapDisputeResolver
	CapRewardDistributor
	CapSlasher
)

// String renders the canonical capability label.
func (c Capability) String() string {
	switch c {
	case CapAdmin:
		return "admin"
	case CapMinter:
		return "minter"
	case CapFeeManager:
		return "feeManager"
	case CapDisputeResolver:
		return "disputeResolver"
	case CapRewardDistributor:
		return "rewardDistributor"
	case CapSlasher:
		return "slasher"
	default:
		return "unknown"
	}
}

// RoleSet maps addresses to the capabilities they hold.
type RoleSet struct {
	grants map[types.Address]map[Capability]struct{}
}

// NewRoleSet creates an empty role set.
func NewRoleSet() *RoleSet {
	return &RoleSet{grants: make(map[types.Address]map[Capability]struct{})}
}

// Grant adds the capability to the address.
func (r *RoleSet) Grant(addr types.Address, c Capability) {
	if r.grants == nil {
		r.grants = make(map[types.Address]map[Capability]struct{})
	}
	caps, ok := r.grants[addr]
	if !ok {
		caps = make(map[Capability]struct{})
		r.grants[addr] = caps
	}
	caps[c] = struct{}{}
}

// Revoke removes the capability from the address.
func (r *RoleSet) Revoke(addr types.Address, c Capability) {
	if caps, ok := r.grants[addr]; ok {
		delete(caps, c)
		if len(caps) == 0 {
			delete(r.grants, addr)
		}
	}
}

// Snapshot returns a deep copy of the grant table for transactional rollback.
func (r *RoleSet) Snapshot() map[types.Address]map[Capability]struct{} {
	snap := make(map[types.Address]map[Capability]struct{}, len(r.grants))
	for addr, caps := range r.grants {
		cp := make(map[Capability]struct{}, len(caps))
		for c := range caps {
			cp[c] = struct{}{}
		}
		snap[addr] = cp
	}
	return snap
}

// Restore replaces the grant table with a previously taken snapshot.
func (r *RoleSet) Restore(snap map[types.Address]map[Capability]struct{}) {
	r.grants = snap
}

// Has reports whether the address holds the capability. Admin does not imply
// the other capabilities; each must be granted explicitly.
func (r *RoleSet) Has(addr types.Address, c Capability) bool {
	if r == nil {
		return false
	}
	caps, ok := r.grants[addr]
	if !ok {
		return false
	}
	_, ok = caps[c]
	return ok
}
