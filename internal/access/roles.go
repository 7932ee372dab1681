package access

import (
	"sync"

	errorsmod "cosmossdk.io/errors"

	"ForwardLedger/internal/types"
)

// Role is an administrative role held by an account.
type Role uint8

const (
	RoleNone Role = iota
	RoleOwner
	RoleGuardian
	// RoleRegistrar may authorize markets on the fee collector. Held by the factory.
	RoleRegistrar
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleGuardian:
		return "guardian"
	case RoleRegistrar:
		return "registrar"
	default:
		return "none"
	}
}

// Roles maps each role to the single account holding it.
type Roles struct {
	mu      sync.RWMutex
	holders map[Role]types.AccountID
}

func NewRoles(owner, guardian types.AccountID) *Roles {
	r := &Roles{holders: make(map[Role]types.AccountID, 3)}
	r.holders[RoleOwner] = owner
	if guardian != "" {
		r.holders[RoleGuardian] = guardian
	}
	return r
}

// Holder returns the account holding role, or "" if unassigned.
func (r *Roles) Holder(role Role) types.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.holders[role]
}

// Assign replaces the holder of role.
func (r *Roles) Assign(role Role, account types.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holders[role] = account
}

// Has reports whether caller holds any of the given roles.
func (r *Roles) Has(caller types.AccountID, roles ...Role) bool {
	if caller == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, role := range roles {
		if holder, ok := r.holders[role]; ok && holder == caller {
			return true
		}
	}
	return false
}

// RequireOwner fails with ErrNotOwner unless caller holds RoleOwner.
func (r *Roles) RequireOwner(caller types.AccountID) error {
	if !r.Has(caller, RoleOwner) {
		return errorsmod.Wrapf(types.ErrNotOwner, "caller %s", caller)
	}
	return nil
}

// RequirePrivileged fails unless caller is the owner or the guardian.
func (r *Roles) RequirePrivileged(caller types.AccountID) error {
	if !r.Has(caller, RoleOwner, RoleGuardian) {
		return errorsmod.Wrapf(types.ErrNotPrivileged, "caller %s", caller)
	}
	return nil
}

// Snapshot returns a copy of the role table.
func (r *Roles) Snapshot() map[Role]types.AccountID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[Role]types.AccountID, len(r.holders))
	for k, v := range r.holders {
		out[k] = v
	}
	return out
}

// Restore replaces the role table.
func (r *Roles) Restore(holders map[Role]types.AccountID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.holders = make(map[Role]types.AccountID, len(holders))
	for k, v := range holders {
		r.holders[k] = v
	}
}
