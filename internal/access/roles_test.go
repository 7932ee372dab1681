package access_test

import (
	"errors"
	"testing"

	"ForwardLedger/internal/access"
	"ForwardLedger/internal/types"
)

func TestRoleChecks(t *testing.T) {
	roles := access.NewRoles("owner.near", "guardian.near")

	if err := roles.RequireOwner("owner.near"); err != nil {
		t.Fatalf("owner rejected: %v", err)
	}
	if err := roles.RequireOwner("guardian.near"); !errors.Is(err, types.ErrUnauthorized) {
		t.Errorf("guardian as owner: got %v, want Unauthorized", err)
	}
	if err := roles.RequirePrivileged("guardian.near"); err != nil {
		t.Errorf("guardian rejected for pause: %v", err)
	}
	if err := roles.RequirePrivileged("mallory.near"); !errors.Is(err, types.ErrNotPrivileged) {
		t.Errorf("stranger: got %v, want ErrNotPrivileged", err)
	}
	if roles.Has("", access.RoleOwner) {
		t.Error("empty caller must never hold a role")
	}
}

func TestAssignReplacesHolder(t *testing.T) {
	roles := access.NewRoles("owner.near", "guardian.near")
	roles.Assign(access.RoleGuardian, "guardian2.near")

	if roles.Has("guardian.near", access.RoleGuardian) {
		t.Error("previous guardian still holds role")
	}
	if got := roles.Holder(access.RoleGuardian); got != "guardian2.near" {
		t.Errorf("got %s, want guardian2.near", got)
	}
}
