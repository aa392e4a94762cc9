package roster_test

import (
	"errors"
	"testing"

	"crewline/internal/roster"
)

func TestRegistryCovers14Roles(t *testing.T) {
	reg := roster.New()
	all := reg.All()
	if len(all) != 14 {
		t.Fatalf("expected 14 roles, got %d", len(all))
	}
	seen := map[string]bool{}
	for _, r := range all {
		if seen[r.Name] {
			t.Fatalf("duplicate role %s", r.Name)
		}
		seen[r.Name] = true
	}
}

func TestRegistryOrderedByTier(t *testing.T) {
	reg := roster.New()
	prev := roster.Tier(-1)
	for _, r := range reg.All() {
		if r.Tier < prev {
			t.Fatalf("roles not ordered by tier: %s at %d after %d", r.Name, r.Tier, prev)
		}
		prev = r.Tier
	}
}

func TestLookup(t *testing.T) {
	reg := roster.New()
	r, err := reg.Lookup("implementer")
	if err != nil {
		t.Fatalf("lookup implementer: %v", err)
	}
	if !r.CanWrite() {
		t.Fatalf("expected implementer to hold a write capability")
	}
	if r.Has(roster.CapApprove) {
		t.Fatalf("implementer must not approve its own work")
	}

	_, err = reg.Lookup("wizard")
	var ure roster.UnknownRoleError
	if !errors.As(err, &ure) {
		t.Fatalf("expected UnknownRoleError, got %v", err)
	}
	if ure.Name != "wizard" {
		t.Fatalf("expected error to carry the name, got %q", ure.Name)
	}
}

func TestResearchRolesDoNotWrite(t *testing.T) {
	reg := roster.New()
	for _, name := range []string{"researcher", "clarifier", "reviewer"} {
		r, err := reg.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if r.CanWrite() {
			t.Fatalf("%s must not hold write capabilities", name)
		}
	}
}

func TestReviewerApproves(t *testing.T) {
	reg := roster.New()
	for name, want := range map[string]bool{"reviewer": true, "security-auditor": true, "implementer": false, "researcher": false} {
		r, err := reg.Lookup(name)
		if err != nil {
			t.Fatalf("lookup %s: %v", name, err)
		}
		if got := r.Has(roster.CapApprove); got != want {
			t.Fatalf("%s approve capability: got %v want %v", name, got, want)
		}
	}
}
