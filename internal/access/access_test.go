package access

import "testing"

func TestParseRoleFallsBackToUser(t *testing.T) {
	cases := map[string]Role{
		"admin":    RoleAdmin,
		" PREMIUM": RolePremium,
		"business": RoleBusiness,
		"verified": RoleVerified,
		"user":     RoleUser,
		"wizard":   RoleUser,
		"":         RoleUser,
	}
	for label, want := range cases {
		if got := ParseRole(label); got != want {
			t.Fatalf("ParseRole(%q) = %s, want %s", label, got, want)
		}
	}
}

func TestTierMappingIsTotal(t *testing.T) {
	if RoleAdmin.Tier() != TierAdmin {
		t.Fatalf("admin tier = %d", RoleAdmin.Tier())
	}
	if RolePremium.Tier() != TierPremium || RoleBusiness.Tier() != TierBusiness {
		t.Fatal("mid-tier mapping broken")
	}
	if RoleVerified.Tier() != TierVerified || RoleUser.Tier() != TierUser {
		t.Fatal("low-tier mapping broken")
	}
	if Role("SOMETHING").Tier() != TierUser {
		t.Fatal("unknown role must resolve to the lowest tier")
	}
}

func TestDirectoryDefaults(t *testing.T) {
	d := NewDirectory()
	if d.TierOf("nobody") != TierUser {
		t.Fatalf("unknown actor tier = %d, want 1", d.TierOf("nobody"))
	}
	if !d.Eligible("nobody") {
		t.Fatal("unknown actor must be eligible")
	}
}

func TestDirectoryBlacklistIsIndependentOfRole(t *testing.T) {
	d := NewDirectory()
	d.SetRole("acct-1", RolePremium)
	d.SetBlacklisted("acct-1", true)

	if d.TierOf("acct-1") != TierPremium {
		t.Fatal("blacklisting must not change the tier")
	}
	if d.Eligible("acct-1") {
		t.Fatal("blacklisted actor reported eligible")
	}

	d.SetBlacklisted("acct-1", false)
	if !d.Eligible("acct-1") {
		t.Fatal("unblacklisted actor still ineligible")
	}
}
