package memory

import "testing"

func TestCanonicalPairOrders(t *testing.T) {
	a, b := CanonicalPair("zzz", "aaa")
	if a != "aaa" || b != "zzz" {
		t.Errorf("pair not canonicalized: %s, %s", a, b)
	}
	// Already ordered pairs pass through.
	a, b = CanonicalPair("aaa", "zzz")
	if a != "aaa" || b != "zzz" {
		t.Errorf("ordered pair mangled: %s, %s", a, b)
	}
}

func TestValidateRelationVocabulary(t *testing.T) {
	for _, r := range []Relation{RelCauses, RelEnables, RelContradicts, RelElaborates, RelFollows, RelRelatedTo} {
		if err := ValidateRelation(r); err != nil {
			t.Errorf("%s rejected: %v", r, err)
		}
	}
	if err := ValidateRelation("reminds_me_of"); err == nil {
		t.Error("label outside the vocabulary accepted")
	}
	if err := ValidateRelation(""); err == nil {
		t.Error("empty label accepted")
	}
}

func TestTrustTierWeights(t *testing.T) {
	if TrustSelf.Weight() <= TrustShared.Weight() {
		t.Error("own observations must outweigh shared ones")
	}
	// Unknown tiers get the conservative weight.
	if TrustTier("unknown").Weight() != TrustShared.Weight() {
		t.Error("unknown tier should fall back to shared weight")
	}
}
