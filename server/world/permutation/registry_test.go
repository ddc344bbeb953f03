package permutation

import "testing"

func TestResolveCanonicalisesStateOrder(t *testing.T) {
	r := NewRegistry()

	a := map[string]any{}
	a["wood_type"] = "oak"
	a["pillar_axis"] = "y"
	a["stripped_bit"] = uint8(0)

	b := map[string]any{}
	b["stripped_bit"] = uint8(0)
	b["pillar_axis"] = "y"
	b["wood_type"] = "oak"

	idA, idB := r.Resolve("minecraft:wood", a), r.Resolve("minecraft:wood", b)
	if idA != idB {
		t.Fatalf("expected equal IDs regardless of state order, got %d and %d", idA, idB)
	}
	if r.Len() != 2 {
		t.Fatalf("expected 2 permutations (air + wood), got %d", r.Len())
	}
	if other := r.Resolve("minecraft:log", a); other == idA {
		t.Fatalf("expected different identifiers to produce different IDs")
	}
}

func TestHashIsStable(t *testing.T) {
	// The hash is the on-disk identity of a block state and must never
	// change between versions.
	h := Hash("minecraft:stone", nil)
	if h != Hash("minecraft:stone", map[string]any{}) {
		t.Fatalf("expected nil and empty states to hash equally")
	}
	if h == Hash("minecraft:stone", map[string]any{"stone_type": "granite"}) {
		t.Fatalf("expected states to influence the hash")
	}
	if Hash("minecraft:wool", map[string]any{"color": "red"}) == Hash("minecraft:wool", map[string]any{"colour": "red"}) {
		t.Fatalf("expected state keys to influence the hash")
	}
}

func TestGetFallsBackToAir(t *testing.T) {
	r := NewRegistry()
	stone := r.Register("minecraft:stone", nil, true)

	if p := r.Get(stone); p.Identifier != "minecraft:stone" || !p.Solid {
		t.Fatalf("expected solid stone permutation, got %+v", p)
	}
	unknown := Hash("minecraft:not_a_block", nil)
	if r.Known(unknown) {
		t.Fatalf("expected unknown ID to not be registered")
	}
	if p := r.Get(unknown); p.ID != r.Air() {
		t.Fatalf("expected fallback to air, got %+v", p)
	}
	if r.Solid(r.Air()) {
		t.Fatalf("expected air to not be solid")
	}
}

func TestLookupDoesNotRegister(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.Lookup("minecraft:dirt", nil); ok {
		t.Fatalf("expected lookup of unregistered permutation to fail")
	}
	if r.Len() != 1 {
		t.Fatalf("expected lookup to leave registry untouched, got %d permutations", r.Len())
	}
	id := r.Resolve("minecraft:dirt", nil)
	if got, ok := r.Lookup("minecraft:dirt", nil); !ok || got != id {
		t.Fatalf("expected lookup to find %d, got %d (ok=%v)", id, got, ok)
	}
	name, states, ok := r.StateNBT(id)
	if !ok || name != "minecraft:dirt" || len(states) != 0 {
		t.Fatalf("unexpected state NBT: %v %v %v", name, states, ok)
	}
}
