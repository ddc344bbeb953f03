// Package permutation implements the registry of block permutations: every
// fully resolved combination of a block identifier and its states, keyed by
// a stable hash that doubles as the block state ID on disk and over the
// network.
package permutation

import (
	"maps"
	"sync"

	"github.com/brentp/intintmap"
)

// AirIdentifier is the identifier of the block state every Registry is
// created with and that serves as its default state.
const AirIdentifier = "minecraft:air"

// Permutation holds the metadata of a single registered block state.
type Permutation struct {
	// ID is the hash of Identifier and States, as returned by Hash.
	ID uint32
	// Identifier is the namespaced identifier of the block, such as
	// "minecraft:stone".
	Identifier string
	// States holds the block states of the permutation. The map must not
	// be modified.
	States map[string]any
	// Solid specifies if the material of the block is solid. Non-solid
	// blocks are skipped when searching for the topmost solid block of a
	// column.
	Solid bool
}

// Registry is a registry of block permutations. A Registry is created once
// at startup and passed to every component that needs to resolve block
// states. It is safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	// index maps the hash of a permutation to its index in perms.
	index *intintmap.Map
	perms []Permutation
	air   uint32
}

// NewRegistry returns a Registry with only air registered. Air is the
// default state of the Registry.
func NewRegistry() *Registry {
	r := &Registry{index: intintmap.New(1024, 0.6)}
	r.air = r.Register(AirIdentifier, nil, false)
	return r
}

// Register registers a permutation with the identifier and states passed
// and returns its ID. If the permutation already exists, its solidity is
// updated and the existing ID is returned.
func (r *Registry) Register(identifier string, states map[string]any, solid bool) uint32 {
	id := Hash(identifier, states)

	r.mu.Lock()
	defer r.mu.Unlock()
	if i, ok := r.index.Get(int64(id)); ok {
		r.perms[i].Solid = solid
		return id
	}
	r.add(Permutation{ID: id, Identifier: identifier, States: maps.Clone(states), Solid: solid})
	return id
}

// Resolve returns the ID of the permutation with the identifier and states
// passed, registering a new solid permutation if it does not yet exist.
func (r *Registry) Resolve(identifier string, states map[string]any) uint32 {
	id := Hash(identifier, states)

	r.mu.RLock()
	_, ok := r.index.Get(int64(id))
	r.mu.RUnlock()
	if ok {
		return id
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.index.Get(int64(id)); !ok {
		r.add(Permutation{ID: id, Identifier: identifier, States: maps.Clone(states), Solid: true})
	}
	return id
}

// add adds a permutation to the Registry. r.mu must be held.
func (r *Registry) add(p Permutation) {
	if p.States == nil {
		p.States = map[string]any{}
	}
	r.index.Put(int64(p.ID), int64(len(r.perms)))
	r.perms = append(r.perms, p)
}

// Lookup returns the ID of the permutation with the identifier and states
// passed. Unlike Resolve, Lookup never registers a permutation: false is
// returned if it does not exist.
func (r *Registry) Lookup(identifier string, states map[string]any) (uint32, bool) {
	id := Hash(identifier, states)

	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index.Get(int64(id))
	return id, ok
}

// Get returns the Permutation registered with the ID passed. If no such
// permutation exists, the default (air) permutation is returned so that
// palettes written by newer versions remain readable.
func (r *Registry) Get(id uint32) Permutation {
	p, _ := r.permutation(id)
	return p
}

// Known reports if a permutation with the ID passed is registered.
func (r *Registry) Known(id uint32) bool {
	_, ok := r.permutation(id)
	return ok
}

func (r *Registry) permutation(id uint32) (Permutation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if i, ok := r.index.Get(int64(id)); ok {
		return r.perms[i], true
	}
	i, _ := r.index.Get(int64(r.air))
	return r.perms[i], false
}

// Solid reports if the permutation with the ID passed is solid.
func (r *Registry) Solid(id uint32) bool {
	return r.Get(id).Solid
}

// Air returns the ID of the default air permutation.
func (r *Registry) Air() uint32 {
	return r.air
}

// Len returns the amount of permutations registered.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.perms)
}

// StateNBT returns the identifier and states of the permutation with the
// ID passed, for writing it to disk. False is returned if the ID is not
// registered.
func (r *Registry) StateNBT(id uint32) (string, map[string]any, bool) {
	p, ok := r.permutation(id)
	if !ok {
		return "", nil, false
	}
	return p.Identifier, p.States, true
}
