package server

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
	"github.com/df-mc/voxelstore/server/world/generator"
	"github.com/df-mc/voxelstore/server/world/mcdb"
	"github.com/df-mc/voxelstore/server/world/permutation"
)

// ErrDimensionDisabled is returned when loading a chunk of a dimension that
// was disabled in the Config of a Store.
var ErrDimensionDisabled = errors.New("dimension disabled")

// Store ties a block state registry, a chunk provider and the generator
// pools of every enabled dimension together. A Store is created by calling
// Config.New.
type Store struct {
	conf     Config
	provider *mcdb.Provider
	pools    map[world.Dimension]*generator.Pool
	once     sync.Once
}

// Provider returns the mcdb.Provider chunks of the Store are held in.
func (s *Store) Provider() *mcdb.Provider {
	return s.provider
}

// States returns the block state registry of the Store.
func (s *Store) States() *permutation.Registry {
	return s.conf.States
}

// Load returns the chunk at the position and in the dimension passed,
// loading or generating it if it is not yet in memory.
func (s *Store) Load(ctx context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error) {
	if s.conf.dimensionDisabled(dim) {
		return nil, fmt.Errorf("load chunk %v: %w", pos, ErrDimensionDisabled)
	}
	return s.provider.Read(ctx, chunk.New(s.conf.States.Air(), dim, pos))
}

// Save writes all chunks in memory that were modified to the database.
func (s *Store) Save() error {
	return s.provider.Save()
}

// CollectGarbage removes chunks that are no longer borrowed and were not
// modified from memory and returns how many were removed.
func (s *Store) CollectGarbage() int {
	return s.provider.CollectGarbage()
}

// Close saves all modified chunks, closes the database and stops the
// generator workers.
func (s *Store) Close() error {
	var err error
	s.once.Do(func() {
		s.conf.Log.Debug("Closing store...")
		err = s.provider.Close()
		s.closePools()
	})
	return err
}

// generatorFor returns the generator pool of a dimension, or nil if chunks of
// the dimension cannot be generated.
func (s *Store) generatorFor(dim world.Dimension) generator.Generator {
	if p, ok := s.pools[dim]; ok {
		return p
	}
	return nil
}

func (s *Store) closePools() {
	for _, p := range s.pools {
		_ = p.Close()
	}
}
