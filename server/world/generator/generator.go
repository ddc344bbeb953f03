package generator

import (
	"context"

	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
)

// Generator handles the generating of newly created chunks. A Provider uses
// a Generator to create chunks that it cannot find in its database.
type Generator interface {
	// GenerateChunk generates the chunk at the position and in the Dimension
	// passed. The chunk returned must not be marked ready.
	GenerateChunk(ctx context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error)
}

// Populator may be implemented by a Generator to decorate chunks after they
// were generated, for example by placing trees or ores. Populate is only
// called for chunks generated for the first time, never for chunks loaded
// from a database.
type Populator interface {
	Populate(c *chunk.Chunk)
}

// Nop is a Generator that places no blocks, which results in a void world.
type Nop struct {
	// Air is the runtime ID of air.
	Air uint32
}

// GenerateChunk ...
func (n Nop) GenerateChunk(_ context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error) {
	return chunk.New(n.Air, dim, pos), nil
}

// Flat is a Generator that generates flat worlds: every column holds the
// same layers of blocks, starting at the bottom of the Dimension.
type Flat struct {
	air    uint32
	biome  uint32
	layers []uint32
}

// NewFlat returns a Flat generator filling chunks with the biome passed and
// the layers passed, ordered from the bottom up.
func NewFlat(air, biome uint32, layers ...uint32) Flat {
	return Flat{air: air, biome: biome, layers: layers}
}

// GenerateChunk ...
func (f Flat) GenerateChunk(ctx context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c := chunk.New(f.air, dim, pos)
	r := dim.Range()
	top := min(r.Min()+len(f.layers)-1, r.Max())

	for x := uint8(0); x < 16; x++ {
		for z := uint8(0); z < 16; z++ {
			for y := r.Min(); y <= top; y++ {
				c.SetBlock(x, int16(y), z, 0, f.layers[y-r.Min()])
			}
		}
	}
	if f.biome != chunk.DefaultBiome {
		for x := uint8(0); x < 16; x++ {
			for z := uint8(0); z < 16; z++ {
				for y := r.Min(); y <= r.Max(); y++ {
					c.SetBiome(x, int16(y), z, f.biome)
				}
			}
		}
	}
	return c, nil
}
