package chunk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/df-mc/voxelstore/server/world"
)

// DefaultBiome is the biome ID new sub chunks are filled with (plains).
const DefaultBiome uint32 = 1

// Chunk is a column of sub chunks at a fixed horizontal position in a
// Dimension. Sub chunk slots are allocated lazily: a nil slot has not yet
// been generated or loaded. Along with blocks and biomes, a Chunk holds the
// entities and block entities located in it.
//
// A Chunk tracks whether it was modified since it was last saved (Dirty)
// and whether it has finished loading (Ready). Methods other than Ready,
// MarkReady, WaitReady, Dirty, MarkDirty and MarkClean must not be called
// simultaneously from multiple goroutines.
type Chunk struct {
	pos   world.ChunkPos
	dim   world.Dimension
	r     world.Range
	air   uint32
	biome uint32

	sub [world.MaxSubChunks]*SubChunk

	// Entities holds the entities persisted with the chunk.
	Entities []Entity
	// BlockEntities holds the additional data of blocks in the chunk, such
	// as the contents of containers or the text of signs.
	BlockEntities []BlockEntity

	// cache holds the last network serialised form of the chunk. It is
	// cleared whenever a block or biome is changed.
	cache []byte

	dirty     atomic.Bool
	ready     atomic.Bool
	readyOnce sync.Once
	readyCh   chan struct{}
}

// New initialises a new chunk at the position and in the Dimension passed,
// filled with air, and returns it, so that it may be used. The chunk is not
// ready until MarkReady is called.
func New(air uint32, dim world.Dimension, pos world.ChunkPos) *Chunk {
	return &Chunk{
		pos:     pos,
		dim:     dim,
		r:       dim.Range(),
		air:     air,
		biome:   DefaultBiome,
		readyCh: make(chan struct{}),
	}
}

// Position returns the position of the chunk.
func (c *Chunk) Position() world.ChunkPos {
	return c.pos
}

// Dimension returns the Dimension the chunk is part of.
func (c *Chunk) Dimension() world.Dimension {
	return c.dim
}

// Range returns the vertical range of the chunk.
func (c *Chunk) Range() world.Range {
	return c.r
}

// Hash returns the hash of the position of the chunk. Together with the
// Dimension, it identifies the chunk.
func (c *Chunk) Hash() int64 {
	return c.pos.Hash()
}

// Air returns the runtime ID of air used by the chunk.
func (c *Chunk) Air() uint32 {
	return c.air
}

// Sub returns a list of all sub chunk slots present in the chunk. Slots
// that were never allocated are nil.
func (c *Chunk) Sub() []*SubChunk {
	return c.sub[:]
}

// SubIndex returns the sub chunk slot that holds the Y value passed,
// clamped to the slots available.
func (c *Chunk) SubIndex(y int16) int16 {
	return min(max((y>>4)+c.dim.SubChunkOffset(), 0), world.MaxSubChunks-1)
}

// SubY returns the index written to disk for the sub chunk slot passed. It
// is the Y value of the bottom of the sub chunk shifted right by 4.
func (c *Chunk) SubY(index int16) int16 {
	return index - c.dim.SubChunkOffset()
}

// SubChunk finds the SubChunk in the Chunk holding the Y value passed. If it
// does not yet exist, it is created along with every missing sub chunk
// below it, so that all slots up to the one returned are always non-nil.
func (c *Chunk) SubChunk(y int16) *SubChunk {
	index := c.SubIndex(y)
	for i := int16(0); i <= index; i++ {
		if c.sub[i] == nil {
			c.sub[i] = NewSubChunk(c.air, c.biome)
		}
	}
	return c.sub[index]
}

// inRange reports if the Y value passed lies within the vertical range of
// the chunk.
func (c *Chunk) inRange(y int16) bool {
	return int(y) >= c.r.Min() && int(y) <= c.r.Max()
}

// Block returns the runtime ID of the block at a given x, y and z in a chunk
// at the given layer. If no sub chunk exists at the given y, the block is
// assumed to be air.
func (c *Chunk) Block(x uint8, y int16, z uint8, layer uint8) uint32 {
	if !c.inRange(y) {
		return c.air
	}
	sub := c.sub[c.SubIndex(y)]
	if sub == nil {
		return c.air
	}
	return sub.Block(x, uint8(y), z, layer)
}

// SetBlock sets the runtime ID of a block at a given x, y and z in a chunk
// at the given layer. The chunk is marked dirty and its cached serialised
// form is cleared. Y values outside the range of the chunk are ignored.
func (c *Chunk) SetBlock(x uint8, y int16, z uint8, layer uint8, block uint32) {
	if !c.inRange(y) {
		return
	}
	c.SubChunk(y).SetBlock(x, uint8(y), z, layer, block)
	c.modified()
}

// Biome returns the biome ID at a specific column in the chunk.
func (c *Chunk) Biome(x uint8, y int16, z uint8) uint32 {
	if !c.inRange(y) {
		return c.biome
	}
	sub := c.sub[c.SubIndex(y)]
	if sub == nil {
		return c.biome
	}
	return sub.Biome(x, uint8(y), z)
}

// SetBiome sets the biome ID at a specific position in the chunk.
func (c *Chunk) SetBiome(x uint8, y int16, z uint8, biome uint32) {
	if !c.inRange(y) {
		return
	}
	c.SubChunk(y).SetBiome(x, uint8(y), z, biome)
	c.modified()
}

// modified clears the cached serialised form and marks the chunk dirty.
func (c *Chunk) modified() {
	c.cache = nil
	c.dirty.Store(true)
}

// TopmostSolid iterates downwards from the Y value passed to find the
// highest block at x and z that is neither air nor non-solid according to
// the solid function passed. If solid is nil, every non-air block is solid.
// If no such block exists, Range().Min()-1 is returned.
func (c *Chunk) TopmostSolid(x, z uint8, fromY int16, solid func(rid uint32) bool) int16 {
	fromY = min(fromY, int16(c.r.Max()))
	for y := fromY; int(y) >= c.r.Min(); y-- {
		sub := c.sub[c.SubIndex(y)]
		if sub == nil || sub.Empty() {
			// Skip straight to the top of the sub chunk below.
			y = (y>>4)<<4
			continue
		}
		rid := sub.Block(x, uint8(y), z, 0)
		if rid == c.air || (solid != nil && !solid(rid)) {
			continue
		}
		return y
	}
	return int16(c.r.Min() - 1)
}

// HighestBlock returns the Y value of the highest non-air block at x and z,
// or Range().Min()-1 if the column holds no blocks.
func (c *Chunk) HighestBlock(x, z uint8) int16 {
	return c.TopmostSolid(x, z, int16(c.r.Max()), nil)
}

// BottommostNonEmpty iterates upwards from the bottom of the chunk to find
// the lowest block at x and z that is not air. If no such block exists,
// Range().Min()-1 is returned.
func (c *Chunk) BottommostNonEmpty(x, z uint8) int16 {
	for y := int16(c.r.Min()); int(y) <= c.r.Max(); y++ {
		sub := c.sub[c.SubIndex(y)]
		if sub == nil || sub.Empty() {
			y |= 15
			continue
		}
		if sub.Block(x, uint8(y), z, 0) != c.air {
			return y
		}
	}
	return int16(c.r.Min() - 1)
}

// HeightMap returns, for every column of the chunk, the height of the
// highest block relative to the bottom of the chunk, plus one. Columns
// without blocks have a height of 0.
func (c *Chunk) HeightMap() [256]int16 {
	var m [256]int16
	for x := uint8(0); x < 16; x++ {
		for z := uint8(0); z < 16; z++ {
			m[uint16(x)|uint16(z)<<4] = c.HighestBlock(x, z) - int16(c.r.Min()) + 1
		}
	}
	return m
}

// SubChunkSendCount returns the amount of sub chunks, counted from the
// bottom, that need to be sent to hold every non-empty sub chunk. Empty sub
// chunks at the top of the chunk are not counted.
func (c *Chunk) SubChunkSendCount() int {
	for i := len(c.sub) - 1; i >= 0; i-- {
		if c.sub[i] != nil && !c.sub[i].Empty() {
			return i + 1
		}
	}
	return 0
}

// Empty checks if the chunk holds no blocks other than air.
func (c *Chunk) Empty() bool {
	for _, sub := range c.sub {
		if sub != nil && !sub.Empty() {
			return false
		}
	}
	return true
}

// Compact compacts the chunk as much as possible, shrinking the palettes of
// all sub chunks to the values actually in use. Compact should be called
// right before the chunk is saved in order to optimise the storage space.
func (c *Chunk) Compact() {
	for _, sub := range c.sub {
		if sub != nil {
			sub.Compact()
		}
	}
}

// Insert copies the sub chunks, entities, block entities and the dirty and
// ready state of the chunk passed into c. It is used to merge a freshly
// generated chunk into a chunk already handed out to callers, without
// changing its identity. Insert panics if the chunks are not at the same
// position in the same Dimension.
func (c *Chunk) Insert(src *Chunk) {
	if src.pos != c.pos || src.dim != c.dim {
		panic(fmt.Sprintf("chunk: cannot insert chunk %v (%v) into chunk %v (%v)", src.pos, src.dim, c.pos, c.dim))
	}
	for i, sub := range src.sub {
		if sub != nil {
			c.sub[i] = sub
		}
	}
	c.Entities = append(c.Entities, src.Entities...)
	c.BlockEntities = append(c.BlockEntities, src.BlockEntities...)
	c.cache = nil
	c.dirty.Store(src.Dirty())
	if src.Ready() {
		c.MarkReady()
	}
}

// Dirty reports if the chunk was modified since it was last saved.
func (c *Chunk) Dirty() bool {
	return c.dirty.Load()
}

// MarkDirty marks the chunk as modified.
func (c *Chunk) MarkDirty() {
	c.dirty.Store(true)
}

// MarkClean marks the chunk as saved.
func (c *Chunk) MarkClean() {
	c.dirty.Store(false)
}

// Ready reports whether the chunk has finished loading or generating.
func (c *Chunk) Ready() bool {
	return c.ready.Load()
}

// MarkReady marks the chunk as loaded and unblocks any waiters. Calling
// MarkReady more than once has no effect.
func (c *Chunk) MarkReady() {
	c.readyOnce.Do(func() {
		c.ready.Store(true)
		close(c.readyCh)
	})
}

// WaitReady blocks until the chunk is marked ready or the context passed is
// cancelled.
func (c *Chunk) WaitReady(ctx context.Context) error {
	if c.ready.Load() {
		return nil
	}
	select {
	case <-c.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
