package world

import (
	"fmt"
	"math"

	"github.com/go-gl/mathgl/mgl64"
)

// MaxSubChunks is the maximum amount of sub chunks a single chunk column may
// hold, regardless of the Dimension it is part of.
const MaxSubChunks = 24

// Dimension is a kind of world. The Dimension of a world determines its
// vertical Range and, as a result, how sub chunk slots of a chunk map to Y
// coordinates.
type Dimension int

const (
	// Overworld is the default Dimension. Its Range extends below Y=0, so
	// chunks in it reserve extra sub chunk slots for negative Y values.
	Overworld Dimension = iota
	// Nether is a bounded Dimension ranging from Y=0 to Y=127.
	Nether
	// End is a bounded Dimension ranging from Y=0 to Y=255.
	End
)

// DimensionByID looks up a Dimension by the index it is saved with on disk.
func DimensionByID(id int) (Dimension, bool) {
	switch id {
	case 0:
		return Overworld, true
	case 1:
		return Nether, true
	case 2:
		return End, true
	}
	return 0, false
}

// ID returns the index of the Dimension as found in database keys.
func (d Dimension) ID() int32 {
	return int32(d)
}

// Range returns the lowest and highest Y coordinates that blocks may be
// placed at in the Dimension.
func (d Dimension) Range() Range {
	switch d {
	case Nether:
		return Range{0, 127}
	case End:
		return Range{0, 255}
	default:
		return Range{-64, 319}
	}
}

// SubChunkOffset returns the amount of sub chunk slots reserved below Y=0
// in chunks of this Dimension.
func (d Dimension) SubChunkOffset() int16 {
	return int16(-(d.Range().Min() >> 4))
}

// String ...
func (d Dimension) String() string {
	switch d {
	case Overworld:
		return "overworld"
	case Nether:
		return "nether"
	case End:
		return "end"
	}
	return fmt.Sprintf("Dimension(%d)", int(d))
}

// Range represents the vertical range of a Dimension: The first value is the
// minimum Y and the second value the maximum Y, both inclusive.
type Range [2]int

// Min returns the minimum Y value of the Range.
func (r Range) Min() int { return r[0] }

// Max returns the maximum Y value of the Range.
func (r Range) Max() int { return r[1] }

// Height returns the total height of the Range, the difference between Max
// and Min.
func (r Range) Height() int { return r[1] - r[0] }

// ChunkPos holds the position of a chunk column. The type is provided as a
// utility struct for keeping track of a chunk's position. Chunks do not
// themselves keep track of their position, so this struct should be used
// in order to keep track of the position of a chunk.
type ChunkPos [2]int32

// X returns the X coordinate of the chunk position.
func (p ChunkPos) X() int32 { return p[0] }

// Z returns the Z coordinate of the chunk position.
func (p ChunkPos) Z() int32 { return p[1] }

// Hash packs both coordinates of the ChunkPos into a single int64. Two
// different positions never produce the same hash.
func (p ChunkPos) Hash() int64 {
	return int64(p[0])<<32 | int64(uint32(p[1]))
}

// String ...
func (p ChunkPos) String() string {
	return fmt.Sprintf("(%v, %v)", p[0], p[1])
}

// ChunkPosFromHash is the inverse of ChunkPos.Hash.
func ChunkPosFromHash(h int64) ChunkPos {
	return ChunkPos{int32(h >> 32), int32(uint32(h))}
}

// ChunkPosFromVec3 returns the position of the chunk column that contains
// the world position passed.
func ChunkPosFromVec3(vec3 mgl64.Vec3) ChunkPos {
	return ChunkPos{int32(math.Floor(vec3[0])) >> 4, int32(math.Floor(vec3[2])) >> 4}
}
