package mcdb

import (
	"encoding/binary"

	"github.com/df-mc/voxelstore/server/world"
)

// chunkVersion is the version of chunks currently written. The value stored
// under the version key must equal it for a chunk to be considered fully
// written in the current format.
const chunkVersion = 40

// Keys on a per-sub chunk basis. These are appended to the chunk index.
const (
	keyBiomes        = '+' // 2b
	keyVersion       = ',' // 2c
	keySubChunkData  = '/' // 2f
	keyBlockEntities = '1' // 31
)

// Keys that do not belong to a single chunk index.
const (
	keyEntityIdentifiers = "digp"
	keyEntity            = "actorprefix"
)

// index returns the bytes that identify a chunk in the database: the X and
// Z coordinates followed by the Dimension, which is omitted for the
// overworld.
func index(pos world.ChunkPos, dim world.Dimension) []byte {
	b := make([]byte, 8, 14)
	binary.LittleEndian.PutUint32(b, uint32(pos[0]))
	binary.LittleEndian.PutUint32(b[4:], uint32(pos[1]))
	if dim != world.Overworld {
		b = binary.LittleEndian.AppendUint32(b, uint32(dim.ID()))
	}
	return b
}

// versionKey returns the key under which the version of a chunk is stored.
// Its presence marks the chunk as fully written.
func versionKey(pos world.ChunkPos, dim world.Dimension) []byte {
	return append(index(pos, dim), keyVersion)
}

// subChunkKey returns the key of the sub chunk with the Y index passed, as
// returned by chunk.Chunk.SubY.
func subChunkKey(pos world.ChunkPos, dim world.Dimension, y int8) []byte {
	return append(index(pos, dim), keySubChunkData, byte(y))
}

func biomesKey(pos world.ChunkPos, dim world.Dimension) []byte {
	return append(index(pos, dim), keyBiomes)
}

func blockEntitiesKey(pos world.ChunkPos, dim world.Dimension) []byte {
	return append(index(pos, dim), keyBlockEntities)
}

// entityListKey returns the key under which the unique IDs of the entities
// in a chunk are stored. Unlike the other chunk keys, the Dimension comes
// before the coordinates.
func entityListKey(pos world.ChunkPos, dim world.Dimension) []byte {
	b := make([]byte, 0, len(keyEntityIdentifiers)+12)
	b = append(b, keyEntityIdentifiers...)
	if dim != world.Overworld {
		b = binary.LittleEndian.AppendUint32(b, uint32(dim.ID()))
	}
	b = binary.LittleEndian.AppendUint32(b, uint32(pos[0]))
	return binary.LittleEndian.AppendUint32(b, uint32(pos[1]))
}

// entityKey returns the key under which the body of the entity with the
// unique ID passed is stored.
func entityKey(id int64) []byte {
	return binary.LittleEndian.AppendUint64([]byte(keyEntity), uint64(id))
}
