package chunk

// SubChunk is a cube of blocks located in a chunk. It has a size of 16x16x16
// blocks and forms part of a stack that forms a Chunk. A SubChunk holds one
// or more layers of blocks (the second layer generally holds liquids that
// share a position with another block) and a storage of 3D biomes.
type SubChunk struct {
	air     uint32
	storage []*PalettedStorage
	biomes  *PalettedStorage
}

// NewSubChunk creates a new sub chunk filled with air and the biome passed.
// All sub chunks should be created through this function.
func NewSubChunk(air, biome uint32) *SubChunk {
	return &SubChunk{air: air, biomes: NewPalettedStorage(biome)}
}

// Empty checks if the SubChunk is considered empty. This is the case if the
// SubChunk has 0 layers or if every layer holds nothing but air.
func (sub *SubChunk) Empty() bool {
	for _, layer := range sub.storage {
		if !layer.Uniform(sub.air) {
			return false
		}
	}
	return true
}

// Layer returns a certain block storage/layer from a sub chunk. If no
// storage at the layer exists, the layer is created, as well as all layers
// between the current highest layer and the new highest layer.
func (sub *SubChunk) Layer(layer uint8) *PalettedStorage {
	for uint8(len(sub.storage)) <= layer {
		// Keep appending to storages until the requested layer is achieved.
		// Makes working with new layers much easier.
		sub.storage = append(sub.storage, NewPalettedStorage(sub.air))
	}
	return sub.storage[layer]
}

// Layers returns all layers in the sub chunk. This method may also return
// an empty slice.
func (sub *SubChunk) Layers() []*PalettedStorage {
	return sub.storage
}

// Block returns the runtime ID of the block located at the given X, Y and Z.
// X, Y and Z must be in a range of 0-15.
func (sub *SubChunk) Block(x, y, z byte, layer uint8) uint32 {
	if uint8(len(sub.storage)) <= layer {
		return sub.air
	}
	return sub.storage[layer].At(x, y, z)
}

// SetBlock sets the given block runtime ID at the given X, Y and Z. X, Y and
// Z must be in a range of 0-15.
func (sub *SubChunk) SetBlock(x, y, z byte, layer uint8, block uint32) {
	if block == sub.air && uint8(len(sub.storage)) <= layer {
		return
	}
	sub.Layer(layer).Set(x, y, z, block)
}

// Biome returns the biome ID at the given X, Y and Z.
func (sub *SubChunk) Biome(x, y, z byte) uint32 {
	return sub.biomes.At(x, y, z)
}

// SetBiome sets the biome ID at the given X, Y and Z.
func (sub *SubChunk) SetBiome(x, y, z byte, biome uint32) {
	sub.biomes.Set(x, y, z, biome)
}

// Biomes returns the biome storage of the sub chunk.
func (sub *SubChunk) Biomes() *PalettedStorage {
	return sub.biomes
}

// Compact cleans the garbage from all block storages that the sub chunk
// contains, so that they may be cleanly written to a database. Layers above
// the first that hold only air are removed.
func (sub *SubChunk) Compact() {
	for i, layer := range sub.storage {
		sub.storage[i] = layer.compact()
	}
	for len(sub.storage) > 1 && sub.storage[len(sub.storage)-1].Uniform(sub.air) {
		sub.storage = sub.storage[:len(sub.storage)-1]
	}
	sub.biomes = sub.biomes.compact()
}
