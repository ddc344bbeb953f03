package chunk

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/df-mc/voxelstore/server/world"
)

const (
	// SubChunkVersion is the current version of the written sub chunks,
	// specifying the format they are written in.
	SubChunkVersion = 9
	// heightMapSize is the size in bytes of the height map prefixing the
	// biome data stored on disk.
	heightMapSize = 512
	// biomeCopyPrevious is written in place of a biome storage header if the
	// storage is equal to that of the sub chunk below it.
	biomeCopyPrevious = 0xff
)

// EncodeSubChunk encodes the sub chunk at the slot index passed using the
// Encoding passed. The sub chunk must exist.
func EncodeSubChunk(c *Chunk, index int16, e Encoding) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, 1024))
	if err := encodeSubChunk(buf, c, index, e); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeSubChunk(buf *bytes.Buffer, c *Chunk, index int16, e Encoding) error {
	sub := c.sub[index]
	buf.Write([]byte{SubChunkVersion, byte(len(sub.storage)), byte(int8(c.SubY(index)))})
	for _, layer := range sub.storage {
		if err := encodePalettedStorage(buf, layer, e, blockPalette); err != nil {
			return fmt.Errorf("encode sub chunk %v: %w", c.SubY(index), err)
		}
	}
	return nil
}

// DecodeSubChunk decodes a sub chunk of the chunk passed from the bytes
// passed and returns it along with the slot index it belongs in. The
// sub chunk is not added to the chunk. index is the slot the sub chunk was
// read for: versions of the format that store an index must store the same
// one.
func DecodeSubChunk(b []byte, c *Chunk, index int16, e Encoding) (*SubChunk, int16, error) {
	return decodeSubChunk(bytes.NewBuffer(b), c, index, e)
}

func decodeSubChunk(buf *bytes.Buffer, c *Chunk, index int16, e Encoding) (*SubChunk, int16, error) {
	ver, err := buf.ReadByte()
	if err != nil {
		return nil, 0, fmt.Errorf("%w: read sub chunk version: %v", ErrMalformed, err)
	}
	sub := NewSubChunk(c.air, c.biome)
	switch ver {
	case 1:
		// Version 1 only has a single block storage.
		storage, err := decodePalettedStorage(buf, e, blockPalette)
		if err != nil {
			return nil, 0, err
		}
		sub.storage = append(sub.storage, storage)
	case 8, 9:
		layerCount, err := buf.ReadByte()
		if err != nil {
			return nil, 0, fmt.Errorf("%w: read layer count: %v", ErrMalformed, err)
		}
		if ver == 9 {
			y, err := buf.ReadByte()
			if err != nil {
				return nil, 0, fmt.Errorf("%w: read sub chunk index: %v", ErrMalformed, err)
			}
			if stored := int16(int8(y)) + c.dim.SubChunkOffset(); stored != index {
				return nil, 0, fmt.Errorf("%w: sub chunk index %v does not match slot %v", ErrMalformed, int8(y), index)
			}
		}
		sub.storage = make([]*PalettedStorage, layerCount)
		for i := range sub.storage {
			if sub.storage[i], err = decodePalettedStorage(buf, e, blockPalette); err != nil {
				return nil, 0, err
			}
		}
	default:
		return nil, 0, fmt.Errorf("%w: unknown sub chunk version %v", ErrMalformed, ver)
	}
	return sub, index, nil
}

// EncodeBiomes encodes the biomes of every sub chunk slot of the chunk in
// the Dimension's range using the Encoding passed, prefixed by the height
// map of the chunk. This is the form biomes are stored in on disk.
func EncodeBiomes(c *Chunk, e Encoding) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, heightMapSize+512))
	heights := c.HeightMap()
	if err := binary.Write(buf, binary.LittleEndian, heights); err != nil {
		return nil, fmt.Errorf("encode height map: %w", err)
	}
	var previous *PalettedStorage
	for i := range int16((c.r.Height() + 1) >> 4) {
		storage := c.biomeStorage(i)
		if previous != nil && storage.Equal(previous) {
			buf.WriteByte(biomeCopyPrevious)
			continue
		}
		if err := encodePalettedStorage(buf, storage, e, biomePalette); err != nil {
			return nil, fmt.Errorf("encode biomes of sub chunk %v: %w", c.SubY(i), err)
		}
		previous = storage
	}
	return buf.Bytes(), nil
}

// DecodeBiomes decodes biomes encoded with EncodeBiomes into the chunk
// passed. Sub chunk slots that receive biomes are allocated if they were
// not yet present. Storages decoded before an error are kept.
func DecodeBiomes(b []byte, c *Chunk, e Encoding) error {
	if len(b) < heightMapSize {
		return fmt.Errorf("%w: biome data shorter than height map", ErrMalformed)
	}
	buf := bytes.NewBuffer(b[heightMapSize:])

	var previous *PalettedStorage
	for i := range int16((c.r.Height() + 1) >> 4) {
		if buf.Len() == 0 {
			// Trailing sub chunks without biomes keep the default biome.
			return nil
		}
		header, _ := buf.ReadByte()
		var storage *PalettedStorage
		if header == biomeCopyPrevious {
			if previous == nil {
				return fmt.Errorf("%w: first biome storage refers to previous storage", ErrMalformed)
			}
			storage = previous.clone()
		} else {
			var err error
			if storage, err = decodePalettedStorageBody(buf, header, e, biomePalette); err != nil {
				return fmt.Errorf("decode biomes of sub chunk %v: %w", c.SubY(i), err)
			}
		}
		c.SubChunk(int16(c.r.Min()) + i<<4).biomes = storage
		previous = storage
	}
	return nil
}

// biomeStorage returns the biome storage of the sub chunk slot passed, or a
// storage filled with the default biome if the slot is not allocated.
func (c *Chunk) biomeStorage(index int16) *PalettedStorage {
	if sub := c.sub[index]; sub != nil {
		return sub.biomes
	}
	return NewPalettedStorage(c.biome)
}

// Serialize returns the network representation of the chunk: the first
// SubChunkSendCount sub chunks in ascending order, a biome storage for
// every sub chunk slot and a single border block byte. The result is
// cached until the chunk is next modified and must not be changed by the
// caller.
func (c *Chunk) Serialize() ([]byte, error) {
	if c.cache != nil {
		return c.cache, nil
	}
	buf := bytes.NewBuffer(make([]byte, 0, 4096))
	count := c.SubChunkSendCount()
	if count > 0 {
		// Address the highest sub chunk sent so that every slot below it is
		// allocated.
		c.SubChunk(int16(c.SubY(int16(count-1)) << 4))
	}
	for i := range int16(count) {
		if err := encodeSubChunk(buf, c, i, NetworkEncoding); err != nil {
			return nil, err
		}
	}
	for i := range int16(world.MaxSubChunks) {
		if err := encodePalettedStorage(buf, c.biomeStorage(i), NetworkEncoding, biomePalette); err != nil {
			return nil, fmt.Errorf("encode biomes: %w", err)
		}
	}
	// Border blocks are not supported: a single byte holding their count.
	buf.WriteByte(0)

	c.cache = buf.Bytes()
	return c.cache, nil
}

// NetworkDecode decodes the network serialised representation of a chunk,
// as returned by Serialize, into a new Chunk. count is the amount of sub
// chunks held by the data.
func NetworkDecode(air uint32, dim world.Dimension, pos world.ChunkPos, data []byte, count int) (*Chunk, error) {
	c := New(air, dim, pos)
	buf := bytes.NewBuffer(data)
	for i := range int16(count) {
		sub, index, err := decodeSubChunk(buf, c, i, NetworkEncoding)
		if err != nil {
			return nil, err
		}
		c.sub[index] = sub
	}
	for i := range int16(world.MaxSubChunks) {
		storage, err := decodePalettedStorage(buf, NetworkEncoding, biomePalette)
		if err != nil {
			return nil, fmt.Errorf("decode biomes: %w", err)
		}
		if c.sub[i] != nil {
			c.sub[i].biomes = storage
		} else if !storage.Uniform(c.biome) {
			c.SubChunk(int16(c.SubY(i) << 4)).biomes = storage
		}
	}
	if _, err := buf.ReadByte(); err != nil {
		return nil, fmt.Errorf("%w: read border blocks: %v", ErrMalformed, err)
	}
	return c, nil
}
