package chunk

import "slices"

// storageSize is the amount of entries held by a PalettedStorage: one for
// every position in a 16x16x16 sub chunk.
const storageSize = 4096

// PalettedStorage is a storage of 4096 values of a sub chunk, such as block
// runtime IDs or biome IDs. Every entry is an index into the Palette of the
// storage. The bit width used to encode the indices is only chosen when the
// storage is encoded, based on the size of the Palette at that moment.
type PalettedStorage struct {
	indices [storageSize]uint16
	palette *Palette
}

// NewPalettedStorage returns a PalettedStorage of which every entry holds the
// default value passed.
func NewPalettedStorage(def uint32) *PalettedStorage {
	return &PalettedStorage{palette: newPalette(def)}
}

// Index returns the index of the entry at the x, y and z passed. The
// ordering is part of the encoding: x takes the highest bits, y the lowest.
func Index(x, y, z uint8) uint16 {
	return uint16(x&15)<<8 | uint16(z&15)<<4 | uint16(y&15)
}

// At returns the value stored at the x, y and z passed.
func (s *PalettedStorage) At(x, y, z uint8) uint32 {
	return s.palette.values[s.indices[Index(x, y, z)]]
}

// Set stores the value passed at the x, y and z passed. If the value is not
// yet present in the Palette, it is appended to it.
func (s *PalettedStorage) Set(x, y, z uint8, v uint32) {
	s.indices[Index(x, y, z)] = s.palette.add(v)
}

// Palette returns the Palette of the storage.
func (s *PalettedStorage) Palette() *Palette {
	return s.palette
}

// Default returns the value at index 0 of the Palette.
func (s *PalettedStorage) Default() uint32 {
	return s.palette.values[0]
}

// Uniform reports if the storage holds nothing but the value passed. This
// is only true if the Palette holds exactly that one value.
func (s *PalettedStorage) Uniform(v uint32) bool {
	return s.palette.uniform(v)
}

// Equal reports if the storage holds exactly the same values at every
// position as the storage passed.
func (s *PalettedStorage) Equal(o *PalettedStorage) bool {
	if slices.Equal(s.palette.values, o.palette.values) {
		return s.indices == o.indices
	}
	for i := range s.indices {
		if s.palette.values[s.indices[i]] != o.palette.values[o.indices[i]] {
			return false
		}
	}
	return true
}

// clone returns a deep copy of the storage.
func (s *PalettedStorage) clone() *PalettedStorage {
	return &PalettedStorage{indices: s.indices, palette: newPalette(slices.Clone(s.palette.values)...)}
}

// compact returns a new storage holding the same values whose Palette only
// contains the values actually in use. The default value stays at index 0.
func (s *PalettedStorage) compact() *PalettedStorage {
	used := make([]bool, len(s.palette.values))
	for _, i := range s.indices {
		used[i] = true
	}
	if !slices.Contains(used, false) {
		return s
	}
	remap := make([]uint16, len(s.palette.values))
	c := &PalettedStorage{palette: newPalette(s.palette.values[0])}
	for i, ok := range used {
		if ok && i != 0 {
			remap[i] = c.palette.add(s.palette.values[i])
		}
	}
	for i, idx := range s.indices {
		c.indices[i] = remap[idx]
	}
	return c
}

// bitsPerIndex returns the amount of bits needed to encode an index into a
// palette of the size passed. Widths of 7 are rounded up to 8 and widths
// above 8 to 16, as those are the only widths readers accept above 6.
func bitsPerIndex(paletteSize int) int {
	bits := 0
	for n := paletteSize - 1; n > 0; n >>= 1 {
		bits++
	}
	switch {
	case bits == 0:
		return 1
	case bits <= 6:
		return bits
	case bits <= 8:
		return 8
	default:
		return 16
	}
}

// wordCount returns the amount of uint32 words needed to hold 4096 indices
// of the bit width passed.
func wordCount(bits int) int {
	perWord := 32 / bits
	return (storageSize + perWord - 1) / perWord
}

// pack packs the indices of the storage into words of the bit width passed.
func (s *PalettedStorage) pack(bits int) []uint32 {
	perWord := 32 / bits
	words := make([]uint32, wordCount(bits))
	for i, idx := range s.indices {
		words[i/perWord] |= uint32(idx) << ((i % perWord) * bits)
	}
	return words
}

// unpack sets the indices of the storage from words of the bit width
// passed. Indices past the 4096th in the final word are ignored.
func (s *PalettedStorage) unpack(words []uint32, bits int) {
	perWord, mask := 32/bits, uint32(1)<<bits-1
	for i := range s.indices {
		s.indices[i] = uint16(words[i/perWord] >> ((i % perWord) * bits) & mask)
	}
}
