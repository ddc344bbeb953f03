package chunk

import "slices"

// Palette is an ordered, duplicate-free list of values (block runtime IDs or
// biome IDs) that the indices of a PalettedStorage point into. The value at
// index 0 is the default value of the storage and is always present. Values
// are only ever appended, so existing indices stay valid for the lifetime of
// the Palette.
type Palette struct {
	values []uint32
}

// newPalette returns a Palette holding the values passed. values must not be
// empty.
func newPalette(values ...uint32) *Palette {
	return &Palette{values: values}
}

// Len returns the amount of values in the Palette.
func (p *Palette) Len() int {
	return len(p.values)
}

// Value returns the value at the palette index passed.
func (p *Palette) Value(i uint16) uint32 {
	return p.values[i]
}

// Values returns a copy of all values in the Palette.
func (p *Palette) Values() []uint32 {
	return slices.Clone(p.values)
}

// Index returns the index of the value passed in the Palette, or -1 if the
// value is not present.
func (p *Palette) Index(v uint32) int {
	// Palettes are almost always small and the default value at index 0 is
	// by far the most common, so a linear search is fast enough.
	for i, pv := range p.values {
		if pv == v {
			return i
		}
	}
	return -1
}

// add returns the index of the value passed, appending it to the Palette if
// it was not yet present.
func (p *Palette) add(v uint32) uint16 {
	if i := p.Index(v); i != -1 {
		return uint16(i)
	}
	p.values = append(p.values, v)
	return uint16(len(p.values) - 1)
}

// uniform reports if the Palette holds only the value passed.
func (p *Palette) uniform(v uint32) bool {
	return len(p.values) == 1 && p.values[0] == v
}
