package chunk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/df-mc/worldupgrader/blockupgrader"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
	"github.com/sandertv/gophertunnel/minecraft/protocol"
)

// CurrentBlockVersion is the block state version written to disk along with
// every block palette entry.
const CurrentBlockVersion int32 = 18100737

// ErrMalformed is wrapped by every error returned when decoding bytes that
// are not structurally valid chunk data.
var ErrMalformed = errors.New("malformed chunk data")

// StateRegistry resolves block runtime IDs to the form they are stored on
// disk with and back.
type StateRegistry interface {
	// Air returns the runtime ID of the default block state.
	Air() uint32
	// StateNBT returns the identifier and states of a runtime ID.
	StateNBT(rid uint32) (identifier string, states map[string]any, ok bool)
	// Lookup returns the runtime ID of an identifier and states. It must not
	// register new states.
	Lookup(identifier string, states map[string]any) (uint32, bool)
}

// paletteKind specifies what kind of values a palette holds.
type paletteKind uint8

const (
	blockPalette paletteKind = iota
	biomePalette
)

// Encoding is an encoding type used for Chunk encoding. Implementations of
// this interface are DiskEncoding and NetworkEncoding, which can be used to
// encode a Chunk to an intermediate disk or network representation
// respectively.
type Encoding interface {
	encodeCount(buf *bytes.Buffer, n int)
	decodeCount(buf *bytes.Buffer) (int, error)
	encodeValue(buf *bytes.Buffer, v uint32, kind paletteKind) error
	decodeValue(buf *bytes.Buffer, kind paletteKind) (uint32, error)
}

// NetworkEncoding is the Encoding used for sending a Chunk over network. It
// writes palette sizes and entries as signed varints.
var NetworkEncoding networkEncoding

type networkEncoding struct{}

func (networkEncoding) encodeCount(buf *bytes.Buffer, n int) {
	_ = protocol.WriteVarint32(buf, int32(n))
}

func (networkEncoding) decodeCount(buf *bytes.Buffer) (int, error) {
	var n int32
	if err := protocol.Varint32(buf, &n); err != nil {
		return 0, fmt.Errorf("%w: read palette size: %v", ErrMalformed, err)
	}
	return int(n), nil
}

func (networkEncoding) encodeValue(buf *bytes.Buffer, v uint32, _ paletteKind) error {
	return protocol.WriteVarint32(buf, int32(v))
}

func (networkEncoding) decodeValue(buf *bytes.Buffer, _ paletteKind) (uint32, error) {
	var v int32
	if err := protocol.Varint32(buf, &v); err != nil {
		return 0, fmt.Errorf("%w: read palette entry: %v", ErrMalformed, err)
	}
	return uint32(v), nil
}

// DiskEncoding is the Encoding used for writing a Chunk to disk. Block
// palette entries are written as little endian NBT compounds holding the
// identifier and states of the block, biome palette entries as int32s.
type DiskEncoding struct {
	// States is used to convert block runtime IDs to their NBT form and
	// back.
	States StateRegistry
	// Log is used to report palette entries that could not be resolved. If
	// nil, slog.Default() is used.
	Log *slog.Logger
}

// diskBlockEntry is the NBT form of a block palette entry.
type diskBlockEntry struct {
	Name    string         `nbt:"name"`
	States  map[string]any `nbt:"states"`
	Version int32          `nbt:"version"`
}

func (DiskEncoding) encodeCount(buf *bytes.Buffer, n int) {
	_ = binary.Write(buf, binary.LittleEndian, int32(n))
}

func (DiskEncoding) decodeCount(buf *bytes.Buffer) (int, error) {
	if buf.Len() < 4 {
		return 0, fmt.Errorf("%w: palette size truncated", ErrMalformed)
	}
	return int(int32(binary.LittleEndian.Uint32(buf.Next(4)))), nil
}

func (e DiskEncoding) encodeValue(buf *bytes.Buffer, v uint32, kind paletteKind) error {
	if kind == biomePalette {
		return binary.Write(buf, binary.LittleEndian, int32(v))
	}
	name, states, ok := e.States.StateNBT(v)
	if !ok {
		return fmt.Errorf("encode palette: unregistered block runtime ID %d", v)
	}
	if states == nil {
		states = map[string]any{}
	}
	return nbt.NewEncoderWithEncoding(buf, nbt.LittleEndian).Encode(diskBlockEntry{Name: name, States: states, Version: CurrentBlockVersion})
}

func (e DiskEncoding) decodeValue(buf *bytes.Buffer, kind paletteKind) (uint32, error) {
	if kind == biomePalette {
		if buf.Len() < 4 {
			return 0, fmt.Errorf("%w: biome palette entry truncated", ErrMalformed)
		}
		return binary.LittleEndian.Uint32(buf.Next(4)), nil
	}
	var entry diskBlockEntry
	if err := nbt.NewDecoderWithEncoding(buf, nbt.LittleEndian).Decode(&entry); err != nil {
		return 0, fmt.Errorf("%w: decode block palette entry: %v", ErrMalformed, err)
	}
	upgraded := blockupgrader.Upgrade(blockupgrader.BlockState{
		Name:       entry.Name,
		Properties: entry.States,
		Version:    entry.Version,
	})
	rid, ok := e.States.Lookup(upgraded.Name, upgraded.Properties)
	if !ok {
		// Palettes written by newer versions may contain states we do not
		// know about. These are read as the default state.
		e.log().Warn("decode block palette: unknown block state, using default", "name", upgraded.Name, "states", upgraded.Properties)
		return e.States.Air(), nil
	}
	return rid, nil
}

func (e DiskEncoding) log() *slog.Logger {
	if e.Log == nil {
		return slog.Default()
	}
	return e.Log
}

// encodePalettedStorage writes a PalettedStorage to buf: a header byte with
// the bit width of the indices, the packed index words and the palette.
func encodePalettedStorage(buf *bytes.Buffer, s *PalettedStorage, e Encoding, kind paletteKind) error {
	bits := bitsPerIndex(s.palette.Len())
	// The lowest bit is set to indicate a runtime ID palette. Persistent
	// (literal) palettes are never written.
	buf.WriteByte(byte(bits<<1) | 1)

	words := s.pack(bits)
	b := make([]byte, len(words)*4)
	for i, w := range words {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	buf.Write(b)

	e.encodeCount(buf, s.palette.Len())
	for _, v := range s.palette.values {
		if err := e.encodeValue(buf, v, kind); err != nil {
			return err
		}
	}
	return nil
}

// decodePalettedStorage reads a PalettedStorage previously written using
// encodePalettedStorage. Both runtime ID and persistent palette headers are
// accepted.
func decodePalettedStorage(buf *bytes.Buffer, e Encoding, kind paletteKind) (*PalettedStorage, error) {
	header, err := buf.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("%w: read storage header: %v", ErrMalformed, err)
	}
	return decodePalettedStorageBody(buf, header, e, kind)
}

func decodePalettedStorageBody(buf *bytes.Buffer, header byte, e Encoding, kind paletteKind) (*PalettedStorage, error) {
	bits := int(header >> 1)
	s := &PalettedStorage{}
	switch bits {
	case 0:
		// A storage with a bit width of 0 holds a single value and no words.
	case 1, 2, 3, 4, 5, 6, 8, 16:
		n := wordCount(bits)
		if buf.Len() < n*4 {
			return nil, fmt.Errorf("%w: storage words truncated: need %d bytes, got %d", ErrMalformed, n*4, buf.Len())
		}
		words := make([]uint32, n)
		data := buf.Next(n * 4)
		for i := range words {
			words[i] = binary.LittleEndian.Uint32(data[i*4:])
		}
		s.unpack(words, bits)
	default:
		return nil, fmt.Errorf("%w: invalid bits per index %d", ErrMalformed, bits)
	}

	count, err := e.decodeCount(buf)
	if err != nil {
		return nil, err
	}
	if count <= 0 || count > storageSize {
		return nil, fmt.Errorf("%w: invalid palette size %d", ErrMalformed, count)
	}
	values := make([]uint32, count)
	for i := range values {
		if values[i], err = e.decodeValue(buf, kind); err != nil {
			return nil, err
		}
	}
	for _, idx := range s.indices {
		if int(idx) >= count {
			return nil, fmt.Errorf("%w: palette index %d out of range for palette of size %d", ErrMalformed, idx, count)
		}
	}
	s.palette = newPalette(values...)
	return s, nil
}
