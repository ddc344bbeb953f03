package chunk

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"maps"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
	"github.com/sandertv/gophertunnel/minecraft/nbt"
)

// Entity is an entity persisted as part of a chunk.
type Entity struct {
	// ID is the unique ID of the entity. The entity's body is stored under
	// a key holding this ID.
	ID int64
	// Pos is the position of the entity in the world. It decides which
	// chunk the entity belongs to.
	Pos mgl64.Vec3
	// Data holds the remaining NBT data of the entity, including its
	// "identifier".
	Data map[string]any
}

// NewEntity returns an Entity with a unique ID derived from the UUID passed.
func NewEntity(id uuid.UUID, identifier string, pos mgl64.Vec3) Entity {
	return Entity{ID: EntityID(id), Pos: pos, Data: map[string]any{"identifier": identifier}}
}

// EntityID derives the int64 unique ID of an entity from its UUID.
func EntityID(id uuid.UUID) int64 {
	return int64(binary.LittleEndian.Uint64(id[8:]))
}

// Identifier returns the identifier of the entity, such as "minecraft:pig".
func (e Entity) Identifier() string {
	s, _ := e.Data["identifier"].(string)
	return s
}

// EncodeNBT encodes the entity to its little endian NBT representation.
func (e Entity) EncodeNBT() ([]byte, error) {
	m := maps.Clone(e.Data)
	if m == nil {
		m = map[string]any{}
	}
	m["UniqueID"] = e.ID
	m["Pos"] = []float32{float32(e.Pos[0]), float32(e.Pos[1]), float32(e.Pos[2])}
	b, err := nbt.MarshalEncoding(m, nbt.LittleEndian)
	if err != nil {
		return nil, fmt.Errorf("encode entity %v: %w", e.ID, err)
	}
	return b, nil
}

// DecodeEntity decodes an Entity from its little endian NBT representation.
func DecodeEntity(b []byte) (Entity, error) {
	var m map[string]any
	if err := nbt.UnmarshalEncoding(b, &m, nbt.LittleEndian); err != nil {
		return Entity{}, fmt.Errorf("%w: decode entity: %v", ErrMalformed, err)
	}
	id, ok := m["UniqueID"].(int64)
	if !ok {
		return Entity{}, fmt.Errorf("%w: entity without UniqueID", ErrMalformed)
	}
	pos, ok := vec3(m["Pos"])
	if !ok {
		return Entity{}, fmt.Errorf("%w: entity %v without valid Pos", ErrMalformed, id)
	}
	delete(m, "UniqueID")
	delete(m, "Pos")
	return Entity{ID: id, Pos: pos, Data: m}, nil
}

// vec3 converts an NBT list of three floats to an mgl64.Vec3.
func vec3(v any) (mgl64.Vec3, bool) {
	var vec mgl64.Vec3
	switch l := v.(type) {
	case []float32:
		if len(l) != 3 {
			return vec, false
		}
		return mgl64.Vec3{float64(l[0]), float64(l[1]), float64(l[2])}, true
	case []any:
		if len(l) != 3 {
			return vec, false
		}
		for i, f := range l {
			f32, ok := f.(float32)
			if !ok {
				return vec, false
			}
			vec[i] = float64(f32)
		}
		return vec, true
	}
	return vec, false
}

// BlockEntity is additional data of a block in a chunk, such as the items
// in a chest or the text on a sign.
type BlockEntity struct {
	// Pos is the absolute position of the block.
	Pos [3]int
	// Data is the NBT data of the block entity, generally including an
	// "id" field.
	Data map[string]any
}

// EncodeBlockEntities encodes a list of block entities to the concatenated
// little endian NBT form they are stored with.
func EncodeBlockEntities(blockEntities []BlockEntity) ([]byte, error) {
	buf := bytes.NewBuffer(nil)
	enc := nbt.NewEncoderWithEncoding(buf, nbt.LittleEndian)
	for _, be := range blockEntities {
		m := maps.Clone(be.Data)
		if m == nil {
			m = map[string]any{}
		}
		m["x"], m["y"], m["z"] = int32(be.Pos[0]), int32(be.Pos[1]), int32(be.Pos[2])
		if err := enc.Encode(m); err != nil {
			return nil, fmt.Errorf("encode block entity at %v: %w", be.Pos, err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeBlockEntities decodes block entities encoded with
// EncodeBlockEntities. If an entry cannot be decoded, the block entities
// decoded up to that point are returned along with the error.
func DecodeBlockEntities(b []byte) ([]BlockEntity, error) {
	buf := bytes.NewBuffer(b)
	dec := nbt.NewDecoderWithEncoding(buf, nbt.LittleEndian)

	var blockEntities []BlockEntity
	for buf.Len() != 0 {
		var m map[string]any
		if err := dec.Decode(&m); err != nil {
			return blockEntities, fmt.Errorf("%w: decode block entity: %v", ErrMalformed, err)
		}
		x, okX := m["x"].(int32)
		y, okY := m["y"].(int32)
		z, okZ := m["z"].(int32)
		if !okX || !okY || !okZ {
			// A single entry without a position is skipped, the rest of the
			// list remains readable.
			continue
		}
		delete(m, "x")
		delete(m, "y")
		delete(m, "z")
		blockEntities = append(blockEntities, BlockEntity{Pos: [3]int{int(x), int(y), int(z)}, Data: m})
	}
	return blockEntities, nil
}
