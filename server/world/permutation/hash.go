package permutation

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"

	"github.com/segmentio/fasthash/fnv1a"
)

// Type tags written in front of every state value before it is hashed, so
// that values of different types with the same byte representation (for
// example int32(1) and float32 bits) never collide. Booleans and bytes share
// a tag: both are stored as byte tags in NBT.
const (
	tagByte byte = iota + 1
	tagInt32
	tagInt64
	tagFloat32
	tagString
	tagOther
)

// Hash computes the stable hash of a block permutation made up of an
// identifier and a map of states. The states are hashed in sorted key
// order, so the insertion order of the map passed has no effect on the
// result. The hash is FNV-1a 32 and must never change: it is the identity
// of a block state on disk and over the network.
func Hash(identifier string, states map[string]any) uint32 {
	h := fnv1a.AddString32(fnv1a.Init32, identifier)
	h = fnv1a.AddUint32(h, uint32(len(states)))

	keys := make([]string, 0, len(states))
	for k := range states {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var scratch [8]byte
	for _, k := range keys {
		h = fnv1a.AddUint32(h, uint32(len(k)))
		h = fnv1a.AddString32(h, k)

		switch v := states[k].(type) {
		case bool:
			b := byte(0)
			if v {
				b = 1
			}
			h = fnv1a.AddBytes32(h, []byte{tagByte, b})
		case uint8:
			h = fnv1a.AddBytes32(h, []byte{tagByte, v})
		case int32:
			binary.LittleEndian.PutUint32(scratch[:4], uint32(v))
			h = fnv1a.AddBytes32(fnv1a.AddBytes32(h, []byte{tagInt32}), scratch[:4])
		case int:
			binary.LittleEndian.PutUint32(scratch[:4], uint32(int32(v)))
			h = fnv1a.AddBytes32(fnv1a.AddBytes32(h, []byte{tagInt32}), scratch[:4])
		case int64:
			binary.LittleEndian.PutUint64(scratch[:], uint64(v))
			h = fnv1a.AddBytes32(fnv1a.AddBytes32(h, []byte{tagInt64}), scratch[:])
		case float32:
			binary.LittleEndian.PutUint32(scratch[:4], math.Float32bits(v))
			h = fnv1a.AddBytes32(fnv1a.AddBytes32(h, []byte{tagFloat32}), scratch[:4])
		case string:
			h = fnv1a.AddBytes32(h, []byte{tagString})
			h = fnv1a.AddUint32(h, uint32(len(v)))
			h = fnv1a.AddString32(h, v)
		default:
			h = fnv1a.AddBytes32(h, []byte{tagOther})
			h = fnv1a.AddString32(h, fmt.Sprint(v))
		}
	}
	return h
}
