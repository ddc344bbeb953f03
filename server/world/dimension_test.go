package world

import (
	"testing"

	"github.com/go-gl/mathgl/mgl64"
)

func TestDimensionSubChunkOffset(t *testing.T) {
	cases := map[Dimension]int16{Overworld: 4, Nether: 0, End: 0}
	for dim, want := range cases {
		if got := dim.SubChunkOffset(); got != want {
			t.Fatalf("%v: expected offset %d, got %d", dim, want, got)
		}
		if (dim.Range().Height()+1)>>4 > MaxSubChunks {
			t.Fatalf("%v: range does not fit in %d sub chunks", dim, MaxSubChunks)
		}
	}
}

func TestChunkPosHashRoundTrip(t *testing.T) {
	for _, pos := range []ChunkPos{{0, 0}, {3, 5}, {-1, -1}, {-30000, 1 << 20}, {1<<31 - 1, -1 << 31}} {
		if got := ChunkPosFromHash(pos.Hash()); got != pos {
			t.Fatalf("expected %v, got %v", pos, got)
		}
	}
	if (ChunkPos{1, 0}).Hash() == (ChunkPos{0, 1}).Hash() {
		t.Fatalf("expected distinct hashes for swapped coordinates")
	}
}

func TestChunkPosFromVec3(t *testing.T) {
	if got := ChunkPosFromVec3(mgl64.Vec3{-0.5, 64, 17}); got != (ChunkPos{-1, 1}) {
		t.Fatalf("expected (-1, 1), got %v", got)
	}
}

func TestDimensionByID(t *testing.T) {
	for _, dim := range []Dimension{Overworld, Nether, End} {
		got, ok := DimensionByID(int(dim.ID()))
		if !ok || got != dim {
			t.Fatalf("expected %v, got %v (ok=%v)", dim, got, ok)
		}
	}
	if _, ok := DimensionByID(7); ok {
		t.Fatalf("expected unknown dimension id to fail")
	}
}
