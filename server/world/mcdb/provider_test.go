package mcdb

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/storage"
	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
	"github.com/df-mc/voxelstore/server/world/generator"
	"github.com/df-mc/voxelstore/server/world/permutation"
	"github.com/go-gl/mathgl/mgl64"
	"github.com/google/uuid"
)

// memDB is a DB without batch support that records the keys written to it.
type memDB struct {
	mu      sync.Mutex
	data    map[string][]byte
	written [][]byte
	// gate, if not nil, blocks Get until it is closed.
	gate chan struct{}
}

func newMemDB() *memDB {
	return &memDB{data: make(map[string][]byte)}
}

func (db *memDB) Get(key []byte) ([]byte, error) {
	if db.gate != nil {
		<-db.gate
	}
	db.mu.Lock()
	defer db.mu.Unlock()
	v, ok := db.data[string(key)]
	if !ok {
		return nil, leveldb.ErrNotFound
	}
	return bytes.Clone(v), nil
}

func (db *memDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.data[string(key)] = bytes.Clone(value)
	db.written = append(db.written, bytes.Clone(key))
	return nil
}

func (db *memDB) Delete(key []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	delete(db.data, string(key))
	return nil
}

func (db *memDB) Close() error { return nil }

// batchDB is a memDB that keeps the last batch written to it.
type batchDB struct {
	*memDB
	last *leveldb.Batch
}

func (db *batchDB) Write(b *leveldb.Batch) error {
	db.last = b
	w := &sequentialWriter{db: db.memDB}
	if err := b.Replay(w); err != nil {
		return err
	}
	return w.err
}

// testGenerator places a single stone block at the bottom of every chunk
// and counts the amount of chunks it populated.
type testGenerator struct {
	air, stone uint32
	generated  atomic.Int32
	populated  atomic.Int32
}

func (g *testGenerator) GenerateChunk(_ context.Context, pos world.ChunkPos, dim world.Dimension) (*chunk.Chunk, error) {
	g.generated.Add(1)
	c := chunk.New(g.air, dim, pos)
	c.SetBlock(0, int16(dim.Range().Min()), 0, 0, g.stone)
	return c, nil
}

func (g *testGenerator) Populate(*chunk.Chunk) {
	g.populated.Add(1)
}

type testEnv struct {
	reg   *permutation.Registry
	stone uint32
	gen   *testGenerator
}

func newTestEnv() testEnv {
	reg := permutation.NewRegistry()
	stone := reg.Register("test:stone", nil, true)
	return testEnv{reg: reg, stone: stone, gen: &testGenerator{air: reg.Air(), stone: stone}}
}

func (env testEnv) provider(db DB) *Provider {
	return Config{
		States:    env.reg,
		Generator: func(world.Dimension) generator.Generator { return env.gen },
	}.New(db)
}

func (env testEnv) chunk(pos world.ChunkPos, dim world.Dimension) *chunk.Chunk {
	return chunk.New(env.reg.Air(), dim, pos)
}

// nonEmpty counts the sub chunks of a chunk that hold blocks.
func nonEmpty(c *chunk.Chunk) int {
	n := 0
	for _, sub := range c.Sub() {
		if sub != nil && !sub.Empty() {
			n++
		}
	}
	return n
}

func TestReadDeduplicatesConcurrentCalls(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	db.gate = make(chan struct{})
	p := env.provider(db)
	pos := world.ChunkPos{3, 5}

	first, second := env.chunk(pos, world.Nether), env.chunk(pos, world.Nether)
	results := make(chan *chunk.Chunk, 2)
	read := func(c *chunk.Chunk) {
		got, err := p.Read(context.Background(), c)
		if err != nil {
			t.Errorf("read: %v", err)
		}
		results <- got
	}
	go read(first)
	waitFor(t, func() bool { return p.Loaded(pos, world.Nether) })
	go read(second)
	// Give the second call time to join the load in progress.
	time.Sleep(10 * time.Millisecond)
	close(db.gate)

	a, b := <-results, <-results
	if a != b || a != first {
		t.Fatalf("expected both calls to return the first chunk instance")
	}
	if n := env.gen.generated.Load(); n != 1 {
		t.Fatalf("expected a single generation, got %d", n)
	}
	if !a.Ready() {
		t.Fatalf("expected chunk to be ready")
	}
}

func TestReadReturnsCachedChunk(t *testing.T) {
	env := newTestEnv()
	p := env.provider(newMemDB())
	pos := world.ChunkPos{1, 1}

	first, err := p.Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	second, err := p.Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if first != second {
		t.Fatalf("expected cached chunk to be returned")
	}
	other, _ := p.Read(context.Background(), env.chunk(pos, world.End))
	if other == first {
		t.Fatalf("expected chunks in different dimensions to be distinct")
	}
}

func TestReturnEvictsOnlyCleanChunks(t *testing.T) {
	env := newTestEnv()
	p := env.provider(newMemDB())
	dirtyPos, cleanPos := world.ChunkPos{0, 0}, world.ChunkPos{0, 1}

	dirty, _ := p.Read(context.Background(), env.chunk(dirtyPos, world.Overworld))
	clean, _ := p.Read(context.Background(), env.chunk(cleanPos, world.Overworld))
	if !dirty.Dirty() {
		t.Fatalf("expected generated chunk to be dirty")
	}
	clean.MarkClean()

	for _, pos := range []world.ChunkPos{dirtyPos, cleanPos} {
		p.Rent(pos.Hash(), world.Overworld)
		p.Rent(pos.Hash(), world.Overworld)
		p.Return(pos.Hash(), world.Overworld)
	}
	if !p.Loaded(cleanPos, world.Overworld) {
		t.Fatalf("expected borrowed chunk to stay loaded")
	}
	if n := p.Borrows(cleanPos.Hash(), world.Overworld); n != 1 {
		t.Fatalf("expected 1 borrow, got %d", n)
	}
	p.Return(dirtyPos.Hash(), world.Overworld)
	p.Return(cleanPos.Hash(), world.Overworld)
	if n := p.Borrows(cleanPos.Hash(), world.Overworld); n != 0 {
		t.Fatalf("expected 0 borrows, got %d", n)
	}

	if !p.Loaded(dirtyPos, world.Overworld) {
		t.Fatalf("expected dirty chunk to survive its last return")
	}
	if p.Loaded(cleanPos, world.Overworld) {
		t.Fatalf("expected clean chunk to be evicted on its last return")
	}
	if n := p.Metrics().Total().Evictions; n != 1 {
		t.Fatalf("expected 1 eviction, got %d", n)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	env := newTestEnv()
	ldb, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	db := levelDB{ldb: ldb}
	defer db.Close()

	pos := world.ChunkPos{-2, 7}
	c := env.chunk(pos, world.Overworld)
	c.SetBlock(1, -64, 1, 0, env.stone)
	c.SetBlock(2, 0, 2, 0, env.stone)
	c.SetBlock(3, 200, 3, 0, env.stone)
	c.SetBiome(0, 0, 0, 6)
	c.Entities = append(c.Entities,
		chunk.NewEntity(uuid.New(), "minecraft:pig", mgl64.Vec3{-30, 64, 120}),
		chunk.NewEntity(uuid.New(), "minecraft:cow", mgl64.Vec3{-20, 70, 115}),
	)
	c.BlockEntities = append(c.BlockEntities, chunk.BlockEntity{Pos: [3]int{-30, 0, 114}, Data: map[string]any{"id": "Chest"}})

	if err := env.provider(db).Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if c.Dirty() {
		t.Fatalf("expected chunk to be clean after writing")
	}

	got, err := env.provider(db).Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := nonEmpty(got); n != 3 {
		t.Fatalf("expected 3 non-empty sub chunks, got %d", n)
	}
	if len(got.Entities) != 2 || len(got.BlockEntities) != 1 {
		t.Fatalf("expected 2 entities and 1 block entity, got %d and %d", len(got.Entities), len(got.BlockEntities))
	}
	if got.Block(3, 200, 3, 0) != env.stone || got.Biome(0, 0, 0) != 6 {
		t.Fatalf("expected blocks and biomes to survive the round trip")
	}
	if got.Entities[0].Identifier() != "minecraft:pig" || got.Entities[0].ID != c.Entities[0].ID {
		t.Fatalf("expected entity %v, got %v", c.Entities[0], got.Entities[0])
	}
	if got.Dirty() {
		t.Fatalf("expected loaded chunk to be clean")
	}
	if env.gen.generated.Load() != 0 {
		t.Fatalf("expected stored chunk not to be generated")
	}
}

func TestReadToleratesCorruptSubChunk(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	pos := world.ChunkPos{8, 8}

	c := env.chunk(pos, world.Overworld)
	for _, y := range []int16{-16, 16, 48} {
		c.SetBlock(4, y, 4, 0, env.stone)
	}
	if err := env.provider(db).Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Slot 5 holds Y 16 to 31.
	key := subChunkKey(pos, world.Overworld, int8(c.SubY(5)))
	if _, err := db.Get(key); err != nil {
		t.Fatalf("expected sub chunk 5 to be stored: %v", err)
	}
	db.data[string(key)] = db.data[string(key)][:1]

	p := env.provider(db)
	got, err := p.Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("expected read to succeed, got %v", err)
	}
	if sub := got.Sub()[5]; sub != nil && !sub.Empty() {
		t.Fatalf("expected corrupt sub chunk 5 to be absent")
	}
	if got.Block(4, -16, 4, 0) != env.stone || got.Block(4, 48, 4, 0) != env.stone {
		t.Fatalf("expected the other sub chunks to be intact")
	}
	if n := p.Metrics().Total().Corrupt; n != 1 {
		t.Fatalf("expected 1 corrupt record, got %d", n)
	}
}

func TestWriteVersionKeyLast(t *testing.T) {
	env := newTestEnv()
	pos := world.ChunkPos{1, 2}
	newChunk := func() *chunk.Chunk {
		c := env.chunk(pos, world.End)
		c.SetBlock(0, 10, 0, 0, env.stone)
		c.SetBlock(0, 100, 0, 0, env.stone)
		c.Entities = append(c.Entities, chunk.NewEntity(uuid.New(), "minecraft:pig", mgl64.Vec3{16, 10, 32}))
		return c
	}

	db := newMemDB()
	if err := env.provider(db).Write(newChunk()); err != nil {
		t.Fatalf("write: %v", err)
	}
	if last := db.written[len(db.written)-1]; !bytes.Equal(last, versionKey(pos, world.End)) {
		t.Fatalf("expected version key to be written last, got % x", last)
	}

	bdb := &batchDB{memDB: newMemDB()}
	if err := env.provider(bdb).Write(newChunk()); err != nil {
		t.Fatalf("write: %v", err)
	}
	rec := newMemDB()
	if err := bdb.last.Replay(&sequentialWriter{db: rec}); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if last := rec.written[len(rec.written)-1]; !bytes.Equal(last, versionKey(pos, world.End)) {
		t.Fatalf("expected version key to be the last key of the batch, got % x", last)
	}
}

func TestWriteCleanChunkSkipsBlocks(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	pos := world.ChunkPos{4, 4}
	c := env.chunk(pos, world.Overworld)
	c.SetBlock(0, 0, 0, 0, env.stone)
	c.MarkClean()

	if err := env.provider(db).Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := db.Get(versionKey(pos, world.Overworld)); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("expected clean chunk not to write a version key")
	}
	if _, err := db.Get(entityListKey(pos, world.Overworld)); err != nil {
		t.Fatalf("expected entity list to be written, got %v", err)
	}
	if _, err := db.Get(blockEntitiesKey(pos, world.Overworld)); err != nil {
		t.Fatalf("expected block entity list to be written, got %v", err)
	}
}

func TestWriteDeletesStaleEntities(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	p := env.provider(db)
	pos := world.ChunkPos{0, 0}

	c := env.chunk(pos, world.Overworld)
	kept := chunk.NewEntity(uuid.New(), "minecraft:pig", mgl64.Vec3{1, 1, 1})
	gone := chunk.NewEntity(uuid.New(), "minecraft:cow", mgl64.Vec3{2, 2, 2})
	c.Entities = []chunk.Entity{kept, gone}
	if err := p.Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	c.Entities = []chunk.Entity{kept}
	if err := p.Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := db.Get(entityKey(gone.ID)); !errors.Is(err, leveldb.ErrNotFound) {
		t.Fatalf("expected removed entity to be deleted, got %v", err)
	}
	if _, err := db.Get(entityKey(kept.ID)); err != nil {
		t.Fatalf("expected kept entity to remain, got %v", err)
	}
}

func TestWriteKeepsEntityMovedToOtherChunk(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	p := env.provider(db)
	aPos, bPos := world.ChunkPos{0, 0}, world.ChunkPos{1, 0}

	a, b := env.chunk(aPos, world.Overworld), env.chunk(bPos, world.Overworld)
	a.SetBlock(0, 0, 0, 0, env.stone)
	b.SetBlock(0, 0, 0, 0, env.stone)
	pig := chunk.NewEntity(uuid.New(), "minecraft:pig", mgl64.Vec3{1, 1, 1})
	a.Entities = []chunk.Entity{pig}
	if err := p.Write(a); err != nil {
		t.Fatalf("write: %v", err)
	}

	pig.Pos = mgl64.Vec3{17, 1, 1}
	a.Entities = nil
	b.Entities = []chunk.Entity{pig}
	if err := p.Write(b); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Write(a); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := env.provider(db).Read(context.Background(), env.chunk(bPos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Entities) != 1 || got.Entities[0].ID != pig.ID {
		t.Fatalf("expected moved entity in its new chunk, got %v", got.Entities)
	}
}

func TestWriteRejectsLoadingChunk(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	db.gate = make(chan struct{})
	p := env.provider(db)
	pos := world.ChunkPos{2, 2}

	done := make(chan error, 1)
	go func() {
		_, err := p.Read(context.Background(), env.chunk(pos, world.Overworld))
		done <- err
	}()
	waitFor(t, func() bool { return p.Loaded(pos, world.Overworld) })

	c := env.chunk(pos, world.Overworld)
	c.SetBlock(0, 0, 0, 0, env.stone)
	err := p.Write(c)
	close(db.gate)
	if !errors.Is(err, ErrLoading) {
		t.Fatalf("expected ErrLoading, got %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := p.Write(c); err != nil {
		t.Fatalf("expected write to succeed once loaded, got %v", err)
	}
}

func TestReadWithoutGenerator(t *testing.T) {
	env := newTestEnv()
	p := Config{States: env.reg}.New(newMemDB())
	pos := world.ChunkPos{6, 6}

	if _, err := p.Read(context.Background(), env.chunk(pos, world.Overworld)); !errors.Is(err, ErrNoGenerator) {
		t.Fatalf("expected ErrNoGenerator, got %v", err)
	}
	if p.Loaded(pos, world.Overworld) {
		t.Fatalf("expected placeholder to be removed after a failed load")
	}
}

func TestPopulateOnlyOnGeneration(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	pos := world.ChunkPos{2, 2}

	p := env.provider(db)
	c, err := p.Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if env.gen.populated.Load() != 1 {
		t.Fatalf("expected generated chunk to be populated")
	}
	if got := c.Block(0, -64, 0, 0); got != env.stone {
		t.Fatalf("expected generated block, got %d", got)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	if _, err := env.provider(db).Read(context.Background(), env.chunk(pos, world.Overworld)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := env.gen.populated.Load(); n != 1 {
		t.Fatalf("expected stored chunk not to be populated again, got %d populations", n)
	}
	if n := env.gen.generated.Load(); n != 1 {
		t.Fatalf("expected stored chunk not to be generated again, got %d generations", n)
	}
}

func TestGenerationAddsStoredEntities(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	pos := world.ChunkPos{1, 0}

	inside := chunk.NewEntity(uuid.New(), "minecraft:pig", mgl64.Vec3{20, 64, 3})
	outside := chunk.NewEntity(uuid.New(), "minecraft:cow", mgl64.Vec3{40, 64, 3})
	holder := env.chunk(pos, world.Overworld)
	holder.Entities = []chunk.Entity{inside, outside}
	holder.MarkClean()
	// A clean chunk only has its entities written, not its version.
	if err := env.provider(db).Write(holder); err != nil {
		t.Fatalf("write: %v", err)
	}

	c, err := env.provider(db).Read(context.Background(), env.chunk(pos, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(c.Entities) != 1 || c.Entities[0].ID != inside.ID {
		t.Fatalf("expected only the entity inside the chunk, got %v", c.Entities)
	}
}

func TestSaveAndCollectGarbage(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	p := env.provider(db)

	for x := range int32(3) {
		if _, err := p.Read(context.Background(), env.chunk(world.ChunkPos{x, 0}, world.Overworld)); err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	p.Rent(world.ChunkPos{0, 0}.Hash(), world.Overworld)
	if n := p.CollectGarbage(); n != 0 {
		t.Fatalf("expected dirty chunks not to be collected, got %d", n)
	}
	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	if n := p.CollectGarbage(); n != 2 {
		t.Fatalf("expected 2 chunks to be collected, got %d", n)
	}
	if p.Len() != 1 || !p.Loaded(world.ChunkPos{0, 0}, world.Overworld) {
		t.Fatalf("expected only the borrowed chunk to remain")
	}
	if n := p.Metrics().Total().Writes; n != 3 {
		t.Fatalf("expected 3 writes, got %d", n)
	}
}

func TestReadOnlyDiscardsWrites(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	p := Config{States: env.reg, ReadOnly: true}.New(db)
	c := env.chunk(world.ChunkPos{}, world.Overworld)
	c.SetBlock(0, 0, 0, 0, env.stone)
	if err := p.Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(db.written) != 0 {
		t.Fatalf("expected no writes in read only mode, got %d", len(db.written))
	}
}

func TestReadOnlyEvictsGeneratedChunks(t *testing.T) {
	env := newTestEnv()
	db := newMemDB()
	p := Config{
		States:    env.reg,
		Generator: func(world.Dimension) generator.Generator { return env.gen },
		ReadOnly:  true,
	}.New(db)
	rented, idle := world.ChunkPos{0, 0}, world.ChunkPos{4, 4}

	p.Rent(rented.Hash(), world.Overworld)
	c, err := p.Read(context.Background(), env.chunk(rented, world.Overworld))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !c.Dirty() {
		t.Fatalf("expected generated chunk to be dirty")
	}
	if err := p.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}
	p.Return(rented.Hash(), world.Overworld)
	if p.Loaded(rented, world.Overworld) {
		t.Fatalf("expected chunk to be evicted on its last return in read only mode")
	}

	if _, err := p.Read(context.Background(), env.chunk(idle, world.Overworld)); err != nil {
		t.Fatalf("read: %v", err)
	}
	if n := p.CollectGarbage(); n != 1 {
		t.Fatalf("expected 1 chunk collected, got %d", n)
	}
	if len(db.written) != 0 {
		t.Fatalf("expected no writes in read only mode, got %d", len(db.written))
	}
}

func TestOpen(t *testing.T) {
	env := newTestEnv()
	dir := t.TempDir()
	pos := world.ChunkPos{5, -5}

	p, err := Config{States: env.reg}.Open(dir)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	c := env.chunk(pos, world.Nether)
	c.SetBlock(0, 5, 0, 0, env.stone)
	if err := p.Write(c); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	p, err = Config{States: env.reg}.Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer p.Close()
	got, err := p.Read(context.Background(), env.chunk(pos, world.Nether))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Block(0, 5, 0, 0) != env.stone {
		t.Fatalf("expected stored block after reopening")
	}
}

// waitFor polls cond until it returns true or a second has passed.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met within a second")
		}
		time.Sleep(time.Millisecond)
	}
}
