package mcdb

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/goleveldb/leveldb/storage"
	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
	"github.com/df-mc/voxelstore/server/world/generator"
	"github.com/df-mc/voxelstore/server/world/permutation"
	"golang.org/x/sync/singleflight"
)

// ErrNoGenerator is returned when a chunk is not found in the database and
// no Generator is configured for its Dimension.
var ErrNoGenerator = errors.New("chunk not found and no generator configured")

// ErrLoading is returned when writing a chunk that is still being loaded.
var ErrLoading = errors.New("chunk is still loading")

// Config holds the settings of a Provider. The zero value is usable:
// defaults are applied by Open and New.
type Config struct {
	// Log is the Logger used to report corrupt records and write failures.
	// If nil, Log is set to slog.Default().
	Log *slog.Logger
	// States resolves block runtime IDs to the form they are stored in and
	// back. If nil, a new permutation.Registry holding only air is used.
	States chunk.StateRegistry
	// Generator returns the Generator used for chunks of a Dimension that
	// are not found in the database. If nil, or if it returns nil, reading
	// such a chunk fails with ErrNoGenerator.
	Generator func(dim world.Dimension) generator.Generator
	// YieldEvery is the amount of records decoded between yields to the
	// scheduler while reading a chunk. If 0 or lower, YieldEvery is set to 8.
	YieldEvery int
	// ReadOnly makes the Provider discard all writes.
	ReadOnly bool
	// Compression specifies the compression used for new data in the
	// database. Decompression is done automatically. If left as
	// opt.DefaultCompression, opt.FlateCompression is used.
	Compression opt.Compression
	// BlockSize is the size of blocks in the database. If 0, 16KiB is used.
	BlockSize int
}

// Open opens the LevelDB database in the "db" directory of the directory
// passed, creating it if it does not exist, and returns a Provider on top
// of it.
func (conf Config) Open(dir string) (*Provider, error) {
	if conf.Compression == opt.DefaultCompression {
		conf.Compression = opt.FlateCompression
	}
	if conf.BlockSize == 0 {
		conf.BlockSize = 16 * opt.KiB
	}
	path := filepath.Join(dir, "db")
	if !conf.ReadOnly {
		if err := os.MkdirAll(path, 0777); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	ldb, err := leveldb.OpenFile(path, &opt.Options{
		Compression: conf.Compression,
		BlockSize:   conf.BlockSize,
		ReadOnly:    conf.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	return conf.New(levelDB{ldb: ldb}), nil
}

// Memory returns a Provider on top of a LevelDB database that is only held
// in memory. All data is lost when the Provider is closed.
func (conf Config) Memory() (*Provider, error) {
	ldb, err := leveldb.Open(storage.NewMemStorage(), &opt.Options{Compression: opt.NoCompression})
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	return conf.New(levelDB{ldb: ldb}), nil
}

// New returns a Provider storing chunks in the DB passed.
func (conf Config) New(db DB) *Provider {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	conf.Log = conf.Log.With("provider", "mcdb")
	if conf.States == nil {
		conf.States = permutation.NewRegistry()
	}
	if conf.YieldEvery <= 0 {
		conf.YieldEvery = 8
	}
	p := &Provider{
		conf:    conf,
		db:      db,
		enc:     chunk.DiskEncoding{States: conf.States, Log: conf.Log},
		chunks:  make(map[chunkKey]*chunk.Chunk),
		borrows: make(map[chunkKey]int),
		metrics: NewMetrics(),
	}
	p.ctx, p.cancel = context.WithCancel(context.Background())
	return p
}

// chunkKey identifies a chunk held by a Provider.
type chunkKey struct {
	dim  world.Dimension
	hash int64
}

// String returns the key used to deduplicate loads of the chunk.
func (k chunkKey) String() string {
	return strconv.Itoa(int(k.dim)) + ":" + strconv.FormatInt(k.hash, 10)
}

// Provider stores chunks in a key/value database and caches them in memory.
// Concurrent reads of the same chunk share a single load or generation.
// Chunks stay cached until they are no longer borrowed and not dirty.
type Provider struct {
	conf Config
	db   DB
	enc  chunk.DiskEncoding

	// ctx is the context loads run in. It is cancelled by Close, so that
	// loads do not depend on the context of the caller that started them.
	ctx    context.Context
	cancel context.CancelFunc

	loads singleflight.Group

	mu      sync.Mutex
	chunks  map[chunkKey]*chunk.Chunk
	borrows map[chunkKey]int

	metrics *Metrics
	once    sync.Once
}

// Read returns the chunk at the position and in the Dimension of the chunk
// passed. If a ready chunk is cached, it is returned. Otherwise, c is
// cached as a placeholder and filled by loading it from the database or by
// generating it. The chunk returned only differs from c if another call
// already cached or started loading the same chunk, in which case all
// callers receive the same instance.
//
// The load continues if ctx is cancelled: ctx only limits how long the
// caller waits for it.
func (p *Provider) Read(ctx context.Context, c *chunk.Chunk) (*chunk.Chunk, error) {
	key := chunkKey{dim: c.Dimension(), hash: c.Hash()}
	if cached, ok := p.cachedReady(key); ok {
		return cached, nil
	}
	ch := p.loads.DoChan(key.String(), func() (any, error) {
		return p.load(key, c)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*chunk.Chunk), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// cachedReady returns the cached chunk for a key if it is ready.
func (p *Provider) cachedReady(key chunkKey) (*chunk.Chunk, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chunks[key]
	if !ok || !c.Ready() {
		return nil, false
	}
	return c, true
}

// load caches c as a placeholder and fills it. It runs at most once at a
// time per key.
func (p *Provider) load(key chunkKey, c *chunk.Chunk) (*chunk.Chunk, error) {
	p.mu.Lock()
	if cached, ok := p.chunks[key]; ok && cached.Ready() {
		// A load finished between the cache check of Read and this call.
		p.mu.Unlock()
		return cached, nil
	}
	p.chunks[key] = c
	p.mu.Unlock()

	if err := p.loadInto(p.ctx, c); err != nil {
		p.mu.Lock()
		if p.chunks[key] == c {
			delete(p.chunks, key)
		}
		p.mu.Unlock()
		return nil, err
	}
	c.MarkReady()
	return c, nil
}

// loadInto fills c with the chunk stored in the database, or generates it if
// its version key is not present.
func (p *Provider) loadInto(ctx context.Context, c *chunk.Chunk) error {
	pos, dim := c.Position(), c.Dimension()
	ver, err := p.db.Get(versionKey(pos, dim))
	if errors.Is(err, leveldb.ErrNotFound) {
		return p.generate(ctx, c)
	} else if err != nil {
		return fmt.Errorf("read version of chunk %v: %w", pos, err)
	}
	if len(ver) != 1 || ver[0] != chunkVersion {
		p.conf.Log.Warn("read chunk: unexpected chunk version", "X", pos[0], "Z", pos[1], "version", ver)
	}

	n := 0
	for i := range subChunkCount(dim) {
		if err := p.yield(ctx, &n); err != nil {
			return err
		}
		y := int8(c.SubY(i))
		b, err := p.db.Get(subChunkKey(pos, dim, y))
		if errors.Is(err, leveldb.ErrNotFound) {
			continue
		} else if err != nil {
			return fmt.Errorf("read sub chunk %v of chunk %v: %w", y, pos, err)
		}
		sub, index, err := chunk.DecodeSubChunk(b, c, i, p.enc)
		if err != nil {
			p.corrupt(c, "sub chunk", err, "Y", y)
			continue
		}
		c.Sub()[index] = sub
	}

	if b, err := p.db.Get(biomesKey(pos, dim)); err == nil {
		if err := chunk.DecodeBiomes(b, c, p.enc); err != nil {
			p.corrupt(c, "biomes", err)
		}
	} else if !errors.Is(err, leveldb.ErrNotFound) {
		return fmt.Errorf("read biomes of chunk %v: %w", pos, err)
	}

	entities, err := p.readEntities(ctx, pos, dim, &n)
	if err != nil {
		return err
	}
	c.Entities = append(c.Entities, entities...)

	if err := p.readBlockEntities(c); err != nil {
		return err
	}
	c.MarkClean()
	p.metrics.IncLoads(dim)
	return nil
}

// generate fills c with a newly generated chunk. Entities stored for the
// chunk that lie within it are added and the chunk is populated if the
// Generator supports it.
func (p *Provider) generate(ctx context.Context, c *chunk.Chunk) error {
	pos, dim := c.Position(), c.Dimension()
	var g generator.Generator
	if p.conf.Generator != nil {
		g = p.conf.Generator(dim)
	}
	if g == nil {
		return fmt.Errorf("chunk %v in %v: %w", pos, dim, ErrNoGenerator)
	}
	generated, err := g.GenerateChunk(ctx, pos, dim)
	if err != nil {
		return fmt.Errorf("generate chunk %v: %w", pos, err)
	}
	c.Insert(generated)

	n := 0
	entities, err := p.readEntities(ctx, pos, dim, &n)
	if err != nil {
		return err
	}
	for _, e := range entities {
		if world.ChunkPosFromVec3(e.Pos) == pos {
			c.Entities = append(c.Entities, e)
		}
	}
	if pop, ok := g.(generator.Populator); ok {
		pop.Populate(c)
	}
	c.MarkDirty()
	p.metrics.IncGenerations(dim)
	return nil
}

// readEntities reads the entities stored for a chunk. Entities that cannot
// be read are logged and skipped.
func (p *Provider) readEntities(ctx context.Context, pos world.ChunkPos, dim world.Dimension, n *int) ([]chunk.Entity, error) {
	ids, err := p.entityIDs(pos, dim)
	if err != nil {
		return nil, err
	}
	entities := make([]chunk.Entity, 0, len(ids))
	for _, id := range ids {
		if err := p.yield(ctx, n); err != nil {
			return nil, err
		}
		b, err := p.db.Get(entityKey(id))
		if errors.Is(err, leveldb.ErrNotFound) {
			p.conf.Log.Warn("read chunk: entity listed but not stored", "X", pos[0], "Z", pos[1], "ID", id)
			p.metrics.IncCorrupt(dim)
			continue
		} else if err != nil {
			return nil, fmt.Errorf("read entity %v: %w", id, err)
		}
		e, err := chunk.DecodeEntity(b)
		if err != nil {
			p.conf.Log.Warn("read chunk: "+err.Error(), "X", pos[0], "Z", pos[1], "ID", id)
			p.metrics.IncCorrupt(dim)
			continue
		}
		entities = append(entities, e)
	}
	return entities, nil
}

// entityIDs reads the list of entity IDs stored for a chunk.
func (p *Provider) entityIDs(pos world.ChunkPos, dim world.Dimension) ([]int64, error) {
	b, err := p.db.Get(entityListKey(pos, dim))
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("read entity list of chunk %v: %w", pos, err)
	}
	if len(b)%8 != 0 {
		p.conf.Log.Warn("read chunk: entity list has trailing bytes", "X", pos[0], "Z", pos[1], "len", len(b))
		p.metrics.IncCorrupt(dim)
	}
	ids := make([]int64, 0, len(b)/8)
	for i := 0; i+8 <= len(b); i += 8 {
		ids = append(ids, int64(binary.LittleEndian.Uint64(b[i:])))
	}
	return ids, nil
}

// readBlockEntities reads the block entities stored for c. If the list is
// partially corrupt, the block entities before the corruption are kept.
func (p *Provider) readBlockEntities(c *chunk.Chunk) error {
	pos, dim := c.Position(), c.Dimension()
	b, err := p.db.Get(blockEntitiesKey(pos, dim))
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil
	} else if err != nil {
		return fmt.Errorf("read block entities of chunk %v: %w", pos, err)
	}
	blockEntities, err := chunk.DecodeBlockEntities(b)
	if err != nil {
		p.corrupt(c, "block entities", err)
	}
	c.BlockEntities = append(c.BlockEntities, blockEntities...)
	return nil
}

// corrupt logs a record of c that could not be decoded.
func (p *Provider) corrupt(c *chunk.Chunk, record string, err error, args ...any) {
	pos := c.Position()
	p.conf.Log.Warn("read chunk: "+record+": "+err.Error(), append([]any{"X", pos[0], "Z", pos[1], "dimension", c.Dimension()}, args...)...)
	p.metrics.IncCorrupt(c.Dimension())
}

// yield increments n and yields to the scheduler every YieldEvery records,
// returning an error if the Provider was closed in the meantime.
func (p *Provider) yield(ctx context.Context, n *int) error {
	if *n++; *n%p.conf.YieldEvery != 0 {
		return nil
	}
	runtime.Gosched()
	return ctx.Err()
}

// Write writes the chunk passed to the database. Entities and block entities
// are always written. Blocks and biomes are only written if the chunk is
// dirty and not empty, after which the chunk is marked clean. The version
// key is always the last key written.
func (p *Provider) Write(c *chunk.Chunk) error {
	pos, dim := c.Position(), c.Dimension()
	if p.loading(chunkKey{dim: dim, hash: c.Hash()}) {
		return fmt.Errorf("write chunk %v: %w", pos, ErrLoading)
	}
	if p.conf.ReadOnly {
		// Changes are discarded, so that the chunk may be evicted.
		c.MarkClean()
		return nil
	}
	batch := new(leveldb.Batch)

	stale, err := p.entityIDs(pos, dim)
	if err != nil {
		return err
	}
	ids := make([]byte, 0, len(c.Entities)*8)
	for _, e := range c.Entities {
		b, err := e.EncodeNBT()
		if err != nil {
			return err
		}
		batch.Put(entityKey(e.ID), b)
		ids = binary.LittleEndian.AppendUint64(ids, uint64(e.ID))
	}
	for _, id := range stale {
		if hasEntity(c.Entities, id) {
			continue
		}
		owned, err := p.ownsEntity(id, pos)
		if err != nil {
			return err
		}
		if owned {
			batch.Delete(entityKey(id))
		}
	}
	batch.Put(entityListKey(pos, dim), ids)

	blockEntities, err := chunk.EncodeBlockEntities(c.BlockEntities)
	if err != nil {
		return err
	}
	batch.Put(blockEntitiesKey(pos, dim), blockEntities)

	blocks := c.Dirty() && !c.Empty()
	if blocks {
		c.Compact()
		sub := c.Sub()
		for i := range subChunkCount(dim) {
			key := subChunkKey(pos, dim, int8(c.SubY(i)))
			if sub[i] == nil || sub[i].Empty() {
				batch.Delete(key)
				continue
			}
			b, err := chunk.EncodeSubChunk(c, i, p.enc)
			if err != nil {
				return err
			}
			batch.Put(key, b)
		}
		biomes, err := chunk.EncodeBiomes(c, p.enc)
		if err != nil {
			return err
		}
		batch.Put(biomesKey(pos, dim), biomes)
		batch.Put(versionKey(pos, dim), []byte{chunkVersion})
	}

	if err := commit(p.db, batch); err != nil {
		return fmt.Errorf("write chunk %v: %w", pos, err)
	}
	c.MarkClean()
	p.metrics.IncWrites(dim)
	return nil
}

// ownsEntity checks if the stored body of an entity places it in the chunk
// at pos. Entities that moved to another chunk keep their body, as it is
// owned by the chunk they moved to. Bodies that are missing are not owned
// and bodies that cannot be decoded are.
func (p *Provider) ownsEntity(id int64, pos world.ChunkPos) (bool, error) {
	b, err := p.db.Get(entityKey(id))
	if errors.Is(err, leveldb.ErrNotFound) {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("read entity %v: %w", id, err)
	}
	e, err := chunk.DecodeEntity(b)
	if err != nil {
		return true, nil
	}
	return world.ChunkPosFromVec3(e.Pos) == pos, nil
}

// loading checks if the chunk cached for a key is a placeholder that is
// still being loaded.
func (p *Provider) loading(key chunkKey) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.chunks[key]
	return ok && !c.Ready()
}

// evictable checks if a cached chunk may be removed from memory. p.mu must
// be held.
func (p *Provider) evictable(c *chunk.Chunk) bool {
	return c.Ready() && (!c.Dirty() || p.conf.ReadOnly)
}

// hasEntity checks if an entity with the ID passed is in the list.
func hasEntity(entities []chunk.Entity, id int64) bool {
	for _, e := range entities {
		if e.ID == id {
			return true
		}
	}
	return false
}

// subChunkCount returns the amount of sub chunk slots within the range of
// the Dimension passed.
func subChunkCount(dim world.Dimension) int16 {
	return int16((dim.Range().Height() + 1) >> 4)
}

// Rent increments the borrow count of a chunk. A chunk that is borrowed is
// never evicted from memory.
func (p *Provider) Rent(hash int64, dim world.Dimension) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.borrows[chunkKey{dim: dim, hash: hash}]++
}

// Return decrements the borrow count of a chunk. Once it reaches zero, the
// chunk is evicted from memory unless it is dirty or still loading. In read
// only mode, dirty chunks are evicted too.
func (p *Provider) Return(hash int64, dim world.Dimension) {
	key := chunkKey{dim: dim, hash: hash}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.borrows[key] > 1 {
		p.borrows[key]--
		return
	}
	delete(p.borrows, key)
	if c, ok := p.chunks[key]; ok && p.evictable(c) {
		delete(p.chunks, key)
		p.metrics.AddEvictions(dim, 1)
	}
}

// Borrows returns the borrow count of a chunk.
func (p *Provider) Borrows(hash int64, dim world.Dimension) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.borrows[chunkKey{dim: dim, hash: hash}]
}

// Loaded checks if a chunk is cached, including chunks that are still
// loading.
func (p *Provider) Loaded(pos world.ChunkPos, dim world.Dimension) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.chunks[chunkKey{dim: dim, hash: pos.Hash()}]
	return ok
}

// Len returns the amount of chunks cached.
func (p *Provider) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.chunks)
}

// Save writes every cached chunk that is ready and dirty to the database.
// Failures are logged and returned together once all chunks were attempted.
// In read only mode, the changes are discarded instead.
func (p *Provider) Save() error {
	p.conf.Log.Debug("Saving chunks in memory to disk...")
	var errs []error
	for _, c := range p.dirty() {
		if err := p.Write(c); err != nil {
			pos := c.Position()
			p.conf.Log.Error("save chunk: "+err.Error(), "X", pos[0], "Z", pos[1])
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// dirty returns all cached chunks that are ready and dirty.
func (p *Provider) dirty() []*chunk.Chunk {
	p.mu.Lock()
	defer p.mu.Unlock()
	var dirty []*chunk.Chunk
	for _, c := range p.chunks {
		if c.Ready() && c.Dirty() {
			dirty = append(dirty, c)
		}
	}
	return dirty
}

// CollectGarbage evicts every cached chunk that is ready, not borrowed and
// not dirty (or read only), and returns the amount of chunks evicted.
func (p *Provider) CollectGarbage() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	collected := make(map[world.Dimension]uint64)
	for key, c := range p.chunks {
		if p.borrows[key] != 0 || !p.evictable(c) {
			continue
		}
		delete(p.chunks, key)
		collected[key.dim]++
	}
	total := 0
	for dim, n := range collected {
		p.metrics.AddEvictions(dim, n)
		total += int(n)
	}
	return total
}

// Metrics returns the counters of the Provider.
func (p *Provider) Metrics() *Metrics {
	return p.metrics
}

// Close saves all dirty chunks, cancels loads that are still running and
// closes the database.
func (p *Provider) Close() error {
	var err error
	p.once.Do(func() {
		saveErr := p.Save()
		p.cancel()

		p.conf.Log.Debug("Closing provider...")
		err = errors.Join(saveErr, p.db.Close())
	})
	return err
}
