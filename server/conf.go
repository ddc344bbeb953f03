package server

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/df-mc/goleveldb/leveldb/opt"
	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
	"github.com/df-mc/voxelstore/server/world/generator"
	"github.com/df-mc/voxelstore/server/world/mcdb"
	"github.com/df-mc/voxelstore/server/world/permutation"
	"github.com/pelletier/go-toml"
	"golang.org/x/text/cases"
)

// Config contains options for starting a Store.
type Config struct {
	// Log is the Logger to use for logging information. If nil, Log is set to
	// slog.Default().
	Log *slog.Logger
	// Folder is the folder that the world database resides in. If left
	// empty, the database is only held in memory and chunks are newly
	// generated every time the Store is started.
	Folder string
	// ReadOnly specifies if the world should be read only. If set to true,
	// chunks are never written to the database.
	ReadOnly bool
	// Compression is the compression used for new data in the database. If
	// left as opt.DefaultCompression, flate compression is used.
	Compression opt.Compression
	// BlockSize is the size of blocks in the database. If 0, 16KiB is used.
	BlockSize int
	// States is the registry of block states used by chunks of the Store. If
	// nil, a registry holding air and the blocks of the default generators
	// is created.
	States *permutation.Registry
	// Generator should return the generator.Generator to use for every
	// world.Dimension. If left empty, Generator will be set to a flat world
	// for each of the dimensions (with netherrack and end stone for
	// nether/end respectively).
	Generator func(dim world.Dimension) generator.Generator
	// GeneratorWorkers controls the number of asynchronous workers dedicated
	// to generating chunks for each dimension. If set to 0 or lower, the
	// worker count will be derived from the host's available CPUs.
	GeneratorWorkers int
	// GeneratorQueueSize limits how many chunk generation jobs may wait for a
	// worker. If set to 0 or lower, a queue of 256 jobs is used.
	GeneratorQueueSize int
	// YieldEvery is the amount of records decoded between yields to the
	// scheduler while loading a chunk. If 0 or lower, 8 is used.
	YieldEvery int
	// DisableOverworld, DisableNether and DisableEnd disable loading chunks
	// of the respective dimensions entirely.
	DisableOverworld, DisableNether, DisableEnd bool
}

// New creates a Store using fields of conf. The world database is opened
// and a generator pool is started for every enabled dimension. Close must be
// called on the Store returned to save its chunks and release the database.
func (conf Config) New() (*Store, error) {
	if conf.Log == nil {
		conf.Log = slog.Default()
	}
	if conf.States == nil {
		conf.States = permutation.NewRegistry()
	}
	if conf.Generator == nil {
		conf.Generator = defaultGeneratorProvider(conf.States)
	}
	if conf.DisableOverworld && conf.DisableNether && conf.DisableEnd {
		return nil, fmt.Errorf("config: at least one dimension must remain enabled")
	}

	s := &Store{conf: conf, pools: make(map[world.Dimension]*generator.Pool)}
	for _, dim := range []world.Dimension{world.Overworld, world.Nether, world.End} {
		if conf.dimensionDisabled(dim) {
			conf.Log.Info("Skipping dimension: dimension disabled", "dimension", dim.String())
			continue
		}
		gen := conf.Generator(dim)
		if gen == nil {
			continue
		}
		s.pools[dim] = generator.NewPool(generator.PoolConfig{
			Log:       conf.Log.With("dimension", dim.String()),
			Air:       conf.States.Air(),
			Generator: gen,
			Workers:   conf.GeneratorWorkers,
			QueueSize: conf.GeneratorQueueSize,
		})
	}

	pconf := mcdb.Config{
		Log:         conf.Log,
		States:      conf.States,
		Generator:   s.generatorFor,
		YieldEvery:  conf.YieldEvery,
		ReadOnly:    conf.ReadOnly,
		Compression: conf.Compression,
		BlockSize:   conf.BlockSize,
	}
	var err error
	if conf.Folder == "" {
		s.provider, err = pconf.Memory()
	} else {
		s.provider, err = pconf.Open(conf.Folder)
	}
	if err != nil {
		s.closePools()
		return nil, fmt.Errorf("create world provider: %w", err)
	}
	return s, nil
}

func (conf Config) dimensionDisabled(dim world.Dimension) bool {
	switch dim {
	case world.Overworld:
		return conf.DisableOverworld
	case world.Nether:
		return conf.DisableNether
	case world.End:
		return conf.DisableEnd
	}
	return true
}

// fold case folds a name from a config file or command. A Caser holds state,
// so a new one is used for every call.
func fold(name string) string {
	return cases.Fold().String(name)
}

// ParseDimension parses the name of a dimension as it is written in config
// files and console commands.
func ParseDimension(name string) (world.Dimension, bool) {
	switch fold(strings.TrimSpace(name)) {
	case "", "overworld", "world", "default":
		return world.Overworld, true
	case "nether", "hell":
		return world.Nether, true
	case "end", "the_end", "end_dimension":
		return world.End, true
	}
	return 0, false
}

// UserConfig is the user configuration for a Store. It holds settings that
// affect the way the world is stored and generated. UserConfig may be
// serialised and can be converted to a Config by calling UserConfig.Config().
type UserConfig struct {
	World struct {
		// SaveData controls whether a world's data will be saved and loaded.
		// If false, the world is only held in memory.
		SaveData bool
		// Folder is the folder that the data of the world resides in.
		Folder string
		// ReadOnly prevents any data from being written to the world.
		ReadOnly bool
		// Compression is the compression used for new data. Valid values are
		// "flate", "snappy" and "none".
		Compression string
		// DisableOverworld, DisableNether and DisableEnd disable the
		// respective dimensions entirely.
		DisableOverworld bool
		DisableNether    bool
		DisableEnd       bool
	}
	Generator struct {
		// Workers is the number of background workers that should be
		// dedicated to generating chunks. Set to 0 to automatically select a
		// reasonable default based on the host's CPU count.
		Workers int
		// QueueSize determines how many chunk generation jobs can wait for a
		// worker. Set to 0 to use an automatically chosen size.
		QueueSize int
		// Overworld, Nether and End select the kind of terrain generated in
		// each dimension. Valid values are "flat" and "void".
		Overworld string
		Nether    string
		End       string
	}
	Loading struct {
		// YieldEvery is the amount of records decoded between yields to the
		// scheduler while a chunk is loaded.
		YieldEvery int
	}
}

// Config converts a UserConfig to a Config, so that it may be used for
// creating a Store. An error is returned if a value in the UserConfig is
// invalid.
func (uc UserConfig) Config(log *slog.Logger) (Config, error) {
	conf := Config{
		Log:                log,
		ReadOnly:           uc.World.ReadOnly,
		GeneratorWorkers:   uc.Generator.Workers,
		GeneratorQueueSize: uc.Generator.QueueSize,
		YieldEvery:         uc.Loading.YieldEvery,
		DisableOverworld:   uc.World.DisableOverworld,
		DisableNether:      uc.World.DisableNether,
		DisableEnd:         uc.World.DisableEnd,
		States:             permutation.NewRegistry(),
	}
	if uc.World.SaveData {
		conf.Folder = uc.World.Folder
	}
	var err error
	if conf.Compression, err = parseCompression(uc.World.Compression); err != nil {
		return conf, err
	}

	kinds := map[world.Dimension]string{
		world.Overworld: uc.Generator.Overworld,
		world.Nether:    uc.Generator.Nether,
		world.End:       uc.Generator.End,
	}
	for dim, kind := range kinds {
		switch fold(kind) {
		case "", "flat", "void":
		default:
			return conf, fmt.Errorf("unknown %v generator %q", dim, kind)
		}
	}
	flat := defaultGeneratorProvider(conf.States)
	conf.Generator = func(dim world.Dimension) generator.Generator {
		if fold(kinds[dim]) == "void" {
			return generator.Nop{Air: conf.States.Air()}
		}
		return flat(dim)
	}
	return conf, nil
}

// parseCompression parses the name of a LevelDB compression method.
func parseCompression(name string) (opt.Compression, error) {
	switch fold(name) {
	case "", "flate":
		return opt.FlateCompression, nil
	case "snappy":
		return opt.SnappyCompression, nil
	case "none":
		return opt.NoCompression, nil
	}
	return opt.DefaultCompression, fmt.Errorf("unknown compression %q", name)
}

// defaultGeneratorProvider returns the generator function to use when none
// is supplied. The block states of the layers are registered in the registry
// passed.
func defaultGeneratorProvider(states *permutation.Registry) func(dim world.Dimension) generator.Generator {
	air := states.Air()
	bedrock := states.Register("minecraft:bedrock", map[string]any{"infiniburn_bit": uint8(0)}, true)
	dirt := states.Register("minecraft:dirt", nil, true)
	grass := states.Register("minecraft:grass_block", nil, true)
	netherrack := states.Register("minecraft:netherrack", nil, true)
	endStone := states.Register("minecraft:end_stone", nil, true)

	return func(dim world.Dimension) generator.Generator {
		switch dim {
		case world.Overworld:
			return generator.NewFlat(air, chunk.DefaultBiome, bedrock, dirt, dirt, grass)
		case world.Nether:
			return generator.NewFlat(air, biomeHell, bedrock, netherrack, netherrack, netherrack)
		case world.End:
			return generator.NewFlat(air, biomeTheEnd, bedrock, endStone, endStone, endStone)
		}
		return nil
	}
}

const (
	biomeHell   = 8
	biomeTheEnd = 9
)

// DefaultConfig returns a configuration with the default values filled out.
func DefaultConfig() UserConfig {
	c := UserConfig{}
	c.World.SaveData = true
	c.World.Folder = "world"
	c.World.Compression = "flate"
	c.Generator.Overworld = "flat"
	c.Generator.Nether = "flat"
	c.Generator.End = "flat"
	c.Loading.YieldEvery = 8
	return c
}

// ReadConfig reads the UserConfig stored in the file at the path passed. If
// the file does not exist yet, it is created holding DefaultConfig. Values
// missing from an existing file keep their default value.
func ReadConfig(path string) (UserConfig, error) {
	c := DefaultConfig()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		data, err := toml.Marshal(c)
		if err != nil {
			return c, fmt.Errorf("encode default config: %w", err)
		}
		if err := os.WriteFile(path, data, 0644); err != nil {
			return c, fmt.Errorf("create default config: %w", err)
		}
		return c, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(data, &c); err != nil {
		return c, fmt.Errorf("decode config: %w", err)
	}
	return c, nil
}
