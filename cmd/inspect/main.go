// Command inspect prints the records stored for a single chunk in a world
// database, along with a digest of every record and a summary of its
// decoded contents.
//
// Usage:
//
//	inspect [-dim overworld|nether|end] <world folder> <x> <z>
package main

import (
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/df-mc/voxelstore/server"
	"github.com/df-mc/voxelstore/server/world"
	"github.com/df-mc/voxelstore/server/world/chunk"
	"github.com/df-mc/voxelstore/server/world/mcdb"
	"github.com/df-mc/voxelstore/server/world/permutation"
)

func main() {
	dimName := flag.String("dim", "overworld", "dimension of the chunk")
	flag.Parse()
	if flag.NArg() != 3 {
		fmt.Fprintln(os.Stderr, "usage: inspect [-dim overworld|nether|end] <world folder> <x> <z>")
		os.Exit(2)
	}
	dim, ok := server.ParseDimension(*dimName)
	if !ok {
		fatal(fmt.Errorf("unknown dimension %q", *dimName))
	}
	x, err := strconv.ParseInt(flag.Arg(1), 10, 32)
	if err != nil {
		fatal(fmt.Errorf("invalid x: %w", err))
	}
	z, err := strconv.ParseInt(flag.Arg(2), 10, 32)
	if err != nil {
		fatal(fmt.Errorf("invalid z: %w", err))
	}

	states := recordingStates{permutation.NewRegistry()}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	p, err := mcdb.Config{Log: log, States: states, ReadOnly: true}.Open(flag.Arg(0))
	if err != nil {
		fatal(err)
	}
	defer p.Close()

	if err := inspect(os.Stdout, p, states, world.ChunkPos{int32(x), int32(z)}, dim); err != nil {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, "inspect: "+err.Error())
	os.Exit(1)
}

// recordingStates is a chunk.StateRegistry that registers every block state
// it is asked to look up, so that palettes of any world can be printed.
type recordingStates struct {
	*permutation.Registry
}

// Lookup ...
func (s recordingStates) Lookup(identifier string, states map[string]any) (uint32, bool) {
	return s.Resolve(identifier, states), true
}

// inspect writes a line for every record of the chunk at pos in dim to w.
func inspect(w io.Writer, p *mcdb.Provider, states recordingStates, pos world.ChunkPos, dim world.Dimension) error {
	records, err := p.Records(pos, dim)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		_, err := fmt.Fprintf(w, "no records for chunk %v in %v\n", pos, dim)
		return err
	}
	enc := chunk.DiskEncoding{States: states}
	c := chunk.New(states.Air(), dim, pos)
	for _, r := range records {
		if _, err := fmt.Fprintf(w, "%-24s %6d bytes  xxhash %016x  %s\n", r.Name, len(r.Value), xxhash.Sum64(r.Value), describe(r, c, states, enc)); err != nil {
			return err
		}
	}
	return nil
}

// describe returns a summary of the decoded contents of a record.
func describe(r mcdb.Record, c *chunk.Chunk, states recordingStates, enc chunk.DiskEncoding) string {
	switch {
	case r.Name == "version":
		return fmt.Sprintf("version %v", r.Value)
	case r.Name == "entities":
		return fmt.Sprintf("%d entities", len(r.Value)/8)
	case r.Name == "block entities":
		blockEntities, err := chunk.DecodeBlockEntities(r.Value)
		if err != nil {
			return err.Error()
		}
		ids := make([]string, 0, len(blockEntities))
		for _, be := range blockEntities {
			id, _ := be.Data["id"].(string)
			ids = append(ids, fmt.Sprintf("%v@%v", id, be.Pos))
		}
		return strings.Join(ids, " ")
	case r.Name == "biomes":
		if err := chunk.DecodeBiomes(r.Value, c, enc); err != nil {
			return err.Error()
		}
		return fmt.Sprintf("biome at bottom %d", c.Biome(0, int16(c.Range().Min()), 0))
	case strings.HasPrefix(r.Name, "entity "):
		e, err := chunk.DecodeEntity(r.Value)
		if err != nil {
			return err.Error()
		}
		return fmt.Sprintf("%v at %.2f", e.Identifier(), e.Pos)
	case strings.HasPrefix(r.Name, "subchunk "):
		y, _ := strconv.Atoi(strings.TrimPrefix(r.Name, "subchunk "))
		sub, _, err := chunk.DecodeSubChunk(r.Value, c, int16(y)+c.Dimension().SubChunkOffset(), enc)
		if err != nil {
			return err.Error()
		}
		var layers []string
		for _, l := range sub.Layers() {
			names := make([]string, 0, l.Palette().Len())
			for _, v := range l.Palette().Values() {
				names = append(names, states.Get(v).Identifier)
			}
			layers = append(layers, "["+strings.Join(names, " ")+"]")
		}
		return strings.Join(layers, " ")
	}
	return ""
}
