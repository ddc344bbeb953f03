package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"

	"github.com/df-mc/voxelstore/server"
	"github.com/df-mc/voxelstore/server/world"
	"golang.org/x/text/cases"
)

// Console provides a simple CLI that reads commands from an io.Reader
// (defaulting to os.Stdin) and executes them on the provided store.
type Console struct {
	store  *server.Store
	log    *slog.Logger
	reader io.Reader
}

// New returns a Console bound to the provided store. The console reads from
// os.Stdin and writes command output to the supplied logger.
func New(store *server.Store, log *slog.Logger) *Console {
	if log == nil {
		log = slog.Default()
	}
	return &Console{
		store:  store,
		log:    log,
		reader: os.Stdin,
	}
}

// WithReader sets a custom reader for the console input. It enables testing the
// console without relying on os.Stdin.
func (c *Console) WithReader(r io.Reader) *Console {
	if r != nil {
		c.reader = r
	}
	return c
}

// Run starts consuming commands from the console. It blocks until the context
// is cancelled or the underlying reader reaches EOF.
func (c *Console) Run(ctx context.Context) {
	scanner := bufio.NewScanner(c.reader)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				c.log.Error("console input error", "err", err)
			}
			return
		}
		line := strings.TrimPrefix(strings.TrimSpace(scanner.Text()), "/")
		if line == "" {
			continue
		}
		if err := c.Execute(ctx, line); err != nil {
			c.log.Error(err.Error())
		}
	}
}

// Execute executes a single command line. The commands supported are:
//
//	load <x> <z> [dimension]
//	save
//	gc
//	stats
func (c *Console) Execute(ctx context.Context, line string) error {
	args := strings.Fields(line)
	if len(args) == 0 {
		return nil
	}
	switch cases.Fold().String(args[0]) {
	case "load":
		return c.load(ctx, args[1:])
	case "save":
		if err := c.store.Save(); err != nil {
			return fmt.Errorf("save: %w", err)
		}
		c.log.Info("Saved all modified chunks.")
	case "gc":
		n := c.store.CollectGarbage()
		c.log.Info("Collected garbage.", "chunks", n, "remaining", c.store.Provider().Len())
	case "stats":
		c.stats()
	default:
		return fmt.Errorf("unknown command %q", args[0])
	}
	return nil
}

func (c *Console) load(ctx context.Context, args []string) error {
	if len(args) < 2 || len(args) > 3 {
		return fmt.Errorf("usage: load <x> <z> [dimension]")
	}
	x, err := strconv.ParseInt(args[0], 10, 32)
	if err != nil {
		return fmt.Errorf("load: invalid x: %w", err)
	}
	z, err := strconv.ParseInt(args[1], 10, 32)
	if err != nil {
		return fmt.Errorf("load: invalid z: %w", err)
	}
	dim := world.Overworld
	if len(args) == 3 {
		var ok bool
		if dim, ok = server.ParseDimension(args[2]); !ok {
			return fmt.Errorf("load: unknown dimension %q", args[2])
		}
	}
	pos := world.ChunkPos{int32(x), int32(z)}
	ch, err := c.store.Load(ctx, pos, dim)
	if err != nil {
		return fmt.Errorf("load: %w", err)
	}
	c.log.Info("Loaded chunk.",
		"X", pos[0], "Z", pos[1],
		"dimension", dim.String(),
		"sub_chunks", ch.SubChunkSendCount(),
		"highest_block", ch.HighestBlock(0, 0),
		"dirty", ch.Dirty(),
	)
	return nil
}

func (c *Console) stats() {
	snapshot := c.store.Provider().Metrics().Snapshot()
	dims := make([]world.Dimension, 0, len(snapshot))
	for dim := range snapshot {
		dims = append(dims, dim)
	}
	slices.Sort(dims)
	for _, dim := range dims {
		s := snapshot[dim]
		c.log.Info("Dimension stats.",
			"dimension", dim.String(),
			"loads", s.Loads,
			"generations", s.Generations,
			"corrupt", s.Corrupt,
			"writes", s.Writes,
			"evictions", s.Evictions,
		)
	}
	c.log.Info("Chunks in memory.", "count", c.store.Provider().Len())
}
