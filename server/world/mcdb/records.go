package mcdb

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/df-mc/goleveldb/leveldb"
	"github.com/df-mc/voxelstore/server/world"
)

// Record is a raw key/value pair stored in the database for a chunk.
type Record struct {
	// Name describes the kind of the record, such as "version" or
	// "subchunk -4".
	Name  string
	Key   []byte
	Value []byte
}

// Records returns the raw records stored for the chunk at the position and
// in the Dimension passed, in the order they are written by Write. Records
// that are not present are left out. The records are read directly from the
// database: chunks cached by the Provider are not taken into account.
func (p *Provider) Records(pos world.ChunkPos, dim world.Dimension) ([]Record, error) {
	var records []Record
	get := func(name string, key []byte) error {
		v, err := p.db.Get(key)
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil
		} else if err != nil {
			return fmt.Errorf("read %v record of chunk %v: %w", name, pos, err)
		}
		records = append(records, Record{Name: name, Key: key, Value: v})
		return nil
	}

	ids, err := p.entityIDs(pos, dim)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := get("entity "+strconv.FormatInt(id, 10), entityKey(id)); err != nil {
			return nil, err
		}
	}
	if err := get("entities", entityListKey(pos, dim)); err != nil {
		return nil, err
	}
	if err := get("block entities", blockEntitiesKey(pos, dim)); err != nil {
		return nil, err
	}
	offset := dim.SubChunkOffset()
	for i := range subChunkCount(dim) {
		y := int8(i - offset)
		if err := get("subchunk "+strconv.Itoa(int(y)), subChunkKey(pos, dim, y)); err != nil {
			return nil, err
		}
	}
	if err := get("biomes", biomesKey(pos, dim)); err != nil {
		return nil, err
	}
	if err := get("version", versionKey(pos, dim)); err != nil {
		return nil, err
	}
	return records, nil
}
