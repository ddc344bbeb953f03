package mcdb

import (
	"github.com/df-mc/goleveldb/leveldb"
)

// DB is a key/value store chunks are persisted in. Get must return an error
// satisfying errors.Is(err, leveldb.ErrNotFound) for keys that are not
// present. Implementations must be safe for concurrent use.
type DB interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	Close() error
}

// Batcher is implemented by a DB that can apply a batch of writes at once.
// If a DB does not implement Batcher, the writes of a batch are applied one
// by one in the order they were added.
type Batcher interface {
	Write(b *leveldb.Batch) error
}

// levelDB adapts a *leveldb.DB to the DB and Batcher interfaces.
type levelDB struct {
	ldb *leveldb.DB
}

// Get ...
func (db levelDB) Get(key []byte) ([]byte, error) {
	return db.ldb.Get(key, nil)
}

// Put ...
func (db levelDB) Put(key, value []byte) error {
	return db.ldb.Put(key, value, nil)
}

// Delete ...
func (db levelDB) Delete(key []byte) error {
	return db.ldb.Delete(key, nil)
}

// Write ...
func (db levelDB) Write(b *leveldb.Batch) error {
	return db.ldb.Write(b, nil)
}

// Close ...
func (db levelDB) Close() error {
	return db.ldb.Close()
}

// sequentialWriter replays a batch onto a DB without batch support. The
// first error encountered is kept and every write after it is skipped.
type sequentialWriter struct {
	db  DB
	err error
}

// Put ...
func (w *sequentialWriter) Put(key, value []byte) {
	if w.err == nil {
		w.err = w.db.Put(key, value)
	}
}

// Delete ...
func (w *sequentialWriter) Delete(key []byte) {
	if w.err == nil {
		w.err = w.db.Delete(key)
	}
}

// commit applies all writes in the batch passed to the DB.
func commit(db DB, b *leveldb.Batch) error {
	if batcher, ok := db.(Batcher); ok {
		return batcher.Write(b)
	}
	w := &sequentialWriter{db: db}
	if err := b.Replay(w); err != nil {
		return err
	}
	return w.err
}
