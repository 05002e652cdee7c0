package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// LevelDB key layout:
//
//	e:<partition>\x00<key>   -> ldbEntry (record + its sequence)
//	o:<partition>\x00<seq>   -> ldbIndex (insertion order, seq zero padded)
const (
	ldbEntryPrefix = "e:"
	ldbOrderPrefix = "o:"
	ldbSep         = "\x00"
)

type ldbEntry struct {
	Seq      uint64
	StoredAt int64
	Revision string
	Bytes    []byte
}

type ldbIndex struct {
	Key      string
	StoredAt int64
	Revision string
}

// LevelDBProvider stores records in a LevelDB database on disk.
type LevelDBProvider struct {
	db *leveldb.DB

	mu  sync.Mutex
	seq map[string]uint64
}

// NewLevelDBProvider opens (or creates) the database at path.
func NewLevelDBProvider(path string) (*LevelDBProvider, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDBProvider{db: db, seq: map[string]uint64{}}, nil
}

func entryKey(partition, key string) []byte {
	return []byte(ldbEntryPrefix + partition + ldbSep + key)
}

func orderKey(partition string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s%s%020d", ldbOrderPrefix, partition, ldbSep, seq))
}

func (l *LevelDBProvider) Get(_ context.Context, partition, key string) (Record, bool, error) {
	b, err := l.db.Get(entryKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	var ent ldbEntry
	if err := decodeGob(b, &ent); err != nil {
		return Record{}, false, err
	}
	return Record{
		Key:      key,
		StoredAt: time.Unix(0, ent.StoredAt),
		Revision: ent.Revision,
		Bytes:    ent.Bytes,
	}, true, nil
}

func (l *LevelDBProvider) Put(_ context.Context, partition string, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	if old, ok, err := l.lookupLocked(partition, rec.Key); err != nil {
		return err
	} else if ok {
		batch.Delete(orderKey(partition, old.Seq))
	}
	seq, err := l.nextSeqLocked(partition)
	if err != nil {
		return err
	}
	eb, err := encodeGob(ldbEntry{
		Seq:      seq,
		StoredAt: rec.StoredAt.UnixNano(),
		Revision: rec.Revision,
		Bytes:    rec.Bytes,
	})
	if err != nil {
		return err
	}
	ib, err := encodeGob(ldbIndex{Key: rec.Key, StoredAt: rec.StoredAt.UnixNano(), Revision: rec.Revision})
	if err != nil {
		return err
	}
	batch.Put(entryKey(partition, rec.Key), eb)
	batch.Put(orderKey(partition, seq), ib)
	return l.db.Write(batch, nil)
}

func (l *LevelDBProvider) Delete(_ context.Context, partition, key string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	old, ok, err := l.lookupLocked(partition, key)
	if err != nil || !ok {
		return err
	}
	batch := new(leveldb.Batch)
	batch.Delete(entryKey(partition, key))
	batch.Delete(orderKey(partition, old.Seq))
	return l.db.Write(batch, nil)
}

func (l *LevelDBProvider) Has(_ context.Context, partition, key string) (bool, error) {
	return l.db.Has(entryKey(partition, key), nil)
}

func (l *LevelDBProvider) Index(_ context.Context, partition string) ([]Record, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(ldbOrderPrefix+partition+ldbSep)), nil)
	defer it.Release()

	records := make([]Record, 0)
	for it.Next() {
		var idx ldbIndex
		if err := decodeGob(it.Value(), &idx); err != nil {
			continue
		}
		records = append(records, Record{
			Key:      idx.Key,
			StoredAt: time.Unix(0, idx.StoredAt),
			Revision: idx.Revision,
		})
	}
	return records, it.Error()
}

func (l *LevelDBProvider) Partitions(_ context.Context) ([]string, error) {
	it := l.db.NewIterator(util.BytesPrefix([]byte(ldbOrderPrefix)), nil)
	defer it.Release()

	names := make([]string, 0)
	for ok := it.First(); ok; {
		rest := bytes.TrimPrefix(it.Key(), []byte(ldbOrderPrefix))
		i := bytes.IndexByte(rest, 0)
		if i < 0 {
			ok = it.Next()
			continue
		}
		name := string(rest[:i])
		names = append(names, name)
		// skip the rest of this partition
		ok = it.Seek([]byte(ldbOrderPrefix + name + "\x01"))
	}
	return names, it.Error()
}

func (l *LevelDBProvider) DropPartition(_ context.Context, partition string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	batch := new(leveldb.Batch)
	for _, prefix := range []string{ldbEntryPrefix, ldbOrderPrefix} {
		it := l.db.NewIterator(util.BytesPrefix([]byte(prefix+partition+ldbSep)), nil)
		for it.Next() {
			batch.Delete(append([]byte(nil), it.Key()...))
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return err
		}
	}
	delete(l.seq, partition)
	return l.db.Write(batch, nil)
}

func (l *LevelDBProvider) Close() error {
	return l.db.Close()
}

func (l *LevelDBProvider) lookupLocked(partition, key string) (ldbEntry, bool, error) {
	b, err := l.db.Get(entryKey(partition, key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return ldbEntry{}, false, nil
	}
	if err != nil {
		return ldbEntry{}, false, err
	}
	var ent ldbEntry
	if err := decodeGob(b, &ent); err != nil {
		return ldbEntry{}, false, err
	}
	return ent, true, nil
}

// nextSeqLocked returns the next insertion sequence for the partition.
// The counter is recovered from the last order key after a restart.
func (l *LevelDBProvider) nextSeqLocked(partition string) (uint64, error) {
	cur, ok := l.seq[partition]
	if !ok {
		it := l.db.NewIterator(util.BytesPrefix([]byte(ldbOrderPrefix+partition+ldbSep)), nil)
		if it.Last() {
			k := it.Key()
			n, err := strconv.ParseUint(string(k[len(k)-20:]), 10, 64)
			if err != nil {
				it.Release()
				return 0, err
			}
			cur = n
		}
		err := it.Error()
		it.Release()
		if err != nil {
			return 0, err
		}
	}
	cur++
	l.seq[partition] = cur
	return cur, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	dec := gob.NewDecoder(bytes.NewReader(b))
	return dec.Decode(v)
}

var _ Provider = (*LevelDBProvider)(nil)
