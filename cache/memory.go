package cache

import (
	"context"
	"sort"
	"sync"
)

type memRecord struct {
	rec Record
	seq uint64
}

type memPartition struct {
	records map[string]memRecord
	seq     uint64
}

// MemoryProvider keeps records in process memory.
// It is mostly useful for tests and for hosts that do not need durability.
type MemoryProvider struct {
	mutex      *sync.RWMutex
	partitions map[string]*memPartition
	closed     bool
}

func NewMemoryProvider() *MemoryProvider {
	return &MemoryProvider{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemoryProvider) Get(_ context.Context, partition, key string) (Record, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.partitions[partition]
	if !ok {
		return Record{}, false, nil
	}
	r, ok := p.records[key]
	if !ok {
		return Record{}, false, nil
	}
	return r.rec, true, nil
}

func (m *MemoryProvider) Put(_ context.Context, partition string, rec Record) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.closed {
		return ErrProviderClose
	}
	p, ok := m.partitions[partition]
	if !ok {
		p = &memPartition{records: make(map[string]memRecord)}
		m.partitions[partition] = p
	}
	p.seq++
	p.records[rec.Key] = memRecord{rec: rec, seq: p.seq}
	return nil
}

func (m *MemoryProvider) Delete(_ context.Context, partition, key string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	p, ok := m.partitions[partition]
	if !ok {
		return nil
	}
	delete(p.records, key)
	if len(p.records) == 0 {
		delete(m.partitions, partition)
	}
	return nil
}

func (m *MemoryProvider) Has(_ context.Context, partition, key string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.partitions[partition]
	if !ok {
		return false, nil
	}
	_, ok = p.records[key]
	return ok, nil
}

func (m *MemoryProvider) Index(_ context.Context, partition string) ([]Record, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.partitions[partition]
	if !ok {
		return nil, nil
	}
	items := make([]memRecord, 0, len(p.records))
	for _, r := range p.records {
		items = append(items, r)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].seq < items[j].seq })
	out := make([]Record, len(items))
	for i, it := range items {
		out[i] = Record{Key: it.rec.Key, StoredAt: it.rec.StoredAt, Revision: it.rec.Revision}
	}
	return out, nil
}

func (m *MemoryProvider) Partitions(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, 0, len(m.partitions))
	for name := range m.partitions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemoryProvider) DropPartition(_ context.Context, partition string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.partitions, partition)
	return nil
}

// Close releases the records. Later writes fail with ErrProviderClose.
func (m *MemoryProvider) Close() error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.closed = true
	m.partitions = make(map[string]*memPartition)
	return nil
}

var _ Provider = (*MemoryProvider)(nil)
