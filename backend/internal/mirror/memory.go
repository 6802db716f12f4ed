package mirror

import (
	"context"
	"sort"
	"sync"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

// MemoryStore：进程内镜像
// collection -> key -> source -> snapshot
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]map[string]*proxy.Snapshot
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{collections: make(map[string]map[string]map[string]*proxy.Snapshot)}
}

func (m *MemoryStore) UpdateOne(ctx context.Context, s *proxy.Snapshot) error {
	id, err := proxy.ParsePath(s)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.collections[id.Collection]
	if keys == nil {
		keys = make(map[string]map[string]*proxy.Snapshot)
		m.collections[id.Collection] = keys
	}
	sources := keys[id.Key]
	if sources == nil {
		sources = make(map[string]*proxy.Snapshot)
		keys[id.Key] = sources
	}
	sources[s.Source] = s
	return nil
}

func (m *MemoryStore) RemoveOne(ctx context.Context, collection, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := m.collections[collection]
	sources := keys[key]
	best, ok := BestSource(sourceNames(sources))
	if !ok {
		return nil
	}
	delete(sources, best)
	if len(sources) == 0 {
		delete(keys, key)
	}
	if len(keys) == 0 {
		delete(m.collections, collection)
	}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, collection, key string) (*proxy.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sources := m.collections[collection][key]
	best, ok := BestSource(sourceNames(sources))
	if !ok {
		return nil, ErrNotFound
	}
	return sources[best], nil
}

// List 返回集合内每个 key 的最佳匹配，按 key 排序
func (m *MemoryStore) List(ctx context.Context, collection string) ([]*proxy.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := m.collections[collection]
	names := make([]string, 0, len(keys))
	for k := range keys {
		names = append(names, k)
	}
	sort.Strings(names)
	out := make([]*proxy.Snapshot, 0, len(names))
	for _, k := range names {
		best, _ := BestSource(sourceNames(keys[k]))
		out = append(out, keys[k][best])
	}
	return out, nil
}

func (m *MemoryStore) Collections(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.collections))
	for c := range m.collections {
		out = append(out, c)
	}
	sort.Strings(out)
	return out, nil
}

func sourceNames(sources map[string]*proxy.Snapshot) []string {
	out := make([]string, 0, len(sources))
	for s := range sources {
		out = append(out, s)
	}
	return out
}
