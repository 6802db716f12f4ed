// Package mirror holds the local reflection of the shared collections.
//
// Keys are not globally unique: linked data sources can contribute an entry with
// the same (collection, key) as a local one. Every implementation stores entries
// under (collection, key, source) and resolves a bare (collection, key) to the best
// match: the local entry (empty source) when present, otherwise the entry whose
// source sorts first.
package mirror

import (
	"context"
	"errors"
	"sort"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

var ErrNotFound = errors.New("NOT_FOUND")

// Store 是镜像存储的契约。UpdateOne 不存在则创建、存在则覆盖；
// RemoveOne 对不存在的 key 是空操作
type Store interface {
	UpdateOne(ctx context.Context, s *proxy.Snapshot) error
	RemoveOne(ctx context.Context, collection, key string) error
	Get(ctx context.Context, collection, key string) (*proxy.Snapshot, error)
	List(ctx context.Context, collection string) ([]*proxy.Snapshot, error)
	Collections(ctx context.Context) ([]string, error)
}

// BestSource 在同一 (collection, key) 的多个来源里选出最匹配的一个
func BestSource(sources []string) (string, bool) {
	if len(sources) == 0 {
		return "", false
	}
	best := sources[0]
	for _, s := range sources[1:] {
		if s < best {
			best = s
		}
	}
	return best, true
}

// Dump 读出全部集合，用于保存检查点
func Dump(ctx context.Context, st Store) (map[string][]*proxy.Snapshot, error) {
	collections, err := st.Collections(ctx)
	if err != nil {
		return nil, err
	}
	sort.Strings(collections)
	out := make(map[string][]*proxy.Snapshot, len(collections))
	for _, c := range collections {
		items, err := st.List(ctx, c)
		if err != nil {
			return nil, err
		}
		out[c] = items
	}
	return out, nil
}
