package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

// 键语义：
// - entryKey(c, k):  Hash<"src:"+source -> 编码后的快照>
// - keysKey(c):      Set<key>，集合内的全部 key
// - collectionsKey:  Set<collection>
// 用 {} 包住 collection，让同一集合的键落在同一个 slot 上，Lua 脚本才能在集群下执行
const (
	keyEntryFmt    = "mirror:{collection:%s}:entry:%s"
	keyKeysFmt     = "mirror:{collection:%s}:keys"
	keyCollections = "mirror:collections"
	sourcePrefix   = "src:"
)

func entryKey(collection, key string) string { return fmt.Sprintf(keyEntryFmt, collection, key) }
func keysKey(collection string) string       { return fmt.Sprintf(keyKeysFmt, collection) }

// 删除最佳匹配的来源；没有剩余来源时把 key 从集合索引里去掉
// 本地来源的字段是 "src:"，排序后一定在最前
const removeBestScript = `
local fields = redis.call("HKEYS", KEYS[1])
if #fields == 0 then
	return 0
end
table.sort(fields)
redis.call("HDEL", KEYS[1], fields[1])
if redis.call("HLEN", KEYS[1]) == 0 then
	redis.call("SREM", KEYS[2], ARGV[1])
end
return 1
`

var removeBest = redis.NewScript(removeBestScript)

// RedisStore：基于 redis 的镜像，多个进程可共享同一份镜像
type RedisStore struct {
	rdb   redis.UniversalClient
	codec codec.Codec
	sf    singleflight.Group
}

var _ Store = (*RedisStore)(nil)

func NewRedisStore(rdb redis.UniversalClient, c codec.Codec) *RedisStore {
	return &RedisStore{rdb: rdb, codec: c}
}

func (r *RedisStore) UpdateOne(ctx context.Context, s *proxy.Snapshot) error {
	id, err := proxy.ParsePath(s)
	if err != nil {
		return err
	}
	b, err := r.codec.Encode(s)
	if err != nil {
		return err
	}
	tx := r.rdb.TxPipeline()
	tx.HSet(ctx, entryKey(id.Collection, id.Key), sourcePrefix+s.Source, b)
	tx.SAdd(ctx, keysKey(id.Collection), id.Key)
	if _, err := tx.Exec(ctx); err != nil {
		return err
	}
	// collections 索引在另一个 slot，单独写
	return r.rdb.SAdd(ctx, keyCollections, id.Collection).Err()
}

func (r *RedisStore) RemoveOne(ctx context.Context, collection, key string) error {
	removed, err := removeBest.Run(ctx, r.rdb, []string{entryKey(collection, key), keysKey(collection)}, key).Int()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	if removed == 0 {
		return nil
	}
	n, err := r.rdb.SCard(ctx, keysKey(collection)).Result()
	if err != nil || n > 0 {
		return err
	}
	if err := r.rdb.SRem(ctx, keyCollections, collection).Err(); err != nil {
		return err
	}
	// collections 和 keys 不在同一个 slot，没法放进一个事务。
	// 删完再查一次：期间别的进程写入了新 key 就把集合加回来
	// （UpdateOne 先写 keys 再写 collections，两边交错时总有一方会补上）
	n, err = r.rdb.SCard(ctx, keysKey(collection)).Result()
	if err != nil || n == 0 {
		return err
	}
	return r.rdb.SAdd(ctx, keyCollections, collection).Err()
}

func (r *RedisStore) Get(ctx context.Context, collection, key string) (*proxy.Snapshot, error) {
	v, err, _ := r.sf.Do(collection+"\x00"+key, func() (interface{}, error) {
		return r.get(ctx, collection, key)
	})
	if err != nil {
		return nil, err
	}
	s, ok := v.(*proxy.Snapshot)
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

func (r *RedisStore) get(ctx context.Context, collection, key string) (*proxy.Snapshot, error) {
	fields, err := r.rdb.HGetAll(ctx, entryKey(collection, key)).Result()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, strings.TrimPrefix(f, sourcePrefix))
	}
	best, ok := BestSource(names)
	if !ok {
		return nil, ErrNotFound
	}
	return r.codec.Decode([]byte(fields[sourcePrefix+best]))
}

func (r *RedisStore) List(ctx context.Context, collection string) ([]*proxy.Snapshot, error) {
	keys, err := r.rdb.SMembers(ctx, keysKey(collection)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	out := make([]*proxy.Snapshot, 0, len(keys))
	for _, k := range keys {
		s, err := r.get(ctx, collection, k)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisStore) Collections(ctx context.Context) ([]string, error) {
	out, err := r.rdb.SMembers(ctx, keyCollections).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
