package mirror

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

const (
	cacheBaseTTL = 10 * time.Minute // 基础过期时间
	cacheJitter  = time.Minute      // 随机抖动范围
	cacheNullTTL = 30 * time.Second
	nullMarker   = "-" // 空值标记
	keyCacheFmt  = "mirror:cache:{collection:%s}:%s"
)

// 获取随机TTL，防止缓存雪崩
func randomTTL() time.Duration {
	return cacheBaseTTL + time.Duration(rand.Int63n(int64(cacheJitter)))
}

func cacheKey(collection, key string) string { return fmt.Sprintf(keyCacheFmt, collection, key) }

// CachedStore 在持久镜像（mysql）前加一层 redis 读缓存
// 写操作先写后端，再删除缓存；List / Collections 直接走后端
type CachedStore struct {
	Store
	rdb   redis.UniversalClient
	codec codec.Codec
	sf    singleflight.Group
}

var _ Store = (*CachedStore)(nil)

func NewCachedStore(backing Store, rdb redis.UniversalClient, c codec.Codec) *CachedStore {
	return &CachedStore{Store: backing, rdb: rdb, codec: c}
}

func (c *CachedStore) UpdateOne(ctx context.Context, s *proxy.Snapshot) error {
	id, err := proxy.ParsePath(s)
	if err != nil {
		return err
	}
	if err := c.Store.UpdateOne(ctx, s); err != nil {
		return err
	}
	c.invalidate(ctx, id.Collection, id.Key)
	return nil
}

func (c *CachedStore) RemoveOne(ctx context.Context, collection, key string) error {
	if err := c.Store.RemoveOne(ctx, collection, key); err != nil {
		return err
	}
	c.invalidate(ctx, collection, key)
	return nil
}

// invalidate 删除缓存。后端已经写成功，删缓存失败只记日志，旧值最多留到 TTL 过期
func (c *CachedStore) invalidate(ctx context.Context, collection, key string) {
	if err := c.rdb.Del(ctx, cacheKey(collection, key)).Err(); err != nil {
		log.Printf("invalidate mirror cache %s error: %v", cacheKey(collection, key), err)
	}
}

// Get 组合策略：Singleflight + 读缓存 + 回源 + 空值缓存
func (c *CachedStore) Get(ctx context.Context, collection, key string) (*proxy.Snapshot, error) {
	ck := cacheKey(collection, key)
	v, err, _ := c.sf.Do(ck, func() (interface{}, error) {
		res, err := c.rdb.Get(ctx, ck).Result()
		switch {
		case err == nil && res == nullMarker:
			return nil, ErrNotFound
		case err == nil:
			return c.codec.Decode([]byte(res))
		case !errors.Is(err, redis.Nil):
			return nil, err
		}

		// 回源 (Redis Miss)
		s, err := c.Store.Get(ctx, collection, key)
		if errors.Is(err, ErrNotFound) {
			// 标记空值，防止缓存穿透
			_ = c.rdb.Set(ctx, ck, nullMarker, cacheNullTTL).Err()
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if b, err := c.codec.Encode(s); err == nil {
			_ = c.rdb.Set(ctx, ck, b, randomTTL()).Err()
		}
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	// 使用断言确保不会panic
	s, ok := v.(*proxy.Snapshot)
	if !ok {
		return nil, errors.New("internal type error")
	}
	return s, nil
}
