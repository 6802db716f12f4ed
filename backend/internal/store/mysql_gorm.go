package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/mirror"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	return db, nil
}

// MirrorEntry：镜像中的一条记录，(collection, key, source) 唯一
type MirrorEntry struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	Collection string `gorm:"type:varchar(128);not null;uniqueIndex:idx_identity,priority:1"`
	Key        string `gorm:"column:entry_key;type:varchar(255);not null;uniqueIndex:idx_identity,priority:2"`
	Source     string `gorm:"type:varchar(255);not null;default:'';uniqueIndex:idx_identity,priority:3"`
	UUID       string `gorm:"type:varchar(64)"`
	Payload    []byte `gorm:"type:mediumblob"`
	UpdatedAt  time.Time
}

// GormMirror：持久化到 MySQL 的镜像，进程重启后仍保留
type GormMirror struct {
	db    *gorm.DB
	codec codec.Codec
}

var _ mirror.Store = (*GormMirror)(nil)

func NewGormMirror(db *gorm.DB, c codec.Codec) *GormMirror {
	return &GormMirror{db: db, codec: c}
}

func (g *GormMirror) AutoMigrate() error {
	return g.db.AutoMigrate(&MirrorEntry{})
}

func (g *GormMirror) UpdateOne(ctx context.Context, s *proxy.Snapshot) error {
	id, err := proxy.ParsePath(s)
	if err != nil {
		return err
	}
	b, err := g.codec.Encode(s)
	if err != nil {
		return err
	}
	entry := MirrorEntry{
		Collection: id.Collection,
		Key:        id.Key,
		Source:     s.Source,
		UUID:       s.UUID,
		Payload:    b,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection"}, {Name: "entry_key"}, {Name: "source"}},
		DoUpdates: clause.AssignmentColumns([]string{"uuid", "payload", "updated_at"}),
	}).Create(&entry).Error
}

func (g *GormMirror) RemoveOne(ctx context.Context, collection, key string) error {
	entry, err := g.best(ctx, collection, key)
	if errors.Is(err, mirror.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return g.db.WithContext(ctx).Delete(&MirrorEntry{}, entry.ID).Error
}

func (g *GormMirror) Get(ctx context.Context, collection, key string) (*proxy.Snapshot, error) {
	entry, err := g.best(ctx, collection, key)
	if err != nil {
		return nil, err
	}
	return g.codec.Decode(entry.Payload)
}

// best：本地来源（空字符串）排序最前
func (g *GormMirror) best(ctx context.Context, collection, key string) (*MirrorEntry, error) {
	var entry MirrorEntry
	err := g.db.WithContext(ctx).
		Where("collection = ? AND entry_key = ?", collection, key).
		Order("source ASC").
		First(&entry).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, mirror.ErrNotFound
		}
		return nil, err
	}
	return &entry, nil
}

func (g *GormMirror) List(ctx context.Context, collection string) ([]*proxy.Snapshot, error) {
	var entries []MirrorEntry
	err := g.db.WithContext(ctx).
		Where("collection = ?", collection).
		Order("entry_key ASC, source ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	out := make([]*proxy.Snapshot, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, e := range entries {
		// 同一个 key 只取第一条（最佳匹配）
		if _, ok := seen[e.Key]; ok {
			continue
		}
		seen[e.Key] = struct{}{}
		s, err := g.codec.Decode(e.Payload)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func (g *GormMirror) Collections(ctx context.Context) ([]string, error) {
	var out []string
	if err := g.db.WithContext(ctx).Model(&MirrorEntry{}).Distinct().Pluck("collection", &out).Error; err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}
