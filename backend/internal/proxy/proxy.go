package proxy

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Path 是实体在共享集合中的标识路径：[collection, key, ...]
// 元素为 nil 表示该段缺失（解码后可能出现 null）
type Path []*string

// Seg 构造一个路径段
func Seg(s string) *string { return &s }

// NewPath 由字符串直接构造完整路径
func NewPath(segments ...string) Path {
	p := make(Path, 0, len(segments))
	for _, s := range segments {
		p = append(p, Seg(s))
	}
	return p
}

func (p Path) String() string {
	if p == nil {
		return "<nil>"
	}
	parts := make([]string, 0, len(p))
	for _, s := range p {
		if s == nil {
			parts = append(parts, "<nil>")
			continue
		}
		parts = append(parts, *s)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// IdentityPath：(collection, key)，在共享集合中定位一个实体
// 注意：链接的外部数据源会带来重复 key，(collection, key) 不保证全局唯一
type IdentityPath struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
}

func (id IdentityPath) String() string { return fmt.Sprintf("%s[%s]", id.Collection, id.Key) }

// Snapshot：一个实体当前字段状态的完整快照（与实体种类无关）
// 创建后不应再修改
type Snapshot struct {
	Path Path `json:"path"`
	// 实体的稳定标识，用于日志追踪
	UUID string `json:"uuid,omitempty"`
	// 链接数据源名称，本地数据为空
	Source string         `json:"source,omitempty"`
	Fields map[string]any `json:"fields,omitempty"`
}

// New 创建一个带两段标识路径的快照，并分配 UUID
func New(collection, key string, fields map[string]any) *Snapshot {
	return &Snapshot{
		Path:   NewPath(collection, key),
		UUID:   uuid.NewString(),
		Fields: fields,
	}
}

// WithSource 返回指向链接数据源的副本
func (s *Snapshot) WithSource(source string) *Snapshot {
	cp := *s
	cp.Source = source
	return &cp
}
