// Package datasync replicates host entities between the local process and a
// shared session. The Applier mirrors inbound DATA_UPDATE / DATA_REMOVE messages
// into the local store; the Batcher turns local changes into outbound commands.
//
// Every public entry point is a no-error boundary: failures are logged and the
// affected entity is dropped, the surrounding loop or batch keeps going.
package datasync

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/proxy"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

// MirrorStore 只暴露 Applier 需要的两个写操作
type MirrorStore interface {
	UpdateOne(ctx context.Context, s *proxy.Snapshot) error
	RemoveOne(ctx context.Context, collection, key string) error
}

// Transport：出站指令交给传输层，顺序与投递由传输层保证
type Transport interface {
	Enqueue(ctx context.Context, cmd wire.Command) error
}

// Notifier：过渡期的“脏标记”，通知旧的刷新路径
type Notifier interface {
	MarkDirty()
}

// SyncContext 在构造时注入给 Applier / Batcher
type SyncContext struct {
	Enabled   func() bool
	Store     MirrorStore
	Transport Transport
	Codec     codec.Codec
	Dirty     Notifier
	Logger    *slog.Logger
}

func (sc *SyncContext) enabled() bool {
	return sc.Enabled != nil && sc.Enabled()
}

func (sc *SyncContext) logger() *slog.Logger {
	if sc.Logger == nil {
		return slog.Default()
	}
	return sc.Logger
}

func (sc *SyncContext) markDirty() {
	if sc.Dirty != nil {
		sc.Dirty.MarkDirty()
	}
}

// Capability：整个子系统的开关，可在运行时切换
type Capability struct {
	enabled atomic.Bool
}

func NewCapability(enabled bool) *Capability {
	c := &Capability{}
	c.enabled.Store(enabled)
	return c
}

func (c *Capability) Enabled() bool { return c.enabled.Load() }
func (c *Capability) Set(v bool)    { c.enabled.Store(v) }

// DirtyFlag 实现 Notifier：每次标记递增 generation，并同步回调观察者
type DirtyFlag struct {
	generation atomic.Uint64
	mu         sync.Mutex
	observers  []func(generation uint64)
}

func NewDirtyFlag() *DirtyFlag { return &DirtyFlag{} }

func (d *DirtyFlag) MarkDirty() {
	gen := d.generation.Add(1)
	d.mu.Lock()
	observers := append([]func(uint64){}, d.observers...)
	d.mu.Unlock()
	for _, fn := range observers {
		fn(gen)
	}
}

// OnDirty 注册观察者，按注册顺序调用
func (d *DirtyFlag) OnDirty(fn func(generation uint64)) {
	d.mu.Lock()
	d.observers = append(d.observers, fn)
	d.mu.Unlock()
}

func (d *DirtyFlag) Generation() uint64 { return d.generation.Load() }

// Restore 启动时从上一次检查点接着计数，只会把 generation 往上调，不触发观察者
func (d *DirtyFlag) Restore(gen uint64) {
	for {
		cur := d.generation.Load()
		if cur >= gen || d.generation.CompareAndSwap(cur, gen) {
			return
		}
	}
}
