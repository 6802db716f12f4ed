package datasync

import (
	"context"
	"errors"
	"fmt"

	"github.com/shridhar2011/mixer/backend/internal/codec"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

// Applier 把收到的 DATA_UPDATE / DATA_REMOVE 应用到本地镜像
// 这里没有单独的“创建”：对不存在条目的更新就是创建
type Applier struct {
	sc *SyncContext
}

func NewApplier(sc *SyncContext) *Applier {
	return &Applier{sc: sc}
}

// ApplyUpdate 处理一条 DATA_UPDATE 负载。不返回错误，失败只记录日志并丢弃
func (a *Applier) ApplyUpdate(ctx context.Context, raw []byte) {
	if !a.sc.enabled() {
		return
	}
	logger := a.sc.logger()
	fc := &FailureContext{Op: "apply update", Raw: raw}
	defer func() {
		if r := recover(); r != nil {
			fc.log(logger, fmt.Errorf("panic: %v", r))
		}
	}()

	payload, err := wire.DecodeUpdate(raw)
	if err != nil {
		fc.log(logger, err)
		return
	}
	fc.Raw = payload

	snap, err := a.sc.Codec.Decode(payload)
	if err != nil {
		var de *codec.DecodeError
		if errors.As(err, &de) {
			fc.Path = de.Path
		}
		fc.log(logger, err)
		return
	}
	fc.Path = snap.Path

	id, ok := resolve(logger, snap)
	if !ok {
		logger.Error("datasync: update ignored", "path", snap.Path.String())
		return
	}
	fc.Identity = &id

	logger.Info("datasync: apply update", "collection", id.Collection, "key", id.Key, "uuid", snap.UUID, "source", snap.Source)
	if err := a.sc.Store.UpdateOne(ctx, snap); err != nil {
		fc.log(logger, fmt.Errorf("mirror update: %w", err))
		return
	}
	a.sc.markDirty()
}

// ApplyRemoval 处理一条 DATA_REMOVE 负载：collection + key 两个字符串
// 通过镜像删除，镜像自身不会因此再发出删除
func (a *Applier) ApplyRemoval(ctx context.Context, raw []byte) {
	if !a.sc.enabled() {
		return
	}
	logger := a.sc.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("datasync: apply removal failed", "error", fmt.Sprintf("panic: %v", r))
		}
	}()

	r, err := wire.DecodeRemoval(raw)
	if err != nil {
		logger.Error("datasync: apply removal failed", "error", err, "size", len(raw))
		return
	}
	logger.Info("datasync: apply removal", "collection", r.Collection, "key", r.Key)
	if err := a.sc.Store.RemoveOne(ctx, r.Collection, r.Key); err != nil {
		logger.Error("datasync: removal ignored", "collection", r.Collection, "key", r.Key, "error", err)
		return
	}
	a.sc.markDirty()
}

// Apply 按指令类型分发
func (a *Applier) Apply(ctx context.Context, cmd wire.Command) {
	switch cmd.Type {
	case wire.MessageDataUpdate:
		a.ApplyUpdate(ctx, cmd.Payload)
	case wire.MessageDataRemove:
		a.ApplyRemoval(ctx, cmd.Payload)
	default:
		a.sc.logger().Warn("datasync: ignore command", "type", cmd.Type.String())
	}
}
