package datasync

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

// Batcher 把本地变更转换成出站指令，一项一条，保持输入顺序
// 不做合并：同一实体的多次更新依次发出，接收端按到达顺序“后写为准”
type Batcher struct {
	sc  *SyncContext
	seq atomic.Int64
}

func NewBatcher(sc *SyncContext) *Batcher {
	return &Batcher{sc: sc}
}

// SendUpdates 逐项解析标识、编码并入队。单项失败只跳过该项
// 返回实际交给传输层的指令数
func (b *Batcher) SendUpdates(ctx context.Context, updates []*proxy.Snapshot) int {
	if !b.sc.enabled() {
		return 0
	}
	if len(updates) == 0 {
		return 0
	}
	sent := 0
	for _, s := range updates {
		if b.sendUpdate(ctx, s) {
			sent++
		}
	}
	return sent
}

func (b *Batcher) sendUpdate(ctx context.Context, s *proxy.Snapshot) (ok bool) {
	logger := b.sc.logger()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("datasync: send update failed", "error", fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()

	// 发送的是完整实体，必须带有 collection 和 key
	id, resolved := resolve(logger, s)
	if !resolved {
		logger.Error("datasync: update ignored")
		return false
	}
	logger.Info("datasync: send update", "collection", id.Collection, "key", id.Key)

	encoded, err := b.sc.Codec.Encode(s)
	if err != nil {
		// 编码失败跳过该项，不发送空的或上一次的负载
		logger.Error("datasync: encode failed, update ignored", "collection", id.Collection, "key", id.Key, "error", err)
		return false
	}

	cmd := wire.Command{
		Type:         wire.MessageDataUpdate,
		Payload:      wire.EncodeUpdate(encoded),
		SequenceHint: b.seq.Add(1),
	}
	return b.enqueue(ctx, cmd, id.String())
}

// SendRemovals 每个 (collection, key) 一条 DATA_REMOVE，保持输入顺序
func (b *Batcher) SendRemovals(ctx context.Context, removals []wire.Removal) int {
	if !b.sc.enabled() {
		return 0
	}
	sent := 0
	for _, r := range removals {
		b.sc.logger().Info("datasync: send removal", "collection", r.Collection, "key", r.Key)
		cmd := wire.Command{
			Type:         wire.MessageDataRemove,
			Payload:      wire.EncodeRemoval(r),
			SequenceHint: b.seq.Add(1),
		}
		if b.enqueue(ctx, cmd, fmt.Sprintf("%s[%s]", r.Collection, r.Key)) {
			sent++
		}
	}
	return sent
}

func (b *Batcher) enqueue(ctx context.Context, cmd wire.Command, target string) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.sc.logger().Error("datasync: enqueue failed", "target", target, "error", fmt.Sprintf("panic: %v", r))
			ok = false
		}
	}()
	if err := b.sc.Transport.Enqueue(ctx, cmd); err != nil {
		b.sc.logger().Error("datasync: enqueue failed", "type", cmd.Type.String(), "target", target, "error", err)
		return false
	}
	return true
}
