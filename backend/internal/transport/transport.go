package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/shridhar2011/mixer/backend/internal/wire"
)

var (
	ErrClosed    = errors.New("TRANSPORT_CLOSED")
	ErrQueueFull = errors.New("QUEUE_FULL")
)

// Transport：出站指令的去处。Enqueue 对调用方来说是“发出即忘”
type Transport interface {
	Enqueue(ctx context.Context, cmd wire.Command) error
}

// Recorder 按顺序记录指令，用于测试和本地回环
type Recorder struct {
	mu       sync.Mutex
	commands []wire.Command
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) Enqueue(ctx context.Context, cmd wire.Command) error {
	r.mu.Lock()
	r.commands = append(r.commands, cmd)
	r.mu.Unlock()
	return nil
}

func (r *Recorder) Commands() []wire.Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.Command(nil), r.commands...)
}

// Fanout 依次交给多个传输层，任何一个失败都不影响其余
type Fanout []Transport

func (f Fanout) Enqueue(ctx context.Context, cmd wire.Command) error {
	var errs []error
	for _, t := range f {
		if t == nil {
			continue
		}
		if err := t.Enqueue(ctx, cmd); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func 把普通函数适配成 Transport
type Func func(ctx context.Context, cmd wire.Command) error

func (fn Func) Enqueue(ctx context.Context, cmd wire.Command) error { return fn(ctx, cmd) }
