package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shridhar2011/mixer/backend/internal/cache"
	"github.com/shridhar2011/mixer/backend/internal/wire"
)

type Hub struct {
	// 在线状态（redis 实现），可以为 nil
	presence cache.PresenceCache
	mu       sync.RWMutex
	// sessionID -> set of connections
	rooms map[string]map[*Conn]struct{}
}

func NewHub(p cache.PresenceCache) *Hub {
	return &Hub{presence: p, rooms: make(map[string]map[*Conn]struct{})}
}

// Join 将连接加入指定会话
func (h *Hub) Join(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.rooms[sessionID] == nil {
		// 一个用户可以有多个连接，广播要逐连接发
		h.rooms[sessionID] = make(map[*Conn]struct{})
	}
	h.rooms[sessionID][c] = struct{}{}
}

// Leave 将连接从指定会话移除
func (h *Hub) Leave(sessionID string, c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[sessionID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(h.rooms, sessionID)
		}
	}
}

func (h *Hub) Size(sessionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[sessionID])
}

// Broadcast 把一帧发给会话内除 except 外的所有连接。
// 发送队列满的连接会被断开并移出会话，对应的错误合并返回
func (h *Hub) Broadcast(sessionID string, frame []byte, except *Conn) error {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.rooms[sessionID]))
	for c := range h.rooms[sessionID] {
		if c != except {
			conns = append(conns, c)
		}
	}
	h.mu.RUnlock()
	var errs []error
	for _, c := range conns {
		if err := c.SendFrame(frame); err != nil {
			h.Leave(sessionID, c)
			errs = append(errs, fmt.Errorf("user %d: %w", c.userID, err))
		}
	}
	return errors.Join(errs...)
}

// Session 返回向某个会话广播的出站传输
func (h *Hub) Session(sessionID string) *SessionTransport {
	return &SessionTransport{hub: h, sessionID: sessionID}
}

// SessionTransport：Batcher 发出的指令直接广播给会话内的所有对端
type SessionTransport struct {
	hub       *Hub
	sessionID string
}

func (t *SessionTransport) Enqueue(ctx context.Context, cmd wire.Command) error {
	frame, err := cmd.MarshalBinary()
	if err != nil {
		return err
	}
	return t.hub.Broadcast(t.sessionID, frame, nil)
}
