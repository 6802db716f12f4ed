package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/shridhar2011/mixer/backend/internal/wire"
)

const presenceTTL = 600 * time.Second

// ErrSendQueueFull 对端消费太慢，指令帧放不进发送队列，连接随即被断开
var ErrSendQueueFull = errors.New("SEND_QUEUE_FULL")

// Applier 入站指令的处理方（datasync.Applier）
type Applier interface {
	Apply(ctx context.Context, cmd wire.Command)
}

type Conn struct {
	ws        *websocket.Conn
	hub       *Hub
	sessionID string
	userID    uint64
	username  string
	// 出站队列，由 writeLoop 消费
	send chan OutboundMessage
	// closed 之后不再写 send
	mu     sync.Mutex
	closed bool
	// 入站指令处理
	applier Applier
	// 所有连接共用一个容量为 1 的信号量，保证入站指令串行应用
	sem     *SemaphoreControl
	enabled func() bool
}

func NewConn(ws *websocket.Conn, hub *Hub, sessionID string, userID uint64, username string, applier Applier, sem *SemaphoreControl, enabled func() bool) *Conn {
	return &Conn{
		ws:        ws,
		hub:       hub,
		sessionID: sessionID,
		userID:    userID,
		username:  username,
		send:      make(chan OutboundMessage, 32),
		applier:   applier,
		sem:       sem,
		enabled:   enabled,
	}
}

func (c *Conn) SendMessage_Enqueue(msg OutboundMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.send <- msg:
	default:
		// 如果队列满了，则丢弃消息
	}
}

// SendFrame 入队一帧指令。
// 指令帧不能丢：队列满时关闭该连接，由对端重连后重新同步，不让它漏掉中间的指令
func (c *Conn) SendFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.send <- FrameMessage{Frame: frame}:
		return nil
	default:
	}
	c.closed = true
	close(c.send)
	if c.ws != nil {
		_ = c.ws.Close()
	}
	return ErrSendQueueFull
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// handleFrame 应用一条二进制指令帧，成功解析后转发给同会话的其他连接
func (c *Conn) handleFrame(ctx context.Context, data []byte) {
	if c.enabled != nil && !c.enabled() {
		c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "SYNC_DISABLED"})
		return
	}
	if c.sessionID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "NOT_JOINED"})
		return
	}
	cmd, err := wire.UnmarshalCommand(data)
	if err != nil {
		log.Printf("bad frame (user=%d, session=%s): %v", c.userID, c.sessionID, err)
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: err.Error()})
		return
	}

	// 一直等到轮到自己，只有连接断开才放弃
	if err := c.sem.Acquire(ctx); err != nil {
		log.Printf("command lost, connection closed while waiting (user=%d, session=%s, type=%s, seq=%d)",
			c.userID, c.sessionID, cmd.Type, cmd.SequenceHint)
		return
	}
	c.applier.Apply(ctx, cmd)
	_ = c.sem.Release()

	if err := c.hub.Broadcast(c.sessionID, data, c); err != nil {
		log.Printf("relay frame (session=%s): %v", c.sessionID, err)
	}
}

func (c *Conn) join(ctx context.Context, sessionID string) {
	if sessionID == "" {
		c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "MISSING_SESSION"})
		return
	}
	if c.sessionID != "" && c.sessionID != sessionID {
		// 先离开旧会话
		c.leave(ctx)
	}
	c.sessionID = sessionID
	c.hub.Join(sessionID, c)
	if c.hub.presence != nil {
		if err := c.hub.presence.AddMember(ctx, sessionID, c.userID, c.username, presenceTTL); err != nil {
			log.Printf("add member error: %v", err)
		}
	}
	c.SendMessage_Enqueue(ServerMessage{Type: "join", SessionID: sessionID, UserID: c.userID})
}

func (c *Conn) leave(ctx context.Context) {
	if c.sessionID == "" {
		return
	}
	c.hub.Leave(c.sessionID, c)
	if c.hub.presence != nil {
		if err := c.hub.presence.RemoveMember(ctx, c.sessionID, c.userID); err != nil {
			log.Printf("remove member error: %v", err)
		}
	}
	c.sessionID = ""
}

func (c *Conn) handleControl(ctx context.Context, msg ClientMessage) {
	switch msg.Type {
	case "heartbeat":
		if c.hub.presence != nil && c.sessionID != "" {
			if err := c.hub.presence.AddMember(ctx, c.sessionID, c.userID, c.username, presenceTTL); err != nil {
				log.Printf("add member error: %v", err)
			}
		}
		c.SendMessage_Enqueue(ServerMessage{Type: "feedback", Content: "Heartbeat received"})

	case "join":
		c.join(ctx, msg.SessionID)

	case "leave":
		c.leave(ctx)
		c.SendMessage_Enqueue(ServerMessage{Type: "leave"})

	case "members":
		if c.hub.presence == nil {
			c.SendMessage_Enqueue(ServerMessage{Type: "members", SessionID: c.sessionID})
			return
		}
		members, err := c.hub.presence.GetAliveMembersWithNames(ctx, c.sessionID)
		if err != nil {
			log.Printf("get alive members with names error: %v", err)
		}
		c.SendMessage_Enqueue(ServerMessage{Type: "members", SessionID: c.sessionID, Members: members})

	default:
		c.SendMessage_Enqueue(ServerMessage{Type: "ignored", Content: "Unknown message type"})
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.closeSend()
	defer c.leave(context.WithoutCancel(ctx))
	for {
		mt, data, err := c.ws.ReadMessage()
		if err != nil {
			log.Printf("read error (user=%d, session=%s): %v", c.userID, c.sessionID, err)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			c.handleFrame(ctx, data)
		case websocket.TextMessage:
			var msg ClientMessage
			if err := json.Unmarshal(data, &msg); err != nil {
				c.SendMessage_Enqueue(ServerMessage{Type: "error", Content: "BAD_JSON"})
				continue
			}
			c.handleControl(ctx, msg)
		}
	}
}

func (c *Conn) writeLoop() {
	// 持续消费通道中的消息
	for msg := range c.send {
		var err error
		switch m := msg.(type) {
		case FrameMessage:
			err = c.ws.WriteMessage(websocket.BinaryMessage, m.Frame)
		default:
			err = c.ws.WriteJSON(m)
		}
		if err != nil {
			log.Printf("write error (user=%d): %v", c.userID, err)
		}
	}
}
