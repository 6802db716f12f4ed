package ws

import "github.com/shridhar2011/mixer/backend/internal/cache"

// 文本帧：控制消息（JSON）。二进制帧：wire.Command
type ClientMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
}

type ServerMessage struct {
	Type      string                 `json:"type"`
	SessionID string                 `json:"sessionId,omitempty"`
	UserID    uint64                 `json:"userId,omitempty"`
	Members   []cache.PresenceMember `json:"members,omitempty"`
	Content   string                 `json:"content,omitempty"`
}

// FrameMessage：原样转发给对端的二进制指令帧
type FrameMessage struct {
	Frame []byte
}

// 出站消息接口
type OutboundMessage interface {
	MessageType() string
}

func (m ServerMessage) MessageType() string { return m.Type }
func (m FrameMessage) MessageType() string  { return "frame" }
