package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

type MessageType uint16

const (
	// 从 1 开始，0 保留给未知类型
	MessageDataUpdate MessageType = iota + 1
	MessageDataRemove
)

func (t MessageType) String() string {
	switch t {
	case MessageDataUpdate:
		return "DATA_UPDATE"
	case MessageDataRemove:
		return "DATA_REMOVE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint16(t))
	}
}

// Command：一条出站指令。交给传输层后归传输层所有
type Command struct {
	Type         MessageType
	Payload      []byte
	SequenceHint int64
}

// 帧头：type(2) + sequence_hint(8) + payload_len(4)
const headerSize = 2 + 8 + 4

var ErrUnknownMessageType = errors.New("UNKNOWN_MESSAGE_TYPE")

func (c Command) MarshalBinary() ([]byte, error) {
	switch c.Type {
	case MessageDataUpdate, MessageDataRemove:
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessageType, c.Type)
	}
	out := make([]byte, headerSize+len(c.Payload))
	binary.LittleEndian.PutUint16(out[0:], uint16(c.Type))
	binary.LittleEndian.PutUint64(out[2:], uint64(c.SequenceHint))
	binary.LittleEndian.PutUint32(out[10:], uint32(len(c.Payload)))
	copy(out[headerSize:], c.Payload)
	return out, nil
}

// UnmarshalCommand 解析一帧。多余的尾部字节视为错误
func UnmarshalCommand(frame []byte) (Command, error) {
	if len(frame) < headerSize {
		return Command{}, fmt.Errorf("%w: frame header needs %d bytes, have %d", ErrShortBuffer, headerSize, len(frame))
	}
	c := Command{
		Type:         MessageType(binary.LittleEndian.Uint16(frame[0:])),
		SequenceHint: int64(binary.LittleEndian.Uint64(frame[2:])),
	}
	switch c.Type {
	case MessageDataUpdate, MessageDataRemove:
	default:
		return Command{}, fmt.Errorf("%w: %s", ErrUnknownMessageType, c.Type)
	}
	n := int(binary.LittleEndian.Uint32(frame[10:]))
	if n != len(frame)-headerSize {
		return Command{}, fmt.Errorf("%w: payload length %d, frame carries %d", ErrShortBuffer, n, len(frame)-headerSize)
	}
	c.Payload = make([]byte, n)
	copy(c.Payload, frame[headerSize:])
	return c, nil
}
