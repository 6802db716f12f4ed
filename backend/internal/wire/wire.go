package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortBuffer = errors.New("SHORT_BUFFER")

// 长度前缀：4 字节小端
const lenSize = 4

// EncodeBytes：len(4 字节) + 原始字节
func EncodeBytes(b []byte) []byte {
	out := make([]byte, lenSize+len(b))
	binary.LittleEndian.PutUint32(out, uint32(len(b)))
	copy(out[lenSize:], b)
	return out
}

func EncodeString(s string) []byte { return EncodeBytes([]byte(s)) }

// DecodeBytes 从 offset 处读出一个长度前缀的字节串，返回内容和下一个读取位置
func DecodeBytes(buf []byte, offset int) ([]byte, int, error) {
	if offset < 0 || len(buf)-offset < lenSize {
		return nil, offset, fmt.Errorf("%w: need %d bytes for length at offset %d, have %d", ErrShortBuffer, lenSize, offset, len(buf)-offset)
	}
	n := int(binary.LittleEndian.Uint32(buf[offset:]))
	start := offset + lenSize
	if n > len(buf)-start {
		return nil, offset, fmt.Errorf("%w: need %d bytes at offset %d, have %d", ErrShortBuffer, n, start, len(buf)-start)
	}
	out := make([]byte, n)
	copy(out, buf[start:start+n])
	return out, start + n, nil
}

func DecodeString(buf []byte, offset int) (string, int, error) {
	b, next, err := DecodeBytes(buf, offset)
	if err != nil {
		return "", offset, err
	}
	return string(b), next, nil
}

// Removal：删除记录，只有标识，没有负载
type Removal struct {
	Collection string `json:"collection" binding:"required"`
	Key        string `json:"key" binding:"required"`
}

// EncodeRemoval：len-prefixed(collection) + len-prefixed(key)
func EncodeRemoval(r Removal) []byte {
	buf := EncodeString(r.Collection)
	return append(buf, EncodeString(r.Key)...)
}

func DecodeRemoval(buf []byte) (Removal, error) {
	collection, next, err := DecodeString(buf, 0)
	if err != nil {
		return Removal{}, fmt.Errorf("decode collection name: %w", err)
	}
	key, _, err := DecodeString(buf, next)
	if err != nil {
		return Removal{}, fmt.Errorf("decode key: %w", err)
	}
	return Removal{Collection: collection, Key: key}, nil
}

// EncodeUpdate：len-prefixed(encoded_snapshot)
func EncodeUpdate(encoded []byte) []byte { return EncodeBytes(encoded) }

func DecodeUpdate(buf []byte) ([]byte, error) {
	b, _, err := DecodeBytes(buf, 0)
	if err != nil {
		return nil, fmt.Errorf("decode update envelope: %w", err)
	}
	return b, nil
}
