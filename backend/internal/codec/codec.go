package codec

import (
	"bytes"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

var (
	ErrDecode = errors.New("DECODE_FAILED")
	ErrEncode = errors.New("ENCODE_FAILED")
)

// Codec 把快照编码成可传输的字节，或从字节还原快照
type Codec interface {
	Encode(s *proxy.Snapshot) ([]byte, error)
	Decode(b []byte) (*proxy.Snapshot, error)
}

// DecodeError 携带解码失败前能读出的标识路径（尽力而为，可能为 nil）
type DecodeError struct {
	Path proxy.Path
	Err  error
}

func (e *DecodeError) Error() string { return fmt.Sprintf("decode snapshot: %v", e.Err) }
func (e *DecodeError) Unwrap() error { return e.Err }
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// JSONCodec：基于 JSON 的快照编解码
type JSONCodec struct{}

func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

func (JSONCodec) Encode(s *proxy.Snapshot) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("%w: nil snapshot", ErrEncode)
	}
	b, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return b, nil
}

func (JSONCodec) Decode(b []byte) (*proxy.Snapshot, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, &DecodeError{Err: errors.New("empty payload")}
	}
	var s proxy.Snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, &DecodeError{Path: peekPath(b), Err: err}
	}
	return &s, nil
}

// peekPath 只解析 path 字段，用于失败诊断
func peekPath(b []byte) proxy.Path {
	var head struct {
		Path proxy.Path `json:"path"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return nil
	}
	return head.Path
}
