package proxy

import (
	"errors"
	"fmt"
)

var ErrInvalidPath = errors.New("INVALID_PATH")

const (
	ReasonMissing    = "missing"     // 快照没有标识路径
	ReasonIncomplete = "incomplete"  // collection 或 key 缺失
	ReasonNestedTail = "nested_tail" // 超过两段，目前只支持顶层集合条目
)

// InvalidPathError 描述标识路径为何无法解析
type InvalidPathError struct {
	Reason string
	Path   Path
}

func (e *InvalidPathError) Error() string {
	switch e.Reason {
	case ReasonMissing:
		return "invalid identity path: path is missing"
	case ReasonNestedTail:
		return fmt.Sprintf("invalid identity path %s: non empty tail %s", e.Path, e.Path[2:])
	default:
		return fmt.Sprintf("invalid identity path %s: collection or key is missing", e.Path)
	}
}

func (e *InvalidPathError) Is(target error) bool { return target == ErrInvalidPath }

// Expected 返回诊断日志里“期望的形状”
func (e *InvalidPathError) Expected() string { return "[collection, key]" }

// ParsePath 从快照中取出 (collection, key)，不修改快照
func ParsePath(s *Snapshot) (IdentityPath, error) {
	if s == nil || s.Path == nil {
		return IdentityPath{}, &InvalidPathError{Reason: ReasonMissing}
	}
	if len(s.Path) < 2 || s.Path[0] == nil || s.Path[1] == nil {
		return IdentityPath{}, &InvalidPathError{Reason: ReasonIncomplete, Path: s.Path}
	}
	if len(s.Path) > 2 {
		return IdentityPath{}, &InvalidPathError{Reason: ReasonNestedTail, Path: s.Path}
	}
	return IdentityPath{Collection: *s.Path[0], Key: *s.Path[1]}, nil
}
