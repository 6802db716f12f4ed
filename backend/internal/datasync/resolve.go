package datasync

import (
	"errors"
	"log/slog"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

// resolve 解析标识路径；失败时先记录“期望 vs 实际”再返回
func resolve(logger *slog.Logger, s *proxy.Snapshot) (proxy.IdentityPath, bool) {
	id, err := proxy.ParsePath(s)
	if err == nil {
		return id, true
	}
	var ipe *proxy.InvalidPathError
	if !errors.As(err, &ipe) {
		logger.Error("datasync: resolve identity failed", "error", err)
		return proxy.IdentityPath{}, false
	}
	switch ipe.Reason {
	case proxy.ReasonMissing:
		// 没有路径时把快照内部状态打出来便于排查
		var fields map[string]any
		if s != nil {
			fields = s.Fields
		}
		logger.Error("datasync: identity path is missing",
			"expected", ipe.Expected(), "found", "<nil>", "fields", fields)
	case proxy.ReasonNestedTail:
		logger.Error("datasync: identity path has non empty tail",
			"expected", ipe.Expected(), "found", ipe.Path.String(), "tail", ipe.Path[2:].String())
	default:
		logger.Error("datasync: invalid identity path",
			"expected", ipe.Expected(), "found", ipe.Path.String())
	}
	return proxy.IdentityPath{}, false
}
