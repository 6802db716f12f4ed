package datasync

import (
	"fmt"
	"log/slog"

	"github.com/shridhar2011/mixer/backend/internal/proxy"
)

// 诊断日志中保留的负载头尾长度
const diagnosticWindow = 200

// FailureContext 在处理过程中逐步填充，失败时只读取已经确定的部分
type FailureContext struct {
	Op       string
	Raw      []byte
	Path     proxy.Path
	Identity *proxy.IdentityPath
}

func (fc *FailureContext) Head() []byte {
	if len(fc.Raw) <= diagnosticWindow {
		return fc.Raw
	}
	return fc.Raw[:diagnosticWindow]
}

func (fc *FailureContext) Tail() []byte {
	if len(fc.Raw) <= diagnosticWindow {
		return fc.Raw
	}
	return fc.Raw[len(fc.Raw)-diagnosticWindow:]
}

// Target 返回尽力而为的 "collection[key]"
func (fc *FailureContext) Target() string {
	if fc.Identity != nil {
		return fc.Identity.String()
	}
	if len(fc.Path) >= 2 && fc.Path[0] != nil && fc.Path[1] != nil {
		return fmt.Sprintf("%s[%s]", *fc.Path[0], *fc.Path[1])
	}
	return "<unknown>"
}

func (fc *FailureContext) log(logger *slog.Logger, err error) {
	logger.Error("datasync: "+fc.Op+" failed",
		"error", err,
		"path", fc.Path.String(),
		"size", len(fc.Raw),
		"head", fmt.Sprintf("%q", fc.Head()),
		"tail", fmt.Sprintf("%q", fc.Tail()),
	)
	logger.Error(fmt.Sprintf("datasync: creation or update of %s was ignored", fc.Target()))
}
