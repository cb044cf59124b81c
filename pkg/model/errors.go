package model

import (
	"github.com/pkg/errors"
)

// 错误分类。调用方统一用 errors.Is 判断
var (
	ErrProbeTimeout      = errors.New("probe timeout")
	ErrProbe             = errors.New("probe failed")
	ErrProvision         = errors.New("provision failed")
	ErrMigration         = errors.New("migration failed")
	ErrTerminate         = errors.New("terminate failed")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("node not found")
	ErrEndpointInUse     = errors.New("endpoint already bound")
	ErrShuttingDown      = errors.New("controller is shutting down")
)

// Errorf 给分类错误加上下文，errors.Is(err, kind) 仍然成立
func Errorf(kind error, format string, args ...interface{}) error {
	return errors.Wrapf(kind, format, args...)
}
