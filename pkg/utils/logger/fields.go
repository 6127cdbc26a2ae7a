package logger

import (
	"go.uber.org/zap"
)

type Field = zap.Field

type Option = zap.Option

var (
	String   = zap.String
	Int      = zap.Int
	Int64    = zap.Int64
	Uint8    = zap.Uint8
	Uint16   = zap.Uint16
	Uint32   = zap.Uint32
	Uint64   = zap.Uint64
	Float64  = zap.Float64
	Bool     = zap.Bool
	Duration = zap.Duration
	Any      = zap.Any
	Stringer = zap.Stringer
	Err      = zap.Error // Error与日志方法同名，错误字段使用Err
)

var (
	AddCaller     = zap.AddCaller
	AddCallerSkip = zap.AddCallerSkip
	AddStacktrace = zap.AddStacktrace
)
