package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level = zapcore.Level

const (
	DebugLevel = zapcore.DebugLevel
	InfoLevel  = zapcore.InfoLevel
	WarnLevel  = zapcore.WarnLevel
	ErrorLevel = zapcore.ErrorLevel
	PanicLevel = zapcore.PanicLevel
	FatalLevel = zapcore.FatalLevel
)

// 输出格式
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// Logger 包装zap.Logger，子Logger共享同一个可调级别
type Logger struct {
	z     *zap.Logger
	level *zap.AtomicLevel
}

// New 以控制台格式输出到out，out为nil时使用stderr
func New(out io.Writer, level Level, opts ...Option) *Logger {
	return NewWithFormat(out, level, FormatConsole, opts...)
}

// NewWithFormat 按指定格式创建Logger，未知格式按console处理
func NewWithFormat(out io.Writer, level Level, format string, opts ...Option) *Logger {
	if out == nil {
		out = os.Stderr
	}
	al := zap.NewAtomicLevelAt(level)
	core := zapcore.NewCore(newEncoder(format), zapcore.AddSync(out), al)
	return &Logger{z: zap.New(core, withWrapperSkip(opts)...), level: &al}
}

// NewFromCore 基于已有的zapcore构建Logger（测试中配合observer使用）
func NewFromCore(core zapcore.Core, opts ...Option) *Logger {
	return &Logger{z: zap.New(core, withWrapperSkip(opts)...)}
}

// 调用位置跳过Logger的方法与log两层
func withWrapperSkip(opts []Option) []Option {
	return append([]Option{AddCallerSkip(2)}, opts...)
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller_line",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
}

func newEncoder(format string) zapcore.Encoder {
	cfg := encoderConfig()
	if strings.EqualFold(format, FormatJSON) {
		cfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		cfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		cfg.EncodeCaller = zapcore.ShortCallerEncoder
		return zapcore.NewJSONEncoder(cfg)
	}
	// 控制台格式：[时间] [级别] [文件:行号]
	cfg.EncodeLevel = func(l zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + l.CapitalString() + "]")
	}
	cfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + t.Format("2006-01-02 15:04:05.000") + "]")
	}
	cfg.EncodeCaller = func(c zapcore.EntryCaller, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + c.TrimmedPath() + "]")
	}
	return zapcore.NewConsoleEncoder(cfg)
}

// ParseLevel 将配置中的级别字符串转换为Level，无法识别时返回InfoLevel
func ParseLevel(s string) Level {
	var l Level
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if err := l.UnmarshalText([]byte(s)); err != nil || s == "" {
		return InfoLevel
	}
	return l
}

func (l *Logger) SetLevel(level Level) {
	if l.level != nil {
		l.level.SetLevel(level)
	}
}

// Enabled 级别是否会被输出，用于跳过开销较大的字段构造
func (l *Logger) Enabled(level Level) bool {
	return l.z.Core().Enabled(level)
}

// Named 返回带子名称的Logger，共享同一级别
func (l *Logger) Named(name string) *Logger {
	return &Logger{z: l.z.Named(name), level: l.level}
}

// With 返回附带固定字段的Logger
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...), level: l.level}
}

func (l *Logger) log(level Level, msg string, fields []Field) {
	if ce := l.z.Check(level, msg); ce != nil {
		ce.Write(fields...)
	}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(DebugLevel, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(InfoLevel, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(WarnLevel, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(ErrorLevel, msg, fields) }
func (l *Logger) Panic(msg string, fields ...Field) { l.log(PanicLevel, msg, fields) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.log(FatalLevel, msg, fields) }

func (l *Logger) Sync() error {
	return l.z.Sync()
}

// 包级默认Logger；包级函数使用多跳过一层调用的副本
var (
	std    = New(os.Stderr, InfoLevel, AddCaller())
	global = std.skip(1)
)

func (l *Logger) skip(n int) *Logger {
	return &Logger{z: l.z.WithOptions(AddCallerSkip(n)), level: l.level}
}

func Default() *Logger { return std }

func ReplaceDefault(l *Logger) {
	std = l
	global = l.skip(1)
}

func SetLevel(level Level) { std.SetLevel(level) }

func Debug(msg string, fields ...Field) { global.Debug(msg, fields...) }
func Info(msg string, fields ...Field)  { global.Info(msg, fields...) }
func Warn(msg string, fields ...Field)  { global.Warn(msg, fields...) }
func Error(msg string, fields ...Field) { global.Error(msg, fields...) }

func Sync() error { return std.Sync() }
