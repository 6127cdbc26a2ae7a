package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/junbin-yang/microtcp-go/api"
	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
	"gopkg.in/natefinch/lumberjack.v2"
)

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewWriter 根据日志配置创建输出目标
// File为空时输出到stderr；rotation=size按大小切分(lumberjack)，rotation=daily按天切分(rotatelogs)
func NewWriter(cfg api.LogConfig) (io.WriteCloser, error) {
	if cfg.File == "" {
		return nopCloser{os.Stderr}, nil
	}

	switch cfg.Rotation {
	case "", "size":
		return &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}, nil
	case "daily":
		maxAge := time.Duration(cfg.MaxAgeDays) * 24 * time.Hour
		if maxAge <= 0 {
			maxAge = 7 * 24 * time.Hour
		}
		return rotatelogs.New(
			cfg.File+".%Y%m%d",
			rotatelogs.WithLinkName(cfg.File),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithMaxAge(maxAge),
		)
	default:
		return nil, fmt.Errorf("unknown log rotation %q (want size or daily)", cfg.Rotation)
	}
}

// FromConfig 按配置创建Logger，返回的Closer用于关闭日志文件
func FromConfig(cfg api.LogConfig, opts ...Option) (*Logger, io.Closer, error) {
	w, err := NewWriter(cfg)
	if err != nil {
		return nil, nil, err
	}
	return NewWithFormat(w, ParseLevel(cfg.Level), cfg.Format, opts...), w, nil
}
