// 公共API类型
package api

import (
	"fmt"
	"time"

	"go.uber.org/multierr"
)

// 传输层默认参数
const (
	DefaultMSS              = 1400                   // 最大分段大小（单个分段的最大负载）
	DefaultRecvBufferSize   = 8192                   // 接收重组缓冲区容量
	DefaultWindowSize       = DefaultRecvBufferSize  // 初始通告窗口
	DefaultInitCwnd         = 3 * DefaultMSS         // 初始拥塞窗口
	DefaultInitSsthresh     = DefaultWindowSize      // 初始慢启动阈值
	DefaultRecvTimeout      = 200 * time.Millisecond // 数据报接收超时
	DefaultHandshakeRetries = 10                     // 握手/挥手阶段连续超时上限
	DefaultMaxRetransmits   = 32                     // 发送阶段无进展的连续丢包轮数上限
	DefaultDrainThreshold   = 0.85                   // 重组缓冲区排空水位
	DefaultCongestion       = "tahoe"                // 默认拥塞控制算法
	MaxWindowSize           = 1<<16 - 1              // 窗口字段为u16
)

// 传输层配置
type TransportConfig struct {
	MSS              int           `mapstructure:"mss" yaml:"mss"`
	WindowSize       int           `mapstructure:"window-size" yaml:"window-size"`
	InitCwnd         int           `mapstructure:"init-cwnd" yaml:"init-cwnd"`
	InitSsthresh     int           `mapstructure:"init-ssthresh" yaml:"init-ssthresh"`
	RecvBufferSize   int           `mapstructure:"recv-buffer-size" yaml:"recv-buffer-size"`
	RecvTimeout      time.Duration `mapstructure:"recv-timeout" yaml:"recv-timeout"`
	AcceptTimeout    time.Duration `mapstructure:"accept-timeout" yaml:"accept-timeout"` // 0表示一直等待
	HandshakeRetries int           `mapstructure:"handshake-retries" yaml:"handshake-retries"`
	MaxRetransmits   int           `mapstructure:"max-retransmits" yaml:"max-retransmits"` // 0表示不限制
	DrainThreshold   float64       `mapstructure:"drain-threshold" yaml:"drain-threshold"`
	Congestion       string        `mapstructure:"congestion" yaml:"congestion"`
}

// 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level" yaml:"level"`
	Format     string `mapstructure:"format" yaml:"format"` // console 或 json
	File       string `mapstructure:"file" yaml:"file"`         // 为空时输出到stderr
	Rotation   string `mapstructure:"rotation" yaml:"rotation"` // size 或 daily
	MaxSizeMB  int    `mapstructure:"max-size-mb" yaml:"max-size-mb"`
	MaxBackups int    `mapstructure:"max-backups" yaml:"max-backups"`
	MaxAgeDays int    `mapstructure:"max-age-days" yaml:"max-age-days"`
}

// 抓包配置
type CaptureConfig struct {
	Enable   bool   `mapstructure:"enable" yaml:"enable"`
	PcapFile string `mapstructure:"pcap-file" yaml:"pcap-file"`
}

// 链路模拟配置（丢包/损坏）
type LinkConfig struct {
	DropRate    float64 `mapstructure:"drop-rate" yaml:"drop-rate"`
	CorruptRate float64 `mapstructure:"corrupt-rate" yaml:"corrupt-rate"`
	Seed        int64   `mapstructure:"seed" yaml:"seed"`
}

// microtcp的主要配置
type Config struct {
	Transport TransportConfig `mapstructure:"transport" yaml:"transport"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Capture   CaptureConfig   `mapstructure:"capture" yaml:"capture"`
	Link      LinkConfig      `mapstructure:"link" yaml:"link"`
}

// DefaultTransportConfig 返回默认的传输层配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		MSS:              DefaultMSS,
		WindowSize:       DefaultWindowSize,
		InitCwnd:         DefaultInitCwnd,
		InitSsthresh:     DefaultInitSsthresh,
		RecvBufferSize:   DefaultRecvBufferSize,
		RecvTimeout:      DefaultRecvTimeout,
		HandshakeRetries: DefaultHandshakeRetries,
		MaxRetransmits:   DefaultMaxRetransmits,
		DrainThreshold:   DefaultDrainThreshold,
		Congestion:       DefaultCongestion,
	}
}

// DefaultConfig 返回完整的默认配置
func DefaultConfig() Config {
	return Config{
		Transport: DefaultTransportConfig(),
		Log: LogConfig{
			Level:      "info",
			Format:     "console",
			Rotation:   "size",
			MaxSizeMB:  64,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Validate 校验传输层配置，返回所有不合法项的合并错误
func (c *TransportConfig) Validate() error {
	var err error
	if c.MSS <= 0 {
		err = multierr.Append(err, fmt.Errorf("mss must be positive, got %d", c.MSS))
	}
	if c.WindowSize <= 0 || c.WindowSize > MaxWindowSize {
		err = multierr.Append(err, fmt.Errorf("window-size must be in (0, %d], got %d", MaxWindowSize, c.WindowSize))
	}
	if c.RecvBufferSize < c.MSS {
		err = multierr.Append(err, fmt.Errorf("recv-buffer-size (%d) must hold at least one mss (%d)", c.RecvBufferSize, c.MSS))
	}
	if c.WindowSize > c.RecvBufferSize {
		err = multierr.Append(err, fmt.Errorf("window-size (%d) exceeds recv-buffer-size (%d)", c.WindowSize, c.RecvBufferSize))
	}
	if c.InitCwnd < c.MSS {
		err = multierr.Append(err, fmt.Errorf("init-cwnd (%d) must be at least one mss (%d)", c.InitCwnd, c.MSS))
	}
	if c.InitSsthresh < c.MSS/2 {
		err = multierr.Append(err, fmt.Errorf("init-ssthresh (%d) must be at least mss/2", c.InitSsthresh))
	}
	if c.RecvTimeout <= 0 {
		err = multierr.Append(err, fmt.Errorf("recv-timeout must be positive, got %s", c.RecvTimeout))
	}
	if c.AcceptTimeout < 0 {
		err = multierr.Append(err, fmt.Errorf("accept-timeout must not be negative"))
	}
	if c.HandshakeRetries <= 0 {
		err = multierr.Append(err, fmt.Errorf("handshake-retries must be positive, got %d", c.HandshakeRetries))
	}
	if c.MaxRetransmits < 0 {
		err = multierr.Append(err, fmt.Errorf("max-retransmits must not be negative"))
	}
	if c.DrainThreshold <= 0 || c.DrainThreshold > 1 {
		err = multierr.Append(err, fmt.Errorf("drain-threshold must be in (0, 1], got %v", c.DrainThreshold))
	}
	return err
}
