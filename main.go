// microtcp的命令行接口，在UDP之上用microtcp收发文件，便于观察握手、重传与挥手过程
package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/junbin-yang/microtcp-go/api"
	"github.com/junbin-yang/microtcp-go/pkg/network"
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/microtcp"
	"github.com/junbin-yang/microtcp-go/pkg/transport/sniffer"
	log "github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/junbin-yang/microtcp-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

var (
	// 版本信息（编译时可通过参数注入）
	Version   = "dev"     // 版本号
	BuildTime = "unknown" // 构建时间

	// 配置相关
	cfgFile string     // 配置文件路径
	config  api.Config // 生效的配置

	// 日志实例
	logger    *log.Logger
	logCloser io.Closer
)

// rootCmd 表示基础命令
var rootCmd = &cobra.Command{
	Use:   "microtcp",
	Short: "microtcp: UDP之上的可靠字节流",
	Long: `microtcp在UDP之上实现了一个精简的TCP：三次握手、累计确认、滑动窗口、
慢启动与拥塞避免、快速重传、超时回退重传以及四次挥手。`,
	SilenceUsage: true,
}

// versionCmd 打印版本信息
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "打印版本信息",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("microtcp %s\n", Version)
		fmt.Printf("构建时间: %s\n", BuildTime)
	},
}

// serveCmd 被动打开，接收一个连接的全部数据
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "等待一个连接并把收到的数据写到输出",
	RunE:  runServe,
}

// sendCmd 主动打开，发送文件或标准输入
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "连接到对端并发送数据",
	RunE:  runSend,
}

// configCmd 打印生效的配置
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "以YAML格式打印生效的配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := yaml.Marshal(&config)
		if err != nil {
			return err
		}
		fmt.Print(string(out))
		return nil
	},
}

func init() {
	// 在命令执行前初始化配置
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) { closeLogger() }

	// 全局标志（所有命令共享），键名与配置文件一致
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "配置文件路径（默认是./microtcp.yaml）")
	flags.String("log-level", "info", "日志级别（debug, info, warning, error, fatal）")
	flags.String("log-file", "", "日志文件，为空时输出到stderr")
	flags.String("log-format", "console", "日志格式（console, json）")
	flags.Int("mss", api.DefaultMSS, "最大分段长度")
	flags.Int("window", api.DefaultWindowSize, "通告的接收窗口")
	flags.Duration("recv-timeout", api.DefaultRecvTimeout, "接收超时")
	flags.String("congestion", api.DefaultCongestion, "拥塞控制算法（tahoe, reno）")
	flags.Float64("drop-rate", 0, "模拟丢包率（0-1）")
	flags.Float64("corrupt-rate", 0, "模拟损坏率（0-1）")
	flags.Int64("seed", 0, "丢包模拟的随机种子")
	flags.String("pcap", "", "将收发的分段写入pcap文件")

	// 将命令行标志绑定到viper
	bind := map[string]string{
		"log.level":              "log-level",
		"log.file":               "log-file",
		"log.format":             "log-format",
		"transport.mss":          "mss",
		"transport.window-size":  "window",
		"transport.recv-timeout": "recv-timeout",
		"transport.congestion":   "congestion",
		"link.drop-rate":         "drop-rate",
		"link.corrupt-rate":      "corrupt-rate",
		"link.seed":              "seed",
		"capture.pcap-file":      "pcap",
	}
	for key, flag := range bind {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	serveCmd.Flags().String("listen", ":9000", "监听地址")
	serveCmd.Flags().StringP("output", "o", "", "输出文件，默认标准输出")

	sendCmd.Flags().String("to", "127.0.0.1:9000", "对端地址")
	sendCmd.Flags().StringP("file", "f", "", "要发送的文件，默认标准输入")
	sendCmd.Flags().Int("attempts", 3, "建立连接的尝试次数")

	rootCmd.AddCommand(versionCmd, serveCmd, sendCmd, configCmd)
}

// initConfig 初始化配置：默认值、配置文件、环境变量，然后初始化日志
func initConfig() {
	setDefaults(api.DefaultConfig())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 未指定则在当前目录查找microtcp.yaml
		viper.AddConfigPath(".")
		viper.SetConfigName("microtcp")
		viper.SetConfigType("yaml")
	}

	// 环境变量前缀为MICROTCP（例如MICROTCP_TRANSPORT_MSS对应transport.mss）
	viper.SetEnvPrefix("MICROTCP")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	readErr := viper.ReadInConfig()

	var err error
	config, err = loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "配置错误: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser, err = log.FromConfig(config.Log, log.AddCaller())
	if err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	log.ReplaceDefault(logger)
	if readErr == nil {
		logger.Info("使用配置文件", log.String("file", viper.ConfigFileUsed()))
	}
}

// setDefaults 把默认配置展开成viper的默认值，保证环境变量能覆盖每一个键
func setDefaults(def api.Config) {
	raw, _ := yaml.Marshal(&def)
	var tree map[string]any
	yaml.Unmarshal(raw, &tree)
	for section, v := range tree {
		fields, ok := v.(map[string]any)
		if !ok {
			continue
		}
		for key, val := range fields {
			viper.SetDefault(section+"."+key, val)
		}
	}
}

// loadConfig 从viper解码配置并校验
func loadConfig() (api.Config, error) {
	cfg := api.DefaultConfig()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, errors.Wrap(err, "decode config")
	}
	if err := cfg.Transport.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func closeLogger() {
	logger.Sync()
	if logCloser != nil {
		logCloser.Close()
	}
}

// socketTracker 记录创建的套接字，收到中断信号时关闭它们以结束阻塞的Recv
type socketTracker struct {
	mu    sync.Mutex
	conns []net.PacketConn
}

func (t *socketTracker) wrap(base datagram.ListenFunc) datagram.ListenFunc {
	return func(network, address string) (net.PacketConn, error) {
		pc, err := base(network, address)
		if err == nil {
			t.mu.Lock()
			t.conns = append(t.conns, pc)
			t.mu.Unlock()
		}
		return pc, err
	}
}

func (t *socketTracker) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, pc := range t.conns {
		pc.Close()
	}
}

// buildListen 按配置组装套接字：丢包模拟 -> 抓包
func buildListen(tracker *socketTracker) (datagram.ListenFunc, io.Closer, error) {
	listen := datagram.ListenFunc(net.ListenPacket)
	if config.Link.DropRate > 0 || config.Link.CorruptRate > 0 {
		logger.Info("模拟不可靠链路",
			log.Float64("drop_rate", config.Link.DropRate),
			log.Float64("corrupt_rate", config.Link.CorruptRate))
		listen = datagram.LossyListen(listen, config.Link, logger, nil)
	}

	var capture *sniffer.Capture
	if config.Capture.Enable || config.Capture.PcapFile != "" {
		if config.Capture.PcapFile != "" {
			var err error
			if capture, err = sniffer.CreateCapture(config.Capture.PcapFile); err != nil {
				return nil, nil, err
			}
		}
		listen = sniffer.Listen(listen, logger, capture)
	}
	listen = tracker.wrap(listen)

	if capture == nil {
		return listen, io.NopCloser(nil), nil
	}
	return listen, capture, nil
}

func newConn(listen datagram.ListenFunc) (*microtcp.Conn, error) {
	return microtcp.New(&config.Transport,
		microtcp.WithLogger(logger),
		microtcp.WithListenPacket(listen))
}

// onInterrupt 收到SIGINT/SIGTERM时执行fn
func onInterrupt(fn func()) func() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("收到中断信号", log.String("signal", sig.String()))
			fn()
		case <-done:
		}
	}()
	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}

// checkPathMSS 配置的MSS超过出口接口能承载的负载时给出警告（会导致IP分片）
func checkPathMSS(to string) {
	max, iface, err := network.PathMSS(to)
	if err != nil {
		logger.Debug("无法推算路径MSS", log.Err(err))
		return
	}
	if config.Transport.MSS > max {
		logger.Warn("MSS超过出口接口的承载能力",
			log.Int("mss", config.Transport.MSS),
			log.Int("max", max),
			log.String("interface", iface.Name),
			log.Int("mtu", iface.MTU))
	}
}

// logInterfaces 监听通配地址时列出可用于连接的本机地址
func logInterfaces(addr net.Addr) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok || !ua.IP.IsUnspecified() {
		return
	}
	ifaces, err := network.Interfaces()
	if err != nil {
		logger.Debug("获取接口列表失败", log.Err(err))
		return
	}
	for _, iface := range ifaces {
		if !iface.Up() {
			continue
		}
		for _, ip := range iface.Addresses {
			logger.Info("可用地址",
				log.String("interface", iface.Name),
				log.String("addr", net.JoinHostPort(ip.String(), fmt.Sprint(ua.Port))),
				log.Int("max_mss", network.MaxMSS(iface.MTU, ip.To4() == nil)))
		}
	}
}

func logStats(c *microtcp.Conn, elapsed time.Duration) {
	s := c.Stats()
	logger.Info("连接统计",
		log.Duration("elapsed", elapsed),
		log.Uint64("packets_sent", s.PacketsSent),
		log.Uint64("bytes_sent", s.BytesSent),
		log.Uint64("packets_received", s.PacketsReceived),
		log.Uint64("bytes_received", s.BytesReceived),
		log.Uint64("packets_lost", s.PacketsLost),
		log.Uint64("retransmissions", s.Retransmissions),
		log.Uint64("duplicate_acks", s.DuplicateAcks),
		log.Uint64("timeouts", s.Timeouts),
		log.Uint32("cwnd", s.Congestion.CongestionWindow),
		log.Uint32("ssthresh", s.Congestion.Ssthresh))
}

// runServe 执行serve命令：绑定、等待握手、接收直到对端关闭
func runServe(cmd *cobra.Command, args []string) (err error) {
	addr, _ := cmd.Flags().GetString("listen")
	output, _ := cmd.Flags().GetString("output")

	var out io.Writer = os.Stdout
	if output != "" {
		f, err := os.Create(output)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, f.Close()) }()
		out = f
	}

	tracker := &socketTracker{}
	listen, capture, err := buildListen(tracker)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, capture.Close()) }()

	conn, err := newConn(listen)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()
	stop := onInterrupt(tracker.closeAll)
	defer stop()

	if err := conn.Bind(addr); err != nil {
		return err
	}
	logger.Info("等待连接", log.Stringer("local", conn.LocalAddr()))
	logInterfaces(conn.LocalAddr())
	if err := conn.Accept(); err != nil {
		return err
	}

	start := time.Now()
	var total int64
	buf := make([]byte, 64*1024)
	for {
		n, rerr := conn.Recv(buf)
		if n > 0 {
			if _, werr := out.Write(buf[:n]); werr != nil {
				return werr
			}
			total += int64(n)
		}
		if errors.Is(rerr, io.EOF) {
			break
		}
		if rerr != nil {
			return rerr
		}
	}
	logger.Info("接收完成", log.Int64("bytes", total), log.Stringer("state", conn.State()))
	logStats(conn, time.Since(start))
	return nil
}

// runSend 执行send命令：建立连接（失败时重试）、发送全部数据、主动关闭
func runSend(cmd *cobra.Command, args []string) (err error) {
	to, _ := cmd.Flags().GetString("to")
	file, _ := cmd.Flags().GetString("file")
	attempts, _ := cmd.Flags().GetInt("attempts")

	var in io.Reader = os.Stdin
	if file != "" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return errors.Wrap(err, "read input")
	}

	checkPathMSS(to)

	tracker := &socketTracker{}
	listen, capture, err := buildListen(tracker)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, capture.Close()) }()
	stop := onInterrupt(tracker.closeAll)
	defer stop()

	// 握手失败后连接进入Invalid，每次重试都使用新的连接
	var conn *microtcp.Conn
	err = timer.Retry(attempts, config.Transport.RecvTimeout, func() error {
		c, err := newConn(listen)
		if err != nil {
			return err
		}
		if err := c.Connect(to); err != nil {
			logger.Warn("连接失败", log.String("to", to), log.Err(err))
			c.Close()
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, conn.Close()) }()

	start := time.Now()
	n, err := conn.Send(data)
	if err != nil {
		return errors.Wrapf(err, "sent %d of %d bytes", n, len(data))
	}
	if err := conn.Shutdown(); err != nil {
		return err
	}
	logger.Info("发送完成", log.Int("bytes", n), log.Stringer("state", conn.State()))
	logStats(conn, time.Since(start))
	return nil
}

// main 函数：执行root命令
func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

// ./microtcp serve --listen :9000 -o received.bin --log-level debug

// ./microtcp send --to 127.0.0.1:9000 -f data.bin --drop-rate 0.05 --pcap send.pcap
