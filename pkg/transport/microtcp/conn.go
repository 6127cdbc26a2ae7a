// Package microtcp 在UDP之上实现可靠、有序、带流量控制和拥塞控制的字节流
//
// 一个Conn对应一条连接，由单个goroutine顺序驱动：
// Bind/Accept 或 Connect 建立连接，Send/Recv 传输数据，Shutdown 四次挥手，Close 释放套接字。
// 统计信息和状态可以从其他goroutine读取。
package microtcp

import (
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync/atomic"

	"github.com/junbin-yang/microtcp-go/api"
	"github.com/junbin-yang/microtcp-go/pkg/transport/congestion"
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/junbin-yang/microtcp-go/pkg/utils/timer"
	"github.com/pkg/errors"
	"github.com/soypat/seqs"
	"go.uber.org/multierr"
)

// Option 连接选项
type Option func(*Conn)

// WithLogger 指定日志记录器
func WithLogger(l *logger.Logger) Option {
	return func(c *Conn) {
		if l != nil {
			c.log = l
		}
	}
}

// WithListenPacket 替换套接字的创建方式（丢包模拟、抓包、测试桩）
func WithListenPacket(fn datagram.ListenFunc) Option {
	return func(c *Conn) {
		c.listen = fn
	}
}

// WithController 使用指定的拥塞控制器，忽略配置中的算法
func WithController(cc congestion.Controller) Option {
	return func(c *Conn) {
		c.cc = cc
	}
}

// Conn 表示一条microtcp连接，持有该连接的全部传输控制状态
type Conn struct {
	cfg    api.TransportConfig
	log    *logger.Logger
	listen datagram.ListenFunc

	sock   *datagram.Socket
	remote net.Addr

	role  atomic.Int32
	state atomic.Int32

	// 序列号
	sendSeq  seqs.Value // 下一个要发送的字节
	sendUna  seqs.Value // 最早的未确认字节
	sendMax  seqs.Value // 发送过的最大序号，用于区分重传
	lastAck  seqs.Value // 最近一次收到的累计确认
	recvNext seqs.Value // 期望从对端收到的下一个字节

	// 快速重传
	dupAcks int

	// 拥塞控制与流量控制
	cc              congestion.Controller
	peerWindow      uint32
	peerWindowInit  uint32
	localWindow     uint32
	localWindowInit uint32

	rcvBuf  *recvBuffer
	pending *inbound // 握手完成时随ACK到达的分段，留给Recv处理

	backoff *timer.Backoff // 零窗口探测的退避

	stats counters
}

// inbound 收到的一个分段
type inbound struct {
	hdr     segment.Header
	payload []byte
	from    net.Addr
	valid   bool // 校验和正确
}

// New 创建一个处于Closed状态的连接，cfg为nil时使用默认配置
func New(cfg *api.TransportConfig, opts ...Option) (*Conn, error) {
	c := &Conn{log: logger.Default()}
	if cfg != nil {
		c.cfg = *cfg
	} else {
		c.cfg = api.DefaultTransportConfig()
	}
	if err := c.cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid transport config")
	}

	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("microtcp")

	if c.cc == nil {
		cc, err := congestion.NewController(c.cfg.Congestion,
			uint32(c.cfg.MSS), uint32(c.cfg.InitCwnd), uint32(c.cfg.InitSsthresh))
		if err != nil {
			return nil, err
		}
		c.cc = cc
	}
	c.backoff = timer.NewBackoff(c.cfg.RecvTimeout/2, 8*c.cfg.RecvTimeout)
	c.state.Store(int32(Closed))
	return c, nil
}

// Bind 绑定本地地址，连接进入Listen状态，之后可调用Accept或Connect
func (c *Conn) Bind(address string) error {
	if st := c.State(); st != Closed || c.sock != nil {
		return errors.Wrapf(ErrInvalidState, "bind in state %s", st)
	}
	if err := c.open(address); err != nil {
		return err
	}
	c.setState(Listen)
	return nil
}

func (c *Conn) open(address string) error {
	sock, err := datagram.Listen(c.listen, address, c.cfg.RecvTimeout)
	if err != nil {
		return err
	}
	c.sock = sock
	c.log.Debug("socket opened", logger.Stringer("local", sock.LocalAddr()))
	return nil
}

// Close 释放套接字，可在任意状态调用
func (c *Conn) Close() error {
	var err error
	if st := c.State(); st == Established || st == ClosingByPeer {
		c.log.Warn("closing without teardown", logger.Stringer("state", st))
	}
	if c.sock != nil {
		err = multierr.Append(err, c.sock.Close())
		c.sock = nil
	}
	if c.State() != Invalid {
		c.setState(Closed)
	}
	if err != nil {
		return errors.Wrap(err, "close")
	}
	return nil
}

// Stats 返回统计信息快照
func (c *Conn) Stats() Stats {
	s := c.stats.snapshot()
	s.Congestion = c.cc.Stats()
	return s
}

func (c *Conn) State() State { return State(c.state.Load()) }

func (c *Conn) Role() Role { return Role(c.role.Load()) }

// LocalAddr 本地地址，尚未创建套接字时为nil
func (c *Conn) LocalAddr() net.Addr {
	if c.sock == nil {
		return nil
	}
	return c.sock.LocalAddr()
}

// RemoteAddr 对端地址，握手前为nil
func (c *Conn) RemoteAddr() net.Addr {
	return c.remote
}

func (c *Conn) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		c.log.Info("state changed",
			logger.Stringer("from", old),
			logger.Stringer("to", s),
			logger.Stringer("role", c.Role()))
	}
}

// fail 协议错误，连接进入Invalid
func (c *Conn) fail(err error) error {
	c.setState(Invalid)
	c.log.Warn("connection invalidated", logger.Err(err))
	return err
}

func (c *Conn) initWindows() {
	c.localWindowInit = uint32(c.cfg.WindowSize)
	c.localWindow = c.localWindowInit
	c.rcvBuf = newRecvBuffer(c.cfg.RecvBufferSize, c.cfg.DrainThreshold)
}

// retries 握手与挥手阶段允许的连续超时次数
func (c *Conn) retries() int {
	if c.cfg.HandshakeRetries <= 0 {
		return 1
	}
	return c.cfg.HandshakeRetries
}

// header 以当前状态填充确认号与窗口
func (c *Conn) header(ctrl segment.Flag, seq seqs.Value) segment.Header {
	return segment.Header{
		Seq:     uint32(seq),
		Ack:     uint32(c.recvNext),
		Control: ctrl,
		Window:  uint16(c.localWindow),
	}
}

// write 编码并发送一个分段
func (c *Conn) write(h segment.Header, payload []byte) error {
	if c.sock == nil {
		return errors.Wrap(ErrConnectionClosed, "socket not open")
	}
	if err := c.sock.WriteTo(segment.Encode(h, payload), c.remote); err != nil {
		return errors.Wrapf(err, "send %s", h.Control)
	}
	h.DataLen = uint32(len(payload))
	c.stats.packetsSent.Add(1)
	c.stats.bytesSent.Add(uint64(len(payload)))
	c.log.Debug("tx", logger.Stringer("seg", h))
	return nil
}

// ack 发送累计确认，也用作重复确认
func (c *Conn) ack() error {
	return c.write(c.header(segment.ACK, c.sendSeq), nil)
}

// read 读取下一个来自对端的分段；超时返回datagram.ErrNoData
// 其他地址的数据报和长度不足的数据报直接丢弃
func (c *Conn) read() (inbound, error) {
	if c.sock == nil {
		return inbound{}, errors.Wrap(ErrConnectionClosed, "socket not open")
	}
	for {
		b, from, err := c.sock.ReadFrom()
		if err != nil {
			return inbound{}, err
		}
		if c.remote != nil && !sameAddr(c.remote, from) {
			c.log.Debug("datagram from unknown peer", logger.Stringer("from", from))
			continue
		}
		h, payload, err := segment.Decode(b)
		if err != nil {
			c.stats.corruptSegments.Add(1)
			c.log.Debug("malformed segment", logger.Err(err))
			continue
		}

		c.stats.packetsReceived.Add(1)
		in := inbound{hdr: h, payload: payload, from: from, valid: segment.Verify(h, payload)}
		if !in.valid {
			c.stats.corruptSegments.Add(1)
		}
		c.log.Debug("rx", logger.Stringer("seg", h), logger.Bool("valid", in.valid))
		return in, nil
	}
}

// next 先返回握手阶段暂存的分段，再从套接字读取
func (c *Conn) next() (inbound, error) {
	if c.pending != nil {
		in := *c.pending
		c.pending = nil
		return in, nil
	}
	return c.read()
}

// reackHandshake 已建立连接的发起方收到重复的SYN|ACK，说明握手的最后一个ACK丢失
func (c *Conn) reackHandshake() error {
	if c.Role() != Initiator {
		return nil
	}
	c.log.Debug("re-acknowledging handshake")
	return c.ack()
}

func sameAddr(a, b net.Addr) bool {
	ua, ok1 := a.(*net.UDPAddr)
	ub, ok2 := b.(*net.UDPAddr)
	if ok1 && ok2 {
		return ua.Port == ub.Port && ua.IP.Equal(ub.IP)
	}
	return a.String() == b.String()
}

// newISN 生成随机初始序列号
func newISN() (seqs.Value, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, errors.Wrap(err, "generate initial sequence number")
	}
	return seqs.Value(isn), nil
}

// satSub 饱和减法，结果不小于0
func satSub(a, b uint32) uint32 {
	if b >= a {
		return 0
	}
	return a - b
}
