// Package datagram 封装底层数据报套接字：带超时的读取、丢包/损坏模拟
package datagram

import (
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// MaxDatagramSize 单次读取的缓冲区大小
const MaxDatagramSize = 65536

var (
	// ErrNoData 在读超时时间内没有收到数据报
	ErrNoData = errors.New("no datagram within receive timeout")
	// ErrClosed 套接字已关闭
	ErrClosed = errors.New("datagram socket closed")
)

// ListenFunc 创建数据报套接字的函数，签名与net.ListenPacket一致
type ListenFunc func(network, address string) (net.PacketConn, error)

// Socket 带接收超时的数据报套接字
type Socket struct {
	conn    net.PacketConn
	timeout time.Duration
	buf     []byte
}

// Listen 使用listen在address上创建UDP套接字，listen为nil时使用net.ListenPacket
func Listen(listen ListenFunc, address string, timeout time.Duration) (*Socket, error) {
	if listen == nil {
		listen = net.ListenPacket
	}
	conn, err := listen("udp", address)
	if err != nil {
		return nil, errors.Wrapf(err, "listen udp %s", address)
	}
	return NewSocket(conn, timeout), nil
}

// NewSocket 包装已有的PacketConn
func NewSocket(conn net.PacketConn, timeout time.Duration) *Socket {
	return &Socket{conn: conn, timeout: timeout, buf: make([]byte, MaxDatagramSize)}
}

// SetTimeout 修改接收超时，<=0表示一直阻塞
func (s *Socket) SetTimeout(timeout time.Duration) {
	s.timeout = timeout
}

func (s *Socket) Timeout() time.Duration {
	return s.timeout
}

// ReadFrom 读取一个数据报，超时返回ErrNoData
// 返回的切片是副本，可以在下一次读取后继续使用
func (s *Socket) ReadFrom() ([]byte, net.Addr, error) {
	deadline := time.Time{}
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	if err := s.conn.SetReadDeadline(deadline); err != nil {
		return nil, nil, classify(err)
	}

	n, addr, err := s.conn.ReadFrom(s.buf)
	if err != nil {
		return nil, nil, classify(err)
	}
	b := make([]byte, n)
	copy(b, s.buf[:n])
	return b, addr, nil
}

// WriteTo 发送一个数据报
func (s *Socket) WriteTo(b []byte, addr net.Addr) error {
	if _, err := s.conn.WriteTo(b, addr); err != nil {
		return classify(err)
	}
	return nil
}

func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

func (s *Socket) Close() error {
	return s.conn.Close()
}

// classify 将超时和关闭错误映射为包内的哨兵错误
func classify(err error) error {
	if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
		return ErrNoData
	}
	if errors.Is(err, net.ErrClosed) || strings.Contains(err.Error(), "use of closed network connection") {
		return errors.Wrap(ErrClosed, err.Error())
	}
	return err
}
