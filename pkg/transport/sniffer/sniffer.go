// Package sniffer 包装数据报套接字，记录经过的每一个microtcp分段
//
// 分段以debug级别写入日志；如果提供了Capture，还会封装成IPv4/UDP报文
// 写入pcap文件，便于用抓包工具离线分析。
package sniffer

import (
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
)

// SnapLen pcap文件头中的快照长度
const SnapLen = 65536

// Capture pcap输出，可被多个Sniffer共享
type Capture struct {
	mu      sync.Mutex
	out     io.Writer
	w       *pcapgo.Writer
	packets uint64
}

// NewCapture 写入pcap文件头，链路类型为裸IP
func NewCapture(out io.Writer) (*Capture, error) {
	w := pcapgo.NewWriter(out)
	if err := w.WriteFileHeader(SnapLen, layers.LinkTypeRaw); err != nil {
		return nil, errors.Wrap(err, "write pcap header")
	}
	return &Capture{out: out, w: w}, nil
}

// CreateCapture 创建pcap文件
func CreateCapture(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "create pcap %s", path)
	}
	c, err := NewCapture(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return c, nil
}

// Write 将一个数据报封装成IPv4/UDP报文写入pcap
func (c *Capture) Write(src, dst net.Addr, payload []byte, ts time.Time) error {
	srcIP, srcPort := endpoint(src)
	dstIP, dstPort := endpoint(dst)

	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    srcIP,
		DstIP:    dstIP,
	}
	udp := &layers.UDP{SrcPort: layers.UDPPort(srcPort), DstPort: layers.UDPPort(dstPort)}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return err
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, ip, udp, gopacket.Payload(payload)); err != nil {
		return errors.Wrap(err, "serialize packet")
	}
	data := buf.Bytes()
	if len(data) > SnapLen {
		data = data[:SnapLen]
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	err := c.w.WritePacket(gopacket.CaptureInfo{
		Timestamp:     ts,
		CaptureLength: len(data),
		Length:        len(buf.Bytes()),
	}, data)
	if err == nil {
		c.packets++
	}
	return err
}

// Packets 已写入的报文数量
func (c *Capture) Packets() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.packets
}

// Close 关闭底层输出（如果支持）
func (c *Capture) Close() error {
	if cl, ok := c.out.(io.Closer); ok {
		return cl.Close()
	}
	return nil
}

// endpoint 非IPv4地址记为0.0.0.0
func endpoint(addr net.Addr) (net.IP, int) {
	ua, ok := addr.(*net.UDPAddr)
	if !ok || ua == nil {
		return net.IPv4zero.To4(), 0
	}
	ip := ua.IP.To4()
	if ip == nil {
		ip = net.IPv4zero.To4()
	}
	return ip, ua.Port
}

// Sniffer 包装net.PacketConn，记录收发的分段
type Sniffer struct {
	net.PacketConn
	log     *logger.Logger
	capture *Capture
}

// New 创建Sniffer，capture可为nil
func New(conn net.PacketConn, log *logger.Logger, capture *Capture) *Sniffer {
	if log == nil {
		log = logger.Default()
	}
	return &Sniffer{PacketConn: conn, log: log.Named("sniffer"), capture: capture}
}

func (s *Sniffer) ReadFrom(p []byte) (int, net.Addr, error) {
	n, addr, err := s.PacketConn.ReadFrom(p)
	if err == nil {
		s.logPacket("recv", addr, s.LocalAddr(), p[:n])
	}
	return n, addr, err
}

func (s *Sniffer) WriteTo(p []byte, addr net.Addr) (int, error) {
	s.logPacket("send", s.LocalAddr(), addr, p)
	return s.PacketConn.WriteTo(p, addr)
}

func (s *Sniffer) logPacket(prefix string, src, dst net.Addr, b []byte) {
	h, payload, err := segment.Decode(b)
	if err != nil {
		s.log.Debug(prefix+" malformed", logger.Int("size", len(b)), logger.Stringer("from", src))
	} else {
		s.log.Debug(prefix,
			logger.Stringer("seg", h),
			logger.Bool("valid", segment.Verify(h, payload)),
			logger.Stringer("src", src),
			logger.Stringer("dst", dst))
	}

	if s.capture != nil {
		if err := s.capture.Write(src, dst, b, time.Now()); err != nil {
			s.log.Warn("capture failed", logger.Err(err))
		}
	}
}

// Listen 返回一个ListenFunc，创建的套接字都经过Sniffer包装
func Listen(base datagram.ListenFunc, log *logger.Logger, capture *Capture) datagram.ListenFunc {
	if base == nil {
		base = net.ListenPacket
	}
	return func(network, address string) (net.PacketConn, error) {
		conn, err := base(network, address)
		if err != nil {
			return nil, err
		}
		return New(conn, log, capture), nil
	}
}
