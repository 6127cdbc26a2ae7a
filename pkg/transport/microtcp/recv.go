package microtcp

import (
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/soypat/seqs"
)

// Recv 接收按序到达的字节，直到填满p
//
// 上一次调用遗留在重组缓冲区中的数据最先交付。
// 对端关闭连接时完成被动挥手，交付已缓存的数据并返回ErrPeerClosed。
// 接收超时不会使Recv返回，它会一直等待数据或对端的FIN。
func (c *Conn) Recv(p []byte) (int, error) {
	switch st := c.State(); st {
	case Established:
	case Closed:
		// 对端关闭时放不下的数据仍可取走
		if c.rcvBuf != nil && c.rcvBuf.Len() > 0 {
			return c.drain(p), nil
		}
		return 0, ErrConnectionClosed
	default:
		return 0, errors.Wrapf(ErrInvalidState, "recv in state %s", st)
	}
	if len(p) == 0 {
		return 0, nil
	}

	n := c.drain(p)
	for n+c.rcvBuf.Len() < len(p) {
		in, err := c.next()
		if errors.Is(err, datagram.ErrNoData) {
			continue
		}
		if err != nil {
			return n, err
		}

		h := in.hdr
		switch {
		case !in.valid:
			c.log.Debug("corrupt segment discarded", logger.Uint32("seq", h.Seq))
			if err := c.reject(h); err != nil {
				return n, err
			}
		case h.Control == segment.FINACK:
			if seqs.Value(h.Seq) != c.recvNext {
				if err := c.reject(h); err != nil {
					return n, err
				}
				continue
			}
			err := c.peerClose(h)
			n += c.drain(p[n:])
			if err != nil {
				return n, err
			}
			return n, ErrPeerClosed
		case h.IsProbe():
			if err := c.ack(); err != nil {
				return n, err
			}
		case h.Control == segment.SYNACK:
			if err := c.reackHandshake(); err != nil {
				return n, err
			}
		case h.DataLen == 0:
			// 迟到的纯确认
		case seqs.Value(h.Seq) != c.recvNext:
			c.stats.outOfOrderSegments.Add(1)
			c.log.Debug("out of order segment",
				logger.Uint32("seq", h.Seq),
				logger.Uint32("expected", uint32(c.recvNext)))
			if err := c.reject(h); err != nil {
				return n, err
			}
		default:
			if !c.rcvBuf.Fits(len(in.payload)) {
				n += c.drain(p[n:])
				if !c.rcvBuf.Fits(len(in.payload)) {
					if err := c.reject(h); err != nil {
						return n, err
					}
					continue
				}
			}
			if err := c.accept(in.payload); err != nil {
				return n, err
			}
			if c.rcvBuf.AboveHighWater() || n+c.rcvBuf.Len() >= len(p) {
				n += c.drain(p[n:])
			}
			if err := c.ack(); err != nil {
				return n, err
			}
		}
	}
	n += c.drain(p[n:])
	return n, nil
}

// accept 按序负载追加到重组缓冲区并推进recvNext
func (c *Conn) accept(payload []byte) error {
	if err := c.rcvBuf.Append(payload); err != nil {
		return errors.Wrap(err, "reassembly buffer")
	}
	c.recvNext = seqs.Add(c.recvNext, seqs.Size(len(payload)))
	c.localWindow = satSub(c.localWindow, uint32(len(payload)))
	c.stats.bytesReceived.Add(uint64(len(payload)))
	return nil
}

// reject 丢弃分段并回复重复确认
func (c *Conn) reject(h segment.Header) error {
	c.stats.packetsLost.Add(1)
	c.stats.bytesLost.Add(uint64(h.DataLen))
	return c.ack()
}

// drain 将重组缓冲区中的数据复制到dst，按剩余数据量恢复本地窗口
func (c *Conn) drain(dst []byte) int {
	if c.rcvBuf == nil {
		return 0
	}
	n := c.rcvBuf.Drain(dst)
	if left := c.rcvBuf.Len(); left == 0 {
		c.localWindow = c.localWindowInit
	} else {
		c.localWindow = satSub(c.localWindowInit, uint32(left))
	}
	return n
}
