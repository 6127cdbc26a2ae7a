package microtcp

import (
	"net"
	"time"

	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/soypat/seqs"
)

// Connect 主动打开：向address发起三次握手
// 未调用Bind时使用临时端口
func (c *Conn) Connect(address string) error {
	if st := c.State(); st != Closed && st != Listen {
		return errors.Wrapf(ErrInvalidState, "connect in state %s", st)
	}
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return errors.Wrapf(err, "resolve %s", address)
	}
	if c.sock == nil {
		if err := c.open(":0"); err != nil {
			return err
		}
	}
	c.remote = remote
	c.role.Store(int32(Initiator))
	c.initWindows()

	isn, err := newISN()
	if err != nil {
		return c.fail(errors.Wrap(ErrHandshakeFailed, err.Error()))
	}
	syn := segment.Header{Seq: uint32(isn), Control: segment.SYN, Window: uint16(c.localWindow)}

	var in inbound
	for attempt := 1; ; attempt++ {
		if err := c.write(syn, nil); err != nil {
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "send SYN: %v", err))
		}
		in, err = c.read()
		if err == nil {
			break
		}
		if !errors.Is(err, datagram.ErrNoData) {
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "await SYN|ACK: %v", err))
		}
		c.stats.timeouts.Add(1)
		if attempt >= c.retries() {
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "no SYN|ACK from %s after %d attempts", remote, attempt))
		}
		c.log.Debug("SYN timed out, retrying", logger.Int("attempt", attempt))
	}

	h := in.hdr
	switch {
	case !in.valid:
		return c.fail(errors.Wrap(ErrHandshakeFailed, "corrupt SYN|ACK"))
	case h.Control != segment.SYNACK:
		return c.fail(errors.Wrapf(ErrHandshakeFailed, "expected SYN|ACK, got %s", h.Control))
	case seqs.Value(h.Ack) != isn+1:
		return c.fail(errors.Wrapf(ErrHandshakeFailed, "SYN|ACK acknowledges %d, want %d", h.Ack, isn+1))
	}

	c.recvNext = seqs.Value(h.Seq) + 1
	c.sendSeq = seqs.Value(h.Ack)
	c.sendUna, c.lastAck, c.sendMax = c.sendSeq, c.sendSeq, c.sendSeq
	c.peerWindow = uint32(h.Window)
	c.peerWindowInit = c.peerWindow

	if err := c.ack(); err != nil {
		return c.fail(errors.Wrapf(ErrHandshakeFailed, "send ACK: %v", err))
	}
	c.setState(Established)
	c.log.Info("connected",
		logger.Stringer("remote", remote),
		logger.Uint32("peer_window", c.peerWindow))
	return nil
}

// Accept 被动打开：等待一个SYN并完成三次握手，要求连接处于Listen状态
// AcceptTimeout>0时等待SYN超时返回ErrHandshakeFailed，连接仍保持Listen
func (c *Conn) Accept() error {
	if st := c.State(); st != Listen {
		return errors.Wrapf(ErrInvalidState, "accept in state %s", st)
	}
	c.role.Store(int32(Acceptor))
	c.initWindows()

	var deadline time.Time
	if c.cfg.AcceptTimeout > 0 {
		deadline = time.Now().Add(c.cfg.AcceptTimeout)
	}

	var in inbound
	for {
		var err error
		in, err = c.read()
		if err == nil {
			break
		}
		if !errors.Is(err, datagram.ErrNoData) {
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "await SYN: %v", err))
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return errors.Wrapf(ErrHandshakeFailed, "no SYN within %s", c.cfg.AcceptTimeout)
		}
	}
	if !in.valid || in.hdr.Control != segment.SYN {
		return c.fail(errors.Wrapf(ErrHandshakeFailed, "expected SYN, got %s (valid=%t)", in.hdr.Control, in.valid))
	}

	c.remote = in.from
	c.recvNext = seqs.Value(in.hdr.Seq) + 1
	c.peerWindow = uint32(in.hdr.Window)
	c.peerWindowInit = c.peerWindow

	isn, err := newISN()
	if err != nil {
		return c.fail(errors.Wrap(ErrHandshakeFailed, err.Error()))
	}
	synack := c.header(segment.SYNACK, isn)

	attempt := 1
	resend := true
	for {
		if resend {
			if err := c.write(synack, nil); err != nil {
				return c.fail(errors.Wrapf(ErrHandshakeFailed, "send SYN|ACK: %v", err))
			}
		}
		in, err = c.read()
		if errors.Is(err, datagram.ErrNoData) {
			c.stats.timeouts.Add(1)
			if attempt >= c.retries() {
				return c.fail(errors.Wrapf(ErrHandshakeFailed, "no ACK from %s after %d attempts", c.remote, attempt))
			}
			attempt++
			resend = true
			continue
		}
		if err != nil {
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "await ACK: %v", err))
		}

		h := in.hdr
		resend = false
		switch {
		case !in.valid:
			// 损坏的分段等同于丢失，等待重传
			continue
		case h.Control == segment.SYN && seqs.Value(h.Seq)+1 == c.recvNext:
			// 对端没有收到SYN|ACK，重发
			if attempt >= c.retries() {
				return c.fail(errors.Wrap(ErrHandshakeFailed, "too many duplicate SYNs"))
			}
			attempt++
			resend = true
			continue
		case h.Control.Has(segment.ACK) && !h.Control.Has(segment.SYN) && seqs.Value(h.Ack) == isn+1:
			// 携带同一确认号的数据或FIN同样完成握手，交给Recv处理
			if h.DataLen > 0 || h.Control.Has(segment.FIN) {
				c.pending = &in
			}
			c.peerWindow = uint32(h.Window)
		default:
			return c.fail(errors.Wrapf(ErrHandshakeFailed, "unexpected %s while awaiting ACK", h))
		}
		break
	}

	c.sendSeq = isn + 1
	c.sendUna, c.lastAck, c.sendMax = c.sendSeq, c.sendSeq, c.sendSeq
	c.setState(Established)
	c.log.Info("accepted",
		logger.Stringer("remote", c.remote),
		logger.Uint32("peer_window", c.peerWindow))
	return nil
}
