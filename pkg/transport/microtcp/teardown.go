package microtcp

import (
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/soypat/seqs"
)

// Shutdown 主动关闭：发送FIN并等待确认，再等待对端的FIN
//
// 发起方必须收到对端的FIN才会进入Closed；
// 接收方最多等待HandshakeRetries个接收超时，对端没有发送FIN时停留在ClosingByHost并返回nil。
func (c *Conn) Shutdown() error {
	switch st := c.State(); st {
	case Established:
	case Closed:
		return ErrConnectionClosed
	default:
		return errors.Wrapf(ErrInvalidState, "shutdown in state %s", st)
	}

	finSeq := c.sendSeq
	peerFin, err := c.sendFin(finSeq, false)
	if err != nil {
		return c.fail(err)
	}
	c.sendSeq = seqs.Add(finSeq, 1)
	c.setState(ClosingByHost)

	if !peerFin {
		got, err := c.awaitPeerFin()
		if err != nil {
			return c.fail(err)
		}
		if !got {
			if c.Role() == Initiator {
				return errors.Wrap(ErrTeardownFailed, "peer never sent FIN")
			}
			c.log.Info("peer FIN not received, leaving connection half closed")
			return nil
		}
	}
	c.setState(Closed)
	return nil
}

// sendFin 发送FIN|ACK并等待确认，超时重发
// passive为true时处于被动关闭，重复的对端FIN只需重新确认
// 返回值表示等待期间是否收到了对端的FIN（同时关闭）
func (c *Conn) sendFin(finSeq seqs.Value, passive bool) (bool, error) {
	fin := c.header(segment.FINACK, finSeq)
	peerFin := passive
	attempt := 1
	resend := true

	for {
		if resend {
			fin.Ack = uint32(c.recvNext)
			if err := c.write(fin, nil); err != nil {
				return peerFin, errors.Wrapf(ErrTeardownFailed, "send FIN: %v", err)
			}
			resend = false
		}

		in, err := c.read()
		if errors.Is(err, datagram.ErrNoData) {
			c.stats.timeouts.Add(1)
			if attempt >= c.retries() {
				return peerFin, errors.Wrapf(ErrTeardownFailed, "FIN not acknowledged after %d attempts", attempt)
			}
			attempt++
			resend = true
			continue
		}
		if err != nil {
			return peerFin, errors.Wrapf(ErrTeardownFailed, "await FIN ACK: %v", err)
		}

		h := in.hdr
		switch {
		case !in.valid:
			continue
		case h.Control == segment.FINACK:
			// 同时关闭，或对端重发了已确认过的FIN
			if seqs.Value(h.Seq) == c.recvNext {
				c.recvNext = seqs.Add(c.recvNext, 1)
				fin.Ack = uint32(c.recvNext)
			}
			if seqs.Value(h.Seq)+1 == c.recvNext {
				peerFin = true
				if err := c.ack(); err != nil {
					return peerFin, err
				}
			}
			if seqs.Value(h.Ack) == finSeq+1 {
				return peerFin, nil
			}
		case h.Control.Has(segment.ACK) && h.Control&(segment.SYN|segment.FIN) == 0 && h.DataLen == 0:
			if seqs.Value(h.Ack) == finSeq+1 {
				return peerFin, nil
			}
			// 数据阶段迟到的确认
		case h.Control == segment.SYNACK:
			if err := c.reackHandshake(); err != nil {
				return peerFin, err
			}
		case h.IsProbe() || h.DataLen > 0:
			// 对端仍在重传已确认的数据
			if err := c.ack(); err != nil {
				return peerFin, err
			}
		default:
			return peerFin, errors.Wrapf(ErrTeardownFailed, "unexpected %s while awaiting FIN ACK", h)
		}
	}
}

// awaitPeerFin 本端FIN已被确认，等待对端的FIN并确认
// 连续HandshakeRetries次超时仍未收到返回false
func (c *Conn) awaitPeerFin() (bool, error) {
	for timeouts := 0; timeouts < c.retries(); {
		in, err := c.read()
		if errors.Is(err, datagram.ErrNoData) {
			c.stats.timeouts.Add(1)
			timeouts++
			continue
		}
		if err != nil {
			return false, errors.Wrapf(ErrTeardownFailed, "await peer FIN: %v", err)
		}

		h := in.hdr
		switch {
		case !in.valid:
		case h.Control == segment.FINACK && seqs.Value(h.Seq) == c.recvNext:
			c.recvNext = seqs.Add(c.recvNext, 1)
			return true, c.ack()
		case h.Control == segment.FINACK, h.DataLen > 0:
			if err := c.ack(); err != nil {
				return false, err
			}
		}
	}
	return false, nil
}

// peerClose 被动关闭：确认对端FIN，发送本端FIN并等待确认
func (c *Conn) peerClose(fin segment.Header) error {
	c.recvNext = seqs.Add(seqs.Value(fin.Seq), 1)
	if err := c.ack(); err != nil {
		return c.fail(errors.Wrapf(ErrTeardownFailed, "ack peer FIN: %v", err))
	}
	c.setState(ClosingByPeer)

	finSeq := c.sendSeq
	if _, err := c.sendFin(finSeq, true); err != nil {
		return c.fail(err)
	}
	c.sendSeq = seqs.Add(finSeq, 1)
	c.setState(Closed)
	c.log.Info("closed by peer", logger.Stringer("remote", c.remote))
	return nil
}
