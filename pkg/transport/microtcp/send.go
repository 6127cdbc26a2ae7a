package microtcp

import (
	"github.com/junbin-yang/microtcp-go/pkg/transport/congestion"
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/soypat/seqs"
)

// dupAckThreshold 触发快速重传的重复确认数
const dupAckThreshold = 3

// Send 可靠地发送p，所有字节都被对端确认后返回len(p)
//
// 每一轮从最早的未确认字节开始，发送min(剩余, cwnd, 对端窗口)字节，
// 切分为不超过MSS的分段连续发出，然后逐个等待确认。
// 超时或三个重复确认视为丢包，回退到未确认处整体重传(go-back-N)。
func (c *Conn) Send(p []byte) (int, error) {
	switch st := c.State(); st {
	case Established:
	case Closed:
		return 0, ErrConnectionClosed
	default:
		return 0, errors.Wrapf(ErrInvalidState, "send in state %s", st)
	}
	if len(p) == 0 {
		return 0, nil
	}

	base := c.sendUna
	end := seqs.Add(base, seqs.Size(len(p)))
	mss := uint32(c.cfg.MSS)
	failures := 0

	for seqs.LessThan(c.sendUna, end) {
		acked := uint32(seqs.Sizeof(base, c.sendUna))
		c.sendSeq = c.sendUna

		if c.peerWindow == 0 {
			if err := c.probe(); err != nil {
				return int(acked), err
			}
			continue
		}

		budget := min(uint32(len(p))-acked, c.cc.Window(), c.peerWindow)
		for off := acked; off < acked+budget; {
			n := min(mss, acked+budget-off)
			seq := seqs.Add(base, seqs.Size(off))
			if seqs.LessThan(seq, c.sendMax) {
				c.stats.retransmissions.Add(1)
			}
			if err := c.write(c.header(segment.ACK, seq), p[off:off+n]); err != nil {
				return int(acked), errors.Wrap(ErrSendFailed, err.Error())
			}
			off += n
			c.sendSeq = seqs.Add(seq, seqs.Size(n))
		}
		if seqs.LessThan(c.sendMax, c.sendSeq) {
			c.sendMax = c.sendSeq
		}

		progress, err := c.awaitAcks()
		if err != nil {
			return int(seqs.Sizeof(base, c.sendUna)), errors.Wrap(ErrSendFailed, err.Error())
		}
		if progress {
			failures = 0
			continue
		}
		failures++
		if c.cfg.MaxRetransmits > 0 && failures >= c.cfg.MaxRetransmits {
			return int(seqs.Sizeof(base, c.sendUna)),
				errors.Wrapf(ErrSendFailed, "no acknowledgement after %d retransmission rounds", failures)
		}
	}

	c.sendSeq = c.sendUna
	return len(p), nil
}

// awaitAcks 等待本轮发出的分段被确认
// 返回本轮是否推进了sendUna；丢包时回退sendSeq并结束本轮
func (c *Conn) awaitAcks() (bool, error) {
	progress := false
	for c.sendUna != c.sendSeq {
		in, err := c.read()
		if errors.Is(err, datagram.ErrNoData) {
			c.stats.timeouts.Add(1)
			c.lose(congestion.Timeout)
			return progress, nil
		}
		if err != nil {
			return progress, err
		}

		h := in.hdr
		switch {
		case !in.valid:
			continue
		case h.Control == segment.SYNACK:
			if err := c.reackHandshake(); err != nil {
				return progress, err
			}
			continue
		case !h.Control.Has(segment.ACK) || h.Control&(segment.SYN|segment.FIN) != 0:
			continue
		case h.DataLen > 0:
			// 对端的重传数据，回复当前的累计确认
			if err := c.ack(); err != nil {
				return progress, err
			}
			continue
		}

		ack := seqs.Value(h.Ack)
		switch {
		case seqs.LessThan(c.sendUna, ack) && seqs.LessThanEq(ack, c.sendMax):
			// 回退重传后，确认号可能越过本轮发送的范围（之前的确认丢失）
			c.sendUna, c.lastAck = ack, ack
			if seqs.LessThan(c.sendSeq, ack) {
				c.sendSeq = ack
			}
			c.dupAcks = 0
			c.peerWindow = uint32(h.Window)
			c.cc.OnAck()
			progress = true
		case ack == c.lastAck:
			c.stats.duplicateAcks.Add(1)
			c.dupAcks++
			c.peerWindow = uint32(h.Window)
			if c.dupAcks >= dupAckThreshold {
				c.stats.fastRetransmits.Add(1)
				c.dupAcks = 0
				c.lose(congestion.DupAck)
				return progress, nil
			}
			c.cc.OnAck()
		}
	}
	return progress, nil
}

// lose 丢包处理：通知拥塞控制，回退到最早的未确认字节
func (c *Conn) lose(kind congestion.LossKind) {
	lost := uint32(seqs.Sizeof(c.sendUna, c.sendSeq))
	mss := uint32(c.cfg.MSS)
	c.stats.bytesLost.Add(uint64(lost))
	c.stats.packetsLost.Add(uint64((lost + mss - 1) / mss))

	c.cc.OnLoss(kind)
	c.sendSeq = c.sendUna
	c.log.Debug("loss detected",
		logger.Stringer("kind", kind),
		logger.Uint32("una", uint32(c.sendUna)),
		logger.Uint32("bytes", lost),
		logger.Uint32("cwnd", c.cc.Window()),
		logger.Uint32("ssthresh", c.cc.Threshold()))
}

// probe 对端窗口为0时发送零负载探测，等待一个超时时间内的窗口更新
// 探测不计为丢包，窗口仍为0时按退避时间等待
func (c *Conn) probe() error {
	c.stats.probes.Add(1)
	if err := c.write(c.header(0, c.sendUna), nil); err != nil {
		return errors.Wrap(ErrSendFailed, err.Error())
	}

	in, err := c.read()
	switch {
	case errors.Is(err, datagram.ErrNoData):
	case err != nil:
		return errors.Wrap(ErrSendFailed, err.Error())
	case !in.valid:
	case in.hdr.Control == segment.SYNACK:
		if err := c.reackHandshake(); err != nil {
			return err
		}
	case in.hdr.Control.Has(segment.ACK) && in.hdr.Control&(segment.SYN|segment.FIN) == 0 && in.hdr.DataLen == 0:
		c.peerWindow = uint32(in.hdr.Window)
	}

	if c.peerWindow == 0 {
		d := c.backoff.Sleep()
		c.log.Debug("peer window closed", logger.Duration("backoff", d))
		return nil
	}
	c.backoff.Reset()
	return nil
}
