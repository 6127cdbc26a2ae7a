package microtcp

import (
	"sync/atomic"

	"github.com/junbin-yang/microtcp-go/pkg/transport/congestion"
)

// Stats 包含连接的统计信息，仅用于观测
type Stats struct {
	PacketsSent        uint64 // 发送的分段数（含控制分段）
	BytesSent          uint64 // 发送的负载字节数
	PacketsReceived    uint64 // 收到的分段数
	BytesReceived      uint64 // 按序接收的负载字节数
	PacketsLost        uint64 // 判定丢失的分段数
	BytesLost          uint64 // 判定丢失的字节数
	Retransmissions    uint64 // 重传的数据分段数
	DuplicateAcks      uint64 // 收到的重复确认数
	FastRetransmits    uint64 // 快速重传次数
	Timeouts           uint64 // 等待确认超时次数
	Probes             uint64 // 零窗口探测次数
	CorruptSegments    uint64 // 校验失败的分段数
	OutOfOrderSegments uint64 // 序号不符的分段数

	Congestion congestion.Stats
}

// counters 原子计数器，可被任意goroutine读取
type counters struct {
	packetsSent        atomic.Uint64
	bytesSent          atomic.Uint64
	packetsReceived    atomic.Uint64
	bytesReceived      atomic.Uint64
	packetsLost        atomic.Uint64
	bytesLost          atomic.Uint64
	retransmissions    atomic.Uint64
	duplicateAcks      atomic.Uint64
	fastRetransmits    atomic.Uint64
	timeouts           atomic.Uint64
	probes             atomic.Uint64
	corruptSegments    atomic.Uint64
	outOfOrderSegments atomic.Uint64
}

func (c *counters) snapshot() Stats {
	return Stats{
		PacketsSent:        c.packetsSent.Load(),
		BytesSent:          c.bytesSent.Load(),
		PacketsReceived:    c.packetsReceived.Load(),
		BytesReceived:      c.bytesReceived.Load(),
		PacketsLost:        c.packetsLost.Load(),
		BytesLost:          c.bytesLost.Load(),
		Retransmissions:    c.retransmissions.Load(),
		DuplicateAcks:      c.duplicateAcks.Load(),
		FastRetransmits:    c.fastRetransmits.Load(),
		Timeouts:           c.timeouts.Load(),
		Probes:             c.probes.Load(),
		CorruptSegments:    c.corruptSegments.Load(),
		OutOfOrderSegments: c.outOfOrderSegments.Load(),
	}
}
