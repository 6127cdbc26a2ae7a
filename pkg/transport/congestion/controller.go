// 拥塞控制算法实现模块，基于丢包信号调整拥塞窗口，控制发送方每轮可发送的字节数
package congestion

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// MaxWindow 拥塞窗口上限，加法增长在此处饱和
const MaxWindow = math.MaxUint32

// LossKind 丢包信号的来源
type LossKind int

const (
	Timeout LossKind = iota // 等待ACK超时
	DupAck                  // 连续三个重复ACK（快速重传）
)

func (k LossKind) String() string {
	switch k {
	case Timeout:
		return "timeout"
	case DupAck:
		return "dup-ack"
	default:
		return fmt.Sprintf("LossKind(%d)", int(k))
	}
}

// Controller 拥塞控制接口，连接在收到ACK和检测到丢包时调用
type Controller interface {
	// OnAck 收到新的累计确认（或未达阈值的重复确认）时调用
	OnAck()
	// OnLoss 检测到丢包时调用，触发窗口缩减
	OnLoss(kind LossKind)
	// Window 当前拥塞窗口（字节）
	Window() uint32
	// Threshold 当前慢启动阈值（字节）
	Threshold() uint32
	// Stats 获取当前拥塞控制的统计信息
	Stats() Stats
}

// Stats 拥塞控制统计信息
type Stats struct {
	Algorithm        string
	CongestionWindow uint32 // 当前拥塞窗口大小（字节）
	Ssthresh         uint32 // 慢启动阈值（字节）
	Acks             uint64 // 促使窗口增长的ACK数量
	TimeoutLosses    uint64 // 超时丢包次数
	DupAckLosses     uint64 // 重复ACK触发的丢包次数
}

// BaseController 基础拥塞控制器，封装慢启动和拥塞避免的公共逻辑
// 可被其他goroutine通过Stats读取，内部加锁
type BaseController struct {
	mu       sync.Mutex
	name     string
	mss      uint32 // 最大分段长度
	cwnd     uint32 // 拥塞窗口（字节）
	ssthresh uint32 // 慢启动阈值（字节）
	stats    Stats
}

// 初始化基础控制器
func newBaseController(name string, mss, initCwnd, initSsthresh uint32) *BaseController {
	if mss == 0 {
		mss = 1
	}
	if initCwnd < mss {
		initCwnd = mss
	}
	if initSsthresh < mss/2 {
		initSsthresh = mss / 2
	}
	return &BaseController{
		name:     name,
		mss:      mss,
		cwnd:     initCwnd,
		ssthresh: initSsthresh,
	}
}

// OnAck 慢启动阶段(cwnd<=ssthresh)每个ACK增加一个MSS，拥塞避免阶段每个ACK增加1字节
func (b *BaseController) OnAck() {
	b.mu.Lock()
	defer b.mu.Unlock()

	inc := uint32(1)
	if b.cwnd <= b.ssthresh {
		inc = b.mss
	}
	if b.cwnd > MaxWindow-inc {
		b.cwnd = MaxWindow
	} else {
		b.cwnd += inc
	}
	b.stats.Acks++
}

// halve 丢包后的公共处理：阈值取窗口的一半（不低于MSS/2）
// 调用方需持有锁
func (b *BaseController) halve(kind LossKind) {
	b.ssthresh = b.cwnd / 2
	if b.ssthresh < b.mss/2 {
		b.ssthresh = b.mss / 2
	}
	switch kind {
	case DupAck:
		b.stats.DupAckLosses++
	default:
		b.stats.TimeoutLosses++
	}
}

func (b *BaseController) Window() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.cwnd
}

func (b *BaseController) Threshold() uint32 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ssthresh
}

func (b *BaseController) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.stats
	s.Algorithm = b.name
	s.CongestionWindow = b.cwnd
	s.Ssthresh = b.ssthresh
	return s
}

// ------------------------------
// Tahoe拥塞控制算法实现
// 特点：任何丢包信号都把窗口退回一个MSS，重新慢启动
// ------------------------------

type TahoeController struct {
	*BaseController
}

func NewTahoeController(mss, initCwnd, initSsthresh uint32) *TahoeController {
	return &TahoeController{BaseController: newBaseController("tahoe", mss, initCwnd, initSsthresh)}
}

func (t *TahoeController) OnLoss(kind LossKind) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.halve(kind)
	t.cwnd = t.mss
}

// ------------------------------
// Reno拥塞控制算法实现
// 特点：超时同Tahoe；重复ACK触发的快速重传后直接进入拥塞避免，窗口取慢启动阈值
// ------------------------------

type RenoController struct {
	*BaseController
}

func NewRenoController(mss, initCwnd, initSsthresh uint32) *RenoController {
	return &RenoController{BaseController: newBaseController("reno", mss, initCwnd, initSsthresh)}
}

func (r *RenoController) OnLoss(kind LossKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.halve(kind)
	if kind == DupAck && r.ssthresh > r.mss {
		r.cwnd = r.ssthresh
		return
	}
	r.cwnd = r.mss
}

// 创建拥塞控制器实例（根据算法类型），空字符串使用tahoe
func NewController(algorithm string, mss, initCwnd, initSsthresh uint32) (Controller, error) {
	switch strings.ToLower(algorithm) {
	case "", "tahoe":
		return NewTahoeController(mss, initCwnd, initSsthresh), nil
	case "reno":
		return NewRenoController(mss, initCwnd, initSsthresh), nil
	default:
		return nil, fmt.Errorf("不支持的拥塞控制算法: %s", algorithm)
	}
}
