package datagram

import (
	"math/rand"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/junbin-yang/microtcp-go/api"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
)

// Action 对一个待发送数据报的处理方式
type Action int

const (
	Pass    Action = iota // 原样发送
	Drop                  // 丢弃
	Corrupt               // 翻转一个比特后发送
)

// Rule 自定义的丢包规则，返回值决定数据报的命运
type Rule func(b []byte, addr net.Addr) Action

// Lossy 在发送方向模拟不可靠链路：按概率丢弃或损坏数据报
type Lossy struct {
	net.PacketConn

	dropRate    float64
	corruptRate float64

	mu   sync.Mutex
	rng  *rand.Rand
	rule Rule

	dropped   atomic.Uint64
	corrupted atomic.Uint64

	log *logger.Logger
}

// NewLossy 包装conn，Seed为0时使用当前时间作为随机种子
func NewLossy(conn net.PacketConn, cfg api.LinkConfig, log *logger.Logger) *Lossy {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	if log == nil {
		log = logger.Default()
	}
	return &Lossy{
		PacketConn:  conn,
		dropRate:    cfg.DropRate,
		corruptRate: cfg.CorruptRate,
		rng:         rand.New(rand.NewSource(seed)),
		log:         log,
	}
}

// SetRule 设置自定义规则，设置后概率配置不再生效；nil恢复按概率处理
func (l *Lossy) SetRule(r Rule) {
	l.mu.Lock()
	l.rule = r
	l.mu.Unlock()
}

func (l *Lossy) WriteTo(b []byte, addr net.Addr) (int, error) {
	l.mu.Lock()
	action := Pass
	if l.rule != nil {
		action = l.rule(b, addr)
	} else if r := l.rng.Float64(); r < l.dropRate {
		action = Drop
	} else if r < l.dropRate+l.corruptRate {
		action = Corrupt
	}
	var bit, pos int
	if action == Corrupt && len(b) > 0 {
		pos = l.rng.Intn(len(b))
		bit = l.rng.Intn(8)
	}
	l.mu.Unlock()

	switch action {
	case Drop:
		l.dropped.Add(1)
		l.log.Debug("link dropped datagram", logger.Int("size", len(b)), logger.Stringer("to", addr))
		return len(b), nil
	case Corrupt:
		if len(b) == 0 {
			break
		}
		c := make([]byte, len(b))
		copy(c, b)
		c[pos] ^= 1 << bit
		l.corrupted.Add(1)
		l.log.Debug("link corrupted datagram", logger.Int("size", len(b)), logger.Int("offset", pos))
		return l.PacketConn.WriteTo(c, addr)
	}
	return l.PacketConn.WriteTo(b, addr)
}

// Dropped 已丢弃的数据报数量
func (l *Lossy) Dropped() uint64 { return l.dropped.Load() }

// Corrupted 已损坏的数据报数量
func (l *Lossy) Corrupted() uint64 { return l.corrupted.Load() }

// LossyListen 返回一个ListenFunc，创建的套接字都经过Lossy包装
// 若rule非nil，则套接字使用该规则
func LossyListen(base ListenFunc, cfg api.LinkConfig, log *logger.Logger, rule Rule) ListenFunc {
	if base == nil {
		base = net.ListenPacket
	}
	return func(network, address string) (net.PacketConn, error) {
		conn, err := base(network, address)
		if err != nil {
			return nil, err
		}
		l := NewLossy(conn, cfg, log)
		if rule != nil {
			l.SetRule(rule)
		}
		return l, nil
	}
}
