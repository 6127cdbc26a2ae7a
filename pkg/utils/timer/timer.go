// 提供重试与退避相关的时间工具函数
package timer

import (
	"fmt"
	"math/rand"
	"sync"
	"time"
)

// Backoff 带随机抖动的指数退避
// 每次Next返回[cur/2, cur]之间的随机值，cur从Min开始翻倍，不超过Max
type Backoff struct {
	Min time.Duration
	Max time.Duration

	mu  sync.Mutex
	cur time.Duration
	rng *rand.Rand
}

// NewBackoff 创建一个退避器
func NewBackoff(min, max time.Duration) *Backoff {
	if min <= 0 {
		min = time.Millisecond
	}
	if max < min {
		max = min
	}
	return &Backoff{
		Min: min,
		Max: max,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Next 返回下一次等待时长
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cur == 0 {
		b.cur = b.Min
	} else {
		b.cur *= 2
		if b.cur > b.Max {
			b.cur = b.Max
		}
	}
	half := b.cur / 2
	return half + time.Duration(b.rng.Int63n(int64(b.cur-half)+1))
}

// Reset 退避回到初始值
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.cur = 0
	b.mu.Unlock()
}

// Sleep 等待Next()返回的时长，并返回实际等待的时长
func (b *Backoff) Sleep() time.Duration {
	d := b.Next()
	time.Sleep(d)
	return d
}

// Retry 带重试逻辑的函数执行：失败后重试指定次数，每次间隔固定时间
// 参数:
//
//	attempts: 最大尝试次数（含首次）
//	delay: 每次重试的间隔时间
//	fn: 待执行的函数（返回error表示失败）
//
// 返回: 若成功返回nil，否则返回最后一次错误
func Retry(attempts int, delay time.Duration, fn func() error) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return fmt.Errorf("after %d attempts, last error: %w", attempts, err)
}
