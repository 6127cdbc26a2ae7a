package microtcp

import (
	"github.com/smallnest/ringbuffer"
)

// recvBuffer 有界的接收重组缓冲区
// 按序到达的负载追加到尾部，超过水位或一次Recv结束时排空到调用方缓冲区
type recvBuffer struct {
	rb        *ringbuffer.RingBuffer
	highWater int
}

func newRecvBuffer(size int, threshold float64) *recvBuffer {
	hw := int(float64(size) * threshold)
	if hw <= 0 || hw > size {
		hw = size
	}
	return &recvBuffer{rb: ringbuffer.New(size), highWater: hw}
}

// Fits 剩余空间能否容纳n字节
func (b *recvBuffer) Fits(n int) bool {
	return b.rb.Free() >= n
}

// Append 追加负载，调用方需先确认Fits
func (b *recvBuffer) Append(p []byte) error {
	if len(p) == 0 {
		return nil
	}
	_, err := b.rb.Write(p)
	return err
}

// AboveHighWater 已缓存的数据超过排空水位
func (b *recvBuffer) AboveHighWater() bool {
	return b.rb.Length() > b.highWater
}

// Drain 将尽可能多的数据移到dst，返回移动的字节数；放不下的部分保留
func (b *recvBuffer) Drain(dst []byte) int {
	if len(dst) == 0 || b.rb.Length() == 0 {
		return 0
	}
	n, _ := b.rb.Read(dst)
	return n
}

func (b *recvBuffer) Len() int { return b.rb.Length() }

func (b *recvBuffer) Cap() int { return b.rb.Capacity() }

func (b *recvBuffer) Reset() { b.rb.Reset() }
