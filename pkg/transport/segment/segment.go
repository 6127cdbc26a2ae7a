// Package segment 定义microtcp分段的线上格式，负责头部的编解码与完整性校验
//
// 头部固定20字节，全部字段为网络字节序：
//
//	0      4      8        10       12        16         20
//	| seq  | ack  | control | window | data_len | checksum | payload...
//	| 4B   | 4B   | 2B      | 2B     | 4B       | 4B       | 0..MSS
//
// 校验和为CRC-32(IEEE)，计算时checksum字段置零，覆盖头部与负载。
package segment

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/pkg/errors"
)

// HeaderSize 固定头部长度
const HeaderSize = 20

const checksumOffset = 16

// ErrMalformedSegment 数据报长度不足一个头部
var ErrMalformedSegment = errors.New("malformed segment")

// Header 分段头部
type Header struct {
	Seq      uint32 // 本分段第一个字节在发送序号空间中的位置
	Ack      uint32 // 期望收到的下一个字节（累计确认）
	Control  Flag   // 标志位
	Window   uint16 // 发送方当前通告的接收窗口
	DataLen  uint32 // 负载长度，纯控制分段为0
	Checksum uint32 // 覆盖头部(校验和置零)与负载的CRC-32
}

func (h Header) String() string {
	return fmt.Sprintf("%s seq=%d ack=%d win=%d len=%d", h.Control, h.Seq, h.Ack, h.Window, h.DataLen)
}

// IsProbe 零窗口探测分段：无负载且不带任何标志位
func (h Header) IsProbe() bool {
	return h.Control == 0 && h.DataLen == 0
}

// putHeader 将头部写入b[:HeaderSize]，checksum字段按h.Checksum写入
func putHeader(b []byte, h Header) {
	binary.BigEndian.PutUint32(b[0:4], h.Seq)
	binary.BigEndian.PutUint32(b[4:8], h.Ack)
	binary.BigEndian.PutUint16(b[8:10], uint16(h.Control))
	binary.BigEndian.PutUint16(b[10:12], h.Window)
	binary.BigEndian.PutUint32(b[12:16], h.DataLen)
	binary.BigEndian.PutUint32(b[16:20], h.Checksum)
}

// Encode 序列化头部和负载，DataLen取负载长度，最后计算并写入校验和
func Encode(h Header, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	h.DataLen = uint32(len(payload))
	h.Checksum = 0
	putHeader(buf, h)
	copy(buf[HeaderSize:], payload)

	binary.BigEndian.PutUint32(buf[checksumOffset:], crc32.ChecksumIEEE(buf))
	return buf
}

// Decode 解析数据报，返回的负载与b共享底层内存
func Decode(b []byte) (Header, []byte, error) {
	if len(b) < HeaderSize {
		return Header{}, nil, errors.Wrapf(ErrMalformedSegment, "got %d bytes, need %d", len(b), HeaderSize)
	}
	h := Header{
		Seq:      binary.BigEndian.Uint32(b[0:4]),
		Ack:      binary.BigEndian.Uint32(b[4:8]),
		Control:  Flag(binary.BigEndian.Uint16(b[8:10])),
		Window:   binary.BigEndian.Uint16(b[10:12]),
		DataLen:  binary.BigEndian.Uint32(b[12:16]),
		Checksum: binary.BigEndian.Uint32(b[16:20]),
	}
	return h, b[HeaderSize:], nil
}

// Checksum 计算头部(checksum字段视为0)与负载的校验和
func Checksum(h Header, payload []byte) uint32 {
	var hdr [HeaderSize]byte
	h.Checksum = 0
	putHeader(hdr[:], h)

	crc := crc32.Update(0, crc32.IEEETable, hdr[:])
	return crc32.Update(crc, crc32.IEEETable, payload)
}

// Verify 校验分段是否完整；不匹配表示分段损坏，调用方应当作丢失处理
func Verify(h Header, payload []byte) bool {
	if int(h.DataLen) != len(payload) {
		return false
	}
	return Checksum(h, payload) == h.Checksum
}
