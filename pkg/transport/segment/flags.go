package segment

import (
	"strconv"
	"strings"
)

// Flag 控制字段的标志位，可按位或组合
type Flag uint16

// 标志位与TCP头部中的位置一致
const (
	FIN Flag = 1 << 0
	SYN Flag = 1 << 1
	ACK Flag = 1 << 4

	SYNACK = SYN | ACK // 握手第二步
	FINACK = FIN | ACK // 挥手请求
)

// Has 判断是否包含给定的全部标志位
func (f Flag) Has(mask Flag) bool {
	return f&mask == mask
}

func (f Flag) String() string {
	if f == 0 {
		return "NONE"
	}
	var parts []string
	if f.Has(SYN) {
		parts = append(parts, "SYN")
	}
	if f.Has(FIN) {
		parts = append(parts, "FIN")
	}
	if f.Has(ACK) {
		parts = append(parts, "ACK")
	}
	if rest := f &^ (SYN | FIN | ACK); rest != 0 {
		parts = append(parts, "0x"+strconv.FormatUint(uint64(rest), 16))
	}
	return strings.Join(parts, "|")
}
