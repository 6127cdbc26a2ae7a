package segment

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1400)
	h := Header{Seq: 0xfffffff0, Ack: 17, Control: ACK, Window: 8192}

	raw := Encode(h, payload)
	require.Len(t, raw, HeaderSize+len(payload))

	got, body, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, h.Seq, got.Seq)
	assert.Equal(t, h.Ack, got.Ack)
	assert.Equal(t, ACK, got.Control)
	assert.EqualValues(t, 8192, got.Window)
	assert.EqualValues(t, len(payload), got.DataLen)
	assert.Equal(t, payload, body)
	assert.True(t, Verify(got, body), "未改动的分段应通过校验")
}

func TestLayout(t *testing.T) {
	raw := Encode(Header{Seq: 1, Ack: 2, Control: SYNACK, Window: 3}, []byte("xy"))

	assert.Equal(t, []byte{0, 0, 0, 1}, raw[0:4])
	assert.Equal(t, []byte{0, 0, 0, 2}, raw[4:8])
	assert.Equal(t, []byte{0, 0x12}, raw[8:10])
	assert.Equal(t, []byte{0, 3}, raw[10:12])
	assert.Equal(t, []byte{0, 0, 0, 2}, raw[12:16])
	assert.Equal(t, "xy", string(raw[HeaderSize:]))
}

func TestVerify_DetectsCorruption(t *testing.T) {
	raw := Encode(Header{Seq: 100, Control: ACK, Window: 10}, []byte("hello microtcp"))

	for _, pos := range []int{0, 9, 11, 16, HeaderSize + 3} {
		c := append([]byte(nil), raw...)
		c[pos] ^= 0x40

		h, body, err := Decode(c)
		require.NoError(t, err, "损坏不是解析错误")
		assert.False(t, Verify(h, body), "第%d字节被翻转后应校验失败", pos)
	}

	// 截断的负载与data_len不一致
	h, body, err := Decode(raw[:len(raw)-1])
	require.NoError(t, err)
	assert.False(t, Verify(h, body))
}

func TestDecode_Malformed(t *testing.T) {
	_, _, err := Decode(make([]byte, HeaderSize-1))
	assert.True(t, errors.Is(err, ErrMalformedSegment))

	h, body, err := Decode(Encode(Header{Control: SYN}, nil))
	require.NoError(t, err)
	assert.Empty(t, body)
	assert.True(t, Verify(h, body))
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "SYN|ACK", SYNACK.String())
	assert.Equal(t, "FIN|ACK", FINACK.String())
	assert.Equal(t, "NONE", Flag(0).String())
	assert.Equal(t, "ACK|0x100", (ACK | 0x100).String())

	assert.True(t, SYNACK.Has(SYN))
	assert.False(t, ACK.Has(SYNACK))
	assert.True(t, Header{}.IsProbe())
	assert.False(t, Header{Control: ACK}.IsProbe())
}
