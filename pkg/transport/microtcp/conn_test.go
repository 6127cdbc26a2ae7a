package microtcp

import (
	"bytes"
	"io"
	"math/rand"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/junbin-yang/microtcp-go/api"
	"github.com/junbin-yang/microtcp-go/pkg/transport/datagram"
	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/junbin-yang/microtcp-go/pkg/utils/logger"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() *api.TransportConfig {
	cfg := api.DefaultTransportConfig()
	cfg.RecvTimeout = 100 * time.Millisecond
	cfg.AcceptTimeout = 5 * time.Second
	cfg.HandshakeRetries = 20
	return &cfg
}

func quiet() Option {
	return WithLogger(logger.New(io.Discard, logger.ErrorLevel))
}

// recorder 记录经过的出站分段
type recorder struct {
	net.PacketConn
	mu   sync.Mutex
	sent []segment.Header
}

func (r *recorder) WriteTo(b []byte, addr net.Addr) (int, error) {
	if h, _, err := segment.Decode(b); err == nil {
		r.mu.Lock()
		r.sent = append(r.sent, h)
		r.mu.Unlock()
	}
	return r.PacketConn.WriteTo(b, addr)
}

func (r *recorder) dataSegments() []segment.Header {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []segment.Header
	for _, h := range r.sent {
		if h.DataLen > 0 {
			out = append(out, h)
		}
	}
	return out
}

func (r *recorder) listen(network, address string) (net.PacketConn, error) {
	pc, err := net.ListenPacket(network, address)
	if err != nil {
		return nil, err
	}
	r.PacketConn = pc
	return r, nil
}

// dial 在回环地址上建立一对连接
func dial(t *testing.T, cfg *api.TransportConfig, serverOpts, clientOpts []Option) (server, client *Conn) {
	t.Helper()
	var err error
	server, err = New(cfg, append([]Option{quiet()}, serverOpts...)...)
	require.NoError(t, err)
	require.NoError(t, server.Bind("127.0.0.1:0"))
	assert.Equal(t, Listen, server.State())

	accepted := make(chan error, 1)
	go func() { accepted <- server.Accept() }()

	client, err = New(cfg, append([]Option{quiet()}, clientOpts...)...)
	require.NoError(t, err)
	require.NoError(t, client.Connect(server.LocalAddr().String()))
	require.NoError(t, <-accepted)

	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return server, client
}

type sendResult struct {
	n   int
	err error
}

func sendAsync(c *Conn, p []byte) <-chan sendResult {
	ch := make(chan sendResult, 1)
	go func() {
		n, err := c.Send(p)
		ch <- sendResult{n, err}
	}()
	return ch
}

func randomBytes(n int, seed int64) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(seed)).Read(b)
	return b
}

func TestTransfer_SingleMSS(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)
	assert.Equal(t, Initiator, client.Role())
	assert.Equal(t, Acceptor, server.Role())
	assert.Equal(t, Established, client.State())
	assert.Equal(t, Established, server.State())

	payload := bytes.Repeat([]byte{0xAB}, api.DefaultMSS)
	res := sendAsync(client, payload)

	buf := make([]byte, api.DefaultMSS)
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, api.DefaultMSS, n, "单次Recv应取到完整的一个MSS")
	assert.Equal(t, payload, buf)

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, api.DefaultMSS, r.n)
}

func TestTransfer_SegmentCount(t *testing.T) {
	cfg := api.DefaultTransportConfig()
	cfg.AcceptTimeout = 5 * time.Second
	rec := &recorder{}
	server, client := dial(t, &cfg, nil, []Option{WithListenPacket(rec.listen)})

	payload := randomBytes(3*api.DefaultMSS+100, 1)
	res := sendAsync(client, payload)

	buf := make([]byte, len(payload))
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	require.NoError(t, (<-res).err)

	segs := rec.dataSegments()
	require.Len(t, segs, 4, "3个满MSS分段加1个100字节分段")
	for i, want := range []uint32{1400, 1400, 1400, 100} {
		assert.Equal(t, want, segs[i].DataLen)
		assert.True(t, segs[i].Control.Has(segment.ACK), "数据分段携带ACK")
		if i > 0 {
			assert.Equal(t, segs[i-1].Seq+segs[i-1].DataLen, segs[i].Seq, "序号应连续递增")
		}
	}
}

func TestTransfer_CorruptSegmentRetransmitted(t *testing.T) {
	var mu sync.Mutex
	data := 0
	rule := func(b []byte, _ net.Addr) datagram.Action {
		h, _, err := segment.Decode(b)
		if err != nil || h.DataLen == 0 {
			return datagram.Pass
		}
		mu.Lock()
		defer mu.Unlock()
		data++
		if data == 2 {
			return datagram.Corrupt
		}
		return datagram.Pass
	}
	lossy := datagram.LossyListen(nil, api.LinkConfig{Seed: 3}, nil, rule)
	server, client := dial(t, testConfig(), nil, []Option{WithListenPacket(lossy)})

	payload := randomBytes(5*api.DefaultMSS, 2)
	res := sendAsync(client, payload)

	buf := make([]byte, len(payload))
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf, "损坏的分段不能污染数据流")

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, len(payload), r.n)

	assert.GreaterOrEqual(t, server.Stats().CorruptSegments, uint64(1))
	cs := client.Stats()
	assert.GreaterOrEqual(t, cs.Retransmissions, uint64(1))
	assert.GreaterOrEqual(t, cs.PacketsLost, uint64(1))
	assert.GreaterOrEqual(t, cs.Congestion.CongestionWindow, uint32(api.DefaultMSS))
}

func TestTransfer_LostAcksCoveredByLaterAck(t *testing.T) {
	// 丢弃接收方的第2、3个纯确认，数据本身全部到达
	var mu sync.Mutex
	acks := 0
	rule := func(b []byte, _ net.Addr) datagram.Action {
		h, _, err := segment.Decode(b)
		if err != nil || h.Control != segment.ACK || h.DataLen > 0 {
			return datagram.Pass
		}
		mu.Lock()
		defer mu.Unlock()
		acks++
		if acks == 2 || acks == 3 {
			return datagram.Drop
		}
		return datagram.Pass
	}
	cfg := testConfig()
	cfg.MaxRetransmits = 5
	lossy := datagram.LossyListen(nil, api.LinkConfig{Seed: 11}, nil, rule)
	server, client := dial(t, cfg, []Option{WithListenPacket(lossy)}, nil)

	payload := randomBytes(5*api.DefaultMSS, 12)
	res := sendAsync(client, payload)

	buf := make([]byte, len(payload))
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)

	r := <-res
	require.NoError(t, r.err, "累计确认覆盖了丢失的确认，发送不应失败")
	assert.Equal(t, len(payload), r.n)

	cs := client.Stats()
	assert.GreaterOrEqual(t, cs.Timeouts, uint64(1))
	assert.GreaterOrEqual(t, cs.Retransmissions, uint64(1))
	assert.Equal(t, client.sendMax, client.sendUna)
}

func TestTransfer_FastRetransmit(t *testing.T) {
	var mu sync.Mutex
	data := 0
	rule := func(b []byte, _ net.Addr) datagram.Action {
		h, _, err := segment.Decode(b)
		if err != nil || h.DataLen == 0 {
			return datagram.Pass
		}
		mu.Lock()
		defer mu.Unlock()
		data++
		if data == 2 {
			return datagram.Drop
		}
		return datagram.Pass
	}
	cfg := testConfig()
	cfg.InitCwnd = 8 * api.DefaultMSS
	lossy := datagram.LossyListen(nil, api.LinkConfig{Seed: 13}, nil, rule)
	server, client := dial(t, cfg, nil, []Option{WithListenPacket(lossy)})

	payload := randomBytes(8*api.DefaultMSS, 14)
	res := sendAsync(client, payload)

	buf := make([]byte, len(payload))
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	require.NoError(t, (<-res).err)

	cs := client.Stats()
	assert.EqualValues(t, 1, cs.FastRetransmits, "三个重复确认触发一次快速重传")
	assert.EqualValues(t, 0, cs.Timeouts, "丢包由重复确认发现，不依赖超时")
	assert.GreaterOrEqual(t, cs.DuplicateAcks, uint64(3))
	assert.EqualValues(t, 1, cs.Congestion.DupAckLosses)
	assert.Equal(t, 0, client.dupAcks, "新的累计确认使重复确认计数归零")
}

func TestRecv_LeftoverDeliveredNext(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)

	payload := randomBytes(3000, 4)
	res := sendAsync(client, payload)

	var got []byte
	for i := 0; i < 3; i++ {
		buf := make([]byte, 1000)
		n, err := server.Recv(buf)
		require.NoError(t, err)
		assert.Equal(t, 1000, n)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, payload, got)
	require.NoError(t, (<-res).err)
	assert.EqualValues(t, 3000, server.Stats().BytesReceived)
}

func TestTransfer_BothDirections(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)

	ping := randomBytes(2000, 5)
	res := sendAsync(client, ping)
	buf := make([]byte, len(ping))
	_, err := server.Recv(buf)
	require.NoError(t, err)
	require.NoError(t, (<-res).err)

	pong := randomBytes(2500, 6)
	res = sendAsync(server, pong)
	buf = make([]byte, len(pong))
	n, err := client.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(pong), n)
	assert.Equal(t, pong, buf)
	require.NoError(t, (<-res).err)
}

func TestTeardown_InitiatorCloses(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)

	payload := randomBytes(1000, 7)
	res := sendAsync(client, payload)
	buf := make([]byte, len(payload))
	_, err := server.Recv(buf)
	require.NoError(t, err)
	require.NoError(t, (<-res).err)

	done := make(chan error, 1)
	go func() { done <- client.Shutdown() }()

	n, err := server.Recv(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, ErrPeerClosed))
	assert.True(t, errors.Is(err, io.EOF))

	require.NoError(t, <-done)
	assert.Equal(t, Closed, client.State())
	assert.Equal(t, Closed, server.State())

	_, err = server.Recv(make([]byte, 16))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
}

func TestTeardown_AcceptorCloses(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)

	done := make(chan error, 1)
	go func() { done <- server.Shutdown() }()

	n, err := client.Recv(make([]byte, 16))
	assert.Equal(t, 0, n)
	assert.True(t, errors.Is(err, ErrPeerClosed))

	require.NoError(t, <-done)
	assert.Equal(t, Closed, client.State())
	assert.Equal(t, Closed, server.State())
}

func TestTeardown_FlushesBufferedData(t *testing.T) {
	server, client := dial(t, testConfig(), nil, nil)

	payload := randomBytes(1200, 8)
	res := sendAsync(client, payload)

	// 先取走一部分，剩余的留在重组缓冲区
	head := make([]byte, 200)
	n, err := server.Recv(head)
	require.NoError(t, err)
	require.Equal(t, 200, n)
	require.NoError(t, (<-res).err)

	done := make(chan error, 1)
	go func() { done <- client.Shutdown() }()

	rest := make([]byte, 2000)
	n, err = server.Recv(rest)
	assert.True(t, errors.Is(err, ErrPeerClosed))
	assert.Equal(t, 1000, n)
	assert.Equal(t, payload, append(head, rest[:n]...))
	require.NoError(t, <-done)
}

func TestHandshake_LostFinalAck(t *testing.T) {
	dropped := false
	var mu sync.Mutex
	rule := func(b []byte, _ net.Addr) datagram.Action {
		mu.Lock()
		defer mu.Unlock()
		h, _, err := segment.Decode(b)
		if err == nil && !dropped && h.Control == segment.ACK && h.DataLen == 0 {
			dropped = true
			return datagram.Drop
		}
		return datagram.Pass
	}
	cfg := testConfig()

	server, err := New(cfg, quiet())
	require.NoError(t, err)
	require.NoError(t, server.Bind("127.0.0.1:0"))
	defer server.Close()
	accepted := make(chan error, 1)
	go func() { accepted <- server.Accept() }()

	client, err := New(cfg, quiet(), WithListenPacket(datagram.LossyListen(nil, api.LinkConfig{}, nil, rule)))
	require.NoError(t, err)
	defer client.Close()
	require.NoError(t, client.Connect(server.LocalAddr().String()))

	// 握手的ACK丢失，数据分段携带的确认号完成对端的握手
	payload := randomBytes(500, 9)
	res := sendAsync(client, payload)
	require.NoError(t, <-accepted)

	buf := make([]byte, len(payload))
	n, err := server.Recv(buf)
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
	assert.Equal(t, payload, buf)
	require.NoError(t, (<-res).err)
}

// readSegment 从裸套接字读取一个分段
func readSegment(t *testing.T, pc net.PacketConn) (segment.Header, []byte, net.Addr) {
	t.Helper()
	buf := make([]byte, datagram.MaxDatagramSize)
	require.NoError(t, pc.SetReadDeadline(time.Now().Add(5*time.Second)))
	n, from, err := pc.ReadFrom(buf)
	require.NoError(t, err)
	h, payload, err := segment.Decode(buf[:n])
	require.NoError(t, err)
	require.True(t, segment.Verify(h, payload))
	return h, payload, from
}

func TestSend_ZeroWindowProbe(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	rec := &recorder{}
	client, err := New(testConfig(), quiet(), WithListenPacket(rec.listen))
	require.NoError(t, err)
	defer client.Close()

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(peer.LocalAddr().String()) }()

	syn, _, from := readSegment(t, peer)
	require.Equal(t, segment.SYN, syn.Control)
	const peerISN = 5000
	reply := func(h segment.Header) {
		_, err := peer.WriteTo(segment.Encode(h, nil), from)
		require.NoError(t, err)
	}
	reply(segment.Header{Seq: peerISN, Ack: syn.Seq + 1, Control: segment.SYNACK, Window: 0})

	ack, _, _ := readSegment(t, peer)
	require.Equal(t, segment.ACK, ack.Control)
	require.Equal(t, uint32(peerISN+1), ack.Ack)
	require.NoError(t, <-connected)

	payload := randomBytes(500, 10)
	res := sendAsync(client, payload)

	probes := 0
	for {
		h, body, _ := readSegment(t, peer)
		if h.DataLen == 0 {
			require.True(t, h.IsProbe(), "窗口为0时只能发送探测分段")
			require.Equal(t, syn.Seq+1, h.Seq)
			probes++
			win := uint16(0)
			if probes >= 2 {
				win = 8192
			}
			reply(segment.Header{Seq: peerISN + 1, Ack: h.Seq, Control: segment.ACK, Window: win})
			continue
		}
		require.GreaterOrEqual(t, probes, 2, "窗口打开前不应发送数据")
		assert.Equal(t, syn.Seq+1, h.Seq)
		assert.Equal(t, payload, body)
		reply(segment.Header{Seq: peerISN + 1, Ack: h.Seq + h.DataLen, Control: segment.ACK, Window: 8192})
		break
	}

	r := <-res
	require.NoError(t, r.err)
	assert.Equal(t, len(payload), r.n)
	assert.GreaterOrEqual(t, client.Stats().Probes, uint64(2))
	assert.Len(t, rec.dataSegments(), 1)
}

func TestConnect_SilentPeer(t *testing.T) {
	peer, err := net.ListenPacket("udp", "127.0.0.1:0")
	require.NoError(t, err)
	defer peer.Close()

	cfg := testConfig()
	cfg.RecvTimeout = 20 * time.Millisecond
	cfg.HandshakeRetries = 3
	client, err := New(cfg, quiet())
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(peer.LocalAddr().String())
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Equal(t, Invalid, client.State())
	assert.EqualValues(t, 3, client.Stats().Timeouts)

	_, err = client.Send([]byte("x"))
	assert.True(t, errors.Is(err, ErrInvalidState))
	_, err = client.Recv(make([]byte, 1))
	assert.True(t, errors.Is(err, ErrInvalidState))
}

func TestAccept_Timeout(t *testing.T) {
	cfg := testConfig()
	cfg.RecvTimeout = 20 * time.Millisecond
	cfg.AcceptTimeout = 60 * time.Millisecond

	server, err := New(cfg, quiet())
	require.NoError(t, err)
	defer server.Close()
	require.NoError(t, server.Bind("127.0.0.1:0"))

	err = server.Accept()
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	assert.Equal(t, Listen, server.State(), "等待超时后仍可重新Accept")
}

func TestStateChecks(t *testing.T) {
	c, err := New(nil, quiet())
	require.NoError(t, err)

	_, err = c.Recv(make([]byte, 8))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	_, err = c.Send([]byte("x"))
	assert.True(t, errors.Is(err, ErrConnectionClosed))
	assert.True(t, errors.Is(c.Accept(), ErrInvalidState))
	assert.True(t, errors.Is(c.Shutdown(), ErrConnectionClosed))
	assert.Nil(t, c.LocalAddr())
	assert.Nil(t, c.RemoteAddr())

	require.NoError(t, c.Bind("127.0.0.1:0"))
	assert.NotNil(t, c.LocalAddr())
	assert.True(t, errors.Is(c.Bind("127.0.0.1:0"), ErrInvalidState))
	require.NoError(t, c.Close())
	assert.Equal(t, Closed, c.State())

	bad := api.DefaultTransportConfig()
	bad.MSS = 0
	_, err = New(&bad)
	assert.Error(t, err)
}
