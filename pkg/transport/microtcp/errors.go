package microtcp

import (
	"io"

	"github.com/pkg/errors"
)

var (
	// ErrHandshakeFailed 三次握手失败，连接进入Invalid状态
	ErrHandshakeFailed = errors.New("handshake failed")
	// ErrTeardownFailed 挥手过程中收到非预期的分段
	ErrTeardownFailed = errors.New("teardown failed")
	// ErrSendFailed 连续多轮重传都没有得到新的确认
	ErrSendFailed = errors.New("send failed")
	// ErrConnectionClosed 连接已关闭
	ErrConnectionClosed = errors.New("connection closed")
	// ErrInvalidState 当前状态不允许该操作
	ErrInvalidState = errors.New("invalid connection state")
	// ErrPeerClosed 对端关闭了连接，errors.Is(err, io.EOF)成立
	ErrPeerClosed = errors.Wrap(io.EOF, "peer closed connection")
)
