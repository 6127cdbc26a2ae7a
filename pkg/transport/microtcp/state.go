package microtcp

import "fmt"

// State 连接状态
type State int32

const (
	Closed        State = iota // 初始状态或挥手完成
	Listen                     // 已绑定，等待Accept
	Established                // 握手完成
	ClosingByHost              // 本端FIN已被确认，等待对端FIN
	ClosingByPeer              // 对端FIN已确认，本端FIN尚未被确认
	Invalid                    // 协议错误，终止状态
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Listen:
		return "LISTEN"
	case Established:
		return "ESTABLISHED"
	case ClosingByHost:
		return "CLOSING_BY_HOST"
	case ClosingByPeer:
		return "CLOSING_BY_PEER"
	case Invalid:
		return "INVALID"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Role 握手时确定的角色
type Role int32

const (
	RoleNone  Role = iota
	Initiator      // 主动打开（Connect）
	Acceptor       // 被动打开（Accept）
)

func (r Role) String() string {
	switch r {
	case Initiator:
		return "initiator"
	case Acceptor:
		return "acceptor"
	default:
		return "none"
	}
}
