// 查询本机网络接口，根据出口接口的MTU推算microtcp分段的负载上限
package network

import (
	"net"

	"github.com/junbin-yang/microtcp-go/pkg/transport/segment"
	"github.com/pkg/errors"
)

// 各层头部开销（字节）
const (
	IPv4HeaderSize = 20
	IPv6HeaderSize = 40
	UDPHeaderSize  = 8
)

// InterfaceInfo 表示网络接口的详细信息
type InterfaceInfo struct {
	Name      string    // 接口名称（如eth0、lo等）
	Index     int       // 接口索引（系统分配的唯一标识）
	Flags     net.Flags // 接口标志（如是否启用、是否为回环等）
	Addresses []net.IP  // 接口关联的IP地址列表
	MTU       int       // 接口的最大传输单元(MTU)
}

// Up 接口是否处于启用状态
func (i InterfaceInfo) Up() bool {
	return i.Flags&net.FlagUp != 0
}

// Interfaces 扫描本机所有网络接口
func Interfaces() ([]InterfaceInfo, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, errors.Wrap(err, "获取接口列表失败")
	}

	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		info := InterfaceInfo{
			Name:  iface.Name,
			Index: iface.Index,
			Flags: iface.Flags,
			MTU:   iface.MTU,
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			switch v := addr.(type) {
			case *net.IPNet:
				info.Addresses = append(info.Addresses, v.IP)
			case *net.IPAddr:
				info.Addresses = append(info.Addresses, v.IP)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// InterfaceFor 返回拥有ip的本机接口
func InterfaceFor(ip net.IP) (*InterfaceInfo, error) {
	ifaces, err := Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		for _, addr := range ifaces[i].Addresses {
			if addr.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.Errorf("no local interface owns %s", ip)
}

// LocalIPFor 返回发往remote时使用的本机地址
// 只查询路由，不发送任何数据
func LocalIPFor(remote *net.UDPAddr) (net.IP, error) {
	c, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, errors.Wrapf(err, "route to %s", remote)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP, nil
}

// MaxMSS 给定MTU时单个分段能携带的最大负载
func MaxMSS(mtu int, ipv6 bool) int {
	overhead := IPv4HeaderSize + UDPHeaderSize + segment.HeaderSize
	if ipv6 {
		overhead = IPv6HeaderSize + UDPHeaderSize + segment.HeaderSize
	}
	if mtu <= overhead {
		return 0
	}
	return mtu - overhead
}

// PathMSS 根据到address的出口接口推算最大负载，返回值同时给出该接口
func PathMSS(address string) (int, *InterfaceInfo, error) {
	remote, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return 0, nil, err
	}
	local, err := LocalIPFor(remote)
	if err != nil {
		return 0, nil, err
	}
	iface, err := InterfaceFor(local)
	if err != nil {
		return 0, nil, err
	}
	return MaxMSS(iface.MTU, local.To4() == nil), iface, nil
}

// IsLocalIP 判断IP是否为本地IP
func IsLocalIP(ip net.IP) bool {
	if ip.IsLoopback() {
		return true
	}
	_, err := InterfaceFor(ip)
	return err == nil
}
