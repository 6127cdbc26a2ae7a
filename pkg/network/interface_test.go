package network

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMaxMSS(t *testing.T) {
	assert.Equal(t, 1452, MaxMSS(1500, false))
	assert.Equal(t, 1432, MaxMSS(1500, true))
	assert.Equal(t, 0, MaxMSS(40, false))
}

func TestInterfaces(t *testing.T) {
	ifaces, err := Interfaces()
	require.NoError(t, err)
	require.NotEmpty(t, ifaces, "至少应有回环接口")
}

func TestPathMSS_Loopback(t *testing.T) {
	mss, iface, err := PathMSS("127.0.0.1:9")
	if err != nil {
		t.Skipf("回环路由不可用: %v", err)
	}
	assert.True(t, iface.Up())
	assert.Equal(t, MaxMSS(iface.MTU, false), mss)
	assert.Greater(t, mss, 0)

	assert.True(t, IsLocalIP(net.ParseIP("127.0.0.1")))
	assert.False(t, IsLocalIP(net.ParseIP("192.0.2.1")))
}
