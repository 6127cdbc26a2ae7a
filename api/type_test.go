package api

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

// TestTransportConfig_Default 默认配置应通过校验
func TestTransportConfig_Default(t *testing.T) {
	cfg := DefaultTransportConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultMSS, cfg.MSS)
	assert.Equal(t, 3*DefaultMSS, cfg.InitCwnd, "初始拥塞窗口为3个MSS")
	assert.LessOrEqual(t, cfg.WindowSize, MaxWindowSize, "窗口需能放入u16字段")
}

// TestTransportConfig_ValidateAggregates 校验应汇总全部错误
func TestTransportConfig_ValidateAggregates(t *testing.T) {
	cfg := DefaultTransportConfig()
	cfg.MSS = 0
	cfg.WindowSize = 70000
	cfg.DrainThreshold = 1.5

	err := cfg.Validate()
	require.Error(t, err)
	// MSS、窗口超出u16、窗口超出缓冲区、排空水位
	assert.Len(t, multierr.Errors(err), 4)
	assert.Contains(t, err.Error(), "drain-threshold")
}
