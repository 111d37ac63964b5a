package common

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTunnelBlock(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	tCfg := &Tunnel{PresharedKey: "correct horse battery staple"}
	require.NoError(tCfg.FixupAndValidate())
	require.Equal(defaultWatermark, tCfg.Watermark)
	require.Equal(defaultCloseGracePeriod, tCfg.CloseGracePeriod)
	require.Equal(defaultMaxProtocolErrors, tCfg.MaxProtocolErrors)
	require.Len(tCfg.SessionConfig().PresharedKey, 32)

	tc := tCfg.TunnelConfig(nil, nil)
	require.Equal(defaultWatermark, tc.Watermark)
	require.Equal(int64(defaultCloseGracePeriod), tc.CloseGracePeriod.Milliseconds())

	require.Error((&Tunnel{}).FixupAndValidate())
	require.Error((&Tunnel{PresharedKey: "short"}).FixupAndValidate())
}

func TestLoggingBlock(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	lCfg := &Logging{Level: "debug"}
	require.NoError(lCfg.Validate())
	require.Equal("DEBUG", lCfg.Level)

	lCfg = &Logging{}
	require.NoError(lCfg.Validate())
	require.Equal(defaultLogLevel, lCfg.Level)

	require.Error((&Logging{Level: "LOUD"}).Validate())
}

func TestDebugAndMetricsBlocks(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	dCfg := &Debug{HandshakeTimeout: 5}
	dCfg.ApplyDefaults()
	require.Equal(defaultConnectTimeout, dCfg.ConnectTimeout)
	require.Equal(5, dCfg.HandshakeTimeout)

	require.NoError((&Metrics{}).Validate())
	require.NoError((&Metrics{Address: "127.0.0.1:6543"}).Validate())
	require.Error((&Metrics{Address: "6543"}).Validate())
}

func TestNewSecret(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	a, err := NewSecret()
	require.NoError(err)
	b, err := NewSecret()
	require.NoError(err)
	require.NotEqual(a, b)
	require.Len(a, 43)

	tCfg := &Tunnel{PresharedKey: a}
	require.NoError(tCfg.FixupAndValidate())
}

func TestIsUsageError(t *testing.T) {
	t.Parallel()
	require := require.New(t)

	require.True(isUsageError(errors.New("unknown flag: --bogus")))
	require.True(isUsageError(errors.New("failed to load config file 'x.toml': no such file")))
	require.False(isUsageError(errors.New("record: handshake failed")))
}
