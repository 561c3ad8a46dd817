package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	require := require.New(t)

	c := NewConfig(WithLogFile(""))
	require.Equal(int64(24*60*60*1000), c.NonceRetentionMs)
	require.Equal(100, c.PreKeyBatchSize)
	require.Nil(c.writer)
	require.NotNil(c.Logger("test"))
}

func TestLoad(t *testing.T) {
	require := require.New(t)

	c, err := Load([]byte(`
RootDir = "/tmp/relay"

[Logging]
Debug = true
Prefix = "relayd"
File = ""

[Database]
URL = "postgres://relay@localhost/relay"

[Server]
ListenAddr = "127.0.0.1:9000"
NonceRetentionMs = 0

[Client]
PollIntervalMs = 250
`))
	require.Nil(err)
	require.Equal("/tmp/relay", c.RootDir)
	require.True(c.Debug)
	require.Equal("relayd", c.LoggingPrefix)
	require.Equal("", c.LogFile)
	require.Equal("postgres://relay@localhost/relay", c.DatabaseURL)
	require.Equal("127.0.0.1:9000", c.ListenAddr)
	require.Equal(int64(0), c.NonceRetentionMs)
	require.Equal(int64(5*60*1000), c.MaxClockSkewMs)
	require.Equal(int64(250), c.PollIntervalMs)
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	require := require.New(t)

	_, err := Load([]byte(`
[Server]
Port = 12
`))
	require.Error(err)
	require.Contains(err.Error(), "undecoded keys")
}

func TestLoadExtraOptionsWin(t *testing.T) {
	require := require.New(t)

	c, err := Load([]byte(`[Server]
ListenAddr = ":1"
`), WithListenAddr(":2"), WithLogFile(""))
	require.Nil(err)
	require.Equal(":2", c.ListenAddr)
}
