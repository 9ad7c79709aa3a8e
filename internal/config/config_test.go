package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	return &Config{
		Addr:            "127.0.0.1:7777",
		NumShards:       0,
		MailboxSize:     4096,
		MaxConnections:  10000,
		RateLimitPerSec: 5000,
		RateLimitBurst:  500,
		LogLevel:        "info",
		LogFormat:       "json",
	}
}

func TestValidateAcceptsDefaults(t *testing.T) {
	require.NoError(t, validConfig().Validate())
}

func TestValidateRejectsEmptyAddr(t *testing.T) {
	c := validConfig()
	c.Addr = ""
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNegativeShards(t *testing.T) {
	c := validConfig()
	c.NumShards = -1
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveMaxConnections(t *testing.T) {
	c := validConfig()
	c.MaxConnections = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveMailboxSize(t *testing.T) {
	c := validConfig()
	c.MailboxSize = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsNonPositiveRateLimit(t *testing.T) {
	c := validConfig()
	c.RateLimitPerSec = 0
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	c := validConfig()
	c.LogLevel = "verbose"
	assert.Error(t, c.Validate())
}

func TestValidateRejectsUnknownLogFormat(t *testing.T) {
	c := validConfig()
	c.LogFormat = "xml"
	assert.Error(t, c.Validate())
}

func TestResolveShardCountHonorsExplicitValue(t *testing.T) {
	c := validConfig()
	c.NumShards = 7
	assert.Equal(t, 7, c.ResolveShardCount())
}

func TestResolveShardCountFallsBackWhenUnset(t *testing.T) {
	c := validConfig()
	c.NumShards = 0
	assert.GreaterOrEqual(t, c.ResolveShardCount(), 1)
}
