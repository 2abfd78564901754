package blockcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewAppliesDefaults(t *testing.T) {
	c, err := New(Config{RedisURL: "redis://localhost:6379/0"})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "oz_cache", c.prefix)
	require.Equal(t, DefaultBlockTTL, c.blockTTL)
	require.Equal(t, DefaultLatestTTL, c.latestTTL)
}

func TestNewHonorsOverrides(t *testing.T) {
	c, err := New(Config{
		RedisURL:  "redis://localhost:6379/0",
		KeyPrefix: "custom",
		BlockTTL:  10 * time.Second,
		LatestTTL: 2 * time.Second,
	})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "custom", c.prefix)
	require.Equal(t, 10*time.Second, c.blockTTL)
	require.Equal(t, 2*time.Second, c.latestTTL)
}

func TestKeyShapesMatchSpec(t *testing.T) {
	c, err := New(Config{RedisURL: "redis://localhost:6379/0", KeyPrefix: "oz_cache"})
	require.NoError(t, err)
	defer c.Close()

	require.Equal(t, "oz_cache:blocks:eth-mainnet:100:110", c.blocksKey("eth-mainnet", 100, 110, true))
	require.Equal(t, "oz_cache:latest:eth-mainnet", c.latestKey("eth-mainnet"))
}

func TestNewRejectsInvalidURL(t *testing.T) {
	_, err := New(Config{RedisURL: "not-a-url://::::"})
	require.Error(t, err)
}
