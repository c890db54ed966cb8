package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestFromEnvAppliesOverrides(t *testing.T) {
	t.Setenv(envListenAddr, "127.0.0.1:9090")
	t.Setenv(envShards, "4")
	t.Setenv(envStaticDir, "/srv/static")

	cfg, err := FromEnv()
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9090", cfg.ListenAddr)
	require.Equal(t, 4, cfg.Shards)
	require.Equal(t, "/srv/static", cfg.StaticDir)
	require.Equal(t, Default().DynamicDir, cfg.DynamicDir)
}

func TestFromEnvRejectsNonIntegerOverride(t *testing.T) {
	t.Setenv(envBacklog, "not-a-number")
	_, err := FromEnv()
	require.Error(t, err)
}

func TestValidateRejectsZeroShards(t *testing.T) {
	cfg := Default()
	cfg.Shards = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsEmptyDirs(t *testing.T) {
	cfg := Default()
	cfg.StaticDir = ""
	require.Error(t, cfg.Validate())
}
