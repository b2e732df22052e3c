package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsToDevelopment(t *testing.T) {
	t.Setenv("GATEWAY_ENV", "")
	t.Setenv("GATEWAY_TOKEN_SECRET", "")
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, Development, cfg.Env)
	require.Equal(t, 8443, cfg.BindPort)
	require.NoError(t, cfg.Validate())
}

func TestLoadRejectsInvalidEnv(t *testing.T) {
	t.Setenv("GATEWAY_ENV", "bogus")
	_, err := Load()
	require.Error(t, err)
}

func TestLoadRequiresSecretInProduction(t *testing.T) {
	t.Setenv("GATEWAY_ENV", "production")
	t.Setenv("GATEWAY_TOKEN_SECRET", "")
	_, err := Load()
	require.Error(t, err)
}

func TestValidateRejectsShortSecretInProduction(t *testing.T) {
	t.Setenv("GATEWAY_ENV", "production")
	t.Setenv("GATEWAY_TOKEN_SECRET", "short")
	cfg, err := Load()
	require.NoError(t, err)
	require.Error(t, cfg.Validate())
}
