package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_Load_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "zeebe:26500", cfg.ZeebeAddress)
	require.Equal(t, "http://zeebe:8080", cfg.ZeebeRESTAddress)
	require.Equal(t, "0.0.0.0:9001", cfg.WebhookAddr())
	require.Equal(t, "tut-ua/odoo-enterprise", cfg.Repository)
	require.True(t, cfg.IsDev())
	require.False(t, cfg.IsProd())
	require.False(t, cfg.UseOAuth())
	require.Empty(t, cfg.Servers)
}

func Test_Load_Servers_FromEnv(t *testing.T) {
	t.Setenv("STAGING_HOST", "10.0.0.5")
	t.Setenv("STAGING_DB_NAME", "stagingdb")
	t.Setenv("PRODUCTION_HOST", "odoo.example.com")
	t.Setenv("PRODUCTION_SSH_PORT", "2222")
	t.Setenv("KOZAK_DEMO_HOST", "demo.internal")

	cfg, err := Load()
	require.NoError(t, err)
	require.Len(t, cfg.Servers, 3)

	st := cfg.Servers["staging"]
	require.Equal(t, "10.0.0.5", st.Host)
	require.Equal(t, "stagingdb", st.DBName)
	require.Equal(t, "deploy", st.SSHUser)
	require.Equal(t, 22, st.SSHPort)
	require.Equal(t, "/opt/odoo-enterprise", st.RepoDir)
	require.Equal(t, "staging", st.Container)
	require.Equal(t, 8069, st.Port)

	pr := cfg.Servers["production"]
	require.Equal(t, 2222, pr.SSHPort)
	require.Equal(t, "odoo.example.com:2222", pr.Addr())

	demo := cfg.Servers["kozak_demo"]
	require.Equal(t, "kozak_demo", demo.Container)
}

func Test_Load_Servers_RejectsMalformedNumbers(t *testing.T) {
	t.Setenv("STAGING_HOST", "10.0.0.5")
	t.Setenv("STAGING_SSH_PORT", "abc")

	_, err := Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "STAGING_SSH_PORT")

	t.Setenv("STAGING_SSH_PORT", "2222")
	t.Setenv("STAGING_PORT", "80sixty9")
	_, err = Load()
	require.Error(t, err)
	require.Contains(t, err.Error(), "STAGING_PORT")
}

func Test_ResolveServer_ByNameAndHost(t *testing.T) {
	t.Setenv("STAGING_HOST", "10.0.0.5")

	cfg, err := Load()
	require.NoError(t, err)

	byName, err := cfg.ResolveServer("staging")
	require.NoError(t, err)
	byHost, err := cfg.ResolveServer("10.0.0.5")
	require.NoError(t, err)
	require.Equal(t, byName, byHost)

	_, err = cfg.ResolveServer("unknown")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown")
}

func Test_Load_OAuthTripleValidation(t *testing.T) {
	t.Setenv("ZEEBE_CLIENT_ID", "worker")
	t.Setenv("ZEEBE_CLIENT_SECRET", "s3cret")

	_, err := Load()
	require.Error(t, err)

	t.Setenv("ZEEBE_TOKEN_URL", "https://login.example.com/oauth/token")
	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.UseOAuth())
}

func Test_Load_SSHKeyPathExpansion(t *testing.T) {
	t.Setenv("SSH_KEY_PATH", "~/.ssh/id_test")
	t.Setenv("HOME", "/home/deploy")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "/home/deploy/.ssh/id_test", cfg.SSHKeyPath)
}
