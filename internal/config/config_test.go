package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/samizdat/pkg/model"
)

func writeConfig(t *testing.T, body string) string { // A
	t.Helper()
	path := filepath.Join(t.TempDir(), "samizdat.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestNodeDefaults(t *testing.T) { // A
	t.Parallel()
	cfg, err := LoadNode("", nil)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, 5*time.Minute, cfg.Edition.ClockSkew)
	require.Equal(t, model.DefaultUsePrior(), cfg.Objects.UsePrior)
	require.Equal(t, 64<<10, cfg.Objects.InlineLimit)
	require.Equal(t, 10*time.Minute, cfg.Router.ReplayTolerance)
	require.Equal(t, 4, cfg.Subscription.Parallelism)
}

func TestExplicitConfigMustExist(t *testing.T) { // A
	t.Parallel()
	_, err := LoadNode(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestNodeConfigFile(t *testing.T) { // A
	t.Parallel()
	path := writeConfig(t, `
data_dir: /var/lib/samizdat
listen_addr: 127.0.0.1:9000
log_level: debug
objects:
  byte_budget: 1048576
  max_object_size: 4096
  use_prior:
    gamma_beta: 3600
edition:
  clock_skew: 30s
hubs:
  - addr: hub.example.org:4700
    mode: prefer-remote
`)
	cfg, err := LoadNode(path, nil)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/samizdat", cfg.DataDir)
	require.Equal(t, int64(1048576), cfg.Objects.ByteBudget)
	require.Equal(t, float64(3600), cfg.Objects.UsePrior.GammaBeta)
	require.Equal(t, float64(1), cfg.Objects.UsePrior.GammaAlpha)
	require.Equal(t, 30*time.Second, cfg.Edition.ClockSkew)
	require.Len(t, cfg.Hubs, 1)
	mode, err := model.ParseResolutionMode(cfg.Hubs[0].Mode)
	require.NoError(t, err)
	require.Equal(t, model.RemoteFirst, mode)
}

func TestFlagsOverrideFile(t *testing.T) { // A
	t.Parallel()
	path := writeConfig(t, "listen_addr: 127.0.0.1:9000\n")
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("listen-addr", "", "")
	cmd.Flags().String("config", "", "")
	require.NoError(t, cmd.Flags().Set("listen-addr", "127.0.0.1:9100"))

	cfg, err := LoadNode(path, cmd)
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:9100", cfg.ListenAddr)
}

func TestEnvironmentOverridesFile(t *testing.T) {
	path := writeConfig(t, "broadcast_window: 1s\n")
	t.Setenv("SAMIZDAT_BROADCAST_WINDOW", "7s")

	cfg, err := LoadHub(path, nil)
	require.NoError(t, err)
	require.Equal(t, 7*time.Second, cfg.BroadcastWindow)
}

func TestValidateRejectsBadSettings(t *testing.T) { // A
	t.Parallel()
	tests := []struct {
		name string
		body string
	}{
		{"bad listen address", "listen_addr: nowhere\n"},
		{"bad log level", "log_level: loud\n"},
		{"object larger than budget", "objects:\n  byte_budget: 10\n  max_object_size: 20\n"},
		{"bad hub mode", "hubs:\n  - addr: h:1\n    mode: sideways\n"},
		{"zero prior", "objects:\n  use_prior:\n    beta_beta: 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := LoadNode(writeConfig(t, tt.body), nil)
			if err == nil {
				t.Fatalf("expected %s to be rejected", tt.name)
			}
		})
	}
}

func TestHubBlacklistValidation(t *testing.T) { // A
	t.Parallel()
	cfg, err := LoadHub(writeConfig(t, "blacklist:\n  - 10.0.0.0/8\n  - 192.0.2.7\n"), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"10.0.0.0/8", "192.0.2.7"}, cfg.Blacklist)

	_, err = LoadHub(writeConfig(t, "blacklist:\n  - everyone\n"), nil)
	require.Error(t, err)
}
