package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingestd/internal/server"
)

func testBuildOpts() []server.Option {
	return []server.Option{
		server.WithLogger(zap.NewNop()),
		server.WithRegisterer(prometheus.NewRegistry()),
	}
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	cmd := newRootCmd(nil)
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	require.Equal(t, version+"\n", out.String())
}

func TestRunDemo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600))

	var out bytes.Buffer
	cmd := newRootCmd(testBuildOpts())
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"run", "--config", path, "--demo", "20"})

	require.NoError(t, cmd.Execute())
	require.Contains(t, out.String(), "state=stopped")
	require.Contains(t, out.String(), "processed=20")
}

func TestRunWithoutSourcesFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 0\n"), 0o600))

	cmd := newRootCmd(testBuildOpts())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"run", "--config", path})

	require.ErrorContains(t, cmd.Execute(), "no sources configured")
}

func TestRunBadConfig(t *testing.T) {
	cmd := newRootCmd(testBuildOpts())
	cmd.SetArgs([]string{"run", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	require.ErrorContains(t, cmd.Execute(), "load config")
}

func TestDemoSource(t *testing.T) {
	src := demoSource(3)
	require.Equal(t, 3, src.Remaining())
}
