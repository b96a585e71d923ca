package cmds

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-delve/hwwatch/pkg/handshake"
)

func TestMain(m *testing.M) {
	handshake.Dispatch()
	os.Exit(m.Run())
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := New()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

func TestVersion(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(out, "hwwatch\nVersion: "), "got %q", out)
}

func TestShowint(t *testing.T) {
	out, err := run(t, "showint", "42")
	require.NoError(t, err)
	require.Equal(t, "show value : 42\n", out)

	_, err = run(t, "showint", "forty-two")
	require.Error(t, err)
	_, err = run(t, "showint", "1", "2")
	require.Error(t, err)
}

func TestChildUnknownPayload(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, "stop-timeout: 1s\n"), "child", "--payload", "missing")
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown payload")
}

func TestSelfNegativeIterations(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, ""), "self", "--iterations", "-1")
	require.Error(t, err)
}

func TestBadConfig(t *testing.T) {
	_, err := run(t, "--config", filepath.Join(t.TempDir(), "missing.yml"), "child")
	require.Error(t, err)
	require.Contains(t, err.Error(), "could not load configuration")
}

func TestLogOutputWithoutLog(t *testing.T) {
	_, err := run(t, "--config", writeConfig(t, ""), "--log-output", "tracer", "child", "--payload", "missing")
	require.Error(t, err)
}
