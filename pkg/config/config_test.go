package config

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReadDefaults(t *testing.T) {
	c, err := Read(strings.NewReader(""))
	require.NoError(t, err)
	require.Equal(t, Default(), c)
	require.False(t, c.StrictChildStatus)
	require.False(t, c.PreserveControl)
}

func TestReadOverrides(t *testing.T) {
	c, err := Read(strings.NewReader(`
stop-timeout: 250ms
attach-timeout: 2s
strict-child-status: true
preserve-control: true
`))
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, c.StopTimeout)
	require.Equal(t, 2*time.Second, c.AttachTimeout)
	require.Equal(t, DefaultHelperTimeout, c.HelperTimeout)
	require.True(t, c.StrictChildStatus)
	require.True(t, c.PreserveControl)
}

func TestReadInvalid(t *testing.T) {
	_, err := Read(strings.NewReader("stop-timeout: [1, 2]"))
	require.Error(t, err)
}

func TestDefaultConfigParses(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeDefaultConfig(&buf))
	c, err := Read(&buf)
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}

func TestLoadConfigCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	c := LoadConfig()
	require.Equal(t, Default(), c)
	_, err := os.Stat(filepath.Join(dir, "hwwatch", configFile))
	require.NoError(t, err)

	c.PreserveControl = true
	require.NoError(t, SaveConfig(c))
	c2, err := LoadConfigFrom(filepath.Join(dir, "hwwatch", configFile))
	require.NoError(t, err)
	require.True(t, c2.PreserveControl)
}

func TestCreateDefaultConfigWriteFails(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	var written *os.File
	f, err := createDefaultConfig(path, func(w io.Writer) error {
		written = w.(*os.File)
		return errors.New("disk full")
	})
	require.Nil(t, f)
	require.Error(t, err)
	require.Contains(t, err.Error(), "disk full")

	_, err = written.Write([]byte("x"))
	require.ErrorIs(t, err, os.ErrClosed)
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err), "got %v", err)
}

func TestCreateDefaultConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), configFile)
	f, err := createDefaultConfig(path, writeDefaultConfig)
	require.NoError(t, err)
	defer f.Close()
	c, err := Read(f)
	require.NoError(t, err)
	require.Equal(t, Default(), c)
}
