package logflags

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error {
	return nil
}

// reset restores the state changed by Setup.
func reset() {
	tracer, helper, installer, trap = false, false, false, false
	logOut = nil
	loggerFactory = nil
}

func TestLayerLoggerLevels(t *testing.T) {
	defer reset()
	require.NoError(t, Setup(true, "installer", ""))

	on, ok := InstallerLogger().(*logrusLogger)
	require.True(t, ok)
	require.Equal(t, logrus.DebugLevel, on.Logger.Level)
	require.Equal(t, "installer", on.Data["layer"])

	off, ok := TracerLogger().(*logrusLogger)
	require.True(t, ok)
	require.Equal(t, logrus.ErrorLevel, off.Logger.Level)
	require.Equal(t, "tracer", off.Data["layer"])
}

func TestLoggerFactoryReceivesLayer(t *testing.T) {
	defer reset()
	out := &bufferWriter{}
	logOut = out

	var gotLevel logrus.Level
	var gotFields Fields
	SetLoggerFactory(func(level logrus.Level, fields Fields, w io.Writer) Logger {
		gotLevel, gotFields = level, fields
		require.Equal(t, out, w)
		return nil
	})
	HelperLogger()
	require.Equal(t, logrus.ErrorLevel, gotLevel)
	require.Equal(t, Fields{"layer": "helper"}, gotFields)
}

func TestLoggerWritesToDest(t *testing.T) {
	defer reset()
	out := &bufferWriter{}
	logOut = out
	trap = true

	TrapLogger().WithField("pid", 42).Debugf("trap %d", 1)
	require.Contains(t, out.String(), `msg="trap 1"`)
	require.Contains(t, out.String(), "layer=trap")
	require.Contains(t, out.String(), "pid=42")
}

func TestSetupSelectsLayers(t *testing.T) {
	defer reset()
	require.Equal(t, errLogstrWithoutLog, Setup(false, "tracer", ""))
	require.NoError(t, Setup(true, "installer,trap", ""))
	require.False(t, Tracer())
	require.False(t, Helper())
	require.True(t, Installer())
	require.True(t, trap)
	require.Equal(t, "installer,trap", Env())
}

func TestSetupDefaultLayers(t *testing.T) {
	defer reset()
	require.NoError(t, Setup(true, "", ""))
	require.True(t, Tracer())
	require.True(t, Helper())
	require.False(t, Installer())
	require.Equal(t, "tracer,helper", Env())
}

func TestSetupLogFile(t *testing.T) {
	defer reset()
	path := filepath.Join(t.TempDir(), "hwwatch.log")
	require.NoError(t, Setup(true, "helper", path))
	f := File()
	require.NotNil(t, f)
	require.Equal(t, path, f.Name())

	HelperLogger().Debugf("attached")
	Close()
	require.Nil(t, File())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "layer=helper")
}

func TestFileNotAFile(t *testing.T) {
	defer reset()
	require.Nil(t, File())
	logOut = &bufferWriter{}
	require.Nil(t, File())
}
