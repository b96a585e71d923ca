package logflags

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
)

var tracer = false
var helper = false
var installer = false
var trap = false

var logOut io.WriteCloser

var textFormatterInstance = &logrus.TextFormatter{
	DisableTimestamp: false,
	FullTimestamp:    true,
	DisableColors:    true,
}

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	} else {
		logger.Logger.Out = colorable.NewColorableStderr()
	}
	logger.Logger.Level = level
	return &logrusLogger{logger}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if !flag {
		return makeLogger(logrus.ErrorLevel, fields)
	}
	return makeLogger(logrus.DebugLevel, fields)
}

// Tracer returns true if the tracer side of the handshakes should log.
func Tracer() bool {
	return tracer
}

// TracerLogger returns a logger for the process that spawns and traces a
// tracee.
func TracerLogger() Logger {
	return makeFlaggableLogger(tracer, Fields{"layer": "tracer"})
}

// Helper returns true if the helper process should log.
func Helper() bool {
	return helper
}

// HelperLogger returns a logger for the helper process and for the
// subject waiting on it.
func HelperLogger() Logger {
	return makeFlaggableLogger(helper, Fields{"layer": "helper"})
}

// Installer returns true if debug register writes should be logged.
func Installer() bool {
	return installer
}

// InstallerLogger returns a logger for the watchpoint installer.
func InstallerLogger() Logger {
	return makeFlaggableLogger(installer, Fields{"layer": "installer"})
}

// TrapLogger returns a logger for trap delivery in the watched process.
func TrapLogger() Logger {
	return makeFlaggableLogger(trap, Fields{"layer": "trap"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets the log flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "hwwatch-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	textFormatterInstance.DisableColors = !destIsTerminal()
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(io.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "tracer,helper"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// If adding another value, do make sure to
		// update "Help about logging flags" in commands.go.
		switch logcmd {
		case "tracer":
			tracer = true
		case "helper":
			helper = true
		case "installer":
			installer = true
		case "trap":
			trap = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q, run 'hwwatch help log' for usage.\n", logcmd)
		}
	}
	return nil
}

// Env returns the --log-output selection in the form accepted by Setup, so
// that spawned roles log the same layers as their parent.
func Env() string {
	var v []string
	for _, l := range []struct {
		on   bool
		name string
	}{{tracer, "tracer"}, {helper, "helper"}, {installer, "installer"}, {trap, "trap"}} {
		if l.on {
			v = append(v, l.name)
		}
	}
	return strings.Join(v, ",")
}

func destIsTerminal() bool {
	if f, ok := logOut.(*os.File); ok {
		return isatty.IsTerminal(f.Fd())
	}
	if logOut != nil {
		return false
	}
	return isatty.IsTerminal(os.Stderr.Fd())
}

// File returns the file logs are written to, nil when they go to stderr or
// to something that is not a file. Spawned roles write their logs to it.
func File() *os.File {
	f, _ := logOut.(*os.File)
	return f
}

// Close closes the logger output, later logs go to stderr.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}
