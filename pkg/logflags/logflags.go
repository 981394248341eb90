// Package logflags maps tracer subsystems to logrus loggers that can be
// enabled individually from a comma separated flag string.
package logflags

import (
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

var task = false
var wait = false
var sbuf = false
var spawn = false
var any = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields logrus.Fields) *logrus.Entry {
	logger := logrus.New()
	logger.Formatter = &textFormatter{}
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = logrus.DebugLevel
	if !flag {
		logger.Level = logrus.ErrorLevel
	}
	return logger.WithFields(fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

// Task returns true if the task layer should log.
func Task() bool {
	return task
}

// TaskLogger returns a logger for the per-task state machine.
func TaskLogger() *logrus.Entry {
	return makeLogger(task, logrus.Fields{"layer": "task"})
}

// Wait returns true if the wait/resume layer should log.
func Wait() bool {
	return wait
}

// WaitLogger returns a logger for wait/resume transitions.
func WaitLogger() *logrus.Entry {
	return makeLogger(wait, logrus.Fields{"layer": "wait"})
}

// Sbuf returns true if syscall buffer operations should be logged.
func Sbuf() bool {
	return sbuf
}

// SbufLogger returns a logger for syscall buffer lifecycle events.
func SbufLogger() *logrus.Entry {
	return makeLogger(sbuf, logrus.Fields{"layer": "sbuf"})
}

// Spawn returns true if process spawn/attach should be logged.
func Spawn() bool {
	return spawn
}

// SpawnLogger returns a logger for process creation and attach.
func SpawnLogger() *logrus.Entry {
	return makeLogger(spawn, logrus.Fields{"layer": "spawn"})
}

var errLogstrWithoutLog = errors.New("log output selected without logging enabled")

// Setup sets the logging flags. logFlag enables logging as a whole,
// logstr selects the layers (comma separated) and logDest redirects the
// output to a file or an inherited file descriptor.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		var fd uintptr
		n, err := fmt.Sscanf(logDest, "%d", &fd)
		if n == 1 && err == nil {
			logOut = os.NewFile(fd, "retrace-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	if !logFlag {
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "task"
	}
	any = true
	for _, logcmd := range strings.Split(logstr, ",") {
		switch logcmd {
		case "task":
			task = true
		case "wait":
			wait = true
		case "sbuf":
			sbuf = true
		case "spawn":
			spawn = true
		default:
			return fmt.Errorf("unknown log layer %q", logcmd)
		}
	}
	return nil
}

// Close closes the logger output file, if one was configured.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}

type textFormatter struct {
}

func (f *textFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	b := &strings.Builder{}
	b.WriteString(entry.Time.Format("2006-01-02T15:04:05-07:00"))
	b.WriteByte(' ')
	b.WriteString(entry.Level.String())
	b.WriteByte(' ')
	if layer, ok := entry.Data["layer"]; ok {
		fmt.Fprintf(b, "%s ", layer)
	}
	b.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Data))
	for k := range entry.Data {
		if k == "layer" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, " %s=%v", k, entry.Data[k])
	}
	b.WriteByte('\n')
	return []byte(b.String()), nil
}
