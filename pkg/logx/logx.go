// Package logx sets up the structured logger shared by every
// component, adapted from the teacher's pkg/log/log.go.
package logx

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
)

// Options controls logger construction; RunID and Version are stamped
// onto every entry the same way the teacher stamps debug/version/commit/
// buildDate onto its base logrus.Entry.
type Options struct {
	RunID     string
	Version   string
	Debug     bool
	LogDir    string // when Debug, logs are appended to <LogDir>/collector.log
}

// New returns a *logrus.Entry preloaded with run-scoped fields, mirroring
// NewLogger's behaviour: JSON output always, routed to a file in debug
// mode and discarded (error level only) otherwise.
func New(opts Options) *logrus.Entry {
	var base *logrus.Logger
	if opts.Debug || os.Getenv("DEBUG") == "TRUE" {
		base = newDevelopmentLogger(opts.LogDir)
	} else {
		base = newProductionLogger()
	}
	base.Formatter = &logrus.JSONFormatter{}

	return base.WithFields(logrus.Fields{
		"runId":   opts.RunID,
		"version": opts.Version,
		"debug":   opts.Debug,
	})
}

func getLogLevel() logrus.Level {
	strLevel := os.Getenv("LOG_LEVEL")
	level, err := logrus.ParseLevel(strLevel)
	if err != nil {
		return logrus.DebugLevel
	}
	return level
}

func newDevelopmentLogger(logDir string) *logrus.Logger {
	log := logrus.New()
	log.SetLevel(getLogLevel())
	if logDir == "" {
		logDir = os.TempDir()
	}
	file, err := os.OpenFile(filepath.Join(logDir, "collector.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		log.SetOutput(os.Stderr)
		return log
	}
	log.SetOutput(file)
	return log
}

func newProductionLogger() *logrus.Logger {
	log := logrus.New()
	log.Out = io.Discard
	log.SetLevel(logrus.ErrorLevel)
	return log
}

// WarnOnce returns a logging func that only emits a given message text
// once per process, so that repeated unresolved-placeholder warnings
// (spec.md §4.6) don't flood the log for every command that shares the
// same broken template.
func WarnOnce(log *logrus.Entry) func(format string, args ...interface{}) {
	var mu sync.Mutex
	seen := map[string]bool{}
	return func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		mu.Lock()
		already := seen[msg]
		seen[msg] = true
		mu.Unlock()
		if !already {
			log.Warn(msg)
		}
	}
}
