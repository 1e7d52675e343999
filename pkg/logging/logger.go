// Package logging configures session-scoped logging for the stealth browser
// tooling. Every process run gets one session ID; all components append to a
// shared per-session log file under ~/.stealthbrowse/logs while keeping
// human-readable output on stderr.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const logDirName = ".stealthbrowse"

var (
	sessionID     string
	sessionIDOnce sync.Once

	logDir  string
	dirOnce sync.Once
	dirErr  error
)

// SessionID returns the ID shared by all loggers of this process run.
func SessionID() string {
	sessionIDOnce.Do(func() {
		sessionID = uuid.NewString()
	})
	return sessionID
}

// LogDirectory returns the directory where session log files are stored,
// creating it on first use.
func LogDirectory() (string, error) {
	dirOnce.Do(func() {
		home, err := os.UserHomeDir()
		if err != nil {
			dirErr = fmt.Errorf("failed to resolve home directory: %w", err)
			return
		}
		logDir = filepath.Join(home, logDirName, "logs")
		if err := os.MkdirAll(logDir, 0o750); err != nil {
			dirErr = fmt.Errorf("failed to create log directory: %w", err)
		}
	})
	return logDir, dirErr
}

// Options controls how a session logger is built.
type Options struct {
	// Verbose lowers the level to debug.
	Verbose bool

	// Dir overrides the log file directory, used by tests.
	Dir string

	// DisableFile keeps logging on stderr only.
	DisableFile bool
}

// Logger is a session-scoped logrus logger plus the file it appends to.
type Logger struct {
	*logrus.Logger
	path      string
	file      *os.File
	closeOnce sync.Once
}

// NewLogger builds the process logger. Log lines go to stderr and, unless
// disabled, to the session log file. A file that cannot be opened degrades
// to stderr-only logging and reports the error so callers can warn about it.
func NewLogger(opts Options) (*Logger, error) {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if opts.Verbose {
		base.SetLevel(logrus.DebugLevel)
	}

	l := &Logger{Logger: base}
	if opts.DisableFile {
		return l, nil
	}

	dir := opts.Dir
	if dir == "" {
		var err error
		if dir, err = LogDirectory(); err != nil {
			return l, err
		}
	}

	path := filepath.Join(dir, fmt.Sprintf("%s.log", SessionID()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return l, fmt.Errorf("failed to open session log file: %w", err)
	}

	l.path = path
	l.file = file
	base.SetOutput(io.MultiWriter(os.Stderr, file))
	return l, nil
}

// Path returns the session log file path, or empty in stderr-only mode.
func (l *Logger) Path() string {
	return l.path
}

// Close flushes the session log file. Safe to call multiple times.
func (l *Logger) Close() error {
	var err error
	l.closeOnce.Do(func() {
		if l.file != nil {
			err = l.file.Close()
		}
	})
	return err
}
