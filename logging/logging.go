// Package logging wires logrus up to the teacher's own rotating file
// sink: the previous run's latest.txt becomes last.txt on startup, and
// latest.txt is appended to for the lifetime of the process, while every
// line is still written to stdout.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// rotatingFile is an io.Writer that appends to <dir>/latest.txt, having
// moved any prior latest.txt to last.txt exactly once at construction.
type rotatingFile struct {
	f *os.File
}

func newRotatingFile(dir string) (*rotatingFile, error) {
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, fmt.Errorf("logging: create log dir: %w", err)
	}

	latest := filepath.Join(dir, "latest.txt")
	last := filepath.Join(dir, "last.txt")
	os.Rename(latest, last) // no prior run is not an error

	f, err := os.OpenFile(latest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o666)
	if err != nil {
		return nil, fmt.Errorf("logging: open %s: %w", latest, err)
	}
	return &rotatingFile{f: f}, nil
}

func (r *rotatingFile) Write(p []byte) (int, error) {
	return r.f.Write(p)
}

// New builds a *logrus.Logger at level, writing to both stdout and the
// rotating file sink under dir. A bad level string falls back to Info
// rather than failing process bootstrap over a typo in the config file.
func New(level, dir string) (*logrus.Logger, error) {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	log.SetLevel(lvl)

	rf, err := newRotatingFile(dir)
	if err != nil {
		return nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rf))

	return log, nil
}
