// log.go - Logging backend.
// Copyright (C) 2017  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package log provides a logging backend, based around the go-logging package.
package log

import (
	"fmt"
	"io"
	goLog "log"
	"os"
	"strings"
	"sync"

	"gopkg.in/op/go-logging.v1"
)

const logFormat = "%{time:15:04:05.000} %{level:.4s} %{module}: %{message}"

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error {
	return nil
}

// Backend is a log backend shared by every component of a tunnel
// endpoint.  The underlying output may be swapped by Rotate at any time.
type Backend struct {
	sync.RWMutex

	leveled logging.LeveledBackend
	w       io.WriteCloser

	file    string
	level   logging.Level
	disable bool
}

// Log is used to log a message as per
// the logging.Backend interface.
func (b *Backend) Log(level logging.Level, calldepth int, record *logging.Record) error {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.Log(level, calldepth+1, record)
}

// GetLevel returns the logging level for the specified module
// as per the logging.Leveled interface.
func (b *Backend) GetLevel(module string) logging.Level {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.GetLevel(module)
}

// SetLevel sets the logging level for the specified module.
func (b *Backend) SetLevel(level logging.Level, module string) {
	b.RLock()
	defer b.RUnlock()
	b.leveled.SetLevel(level, module)
}

// IsEnabledFor returns true if the logger is enabled for the given level.
func (b *Backend) IsEnabledFor(level logging.Level, module string) bool {
	b.RLock()
	defer b.RUnlock()
	return b.leveled.IsEnabledFor(level, module)
}

// GetLogger returns a per-module logger that writes to the backend.
func (b *Backend) GetLogger(module string) *logging.Logger {
	l := logging.MustGetLogger(module)
	l.SetBackend(b)
	return l
}

// GetGoLogger returns a per-module Go runtime *log.Logger that writes to
// the backend at a single level, for the benefit of packages such as
// net/http that only accept the standard logger.
func (b *Backend) GetGoLogger(module string, level string) *goLog.Logger {
	return goLog.New(b.GetLogWriter(module, level), "", 0)
}

// GetLogWriter returns a per-module io.Writer that writes to the backend at
// the provided level.
func (b *Backend) GetLogWriter(module string, level string) io.Writer {
	lvl, err := ParseLevel(level)
	if err != nil {
		panic("log: GetLogWriter(): " + err.Error())
	}
	return &logWriter{m: b.GetLogger(module), lvl: lvl}
}

// Rotate reopens the log file for writing, and should be invoked
// upon SIGHUP after an external tool has moved the old file away.
func (b *Backend) Rotate() error {
	b.Lock()
	defer b.Unlock()

	if err := b.w.Close(); err != nil {
		return err
	}
	return b.open()
}

func (b *Backend) open() error {
	switch {
	case b.disable:
		b.w = nopCloser{io.Discard}
	case b.file == "":
		b.w = nopCloser{os.Stdout}
	default:
		const fileMode = 0600

		f, err := os.OpenFile(b.file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, fileMode)
		if err != nil {
			return fmt.Errorf("log: failed to open log file: %w", err)
		}
		b.w = f
	}

	base := logging.NewLogBackend(b.w, "", 0)
	formatted := logging.NewBackendFormatter(base, logging.MustStringFormatter(logFormat))
	b.leveled = logging.AddModuleLevel(formatted)
	b.leveled.SetLevel(b.level, "")
	return nil
}

// New initializes a logging backend writing to the file f, or to stdout if
// f is empty.  If disable is set all output is discarded.
func New(f string, level string, disable bool) (*Backend, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	b := &Backend{
		file:    f,
		level:   lvl,
		disable: disable,
	}
	if err := b.open(); err != nil {
		return nil, err
	}
	return b, nil
}

// ParseLevel converts a textual log level into a logging.Level.
func ParseLevel(l string) (logging.Level, error) {
	switch strings.ToUpper(l) {
	case "ERROR":
		return logging.ERROR, nil
	case "WARNING":
		return logging.WARNING, nil
	case "NOTICE":
		return logging.NOTICE, nil
	case "INFO":
		return logging.INFO, nil
	case "DEBUG":
		return logging.DEBUG, nil
	default:
		return logging.CRITICAL, fmt.Errorf("log: invalid level: '%v'", l)
	}
}

type logWriter struct {
	m   *logging.Logger
	lvl logging.Level
}

func (w *logWriter) Write(p []byte) (int, error) {
	// Writers such as the `log` package terminate every line with a newline.
	s := strings.TrimSpace(string(p))
	if len(s) == 0 {
		return len(p), nil
	}

	switch w.lvl {
	case logging.ERROR:
		w.m.Error(s)
	case logging.WARNING:
		w.m.Warning(s)
	case logging.NOTICE:
		w.m.Notice(s)
	case logging.INFO:
		w.m.Info(s)
	case logging.DEBUG:
		w.m.Debug(s)
	default:
		w.m.Critical(s)
	}
	return len(p), nil
}
