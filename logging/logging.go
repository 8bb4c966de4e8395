/*
 * MIT License
 *
 * Copyright (c) 2025 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

// Package logging wraps logrus with the field/level conventions the
// forward-proxy engine uses for its one-summary-line-per-task logging
// (spec §6) and periodic long-transfer logging (spec §9).
package logging

import (
	"io"
	"sync"

	"github.com/sirupsen/logrus"
)

// Fields carries structured key/value context attached to a log entry.
type Fields map[string]any

// Logger is the logging surface used throughout the forward-proxy
// engine. It is a thin, typed wrapper over *logrus.Entry.
type Logger interface {
	WithFields(f Fields) Logger
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string)
	// Summary emits the single per-task summary line required by spec §6.
	Summary(f Fields)
}

type lgr struct {
	mu sync.Mutex
	e  *logrus.Entry
}

// New builds a root Logger writing to w at the given logrus level name
// ("debug", "info", "warn", "error"); unrecognized levels fall back to
// Info, matching the teacher's permissive level parsing.
func New(w io.Writer, level string) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)
	return &lgr{e: logrus.NewEntry(l)}
}

func (l *lgr) WithFields(f Fields) Logger {
	return &lgr{e: l.e.WithFields(logrus.Fields(f))}
}

func (l *lgr) Debug(msg string) { l.e.Debug(msg) }
func (l *lgr) Info(msg string)  { l.e.Info(msg) }
func (l *lgr) Warn(msg string)  { l.e.Warn(msg) }
func (l *lgr) Error(msg string) { l.e.Error(msg) }

func (l *lgr) Summary(f Fields) {
	l.e.WithFields(logrus.Fields(f)).Info("intercept")
}

// Discard is a Logger that drops everything; useful in tests.
func Discard() Logger {
	return New(io.Discard, "error")
}
