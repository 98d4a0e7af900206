// Copyright 2025 The NimbusFS Authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger provides the process-wide leveled logger, backed by
// log/slog with optional file output rotated by lumberjack.
package logger

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"runtime"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Severity levels, ordered. OFF disables all logging.
const (
	TRACE   = "TRACE"
	DEBUG   = "DEBUG"
	INFO    = "INFO"
	WARNING = "WARNING"
	ERROR   = "ERROR"
	OFF     = "OFF"
)

// slog has no TRACE or OFF; extend its numeric scale on both ends.
const (
	LevelTrace = slog.Level(-8)
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
	LevelOff   = slog.Level(12)
)

type loggerFactory struct {
	// If nil, log to stderr. Otherwise log to this rotating file.
	file   *lumberjack.Logger
	level  string
	format string
}

var (
	defaultLoggerFactory = &loggerFactory{
		file:   nil,
		level:  INFO,
		format: "json",
	}
	defaultLogger = defaultLoggerFactory.newLogger(INFO)
)

// InitLogFile switches the default logger to a rotating file sink.
// Must be called before mounting; concurrent use with the logging
// functions is not synchronized.
func InitLogFile(filePath, format, level string, maxSizeMB, backupCount int, compress bool) error {
	if filePath == "" {
		return fmt.Errorf("logger: no log file path given")
	}
	f := &lumberjack.Logger{
		Filename:   filePath,
		MaxSize:    maxSizeMB,
		MaxBackups: backupCount,
		Compress:   compress,
	}

	defaultLoggerFactory = &loggerFactory{
		file:   f,
		level:  level,
		format: format,
	}
	defaultLogger = defaultLoggerFactory.newLogger(level)
	return nil
}

// SetLogFormat sets the output format ("text" or "json") on the
// default logger.
func SetLogFormat(format string) {
	if format == defaultLoggerFactory.format {
		return
	}
	defaultLoggerFactory.format = format
	defaultLogger = defaultLoggerFactory.newLogger(defaultLoggerFactory.level)
}

// SetLogLevel sets the severity threshold on the default logger.
func SetLogLevel(level string) {
	defaultLoggerFactory.level = level
	defaultLogger = defaultLoggerFactory.newLogger(level)
}

// Tracef logs at TRACE severity in Printf style.
func Tracef(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelTrace, fmt.Sprintf(format, v...))
}

// Debugf logs at DEBUG severity in Printf style.
func Debugf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelDebug, fmt.Sprintf(format, v...))
}

// Infof logs at INFO severity in Printf style.
func Infof(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelInfo, fmt.Sprintf(format, v...))
}

// Warnf logs at WARNING severity in Printf style.
func Warnf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelWarn, fmt.Sprintf(format, v...))
}

// Errorf logs at ERROR severity in Printf style.
func Errorf(format string, v ...interface{}) {
	defaultLogger.Log(context.Background(), LevelError, fmt.Sprintf(format, v...))
}

// NewLegacyLogger returns a *log.Logger that feeds the default slog
// logger at the given level. Used for collaborators (e.g. the FUSE
// library) that want a stdlib logger.
func NewLegacyLogger(level slog.Level, prefix string) *log.Logger {
	return log.New(&legacyWriter{level: level, prefix: prefix}, "", 0)
}

type legacyWriter struct {
	level  slog.Level
	prefix string
}

func (w *legacyWriter) Write(p []byte) (int, error) {
	defaultLogger.Log(context.Background(), w.level, w.prefix+string(p))
	return len(p), nil
}

func (f *loggerFactory) newLogger(level string) *slog.Logger {
	var programLevel = new(slog.LevelVar)
	logger := slog.New(f.handler(programLevel, ""))
	setLoggingLevel(level, programLevel)
	return logger
}

func setLoggingLevel(level string, programLevel *slog.LevelVar) {
	switch level {
	case TRACE:
		programLevel.Set(LevelTrace)
	case DEBUG:
		programLevel.Set(LevelDebug)
	case INFO:
		programLevel.Set(LevelInfo)
	case WARNING:
		programLevel.Set(LevelWarn)
	case ERROR:
		programLevel.Set(LevelError)
	case OFF:
		programLevel.Set(LevelOff)
	}
}

func (f *loggerFactory) writer() io.Writer {
	if f.file != nil {
		return f.file
	}
	return os.Stderr
}

func (f *loggerFactory) handler(levelVar *slog.LevelVar, prefix string) slog.Handler {
	return f.createJsonOrTextHandler(f.writer(), levelVar, prefix)
}

func (f *loggerFactory) createJsonOrTextHandler(writer io.Writer, levelVar *slog.LevelVar, prefix string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level:       levelVar,
		ReplaceAttr: replaceAttr(f.format, prefix),
	}
	if f.format == "text" {
		return slog.NewTextHandler(writer, opts)
	}
	return slog.NewJSONHandler(writer, opts)
}

// replaceAttr renames slog's built-in keys to the stable wire names:
// "severity" (with WARNING spelled out) and "message", and renders
// the JSON timestamp as {seconds, nanos}.
func replaceAttr(format, prefix string) func([]string, slog.Attr) slog.Attr {
	return func(groups []string, a slog.Attr) slog.Attr {
		switch a.Key {
		case slog.LevelKey:
			a.Key = "severity"
			level := a.Value.Any().(slog.Level)
			a.Value = slog.StringValue(severityName(level))
		case slog.MessageKey:
			a.Key = "message"
			a.Value = slog.StringValue(prefix + a.Value.String())
		case slog.TimeKey:
			if format == "json" {
				t := a.Value.Time()
				a.Key = "timestamp"
				a.Value = slog.GroupValue(
					slog.Int64("seconds", t.Unix()),
					slog.Int64("nanos", int64(t.Nanosecond())),
				)
			}
		}
		return a
	}
}

func severityName(level slog.Level) string {
	switch {
	case level <= LevelTrace:
		return TRACE
	case level <= LevelDebug:
		return DEBUG
	case level <= LevelInfo:
		return INFO
	case level <= LevelWarn:
		return WARNING
	default:
		return ERROR
	}
}

// Fatal logs and exits. Used only from main-adjacent code.
func Fatal(format string, v ...interface{}) {
	Errorf(format, v...)
	b := make([]byte, 1<<16)
	n := runtime.Stack(b, true)
	Errorf("%s", b[:n])
	os.Exit(1)
}
