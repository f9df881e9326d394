// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package logger holds the process-wide structured logger of the
// authorization server, built on toolhive-core/logging.
//
// Callers pass key/value pairs (Infow, Debugw) rather than formatting values
// into the message. Token values, authorization codes and key material are
// never logged; log the jti or the collection name instead.
package logger

import (
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"github.com/stacklok/toolhive-core/env"
	"github.com/stacklok/toolhive-core/logging"
)

// FormatEnvVar selects the log output format ("text" or "json").
const FormatEnvVar = "INDIEAUTH_LOG_FORMAT"

var current atomic.Pointer[slog.Logger]

func init() {
	current.Store(logging.New(logging.WithFormat(logging.FormatText)))
}

func log() *slog.Logger {
	return current.Load()
}

// Debugw logs at debug level with key/value pairs.
func Debugw(msg string, keysAndValues ...any) {
	log().Debug(msg, keysAndValues...)
}

// Infow logs at info level with key/value pairs.
func Infow(msg string, keysAndValues ...any) {
	log().Info(msg, keysAndValues...)
}

// Infof logs a formatted message at info level.
func Infof(msg string, args ...any) {
	log().Info(fmt.Sprintf(msg, args...))
}

// Warnw logs at warning level with key/value pairs.
func Warnw(msg string, keysAndValues ...any) {
	log().Warn(msg, keysAndValues...)
}

// Warnf logs a formatted message at warning level.
func Warnf(msg string, args ...any) {
	log().Warn(fmt.Sprintf(msg, args...))
}

// Errorw logs at error level with key/value pairs.
func Errorw(msg string, keysAndValues ...any) {
	log().Error(msg, keysAndValues...)
}

// Errorf logs a formatted message at error level.
func Errorf(msg string, args ...any) {
	log().Error(fmt.Sprintf(msg, args...))
}

// Initialize configures the logger from the process environment and viper.
func Initialize() {
	InitializeWithEnv(&env.OSReader{})
}

// InitializeWithEnv configures the logger with a custom environment reader.
// Output is text unless INDIEAUTH_LOG_FORMAT=json; the viper key "debug"
// lowers the level to debug.
func InitializeWithEnv(envReader env.Reader) {
	current.Store(newLogger(envReader, viper.GetBool("debug")))
}

func newLogger(envReader env.Reader, debug bool) *slog.Logger {
	var opts []logging.Option
	if !jsonFormat(envReader) {
		opts = append(opts, logging.WithFormat(logging.FormatText))
	}
	if debug {
		opts = append(opts, logging.WithLevel(slog.LevelDebug))
	}
	return logging.New(opts...)
}

func jsonFormat(envReader env.Reader) bool {
	return strings.EqualFold(strings.TrimSpace(envReader.Getenv(FormatEnvVar)), "json")
}
