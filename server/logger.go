// Copyright 2026 The mcwhitelist Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package server

import (
	"fmt"
	"os"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LoggingFormat int8

const (
	JSONFormat LoggingFormat = iota - 1
	ConsoleFormat
)

func ParseLoggingFormat(s string) LoggingFormat {
	if strings.ToLower(s) == "console" {
		return ConsoleFormat
	}
	return JSONFormat
}

func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "info", "":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", s)
}

// SetupLogging builds the process logger from config.
func SetupLogging(config *Config) (*zap.Logger, error) {
	level, err := ParseLevel(config.Logger.Level)
	if err != nil {
		return nil, fmt.Errorf("logger level invalid, must be one of: DEBUG, INFO, WARN, or ERROR: %w", err)
	}
	format := ParseLoggingFormat(config.Logger.Format)

	var cores []zapcore.Core
	if config.Logger.Stdout || config.Logger.File == "" {
		cores = append(cores, newCore(zapcore.Lock(os.Stdout), level, format))
	}
	if config.Logger.File != "" {
		cores = append(cores, newCore(zapcore.AddSync(newRotatingWriter(config.Logger)), level, JSONFormat))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	if config.Name != "" {
		logger = logger.With(zap.String("node", config.Name))
	}
	return logger, nil
}

// NewJSONLogger writes to output at the given level and format.
func NewJSONLogger(output *os.File, level zapcore.Level, format LoggingFormat) *zap.Logger {
	return zap.New(newCore(zapcore.Lock(output), level, format), zap.AddCaller())
}

func newRotatingWriter(config *LoggerConfig) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   config.File,
		MaxSize:    config.MaxSize,
		MaxAge:     config.MaxAge,
		MaxBackups: config.MaxBackups,
		LocalTime:  config.LocalTime,
		Compress:   config.Compress,
	}
}

func newCore(ws zapcore.WriteSyncer, level zapcore.Level, format LoggingFormat) zapcore.Core {
	return zapcore.NewCore(newEncoder(format), ws, zap.NewAtomicLevelAt(level))
}

func newEncoder(format LoggingFormat) zapcore.Encoder {
	if format == ConsoleFormat {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	})
}

// RedirectDiscordLogs routes discordgo's internal logging into logger.
func RedirectDiscordLogs(logger *zap.Logger) {
	logger = logger.With(zap.String("module", "discordgo")).WithOptions(zap.AddCallerSkip(2))
	discordgo.Logger = func(msgL, caller int, format string, a ...interface{}) {
		msg := fmt.Sprintf(format, a...)
		switch msgL {
		case discordgo.LogError:
			logger.Error(msg)
		case discordgo.LogWarning:
			logger.Warn(msg)
		case discordgo.LogInformational:
			logger.Info(msg)
		default:
			logger.Debug(msg)
		}
	}
}
