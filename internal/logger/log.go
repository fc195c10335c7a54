// Copyright (c) The depthcharge-tools Authors.
// Licensed under the MIT License.

// Package logger provides the shared logrus logger used by all
// depthcharge-tools executables.
package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/sirupsen/logrus"
)

// Log is the logger all packages log through.
var Log = logrus.New()

const (
	LevelsFlag         = "log-level"
	LevelsHelp         = "Minimum log level to show on the console."
	LevelsPlaceholder  = "(panic|fatal|error|warn|info|debug|trace)"
	FileFlag           = "log-file"
	FileFlagHelp       = "File to write full logs to, regardless of the console log level."
	ColorFlag          = "log-color"
	ColorFlagHelp      = "Whether to colorize the console output."
	ColorsPlaceholder  = "(always|auto|never)"
	DefaultLogLevel    = logrus.InfoLevel
	defaultLogFileMode = 0o644
)

type LogFlags struct {
	LogColor *string
	LogFile  *string
	LogLevel *string
}

// Levels lists the accepted values for the log-level flag.
func Levels() []string {
	levels := []string{}
	for _, level := range logrus.AllLevels {
		levels = append(levels, level.String())
	}
	return levels
}

// Colors lists the accepted values for the log-color flag.
func Colors() []string {
	return []string{"always", "auto", "never"}
}

type consoleFormatter struct {
	colorize bool
}

func (f *consoleFormatter) Format(entry *logrus.Entry) ([]byte, error) {
	level := strings.ToLower(entry.Level.String())

	if f.colorize {
		switch entry.Level {
		case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
			level = color.RedString(level)
		case logrus.WarnLevel:
			level = color.YellowString(level)
		case logrus.DebugLevel, logrus.TraceLevel:
			level = color.CyanString(level)
		}
	}

	return []byte(fmt.Sprintf("%s: %s\n", level, entry.Message)), nil
}

// InitStderrLog initializes the logger with its defaults.
// Useful for tests which do not parse command line flags.
func InitStderrLog() {
	Log.SetOutput(os.Stderr)
	Log.SetLevel(DefaultLogLevel)
	Log.SetFormatter(&consoleFormatter{colorize: false})
}

// Init configures the logger from parsed command line flags.
func Init(flags *LogFlags) error {
	Log.SetOutput(os.Stderr)
	Log.SetFormatter(&consoleFormatter{colorize: shouldColorize(flags)})

	if flags.LogLevel != nil && *flags.LogLevel != "" {
		level, err := logrus.ParseLevel(*flags.LogLevel)
		if err != nil {
			return fmt.Errorf("failed to parse log level (%s):\n%w", *flags.LogLevel, err)
		}
		Log.SetLevel(level)
	} else {
		Log.SetLevel(DefaultLogLevel)
	}

	if flags.LogFile != nil && *flags.LogFile != "" {
		logFile, err := os.OpenFile(*flags.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultLogFileMode)
		if err != nil {
			return fmt.Errorf("failed to open log file (%s):\n%w", *flags.LogFile, err)
		}
		Log.SetOutput(io.MultiWriter(os.Stderr, logFile))
	}

	return nil
}

// InitBestEffort configures the logger from flags, falling back to
// defaults on any error instead of failing the program.
func InitBestEffort(flags *LogFlags) {
	err := Init(flags)
	if err != nil {
		InitStderrLog()
		Log.Warnf("Failed to configure logger: %v", err)
	}
}

func shouldColorize(flags *LogFlags) bool {
	mode := "auto"
	if flags.LogColor != nil && *flags.LogColor != "" {
		mode = *flags.LogColor
	}

	switch mode {
	case "always":
		return true
	case "never":
		return false
	default:
		return !color.NoColor
	}
}
