// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt
// SPDX-FileContributor: dduncan

// Package logging builds the slog loggers used by the broker binary.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
)

const (
	OutputJSON    = "JSON"
	OutputText    = "TEXT"
	OutputConsole = "CONSOLE"
)

// Config selects the format and level of the broker logs.
type Config struct {
	Output string `yaml:"output" json:"output" env:"OUTPUT"` // JSON, TEXT or CONSOLE (default TEXT)
	Level  string `yaml:"level" json:"level" env:"LEVEL"`    // DEBUG, INFO, WARN or ERROR (default INFO)
}

// SlogLevel returns the configured level, or slog.LevelInfo if it is not recognised.
func (c Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// New returns a logger writing to w in the configured format.
func New(w io.Writer, c Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}

	var handler slog.Handler
	switch strings.ToUpper(c.Output) {
	case OutputJSON:
		handler = slog.NewJSONHandler(w, opts)
	case OutputConsole:
		colors := false
		if f, ok := w.(*os.File); ok && f == os.Stdout {
			colors = !color.NoColor
		}
		handler = NewConsoleHandler(w, opts.Level, colors)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}
