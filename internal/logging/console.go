// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package logging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// consoleTime is the timestamp layout of console output.
const consoleTime = "2006-01-02T15:04:05.000"

// ConsoleHandler is a slog.Handler which writes one human readable line per
// record, with levels highlighted in colour:
//
//	2024-01-02T15:04:05.000 | INFO  | message key=value
type ConsoleHandler struct {
	mu     *sync.Mutex
	w      io.Writer
	level  slog.Leveler
	prefix string // preformatted attributes from WithAttrs
	group  string // dotted group prefix from WithGroup
	colors bool
}

// NewConsoleHandler returns a console handler writing to w. Colours are
// disabled when colors is false.
func NewConsoleHandler(w io.Writer, level slog.Leveler, colors bool) *ConsoleHandler {
	if level == nil {
		level = slog.LevelInfo
	}

	return &ConsoleHandler{
		mu:     new(sync.Mutex),
		w:      w,
		level:  level,
		colors: colors,
	}
}

// Enabled returns true if records at a level are written.
func (h *ConsoleHandler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

// Handle writes a record.
func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	buf := new(bytes.Buffer)
	if !r.Time.IsZero() {
		buf.WriteString(h.paint(color.FgGreen, r.Time.Format(consoleTime)))
		buf.WriteString(" | ")
	}

	buf.WriteString(h.paint(levelColor(r.Level), fmt.Sprintf("%-5s", r.Level.String())))
	buf.WriteString(" | ")
	buf.WriteString(r.Message)
	buf.WriteString(h.prefix)

	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(buf, h.group, a)
		return true
	})
	buf.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

// WithAttrs returns a handler which writes attrs with every record.
func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	buf := bytes.NewBufferString(h.prefix)
	for _, a := range attrs {
		h.appendAttr(buf, h.group, a)
	}

	n := *h
	n.prefix = buf.String()
	return &n
}

// WithGroup returns a handler which qualifies the keys of later attributes with name.
func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	n := *h
	n.group = h.group + name + "."
	return &n
}

func (h *ConsoleHandler) appendAttr(buf *bytes.Buffer, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}

	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			h.appendAttr(buf, group, ga)
		}
		return
	}

	buf.WriteByte(' ')
	buf.WriteString(h.paint(color.FgCyan, group+a.Key))
	buf.WriteByte('=')

	v := a.Value.String()
	if a.Value.Kind() == slog.KindTime {
		v = a.Value.Time().Format(consoleTime)
	}

	if v == "" || strings.ContainsAny(v, " =\"\t\n") {
		v = strconv.Quote(v)
	}
	buf.WriteString(v)
}

func (h *ConsoleHandler) paint(attr color.Attribute, s string) string {
	if !h.colors {
		return s
	}

	c := color.New(attr)
	c.EnableColor()
	return c.Sprint(s)
}

func levelColor(l slog.Level) color.Attribute {
	switch {
	case l >= slog.LevelError:
		return color.FgRed
	case l >= slog.LevelWarn:
		return color.FgYellow
	case l >= slog.LevelInfo:
		return color.FgBlue
	default:
		return color.FgMagenta
	}
}
