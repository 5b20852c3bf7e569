// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: werbenhu

// Package pebble persists broker state in a pebble database.
package pebble

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	pebbledb "github.com/cockroachdb/pebble"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
)

const (
	// defaultDbFile is the default file path for the pebble db file.
	defaultDbFile = ".pebble"
)

// Write modes. Sync flushes every write to disk.
const (
	NoSync = "NoSync"
	Sync   = "Sync"
)

// keyUpperBound returns the smallest key greater than every key prefixed by
// b, or nil if there is none.
func keyUpperBound(b []byte) []byte {
	end := make([]byte, len(b))
	copy(end, b)
	for i := len(end) - 1; i >= 0; i-- {
		end[i] = end[i] + 1
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

// Options contains configuration settings for the pebble DB instance.
type Options struct {
	Options *pebbledb.Options `yaml:"-" json:"-"`
	Mode    string            `yaml:"mode" json:"mode"`
	Path    string            `yaml:"path" json:"path"`
}

// Hook is a persistent storage hook using a pebble DB file store as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "pebble-db"
}

// Init opens the pebble instance.
func (h *Hook) Init(config any) error {
	opts, ok := config.(*Options)
	switch {
	case config == nil:
		opts = new(Options)
	case !ok:
		return mqtt.ErrInvalidConfigType
	}

	if opts.Path == "" {
		opts.Path = defaultDbFile
	}
	if opts.Options == nil {
		opts.Options = new(pebbledb.Options)
	}
	opts.Options.Logger = pebbleLog{h.Log}
	h.config = opts

	b, err := Open(opts.Path, opts.Options, strings.EqualFold(opts.Mode, Sync))
	if err != nil {
		return err
	}

	return h.Hook.Init(&kv.Options{Backend: b})
}

// pebbleLog routes pebble logs to the hook logger. Fatalf panics, as pebble
// does not expect it to return.
type pebbleLog struct {
	log *slog.Logger
}

func (l pebbleLog) emit(level slog.Level, format string, v []any) string {
	msg := strings.TrimSpace(fmt.Sprintf(format, v...))
	if l.log != nil {
		l.log.Log(context.Background(), level, strings.ToLower(msg), "source", "pebble")
	}
	return msg
}

func (l pebbleLog) Infof(format string, v ...any)  { l.emit(slog.LevelInfo, format, v) }
func (l pebbleLog) Errorf(format string, v ...any) { l.emit(slog.LevelError, format, v) }
func (l pebbleLog) Fatalf(format string, v ...any) { panic(l.emit(slog.LevelError, format, v)) }

// Backend is a kv.Backend over a pebble instance.
type Backend struct {
	db   *pebbledb.DB
	mode *pebbledb.WriteOptions // per-query write options for Set and Delete
}

// Open opens a pebble database as a kv.Backend. If sync is true every write
// is synchronised to disk.
func Open(path string, opts *pebbledb.Options, sync bool) (*Backend, error) {
	db, err := pebbledb.Open(path, opts)
	if err != nil {
		return nil, err
	}

	mode := pebbledb.NoSync
	if sync {
		mode = pebbledb.Sync
	}

	return &Backend{
		db:   db,
		mode: mode,
	}, nil
}

// Set stores a value under a key.
func (b *Backend) Set(key string, value []byte) error {
	return b.db.Set([]byte(key), value, b.mode)
}

// Delete removes a key.
func (b *Backend) Delete(key string) error {
	return b.db.Delete([]byte(key), b.mode)
}

// Iterate calls fn for each key beginning with prefix.
func (b *Backend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	iter, err := b.db.NewIter(&pebbledb.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: keyUpperBound([]byte(prefix)),
	})
	if err != nil {
		return err
	}

	for iter.First(); iter.Valid(); iter.Next() {
		if err := fn(string(iter.Key()), iter.Value()); err != nil {
			_ = iter.Close()
			return err
		}
	}

	return iter.Close()
}

// Close closes the database.
func (b *Backend) Close() error {
	return b.db.Close()
}
