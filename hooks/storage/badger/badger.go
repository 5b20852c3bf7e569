// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co, gsagula, werbenhu

// Package badger persists broker state in a BadgerDB file store.
package badger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
)

const (
	// defaultDbFile is the default file path for the badger db file.
	defaultDbFile         = ".badger"
	defaultGcInterval     = 5 * 60 // gc interval in seconds
	defaultGcDiscardRatio = 0.5
)

// Options contains configuration settings for the BadgerDB instance.
type Options struct {
	Options *badgerdb.Options `yaml:"-" json:"-"`
	Path    string            `yaml:"path" json:"path"`
	// GcDiscardRatio specifies the ratio of log discard compared to the maximum possible log discard.
	// discardRatio must be in the range (0.0, 1.0), both endpoints excluded, otherwise it will be set to the default value of 0.5.
	GcDiscardRatio float64 `yaml:"gc_discard_ratio" json:"gc_discard_ratio"`
	GcInterval     int64   `yaml:"gc_interval" json:"gc_interval"`
}

// Hook is a persistent storage hook using a BadgerDB file store as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "badger-db"
}

// withDefaults fills the unset options.
func (o *Options) withDefaults() *Options {
	if o.Path == "" {
		o.Path = defaultDbFile
	}

	if o.GcInterval == 0 {
		o.GcInterval = defaultGcInterval
	}

	if o.GcDiscardRatio <= 0 || o.GcDiscardRatio >= 1 {
		o.GcDiscardRatio = defaultGcDiscardRatio
	}

	if o.Options == nil {
		opts := badgerdb.DefaultOptions(o.Path)
		o.Options = &opts
	}

	return o
}

// Init opens the badger instance and starts its value log garbage collection.
func (h *Hook) Init(config any) error {
	opts, ok := config.(*Options)
	switch {
	case config == nil:
		opts = new(Options)
	case !ok:
		return mqtt.ErrInvalidConfigType
	}

	h.config = opts.withDefaults()
	h.config.Options.Logger = badgerLog{h.Log}

	b, err := Open(*h.config.Options, time.Duration(h.config.GcInterval)*time.Second, h.config.GcDiscardRatio)
	if err != nil {
		return err
	}

	return h.Hook.Init(&kv.Options{Backend: b})
}

// badgerLog routes badger logs to the hook logger.
type badgerLog struct {
	log *slog.Logger
}

func (l badgerLog) emit(level slog.Level, format string, v []any) {
	if l.log == nil {
		return
	}
	msg := strings.ToLower(strings.TrimSpace(fmt.Sprintf(format, v...)))
	l.log.Log(context.Background(), level, msg, "source", "badger")
}

func (l badgerLog) Errorf(format string, v ...any)   { l.emit(slog.LevelError, format, v) }
func (l badgerLog) Warningf(format string, v ...any) { l.emit(slog.LevelWarn, format, v) }
func (l badgerLog) Infof(format string, v ...any)    { l.emit(slog.LevelInfo, format, v) }
func (l badgerLog) Debugf(format string, v ...any)   { l.emit(slog.LevelDebug, format, v) }

// Backend is a kv.Backend over a BadgerDB instance.
type Backend struct {
	db           *badgerdb.DB
	gcTicker     *time.Ticker // ticker for value log garbage collection
	discardRatio float64
	done         chan struct{}
}

// Open opens a BadgerDB instance as a kv.Backend. A gcInterval of zero
// disables value log garbage collection.
func Open(opts badgerdb.Options, gcInterval time.Duration, discardRatio float64) (*Backend, error) {
	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}

	b := &Backend{
		db:           db,
		discardRatio: discardRatio,
		done:         make(chan struct{}),
	}

	if gcInterval > 0 {
		b.gcTicker = time.NewTicker(gcInterval)
		go b.gcLoop()
	}

	return b, nil
}

// gcLoop periodically runs the garbage collection process to reclaim space in the value log files.
// Refer to: https://dgraph.io/docs/badger/get-started/#garbage-collection
func (b *Backend) gcLoop() {
	for {
		select {
		case <-b.done:
			return
		case <-b.gcTicker.C:
			// a nil error means a file was rewritten and another pass may reclaim more.
			for b.db.RunValueLogGC(b.discardRatio) == nil {
			}
		}
	}
}

// Set stores a value under a key.
func (b *Backend) Set(key string, value []byte) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Delete removes a key.
func (b *Backend) Delete(key string) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Iterate calls fn for each key beginning with prefix.
func (b *Backend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	return b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		iterator := txn.NewIterator(opts)
		defer iterator.Close()

		for iterator.Seek([]byte(prefix)); iterator.ValidForPrefix([]byte(prefix)); iterator.Next() {
			item := iterator.Item()
			err := item.Value(func(value []byte) error {
				return fn(string(item.Key()), value)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close stops garbage collection and closes the database.
func (b *Backend) Close() error {
	if b.gcTicker != nil {
		b.gcTicker.Stop()
	}
	close(b.done)

	return b.db.Close()
}
