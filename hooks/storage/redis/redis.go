// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package redis persists broker state in redis hashes.
package redis

import (
	"context"
	"fmt"
	"sort"
	"strings"

	redis "github.com/go-redis/redis/v8"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
)

// defaultAddr is the default address to the redis service.
const defaultAddr = "localhost:6379"

// defaultHPrefix is a prefix to better identify hsets created by the hook.
const defaultHPrefix = "moquette-"

// Options contains configuration settings for the redis instance.
type Options struct {
	HPrefix  string         `yaml:"h_prefix" json:"h_prefix"`
	Address  string         `yaml:"address" json:"address"`
	Username string         `yaml:"username" json:"username"`
	Password string         `yaml:"password" json:"password"`
	Database int            `yaml:"database" json:"database"`
	Options  *redis.Options `yaml:"-" json:"-"` // takes precedence over the connection fields
}

// Hook is a persistent storage hook using redis as a backend.
type Hook struct {
	kv.Hook
	config *Options // options for connecting to the Redis instance.
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "redis-db"
}

// Init connects to the redis service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.Options == nil {
		h.config.Options = &redis.Options{
			Addr:     h.config.Address,
			Username: h.config.Username,
			Password: h.config.Password,
			DB:       h.config.Database,
		}
	}

	if h.config.Options.Addr == "" {
		h.config.Options.Addr = defaultAddr
	}

	if h.config.HPrefix == "" {
		h.config.HPrefix = defaultHPrefix
	}

	h.Log.Info("connecting to redis service",
		"address", h.config.Options.Addr,
		"username", h.config.Options.Username,
		"password-len", len(h.config.Options.Password),
		"db", h.config.Options.DB)

	b, err := Open(context.Background(), h.config.Options, h.config.HPrefix)
	if err != nil {
		return err
	}

	h.Log.Info("connected to redis service")
	return h.Hook.Init(&kv.Options{Backend: b})
}

// Backend is a kv.Backend which keeps each record type in its own redis hash.
type Backend struct {
	db      *redis.Client
	ctx     context.Context
	hPrefix string
}

// Open connects to a redis service as a kv.Backend.
func Open(ctx context.Context, opts *redis.Options, hPrefix string) (*Backend, error) {
	db := redis.NewClient(opts)
	if _, err := db.Ping(ctx).Result(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping service: %w", err)
	}

	return &Backend{
		db:      db,
		ctx:     ctx,
		hPrefix: hPrefix,
	}, nil
}

// hKey returns the hash holding a key, named after the record type which
// precedes the first underscore.
func (b *Backend) hKey(key string) string {
	typ, _, _ := strings.Cut(key, "_")
	return b.hPrefix + typ
}

// Set stores a value under a key.
func (b *Backend) Set(key string, value []byte) error {
	return b.db.HSet(b.ctx, b.hKey(key), key, value).Err()
}

// Delete removes a key.
func (b *Backend) Delete(key string) error {
	return b.db.HDel(b.ctx, b.hKey(key), key).Err()
}

// Iterate calls fn for each key beginning with prefix, in key order.
func (b *Backend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	rows, err := b.db.HGetAll(b.ctx, b.hKey(prefix)).Result()
	if err != nil && err != redis.Nil {
		return err
	}

	keys := make([]string, 0, len(rows))
	for k := range rows {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	for _, k := range keys {
		if err := fn(k, []byte(rows[k])); err != nil {
			return err
		}
	}

	return nil
}

// Close closes the connection to the redis service.
func (b *Backend) Close() error {
	return b.db.Close()
}
