// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package mongo persists broker state in a MongoDB collection.
package mongo

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	mqtt "github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
)

const (
	defaultURI        = "mongodb://localhost:27017"
	defaultDatabase   = "moquette"
	defaultCollection = "state"
	defaultTimeout    = 10 * time.Second
)

// Options contains configuration settings for the mongo client.
type Options struct {
	URI        string                 `yaml:"uri" json:"uri"`
	Database   string                 `yaml:"database" json:"database"`
	Collection string                 `yaml:"collection" json:"collection"`
	Timeout    time.Duration          `yaml:"timeout" json:"timeout"` // timeout of each operation
	Options    *options.ClientOptions `yaml:"-" json:"-"`
}

// Hook is a persistent storage hook using a MongoDB collection as a backend.
type Hook struct {
	kv.Hook
	config *Options
}

// ID returns the id of the hook.
func (h *Hook) ID() string {
	return "mongo-db"
}

// Init connects to the mongo service.
func (h *Hook) Init(config any) error {
	if _, ok := config.(*Options); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(Options)
	}

	h.config = config.(*Options)
	if h.config.URI == "" {
		h.config.URI = defaultURI
	}

	if h.config.Database == "" {
		h.config.Database = defaultDatabase
	}

	if h.config.Collection == "" {
		h.config.Collection = defaultCollection
	}

	if h.config.Timeout <= 0 {
		h.config.Timeout = defaultTimeout
	}

	if h.config.Options == nil {
		h.config.Options = options.Client()
	}
	h.config.Options.ApplyURI(h.config.URI)

	h.Log.Info("connecting to mongo service", "database", h.config.Database, "collection", h.config.Collection)
	b, err := Open(h.config.Options, h.config.Database, h.config.Collection, h.config.Timeout)
	if err != nil {
		return err
	}

	h.Log.Info("connected to mongo service")
	return h.Hook.Init(&kv.Options{Backend: b})
}

// record is a document of the collection.
type record struct {
	Key   string `bson:"_id"`
	Value []byte `bson:"value"`
}

// Backend is a kv.Backend over a MongoDB collection, one document per key.
type Backend struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

// Open connects to a mongo service as a kv.Backend.
func Open(opts *options.ClientOptions, database, collection string, timeout time.Duration) (*Backend, error) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to service: %w", err)
	}

	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping service: %w", err)
	}

	return &Backend{
		client:     client,
		collection: client.Database(database).Collection(collection),
		timeout:    timeout,
	}, nil
}

// Set stores a value under a key.
func (b *Backend) Set(key string, value []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := b.collection.ReplaceOne(ctx, bson.M{"_id": key}, record{Key: key, Value: value}, opts)
	return err
}

// Delete removes a key.
func (b *Backend) Delete(key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	_, err := b.collection.DeleteOne(ctx, bson.M{"_id": key})
	return err
}

// prefixFilter returns a query matching every key beginning with prefix.
func prefixFilter(prefix string) bson.M {
	return bson.M{"_id": bson.M{"$regex": "^" + regexp.QuoteMeta(prefix)}}
}

// Iterate calls fn for each key beginning with prefix, in key order.
func (b *Backend) Iterate(prefix string, fn func(key string, value []byte) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()

	cur, err := b.collection.Find(ctx, prefixFilter(prefix), options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return err
	}
	defer cur.Close(ctx)

	for cur.Next(ctx) {
		var r record
		if err := cur.Decode(&r); err != nil {
			return err
		}

		if err := fn(r.Key, r.Value); err != nil {
			return err
		}
	}

	return cur.Err()
}

// Close disconnects from the mongo service.
func (b *Backend) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), b.timeout)
	defer cancel()
	return b.client.Disconnect(ctx)
}
