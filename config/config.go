// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"encoding/json"
	"errors"
	"os"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/auth"
	"github.com/kazetsukaimiko/moquette/hooks/debug"
	"github.com/kazetsukaimiko/moquette/hooks/storage/badger"
	"github.com/kazetsukaimiko/moquette/hooks/storage/bolt"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
	"github.com/kazetsukaimiko/moquette/hooks/storage/mongo"
	"github.com/kazetsukaimiko/moquette/hooks/storage/pebble"
	"github.com/kazetsukaimiko/moquette/hooks/storage/redis"
	"github.com/kazetsukaimiko/moquette/internal/logging"
	"github.com/kazetsukaimiko/moquette/listeners"
)

const (
	// EnvPrefix prefixes every environment variable read by the broker.
	EnvPrefix = "MOQUETTE_"

	// DefaultDotEnv is the dotenv file loaded when no other is named.
	DefaultDotEnv = ".env"
)

// Config defines the structure of configuration data to be parsed from a config source.
type Config struct {
	Options   mqtt.Options       `yaml:"options" json:"options"`
	Listeners []listeners.Config `yaml:"listeners" json:"listeners"`
	Hooks     HookConfigs        `yaml:"hooks" json:"hooks"`
	Logging   logging.Config     `yaml:"logging" json:"logging"`
}

// HookConfigs contains configurations to enable individual hooks.
type HookConfigs struct {
	Auth    *HookAuthConfig    `yaml:"auth" json:"auth"`
	Storage *HookStorageConfig `yaml:"storage" json:"storage"`
	Debug   *debug.Options     `yaml:"debug" json:"debug"`
}

// HookAuthConfig contains configurations for the auth hooks. AllowAll takes
// precedence over ACLFile, then LedgerFile, then the inline ledger.
type HookAuthConfig struct {
	Ledger     auth.Ledger `yaml:"ledger" json:"ledger"`
	LedgerFile string      `yaml:"ledger_file" json:"ledger_file"`
	ACLFile    string      `yaml:"acl_file" json:"acl_file"`
	AllowAll   bool        `yaml:"allow_all" json:"allow_all"`
}

// HookStorageConfig contains configurations for the different storage hooks.
type HookStorageConfig struct {
	Badger *badger.Options `yaml:"badger" json:"badger"`
	Bolt   *bolt.Options   `yaml:"bolt" json:"bolt"`
	Pebble *pebble.Options `yaml:"pebble" json:"pebble"`
	Redis  *redis.Options  `yaml:"redis" json:"redis"`
	Mongo  *mongo.Options  `yaml:"mongo" json:"mongo"`
	Memory bool            `yaml:"memory" json:"memory"` // in-process store, lost on exit
}

// New returns a configuration holding the default server capabilities.
func New() *Config {
	return &Config{
		Options: mqtt.Options{
			Capabilities: mqtt.NewDefaultServerCapabilities(),
		},
	}
}

// FromBytes unmarshals a byte slice of JSON or YAML config data over the
// default configuration. Values which are not set keep their defaults.
func FromBytes(b []byte) (*Config, error) {
	c := New()
	if len(b) == 0 {
		return c, nil
	}

	if b[0] == '{' {
		if err := json.Unmarshal(b, c); err != nil {
			return nil, err
		}
	} else {
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, err
		}
	}

	if c.Options.Capabilities == nil {
		c.Options.Capabilities = mqtt.NewDefaultServerCapabilities()
	}

	return c, nil
}

// FromFile reads a JSON or YAML config file. An empty path returns the defaults.
func FromFile(path string) (*Config, error) {
	if path == "" {
		return New(), nil
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	return FromBytes(b)
}

// LoadDotEnv sets environment variables from dotenv files which exist.
// Variables which are already set are not changed.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{DefaultDotEnv}
	}

	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return err
		}
	}

	return nil
}

// ApplyEnv overrides the server options and logging settings with MOQUETTE_
// prefixed environment variables, such as MOQUETTE_CAPABILITIES_MAXIMUM_INFLIGHT
// or MOQUETTE_LOG_LEVEL. A nil environ reads the process environment.
func (c *Config) ApplyEnv(environ map[string]string) error {
	if c.Options.Capabilities == nil {
		c.Options.Capabilities = mqtt.NewDefaultServerCapabilities()
	}

	if err := env.ParseWithOptions(&c.Options, env.Options{
		Prefix:      EnvPrefix,
		Environment: environ,
	}); err != nil {
		return err
	}

	return env.ParseWithOptions(&c.Logging, env.Options{
		Prefix:      EnvPrefix + "LOG_",
		Environment: environ,
	})
}

// Load reads the dotenv file, the config file at path if any, and then the
// environment, in increasing order of precedence.
func Load(path string) (*Config, error) {
	if err := LoadDotEnv(); err != nil {
		return nil, err
	}

	c, err := FromFile(path)
	if err != nil {
		return nil, err
	}

	if err := c.ApplyEnv(nil); err != nil {
		return nil, err
	}

	return c, nil
}

// ServerOptions returns the server options of the configuration, with the
// configured listeners and hooks attached.
func (c *Config) ServerOptions() *mqtt.Options {
	o := c.Options
	o.Listeners = append(append([]listeners.Config{}, c.Options.Listeners...), c.Listeners...)
	o.Hooks = append(o.Hooks, c.Hooks.ToHooks()...)
	return &o
}

// ToHooks converts Hook file configurations into Hooks to be added to the server.
func (hc HookConfigs) ToHooks() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig

	if hc.Auth != nil {
		hlc = append(hlc, hc.toHooksAuth()...)
	}

	if hc.Storage != nil {
		hlc = append(hlc, hc.toHooksStorage()...)
	}

	if hc.Debug != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(debug.Hook),
			Config: hc.Debug,
		})
	}

	return hlc
}

// toHooksAuth converts auth hook configurations into auth hooks.
func (hc HookConfigs) toHooksAuth() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig
	switch {
	case hc.Auth.AllowAll:
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook: new(auth.AllowHook),
		})
	case hc.Auth.ACLFile != "":
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook: new(auth.ACLFileHook),
			Config: &auth.ACLFileOptions{
				Path: hc.Auth.ACLFile,
			},
		})
	case hc.Auth.LedgerFile != "":
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(auth.Hook),
			Config: &auth.Options{Path: hc.Auth.LedgerFile},
		})
	default:
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Users: hc.Auth.Ledger.Users,
					Auth:  hc.Auth.Ledger.Auth,
					ACL:   hc.Auth.Ledger.ACL,
				},
			},
		})
	}
	return hlc
}

// toHooksStorage converts storage hook configurations into storage hooks.
func (hc HookConfigs) toHooksStorage() []mqtt.HookLoadConfig {
	var hlc []mqtt.HookLoadConfig
	if hc.Storage.Badger != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(badger.Hook),
			Config: hc.Storage.Badger,
		})
	}

	if hc.Storage.Bolt != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(bolt.Hook),
			Config: hc.Storage.Bolt,
		})
	}

	if hc.Storage.Redis != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(redis.Hook),
			Config: hc.Storage.Redis,
		})
	}

	if hc.Storage.Pebble != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(pebble.Hook),
			Config: hc.Storage.Pebble,
		})
	}

	if hc.Storage.Mongo != nil {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook:   new(mongo.Hook),
			Config: hc.Storage.Mongo,
		})
	}

	if hc.Storage.Memory {
		hlc = append(hlc, mqtt.HookLoadConfig{
			Hook: new(kv.Hook),
		})
	}
	return hlc
}
