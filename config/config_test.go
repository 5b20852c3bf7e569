// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/hooks/auth"
	"github.com/kazetsukaimiko/moquette/hooks/debug"
	"github.com/kazetsukaimiko/moquette/hooks/storage/badger"
	"github.com/kazetsukaimiko/moquette/hooks/storage/bolt"
	"github.com/kazetsukaimiko/moquette/hooks/storage/kv"
	"github.com/kazetsukaimiko/moquette/hooks/storage/mongo"
	"github.com/kazetsukaimiko/moquette/hooks/storage/pebble"
	"github.com/kazetsukaimiko/moquette/hooks/storage/redis"
	"github.com/kazetsukaimiko/moquette/listeners"
)

var (
	yamlBytes = []byte(`
listeners:
  - type: "tcp"
    id: "file-tcp1"
    address: ":1883"
hooks:
  auth:
    allow_all: true
logging:
  output: console
  level: debug
options:
  client_net_write_buffer_size: 2048
  capabilities:
    maximum_inflight: 16
    retry_policy: drop
    compatibilities:
      restore_sys_info_on_restart: true
`)

	jsonBytes = []byte(`{
   "listeners": [
      {
         "type": "tcp",
         "id": "file-tcp1",
         "address": ":1883"
      }
   ],
   "hooks": {
      "auth": {
         "allow_all": true
      }
   },
   "logging": {
      "output": "console",
      "level": "debug"
   },
   "options": {
      "client_net_write_buffer_size": 2048,
      "capabilities": {
         "maximum_inflight": 16,
         "retry_policy": "drop",
         "compatibilities": {
            "restore_sys_info_on_restart": true
         }
      }
   }
}`)
)

func expectedCapabilities() *mqtt.Capabilities {
	caps := mqtt.NewDefaultServerCapabilities()
	caps.MaximumInflight = 16
	caps.RetryPolicy = mqtt.RetryPolicyDrop
	caps.Compatibilities.RestoreSysInfoOnRestart = true
	return caps
}

func requireParsed(t *testing.T, c *Config) {
	t.Helper()
	require.Equal(t, 2048, c.Options.ClientNetWriteBufferSize)
	require.Equal(t, expectedCapabilities(), c.Options.Capabilities)
	require.Equal(t, []listeners.Config{{Type: listeners.TypeTCP, ID: "file-tcp1", Address: ":1883"}}, c.Listeners)
	require.Equal(t, "console", c.Logging.Output)
	require.Equal(t, "debug", c.Logging.Level)
	require.NotNil(t, c.Hooks.Auth)
	require.True(t, c.Hooks.Auth.AllowAll)
}

func TestFromBytesEmpty(t *testing.T) {
	c, err := FromBytes([]byte{})
	require.NoError(t, err)
	require.Equal(t, mqtt.NewDefaultServerCapabilities(), c.Options.Capabilities)
}

func TestFromBytesYAML(t *testing.T) {
	c, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	requireParsed(t, c)
}

func TestFromBytesYAMLError(t *testing.T) {
	_, err := FromBytes(append(yamlBytes, 'a'))
	require.Error(t, err)
}

func TestFromBytesJSON(t *testing.T) {
	c, err := FromBytes(jsonBytes)
	require.NoError(t, err)
	requireParsed(t, c)
}

func TestFromBytesJSONError(t *testing.T) {
	_, err := FromBytes(append(jsonBytes, 'a'))
	require.Error(t, err)
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moquette.yml")
	require.NoError(t, os.WriteFile(path, yamlBytes, 0o600))

	c, err := FromFile(path)
	require.NoError(t, err)
	requireParsed(t, c)
}

func TestFromFileEmptyPath(t *testing.T) {
	c, err := FromFile("")
	require.NoError(t, err)
	require.Equal(t, New(), c)
}

func TestFromFileMissing(t *testing.T) {
	_, err := FromFile(filepath.Join(t.TempDir(), "missing.yml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestApplyEnv(t *testing.T) {
	c, err := FromBytes(yamlBytes)
	require.NoError(t, err)

	err = c.ApplyEnv(map[string]string{
		"MOQUETTE_CAPABILITIES_MAXIMUM_INFLIGHT": "32",
		"MOQUETTE_CAPABILITIES_RETRY_POLICY":     "disconnect",
		"MOQUETTE_CAPABILITIES_RETRY_BACKOFF":    "1.5",
		"MOQUETTE_SYS_TOPIC_RESEND_INTERVAL":     "5",
		"MOQUETTE_WORKER_COLUMNS":                "3",
		"MOQUETTE_LOG_LEVEL":                     "warn",
		"OTHER_WORKER_COLUMNS":                   "9",
	})
	require.NoError(t, err)

	require.Equal(t, uint16(32), c.Options.Capabilities.MaximumInflight)
	require.Equal(t, mqtt.RetryPolicyDisconnect, c.Options.Capabilities.RetryPolicy)
	require.Equal(t, 1.5, c.Options.Capabilities.RetryBackoff)
	require.Equal(t, int64(5), c.Options.SysTopicResendInterval)
	require.Equal(t, 3, c.Options.WorkerColumns)
	require.Equal(t, 2048, c.Options.ClientNetWriteBufferSize)
	require.Equal(t, "warn", c.Logging.Level)
	require.Equal(t, "console", c.Logging.Output)
}

func TestApplyEnvCompatibilities(t *testing.T) {
	c := New()
	err := c.ApplyEnv(map[string]string{
		"MOQUETTE_CAPABILITIES_COMPAT_RESTORE_SYS_INFO_ON_RESTART": "true",
	})
	require.NoError(t, err)
	require.True(t, c.Options.Capabilities.Compatibilities.RestoreSysInfoOnRestart)
}

func TestApplyEnvBadValue(t *testing.T) {
	c := New()
	err := c.ApplyEnv(map[string]string{
		"MOQUETTE_CAPABILITIES_MAXIMUM_INFLIGHT": "lots",
	})
	require.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("MOQUETTE_TEST_DOTENV_VALUE=abc\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("MOQUETTE_TEST_DOTENV_VALUE") })

	require.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env"), path))
	require.Equal(t, "abc", os.Getenv("MOQUETTE_TEST_DOTENV_VALUE"))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "moquette.json")
	require.NoError(t, os.WriteFile(path, jsonBytes, 0o600))
	t.Setenv("MOQUETTE_CAPABILITIES_MAXIMUM_QUEUED", "100")

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 100, c.Options.Capabilities.MaximumQueued)
	require.Equal(t, uint16(16), c.Options.Capabilities.MaximumInflight)
}

func TestServerOptions(t *testing.T) {
	c, err := FromBytes(yamlBytes)
	require.NoError(t, err)
	c.Options.Listeners = []listeners.Config{{Type: listeners.TypeMock, ID: "m1"}}

	o := c.ServerOptions()
	require.Len(t, o.Listeners, 2)
	require.Equal(t, "m1", o.Listeners[0].ID)
	require.Equal(t, "file-tcp1", o.Listeners[1].ID)
	require.Equal(t, []mqtt.HookLoadConfig{{Hook: new(auth.AllowHook)}}, o.Hooks)
	require.Same(t, c.Options.Capabilities, o.Capabilities)
	require.Len(t, c.Options.Listeners, 1)
}

func TestToHooksAuthAllowAll(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			AllowAll: true,
			ACLFile:  "acl.conf",
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(auth.AllowHook)},
	}
	require.Equal(t, expect, th)
}

func TestToHooksAuthACLFile(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			ACLFile: "acl.conf",
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{
			Hook:   new(auth.ACLFileHook),
			Config: &auth.ACLFileOptions{Path: "acl.conf"},
		},
	}
	require.Equal(t, expect, th)
}

func TestToHooksAuthLedgerFile(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			LedgerFile: "ledger.yml",
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{{Username: "peach", Allow: true}},
			},
		},
	}

	expect := []mqtt.HookLoadConfig{
		{
			Hook:   new(auth.Hook),
			Config: &auth.Options{Path: "ledger.yml"},
		},
	}
	require.Equal(t, expect, hc.toHooksAuth())
}

func TestToHooksAuthAllowLedger(t *testing.T) {
	hc := HookConfigs{
		Auth: &HookAuthConfig{
			Ledger: auth.Ledger{
				Auth: auth.AuthRules{
					{Username: "peach", Password: "password1", Allow: true},
				},
			},
		},
	}

	th := hc.toHooksAuth()
	expect := []mqtt.HookLoadConfig{
		{
			Hook: new(auth.Hook),
			Config: &auth.Options{
				Ledger: &auth.Ledger{ // avoid copying sync.Locker
					Auth: auth.AuthRules{
						{Username: "peach", Password: "password1", Allow: true},
					},
				},
			},
		},
	}
	require.Equal(t, expect, th)
}

func TestToHooksStorage(t *testing.T) {
	hc := HookConfigs{
		Storage: &HookStorageConfig{
			Badger: &badger.Options{Path: "badger"},
			Bolt:   &bolt.Options{Path: "bolt"},
			Redis:  &redis.Options{Username: "test"},
			Pebble: &pebble.Options{Path: "pebble"},
			Mongo:  &mongo.Options{Database: "moquette"},
			Memory: true,
		},
	}

	th := hc.toHooksStorage()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(badger.Hook), Config: hc.Storage.Badger},
		{Hook: new(bolt.Hook), Config: hc.Storage.Bolt},
		{Hook: new(redis.Hook), Config: hc.Storage.Redis},
		{Hook: new(pebble.Hook), Config: hc.Storage.Pebble},
		{Hook: new(mongo.Hook), Config: hc.Storage.Mongo},
		{Hook: new(kv.Hook)},
	}
	require.Equal(t, expect, th)
}

func TestToHooksDebug(t *testing.T) {
	hc := HookConfigs{
		Debug: &debug.Options{ShowPacketData: true},
	}

	th := hc.ToHooks()
	expect := []mqtt.HookLoadConfig{
		{Hook: new(debug.Hook), Config: hc.Debug},
	}
	require.Equal(t, expect, th)
}

func TestToHooksNone(t *testing.T) {
	require.Empty(t, HookConfigs{}.ToHooks())
}

func TestStorageFromYAML(t *testing.T) {
	c, err := FromBytes([]byte(`
hooks:
  storage:
    bolt:
      path: moquette.db
      bucket: sessions
    redis:
      address: localhost:6380
      h_prefix: mq-
`))
	require.NoError(t, err)
	require.Equal(t, "moquette.db", c.Hooks.Storage.Bolt.Path)
	require.Equal(t, "sessions", c.Hooks.Storage.Bolt.Bucket)
	require.Equal(t, "localhost:6380", c.Hooks.Storage.Redis.Address)
	require.Equal(t, "mq-", c.Hooks.Storage.Redis.HPrefix)
	require.Len(t, c.Hooks.ToHooks(), 2)
}
