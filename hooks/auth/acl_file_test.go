// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/packets"
)

const aclFile = `# global rules
topic read $SYS/#
topic /weather/+/anemometer #simple comment

user admin
topic readwrite admin/#
topic write commands/# #only publish

user viewer
topic read dashboards/#

pattern read clients/%c/inbox
pattern write users/%u/outbox
`

func parseACLString(t *testing.T, s string) *ACLFile {
	t.Helper()
	acl, err := ParseACL(strings.NewReader(s))
	require.NoError(t, err)
	return acl
}

func TestParseACLEmpty(t *testing.T) {
	acl := parseACLString(t, "  ")
	require.True(t, acl.Empty())
}

func TestParseACLComment(t *testing.T) {
	acl := parseACLString(t, "#simple comment")
	require.True(t, acl.Empty())
}

func TestParseACLPaddedComment(t *testing.T) {
	_, err := ParseACL(strings.NewReader(" #simple comment"))
	require.ErrorIs(t, err, ErrACLParse)
}

func TestParseACLSingleLine(t *testing.T) {
	acl := parseACLString(t, "topic /weather/italy/anemometer")
	require.True(t, acl.CanRead("/weather/italy/anemometer", "", ""))
	require.True(t, acl.CanWrite("/weather/italy/anemometer", "", ""))
	require.False(t, acl.CanRead("/weather/italy", "", ""))
}

func TestParseACLEndLineComment(t *testing.T) {
	tt := []struct {
		desc  string
		line  string
		topic string
	}{
		{
			desc:  "literal",
			line:  "topic /weather/italy/anemometer #simple comment",
			topic: "/weather/italy/anemometer",
		},
		{
			desc:  "multi-level wildcard",
			line:  "topic /weather/italy/anemometer/# #simple comment",
			topic: "/weather/italy/anemometer/#",
		},
		{
			desc:  "single-level wildcard",
			line:  "topic /weather/+/anemometer #simple comment",
			topic: "/weather/+/anemometer",
		},
		{
			desc:  "bare multi-level wildcard",
			line:  "topic # #everything",
			topic: "a/b",
		},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			acl := parseACLString(t, tx.line)
			require.True(t, acl.CanRead(tx.topic, "", ""))
			require.True(t, acl.CanWrite(tx.topic, "", ""))
		})
	}
}

func TestParseACLInvalid(t *testing.T) {
	tt := []string{
		"topic",
		"topic read",
		"topic read a/b extra",
		"topic a/b+",
		"user",
		"user a b",
		"publish a/b",
	}

	for _, line := range tt {
		t.Run(line, func(t *testing.T) {
			_, err := ParseACL(strings.NewReader(line))
			require.ErrorIs(t, err, ErrACLParse)
		})
	}
}

func TestACLFileAccess(t *testing.T) {
	acl := parseACLString(t, aclFile)
	require.False(t, acl.Empty())

	tt := []struct {
		desc     string
		topic    string
		username string
		client   string
		write    bool
		ok       bool
	}{
		{desc: "global read", topic: "$SYS/broker/uptime", ok: true},
		{desc: "global read only", topic: "$SYS/broker/uptime", write: true},
		{desc: "global readwrite", topic: "/weather/rome/anemometer", write: true, ok: true},
		{desc: "user readwrite", topic: "admin/settings", username: "admin", write: true, ok: true},
		{desc: "user write only", topic: "commands/restart", username: "admin", write: true, ok: true},
		{desc: "user write only read", topic: "commands/restart", username: "admin"},
		{desc: "other user", topic: "admin/settings", username: "viewer"},
		{desc: "user read", topic: "dashboards/main", username: "viewer", ok: true},
		{desc: "anonymous", topic: "dashboards/main"},
		{desc: "pattern client", topic: "clients/c1/inbox", client: "c1", ok: true},
		{desc: "pattern other client", topic: "clients/c2/inbox", client: "c1"},
		{desc: "pattern username", topic: "users/viewer/outbox", username: "viewer", write: true, ok: true},
		{desc: "pattern access", topic: "users/viewer/outbox", username: "viewer"},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			if tx.write {
				require.Equal(t, tx.ok, acl.CanWrite(tx.topic, tx.username, tx.client))
			} else {
				require.Equal(t, tx.ok, acl.CanRead(tx.topic, tx.username, tx.client))
			}
		})
	}
}

func TestACLFileHookID(t *testing.T) {
	h := new(ACLFileHook)
	require.Equal(t, "acl-file", h.ID())
}

func TestACLFileHookProvides(t *testing.T) {
	h := new(ACLFileHook)
	require.True(t, h.Provides(mqtt.OnACLCheck))
	require.True(t, h.Provides(mqtt.OnConnectAuthenticate))
	require.False(t, h.Provides(mqtt.OnPublished))
}

func TestACLFileHookInitBadConfig(t *testing.T) {
	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(map[string]any{}), mqtt.ErrInvalidConfigType)
}

func TestACLFileHookInitParseError(t *testing.T) {
	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.ErrorIs(t, h.Init(&ACLFileOptions{Data: []byte(" # bad")}), ErrACLParse)
}

func TestACLFileHookInitPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acl.conf")
	require.NoError(t, os.WriteFile(path, []byte(aclFile), 0o600))

	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Init(&ACLFileOptions{Path: path}))

	require.True(t, h.OnACLCheck(&mqtt.Session{ID: "c1"}, "clients/c1/inbox", false))
	require.False(t, h.OnACLCheck(&mqtt.Session{ID: "c2"}, "clients/c1/inbox", false))
	require.True(t, h.OnACLCheck(&mqtt.Session{Username: []byte("admin")}, "admin/x", true))
}

func TestACLFileHookInitMissingPath(t *testing.T) {
	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.Error(t, h.Init(&ACLFileOptions{Path: filepath.Join(t.TempDir(), "missing")}))
}

func TestACLFileHookDeniesWithoutRules(t *testing.T) {
	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.False(t, h.OnACLCheck(&mqtt.Session{}, "a/b", false))

	require.NoError(t, h.Init(nil))
	require.False(t, h.OnACLCheck(&mqtt.Session{}, "a/b", false))
}

func TestACLFileHookLoadReplaces(t *testing.T) {
	h := new(ACLFileHook)
	h.SetOpts(logger, nil)
	require.NoError(t, h.Load([]byte("topic a/#")))
	require.True(t, h.OnACLCheck(&mqtt.Session{}, "a/b", true))

	require.NoError(t, h.Load([]byte("topic b/#")))
	require.False(t, h.OnACLCheck(&mqtt.Session{}, "a/b", true))
}

func TestACLFileHookOnConnectAuthenticate(t *testing.T) {
	h := new(ACLFileHook)
	require.True(t, h.OnConnectAuthenticate(new(mqtt.Client), packets.Packet{}))
}
