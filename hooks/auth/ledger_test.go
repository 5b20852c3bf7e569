// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/packets"
)

func sha(s string) RString {
	sum := sha256.Sum256([]byte(s))
	return RString(sha256Prefix + hex.EncodeToString(sum[:]))
}

// plantLedger describes a plant floor: operators with their own accounts,
// sensors authenticated by address, and a monitoring account.
func plantLedger() *Ledger {
	return &Ledger{
		Users: Users{
			"operator": {
				Password: sha("valve"),
				ACL: Filters{
					"plant/+/setpoint": ReadWrite,
					"plant/+/alarm":    ReadOnly,
					"plant/secret/#":   Deny,
				},
			},
			"retired": {
				Password: "anything",
				Disallow: true,
			},
			"monitor": { // no password, authenticated by the auth rules
				ACL: Filters{
					"plant/#": ReadOnly,
				},
			},
		},
		Auth: AuthRules{
			{Username: "intruder"},
			{Remote: "10.0.0.1", Allow: true},
			{Remote: "192.168.1.*", Allow: true},
			{Username: "monitor", Password: "watch", Allow: true},
			{Username: "operator", Password: "valve", Allow: false}, // decided by the users map
		},
		ACL: ACLRules{
			{
				Username: "sensor-*",
				Filters: Filters{
					"sensors/%c/#": WriteOnly,
					"sensors/#":    Deny,
				},
			},
			{Remote: "10.0.0.1", Filters: Filters{"$SYS/#": ReadOnly}},
			{Remote: "192.168.2.2"},
			{Filters: Filters{"$SYS/#": Deny}},
		},
	}
}

func TestAccessGrants(t *testing.T) {
	require.False(t, Deny.Grants(false))
	require.False(t, Deny.Grants(true))
	require.True(t, ReadOnly.Grants(false))
	require.False(t, ReadOnly.Grants(true))
	require.False(t, WriteOnly.Grants(false))
	require.True(t, WriteOnly.Grants(true))
	require.True(t, ReadWrite.Grants(false))
	require.True(t, ReadWrite.Grants(true))
}

func TestParseAccess(t *testing.T) {
	tt := map[string]Access{
		"deny":      Deny,
		"read":      ReadOnly,
		"Write":     WriteOnly,
		"readwrite": ReadWrite,
		"0":         Deny,
		"3":         ReadWrite,
	}
	for in, want := range tt {
		got, err := ParseAccess(in)
		require.NoError(t, err, in)
		require.Equal(t, want, got, in)
		require.NotEmpty(t, got.String())
	}

	for _, in := range []string{"4", "-1", "sometimes"} {
		_, err := ParseAccess(in)
		require.Error(t, err, in)
	}

	require.Equal(t, "9", Access(9).String())
}

func TestAccessUnmarshal(t *testing.T) {
	var f Filters
	require.NoError(t, json.Unmarshal([]byte(`{"a/#":"read","b/#":2}`), &f))
	require.Equal(t, Filters{"a/#": ReadOnly, "b/#": WriteOnly}, f)

	var y Filters
	require.NoError(t, yaml.Unmarshal([]byte("a/#: readwrite\nb/#: 0\n"), &y))
	require.Equal(t, Filters{"a/#": ReadWrite, "b/#": Deny}, y)

	require.Error(t, json.Unmarshal([]byte(`{"a/#":"never"}`), &f))
	require.Error(t, yaml.Unmarshal([]byte("a/#: never\n"), &y))
}

func TestRStringMatches(t *testing.T) {
	require.True(t, RString("*").Matches("any"))
	require.True(t, RString("").Matches(""))
	require.True(t, RString("exact").Matches("exact"))
	require.True(t, RString("sensor-*").Matches("sensor-12"))
	require.False(t, RString("sensor-*").Matches("sensor"))
	require.False(t, RString("no").Matches("any"))
}

func TestRStringFilterMatches(t *testing.T) {
	require.True(t, RString("plant/+/alarm").FilterMatches("plant/boiler/alarm"))
	require.True(t, RString("plant/#").FilterMatches("plant"))
	require.False(t, RString("#").FilterMatches("$SYS/broker/uptime"))
	require.False(t, RString("plant/+").FilterMatches("plant/a/b"))
}

func TestRStringPasswordMatches(t *testing.T) {
	require.True(t, RString("").PasswordMatches([]byte("any")))
	require.True(t, RString("melon").PasswordMatches([]byte("melon")))
	require.False(t, RString("melon").PasswordMatches([]byte("lemon")))
	require.True(t, sha("valve").PasswordMatches([]byte("valve")))
	require.False(t, sha("valve").PasswordMatches([]byte("valves")))
	require.False(t, sha("valve").PasswordMatches([]byte(sha("valve"))))
}

func TestAuthOk(t *testing.T) {
	ledger := plantLedger()

	tt := []struct {
		desc     string
		id       string
		remote   string
		username string
		password string
		ok       bool
	}{
		{desc: "user with hashed password", username: "operator", password: "valve", ok: true},
		{desc: "user with wrong password", username: "operator", password: "gate"},
		{desc: "disallowed user", username: "retired", password: "anything"},
		{desc: "denied username", username: "intruder", remote: "10.0.0.1"},
		{desc: "allowed address", remote: "10.0.0.1", ok: true},
		{desc: "allowed address prefix", remote: "192.168.1.77", ok: true},
		{desc: "user without password uses rules", username: "monitor", password: "watch", ok: true},
		{desc: "user without password wrong password", username: "monitor", password: "peek"},
		{desc: "no matching rule", remote: "172.16.0.1"},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			cl := &mqtt.Client{ID: tx.id, Net: mqtt.ClientConnection{Remote: tx.remote}}
			pk := packets.Packet{Connect: packets.ConnectParams{
				Username: []byte(tx.username),
				Password: []byte(tx.password),
			}}
			_, ok := ledger.AuthOk(cl, pk)
			require.Equal(t, tx.ok, ok)
		})
	}
}

func TestACLOk(t *testing.T) {
	ledger := plantLedger()

	tt := []struct {
		desc     string
		id       string
		username string
		remote   string
		topic    string
		write    bool
		ok       bool
	}{
		{desc: "user readwrite", username: "operator", topic: "plant/boiler/setpoint", write: true, ok: true},
		{desc: "user read only read", username: "operator", topic: "plant/boiler/alarm", ok: true},
		{desc: "user read only write", username: "operator", topic: "plant/boiler/alarm", write: true},
		{desc: "user denied", username: "operator", topic: "plant/secret/key"},
		{desc: "user unmentioned topic", username: "operator", topic: "canteen/menu", ok: true},
		{desc: "user filter includes parent", username: "monitor", topic: "plant", ok: true},
		{desc: "sensor own topic", id: "s1", username: "sensor-a", topic: "sensors/s1/temp", write: true, ok: true},
		{desc: "sensor other topic", id: "s1", username: "sensor-a", topic: "sensors/s2/temp", write: true},
		{desc: "sensor read", id: "s1", username: "sensor-a", topic: "sensors/s1/temp"},
		{desc: "sys for local", remote: "10.0.0.1", topic: "$SYS/broker/uptime", ok: true},
		{desc: "sys write for local", remote: "10.0.0.1", topic: "$SYS/broker/uptime", write: true},
		{desc: "rule without filters", remote: "192.168.2.2", topic: "$SYS/broker/uptime", write: true, ok: true},
		{desc: "sys denied", remote: "172.16.0.1", topic: "$SYS/broker/uptime"},
		{desc: "no rule mentions topic", remote: "172.16.0.1", topic: "a/b", write: true, ok: true},
	}

	for _, tx := range tt {
		t.Run(tx.desc, func(t *testing.T) {
			sess := &mqtt.Session{ID: tx.id, Username: []byte(tx.username), Remote: tx.remote}
			_, ok := ledger.ACLOk(sess, tx.topic, tx.write)
			require.Equal(t, tx.ok, ok)
		})
	}
}

func TestLedgerUpdate(t *testing.T) {
	l := new(Ledger)
	n := plantLedger()
	l.Update(n)
	require.Equal(t, n.Users, l.Users)
	require.Equal(t, n.Auth, l.Auth)
	require.Equal(t, n.ACL, l.ACL)
}

func TestLedgerRoundTrip(t *testing.T) {
	src := plantLedger()

	data, err := src.ToJSON()
	require.NoError(t, err)
	fromJSON := new(Ledger)
	require.NoError(t, fromJSON.Unmarshal(data))
	require.Equal(t, src.Users, fromJSON.Users)
	require.Equal(t, src.ACL, fromJSON.ACL)

	data, err = src.ToYAML()
	require.NoError(t, err)
	fromYAML := new(Ledger)
	require.NoError(t, fromYAML.Unmarshal(data))
	require.Equal(t, src.Auth, fromYAML.Auth)
	require.Equal(t, src.ACL, fromYAML.ACL)
}

func TestLedgerUnmarshalNamedAccess(t *testing.T) {
	l := new(Ledger)
	require.NoError(t, l.Unmarshal([]byte(`
users:
  operator:
    password: valve
    acl:
      plant/+/setpoint: readwrite
      plant/+/alarm: read
acl:
  - remote: 10.0.0.1
    filters:
      $SYS/#: read
`)))

	require.Equal(t, ReadWrite, l.Users["operator"].ACL["plant/+/setpoint"])
	require.Equal(t, ReadOnly, l.Users["operator"].ACL["plant/+/alarm"])
	require.Equal(t, ReadOnly, l.ACL[0].Filters["$SYS/#"])
}

func TestLedgerUnmarshalEmpty(t *testing.T) {
	l := new(Ledger)
	require.NoError(t, l.Unmarshal(nil))
	require.Nil(t, l.Users)
}

func TestLedgerUnmarshalInvalid(t *testing.T) {
	l := new(Ledger)
	require.Error(t, l.Unmarshal([]byte("{users")))
	require.Error(t, l.Unmarshal([]byte("users: [")))
}
