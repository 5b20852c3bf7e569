// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/packets"
)

const (
	Deny      Access = iota // user cannot access the topic
	ReadOnly                // user can only subscribe to the topic
	WriteOnly               // user can only publish to the topic
	ReadWrite               // user can both publish and subscribe to the topic
)

// sha256Prefix marks a rule password given as the hex sha256 digest of the password.
const sha256Prefix = "sha256:"

var accessNames = map[Access]string{
	Deny:      "deny",
	ReadOnly:  "read",
	WriteOnly: "write",
	ReadWrite: "readwrite",
}

// Access determines the read/write privileges for an ACL rule. In config files
// it may be given by number or by name: deny, read, write or readwrite.
type Access byte

// Grants returns true if the access allows a publish (write) or a subscription (read).
func (a Access) Grants(write bool) bool {
	if write {
		return a == WriteOnly || a == ReadWrite
	}
	return a == ReadOnly || a == ReadWrite
}

// String returns the name of the access level.
func (a Access) String() string {
	if s, ok := accessNames[a]; ok {
		return s
	}
	return strconv.Itoa(int(a))
}

// ParseAccess parses an access level by number or name.
func ParseAccess(s string) (Access, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for a, name := range accessNames {
		if s == name {
			return a, nil
		}
	}

	n, err := strconv.Atoi(s)
	if err != nil || n < int(Deny) || n > int(ReadWrite) {
		return Deny, fmt.Errorf("invalid access %q", s)
	}
	return Access(n), nil
}

// UnmarshalJSON accepts a number or a name.
func (a *Access) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(b) > 0 && b[0] == '"' {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
	}

	v, err := ParseAccess(s)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// UnmarshalYAML accepts a number or a name.
func (a *Access) UnmarshalYAML(n *yaml.Node) error {
	v, err := ParseAccess(n.Value)
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// Users contains a map of access rules for specific users, keyed on username.
type Users map[string]UserRule

// UserRule defines a set of access rules for a specific user.
type UserRule struct {
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // plain, or sha256:<hex digest>
	ACL      Filters `json:"acl,omitempty" yaml:"acl,omitempty"`           // filters to match, if desired
	Disallow bool    `json:"disallow,omitempty" yaml:"disallow,omitempty"` // allow or disallow the user
}

// AuthRules defines generic access rules applicable to all users.
type AuthRules []AuthRule

// AuthRule matches connecting clients. Empty fields match anything.
type AuthRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix*
	Password RString `json:"password,omitempty" yaml:"password,omitempty"` // plain, or sha256:<hex digest>
	Allow    bool    `json:"allow,omitempty" yaml:"allow,omitempty"`       // allow or disallow the users
}

// ACLRules defines generic topic or filter access rules applicable to all users.
type ACLRules []ACLRule

// ACLRule defines access rules for a specific topic or filter.
type ACLRule struct {
	Client   RString `json:"client,omitempty" yaml:"client,omitempty"`     // the id of a connecting client
	Username RString `json:"username,omitempty" yaml:"username,omitempty"` // the username of a user
	Remote   RString `json:"remote,omitempty" yaml:"remote,omitempty"`     // remote address or prefix*
	Filters  Filters `json:"filters,omitempty" yaml:"filters,omitempty"`   // filters to match
}

// Filters is a map of Access rules keyed on filter. A filter may contain %c
// and %u, which are replaced by the client id and username of the session.
type Filters map[RString]Access

// RString is a rule value string. "*" or empty matches anything and a
// trailing "*" matches by prefix.
type RString string

// Matches returns true if the rule matches a given string.
func (r RString) Matches(a string) bool {
	rr := string(r)
	if r == "" || r == "*" || a == rr {
		return true
	}

	i := strings.Index(rr, "*")
	return i > 0 && strings.HasPrefix(a, rr[:i])
}

// FilterMatches returns true if a filter matches a topic rule.
func (r RString) FilterMatches(a string) bool {
	return mqtt.MatchTopic(string(r), a)
}

// PasswordMatches returns true if the rule matches a password. An empty rule
// matches any password.
func (r RString) PasswordMatches(password []byte) bool {
	rr := string(r)
	if rr == "" {
		return true
	}

	if digest, ok := strings.CutPrefix(rr, sha256Prefix); ok {
		sum := sha256.Sum256(password)
		return subtle.ConstantTimeCompare([]byte(hex.EncodeToString(sum[:])), []byte(strings.ToLower(digest))) == 1
	}

	return subtle.ConstantTimeCompare([]byte(rr), password) == 1
}

// Ledger is an auth ledger containing access rules for users and topics.
type Ledger struct {
	sync.Mutex `json:"-" yaml:"-"`
	Users      Users     `json:"users" yaml:"users"`
	Auth       AuthRules `json:"auth" yaml:"auth"`
	ACL        ACLRules  `json:"acl" yaml:"acl"`
}

// Update updates the internal values of the ledger.
func (l *Ledger) Update(ln *Ledger) {
	l.Lock()
	defer l.Unlock()
	l.Users = ln.Users
	l.Auth = ln.Auth
	l.ACL = ln.ACL
}

// AuthOk returns true if the rules indicate the user is allowed to authenticate,
// and the index of the auth rule which decided it.
func (l *Ledger) AuthOk(cl *mqtt.Client, pk packets.Packet) (n int, ok bool) {
	username := string(pk.Connect.Username)

	l.Lock()
	defer l.Unlock()

	// a known user with a password is decided by the users map alone.
	if u, ok := l.Users[username]; ok && u.Password != "" && u.Password.PasswordMatches(pk.Connect.Password) {
		return 0, !u.Disallow
	}

	for n, rule := range l.Auth {
		if rule.Client.Matches(cl.ID) &&
			rule.Username.Matches(username) &&
			rule.Password.PasswordMatches(pk.Connect.Password) &&
			rule.Remote.Matches(cl.Net.Remote) {
			return n, rule.Allow
		}
	}

	return 0, false
}

// identity returns the fields of a session which acl rules are matched against.
func identity(sess *mqtt.Session) (id, username, remote string) {
	sess.RLock()
	defer sess.RUnlock()
	return sess.ID, string(sess.Username), sess.Remote
}

// check returns the access of the first filter matching topic, once %c and %u
// are substituted.
func (f Filters) check(topic string, subst *strings.Replacer) (Access, bool) {
	for filter, access := range f {
		if RString(subst.Replace(string(filter))).FilterMatches(topic) {
			return access, true
		}
	}
	return Deny, false
}

// grants returns true if any filter matching topic grants the access.
func (f Filters) grants(topic string, write bool, subst *strings.Replacer) bool {
	for filter, access := range f {
		if access.Grants(write) && RString(subst.Replace(string(filter))).FilterMatches(topic) {
			return true
		}
	}
	return false
}

// ACLOk returns true if the rules indicate the session is allowed to read or write to
// a specific filter or topic respectively, based on the `write` bool. Topics
// which no rule mentions are allowed.
func (l *Ledger) ACLOk(sess *mqtt.Session, topic string, write bool) (n int, ok bool) {
	id, username, remote := identity(sess)
	subst := strings.NewReplacer("%c", id, "%u", username)

	l.Lock()
	defer l.Unlock()

	// the first matching filter of a known user decides.
	if u, ok := l.Users[username]; ok {
		if access, found := u.ACL.check(topic, subst); found {
			return 0, access.Grants(write)
		}
	}

	for n, rule := range l.ACL {
		if !rule.Client.Matches(id) || !rule.Username.Matches(username) || !rule.Remote.Matches(remote) {
			continue
		}

		if len(rule.Filters) == 0 || rule.Filters.grants(topic, write, subst) {
			return n, true
		}

		if _, found := rule.Filters.check(topic, subst); found {
			return n, false
		}
	}

	return 0, true
}

// ToJSON encodes the values into a JSON string.
func (l *Ledger) ToJSON() (data []byte, err error) {
	return json.Marshal(l)
}

// ToYAML encodes the values into a YAML string.
func (l *Ledger) ToYAML() (data []byte, err error) {
	return yaml.Marshal(l)
}

// Unmarshal decodes a JSON or YAML string (such as a rule config from a file) into a struct.
func (l *Ledger) Unmarshal(data []byte) error {
	l.Lock()
	defer l.Unlock()
	if len(data) == 0 {
		return nil
	}

	if data[0] == '{' {
		return json.Unmarshal(data, l)
	}

	return yaml.Unmarshal(data, l)
}
