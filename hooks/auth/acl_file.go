// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package auth

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/kazetsukaimiko/moquette"
	"github.com/kazetsukaimiko/moquette/packets"
)

// ErrACLParse indicates a line of an acl file could not be understood.
var ErrACLParse = errors.New("invalid acl file")

// ACLFileOptions contains the configuration for the acl file hook. Data takes
// precedence over Path.
type ACLFileOptions struct {
	Path string `yaml:"path" json:"path"`
	Data []byte `yaml:"data" json:"data"`
}

// aclEntry grants access to a filter.
type aclEntry struct {
	filter string
	access Access
}

// ACLFile is a set of topic access rules in the line based acl file format:
//
//	# comment
//	topic [read|write|readwrite] <filter>
//	user <username>
//	pattern [read|write|readwrite] <filter>
//
// topic lines before the first user line apply to every client. pattern lines
// apply to every client, with %c replaced by the client id and %u by the username.
type ACLFile struct {
	global   []aclEntry
	users    map[string][]aclEntry
	patterns []aclEntry
}

// ParseACL reads an acl file.
func ParseACL(r io.Reader) (*ACLFile, error) {
	a := &ACLFile{
		users: map[string][]aclEntry{},
	}

	var user string
	hasUser := false

	sc := bufio.NewScanner(r)
	for n := 1; sc.Scan(); n++ {
		line := sc.Text()
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if strings.HasPrefix(strings.TrimSpace(line), "#") {
			return nil, fmt.Errorf("%w: line %d: padded comment", ErrACLParse, n)
		}

		fields := strings.Fields(line)
		switch strings.ToLower(fields[0]) {
		case "user":
			if len(fields) < 2 || !trailingComment(fields[2:]) {
				return nil, fmt.Errorf("%w: line %d: expected user <name>", ErrACLParse, n)
			}
			user, hasUser = fields[1], true
		case "topic", "pattern":
			e, err := parseEntry(fields[1:])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %s", ErrACLParse, n, err)
			}

			switch {
			case strings.EqualFold(fields[0], "pattern"):
				a.patterns = append(a.patterns, e)
			case hasUser:
				a.users[user] = append(a.users[user], e)
			default:
				a.global = append(a.global, e)
			}
		default:
			return nil, fmt.Errorf("%w: line %d: unknown directive %q", ErrACLParse, n, fields[0])
		}
	}

	if err := sc.Err(); err != nil {
		return nil, err
	}

	return a, nil
}

// parseEntry parses the arguments of a topic or pattern line.
func parseEntry(args []string) (aclEntry, error) {
	e := aclEntry{access: ReadWrite}
	if len(args) == 0 {
		return e, errors.New("expected [read|write|readwrite] <filter>")
	}

	switch strings.ToLower(args[0]) {
	case "read":
		e.access, args = ReadOnly, args[1:]
	case "write":
		e.access, args = WriteOnly, args[1:]
	case "readwrite":
		e.access, args = ReadWrite, args[1:]
	}

	if len(args) == 0 || !trailingComment(args[1:]) {
		return e, errors.New("expected [read|write|readwrite] <filter>")
	}

	e.filter = args[0]
	if !mqtt.IsValidFilter(e.filter) {
		return e, fmt.Errorf("invalid filter %q", e.filter)
	}

	return e, nil
}

// trailingComment returns true if the fields after the arguments of a line are
// empty or a comment.
func trailingComment(rest []string) bool {
	return len(rest) == 0 || strings.HasPrefix(rest[0], "#")
}

// Empty returns true if the file contains no rules.
func (a *ACLFile) Empty() bool {
	return len(a.global) == 0 && len(a.users) == 0 && len(a.patterns) == 0
}

// CanRead returns true if a client may subscribe to or receive from a topic.
func (a *ACLFile) CanRead(topic, username, client string) bool {
	return a.can(topic, username, client, false)
}

// CanWrite returns true if a client may publish to a topic.
func (a *ACLFile) CanWrite(topic, username, client string) bool {
	return a.can(topic, username, client, true)
}

func (a *ACLFile) can(topic, username, client string, write bool) bool {
	for _, e := range a.global {
		if e.grants(e.filter, topic, write) {
			return true
		}
	}

	r := strings.NewReplacer("%c", client, "%u", username)
	for _, e := range a.patterns {
		if e.grants(r.Replace(e.filter), topic, write) {
			return true
		}
	}

	for _, e := range a.users[username] {
		if e.grants(e.filter, topic, write) {
			return true
		}
	}

	return false
}

func (e aclEntry) grants(filter, topic string, write bool) bool {
	return e.access.Grants(write) && (filter == topic || mqtt.MatchTopic(filter, topic))
}

// ACLFileHook is an authorization hook which allows any connection and checks
// topic access against an acl file. Anything not granted by the file is denied.
type ACLFileHook struct {
	mqtt.HookBase
	mu  sync.RWMutex
	acl *ACLFile
}

// ID returns the ID of the hook.
func (h *ACLFileHook) ID() string {
	return "acl-file"
}

// Provides indicates which hook methods this hook provides.
func (h *ACLFileHook) Provides(b byte) bool {
	return bytes.Contains(provides, []byte{b})
}

// Init loads the acl file.
func (h *ACLFileHook) Init(config any) error {
	if _, ok := config.(*ACLFileOptions); !ok && config != nil {
		return mqtt.ErrInvalidConfigType
	}

	if config == nil {
		config = new(ACLFileOptions)
	}

	opts := config.(*ACLFileOptions)
	data := opts.Data
	if len(data) == 0 && opts.Path != "" {
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return err
		}
		data = b
	}

	return h.Load(data)
}

// Load replaces the rules of the hook with an acl file.
func (h *ACLFileHook) Load(data []byte) error {
	acl, err := ParseACL(bytes.NewReader(data))
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.acl = acl
	h.mu.Unlock()

	h.Log.Info("loaded acl file",
		"global", len(acl.global),
		"users", len(acl.users),
		"patterns", len(acl.patterns))

	return nil
}

// OnConnectAuthenticate allows every connection.
func (h *ACLFileHook) OnConnectAuthenticate(cl *mqtt.Client, pk packets.Packet) bool {
	return true
}

// OnACLCheck returns true if the acl file grants the session access to a topic.
func (h *ACLFileHook) OnACLCheck(sess *mqtt.Session, topic string, write bool) bool {
	h.mu.RLock()
	acl := h.acl
	h.mu.RUnlock()
	if acl == nil {
		return false
	}

	id, username, _ := identity(sess)
	if acl.can(topic, username, id, write) {
		return true
	}

	h.Log.Debug("client failed acl file check", "client", id, "topic", topic, "write", write)
	return false
}
