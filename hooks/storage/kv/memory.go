// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package kv

import (
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Backend. State does not survive the process, but it
// does survive a server restart within the process.
type Memory struct {
	internal map[string][]byte
	sync.RWMutex
}

// NewMemory returns a new empty Memory backend.
func NewMemory() *Memory {
	return &Memory{
		internal: map[string][]byte{},
	}
}

// Set stores a copy of value under key.
func (m *Memory) Set(key string, value []byte) error {
	m.Lock()
	defer m.Unlock()
	m.internal[key] = append([]byte{}, value...)
	return nil
}

// Delete removes key.
func (m *Memory) Delete(key string) error {
	m.Lock()
	defer m.Unlock()
	delete(m.internal, key)
	return nil
}

// Iterate calls fn for each key beginning with prefix, in key order.
func (m *Memory) Iterate(prefix string, fn func(key string, value []byte) error) error {
	m.RLock()
	keys := make([]string, 0, len(m.internal))
	for k := range m.internal {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	values := make([][]byte, len(keys))
	for i, k := range keys {
		values[i] = m.internal[k]
	}
	m.RUnlock()

	for i, k := range keys {
		if err := fn(k, values[i]); err != nil {
			return err
		}
	}

	return nil
}

// Len returns the number of keys held.
func (m *Memory) Len() int {
	m.RLock()
	defer m.RUnlock()
	return len(m.internal)
}

// Close is a no-op. The data is kept so a hook can be restarted over the same backend.
func (m *Memory) Close() error {
	return nil
}
