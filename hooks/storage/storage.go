// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

// Package storage defines the records persisted by the storage hooks. Every
// record is stored as json.
package storage

import (
	"encoding/json"
	"errors"

	"github.com/kazetsukaimiko/moquette/packets"
	"github.com/kazetsukaimiko/moquette/system"
)

// Record kinds, also used as key prefixes.
const (
	SessionKey      = "SES"
	SubscriptionKey = "SUB"
	InflightKey     = "IFM"
	QueuedKey       = "QUE"
	InboundKey      = "INB"
	RetainedKey     = "RET"
	SysInfoKey      = "SYS"
)

// ErrDBFileNotOpen is returned when a store is used before Init or after Stop.
var ErrDBFileNotOpen = errors.New("db file not open")

// Serializable is implemented by every record.
type Serializable interface {
	UnmarshalBinary([]byte) error
	MarshalBinary() (data []byte, err error)
}

// decode fills v from data. Empty data leaves v untouched.
func decode(data []byte, v any) error {
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}

// Decode returns the record of type T held in data.
func Decode[T any, PT interface {
	*T
	Serializable
}](data []byte) (T, error) {
	var v T
	err := PT(&v).UnmarshalBinary(data)
	return v, err
}

// Session is a persistent session without its subscriptions or messages,
// which are stored as separate records.
type Session struct {
	Will     SessionWill `json:"will"`
	Username []byte      `json:"username"`
	ID       string      `json:"id"` // client id
	T        string      `json:"t"`
	Remote   string      `json:"remote"`   // address of the last connection
	Listener string      `json:"listener"` // listener of the last connection
	Created  int64       `json:"created"`
	Clean    bool        `json:"clean"`
}

// SessionWill is the will registered by the last connection of a session.
type SessionWill struct {
	Payload   []byte `json:"payload,omitempty"`
	TopicName string `json:"topicName,omitempty"`
	Qos       byte   `json:"qos,omitempty"`
	Retain    bool   `json:"retain,omitempty"`
	Flag      uint32 `json:"flag,omitempty"`
}

func (d Session) MarshalBinary() ([]byte, error)     { return json.Marshal(d) }
func (d *Session) UnmarshalBinary(data []byte) error { return decode(data, d) }

// Message is a stored publish: retained, inflight, queued or an inbound qos 2
// receipt. The delivery fields are only set for inflight and queued messages,
// and a receipt only keeps the header and packet id of the publish.
type Message struct {
	Payload     []byte              `json:"payload"`
	T           string              `json:"t,omitempty"`
	ID          string              `json:"id,omitempty"`
	Client      string              `json:"client,omitempty"` // recipient session
	Origin      string              `json:"origin,omitempty"` // publishing client
	TopicName   string              `json:"topic_name,omitempty"`
	FixedHeader packets.FixedHeader `json:"fixedheader"`
	Created     int64               `json:"created,omitempty"`
	Sent        int64               `json:"sent,omitempty"`
	Seq         uint64              `json:"seq,omitempty"` // session enqueue order
	Retries     int                 `json:"retries,omitempty"`
	PacketID    uint16              `json:"packet_id,omitempty"`
	State       byte                `json:"state,omitempty"`
}

// NewMessage returns a record of kind for pk, stored under key.
func NewMessage(kind, key string, pk packets.Packet) Message {
	return Message{
		ID:          key,
		T:           kind,
		FixedHeader: pk.FixedHeader,
		TopicName:   pk.TopicName,
		Payload:     pk.Payload,
		Origin:      pk.Origin,
		Created:     pk.Created,
		PacketID:    pk.PacketID,
	}
}

func (d Message) MarshalBinary() ([]byte, error)     { return json.Marshal(d) }
func (d *Message) UnmarshalBinary(data []byte) error { return decode(data, d) }

// ToPacket returns the publish held by the record. The payload is copied.
func (d *Message) ToPacket() packets.Packet {
	pk := packets.Packet{
		FixedHeader: d.FixedHeader,
		PacketID:    d.PacketID,
		TopicName:   d.TopicName,
		Payload:     d.Payload,
		Origin:      d.Origin,
		Created:     d.Created,
	}

	return pk.Copy(true)
}

// Subscription is one granted filter of a session.
type Subscription struct {
	T      string `json:"t,omitempty"`
	ID     string `json:"id,omitempty"`
	Client string `json:"client,omitempty"`
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

func (d Subscription) MarshalBinary() ([]byte, error)     { return json.Marshal(d) }
func (d *Subscription) UnmarshalBinary(data []byte) error { return decode(data, d) }

// SystemInfo is the last $SYS snapshot.
type SystemInfo struct {
	system.Info
	T  string `json:"t"`
	ID string `json:"id"`
}

func (d SystemInfo) MarshalBinary() ([]byte, error)     { return json.Marshal(d) }
func (d *SystemInfo) UnmarshalBinary(data []byte) error { return decode(data, d) }
