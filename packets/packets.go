// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"strconv"
)

// All valid packet types and their packet identifier.
const (
	Reserved    byte = iota
	Connect          // 1
	Connack          // 2
	Publish          // 3
	Puback           // 4
	Pubrec           // 5
	Pubrel           // 6
	Pubcomp          // 7
	Subscribe        // 8
	Suback           // 9
	Unsubscribe      // 10
	Unsuback         // 11
	Pingreq          // 12
	Pingresp         // 13
	Disconnect       // 14
)

// PacketNames is a map of packet bytes to human-readable names, for easier debugging.
var PacketNames = map[byte]string{
	0:  "Reserved",
	1:  "Connect",
	2:  "Connack",
	3:  "Publish",
	4:  "Puback",
	5:  "Pubrec",
	6:  "Pubrel",
	7:  "Pubcomp",
	8:  "Subscribe",
	9:  "Suback",
	10: "Unsubscribe",
	11: "Unsuback",
	12: "Pingreq",
	13: "Pingresp",
	14: "Disconnect",
}

// FixedHeader contains the values of the fixed header portion of the MQTT packet.
type FixedHeader struct {
	Remaining int  `json:"remaining"` // the number of remaining bytes in the payload.
	Type      byte `json:"type"`      // the type of the packet (PUBLISH, SUBSCRIBE, etc) from bits 7 - 4 (byte 1).
	Qos       byte `json:"qos"`       // indicates the quality of service expected.
	Dup       bool `json:"dup"`       // indicates if the packet was already sent at an earlier time.
	Retain    bool `json:"retain"`    // whether the message should be retained.
}

// ConnectParams contains packet values which are specifically related to connect packets.
type ConnectParams struct {
	WillPayload      []byte `json:"willPayload"`
	Password         []byte `json:"-"`
	Username         []byte `json:"username"`
	ProtocolName     string `json:"protocolName"`
	ClientIdentifier string `json:"clientId"`
	WillTopic        string `json:"willTopic"`
	Keepalive        uint16 `json:"keepalive"`
	ProtocolVersion  byte   `json:"protocolVersion"`
	WillQos          byte   `json:"willQos"`
	ReservedBit      byte   `json:"-"`
	PasswordFlag     bool   `json:"passwordFlag"`
	UsernameFlag     bool   `json:"usernameFlag"`
	WillFlag         bool   `json:"willFlag"`
	WillRetain       bool   `json:"willRetain"`
	Clean            bool   `json:"clean"`
}

// Packet represents an MQTT packet. Instead of providing a packet interface
// a single packet struct is used, with only the fields relevant to the type populated.
type Packet struct {
	Connect        ConnectParams // parameters for connect packets (just for organisation)
	Payload        []byte        // a message/payload for publish packets
	ReturnCodes    []byte        // one return code per filter for suback packets
	Filters        Subscriptions // a list of subscription filters and their properties (subscribe, unsubscribe)
	TopicName      string        // the topic a payload is being published to
	Origin         string        // client id of the client who is issuing the packet (mostly internal use)
	FixedHeader    FixedHeader   // -
	Created        int64         // unix timestamp indicating time packet was created/received on the server
	PacketID       uint16        // packet id for the packet (publish, qos, etc)
	ReturnCode     byte          // connack return code
	SessionPresent bool          // session existed for connack
}

// Copy creates a new instance of a packet, with deep copies of the payload,
// return codes and filters. If allowTransfer is false the packet id is reset
// and the dup flag cleared, so the copy can be admitted into another session's window.
func (pk Packet) Copy(allowTransfer bool) Packet {
	p := Packet{
		FixedHeader: FixedHeader{
			Remaining: pk.FixedHeader.Remaining,
			Type:      pk.FixedHeader.Type,
			Retain:    pk.FixedHeader.Retain,
			Dup:       false,
			Qos:       pk.FixedHeader.Qos,
		},
		Connect:        pk.Connect,
		TopicName:      pk.TopicName,
		Origin:         pk.Origin,
		Created:        pk.Created,
		ReturnCode:     pk.ReturnCode,
		SessionPresent: pk.SessionPresent,
	}

	if allowTransfer {
		p.PacketID = pk.PacketID
		p.FixedHeader.Dup = pk.FixedHeader.Dup
	}

	if len(pk.Payload) > 0 {
		p.Payload = append([]byte{}, pk.Payload...)
	}

	if len(pk.ReturnCodes) > 0 {
		p.ReturnCodes = append([]byte{}, pk.ReturnCodes...)
	}

	if len(pk.Filters) > 0 {
		p.Filters = append(Subscriptions{}, pk.Filters...)
	}

	return p
}

// FormatID returns the PacketID field as a decimal integer.
func (pk Packet) FormatID() string {
	return strconv.FormatUint(uint64(pk.PacketID), 10)
}

// Subscription contains details about a client subscription to a topic filter.
type Subscription struct {
	Filter string `json:"filter"`
	Qos    byte   `json:"qos"`
}

// Merge returns a subscription carrying the higher QoS of the two.
func (s Subscription) Merge(n Subscription) Subscription {
	if n.Qos > s.Qos {
		s.Qos = n.Qos
	}
	return s
}

// Subscriptions is a slice of Subscription.
type Subscriptions []Subscription

// Filters returns the topic filters of the subscriptions, in order.
func (s Subscriptions) Filters() []string {
	out := make([]string, 0, len(s))
	for _, sub := range s {
		out = append(out, sub.Filter)
	}
	return out
}
