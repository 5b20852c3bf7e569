// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

import (
	"fmt"
	"io"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang/packets"
)

// Read reads and decodes the next MQTT 3.1.1 packet from r.
func Read(r io.Reader) (Packet, error) {
	cp, err := paho.ReadPacket(r)
	if err != nil {
		return Packet{}, err
	}

	return FromControlPacket(cp)
}

// Write encodes the packet and writes it to w.
func (pk Packet) Write(w io.Writer) error {
	cp, err := pk.ControlPacket()
	if err != nil {
		return err
	}

	return cp.Write(w)
}

// FromControlPacket converts a decoded paho control packet into a Packet.
func FromControlPacket(cp paho.ControlPacket) (Packet, error) {
	pk := Packet{Created: time.Now().Unix()}

	switch p := cp.(type) {
	case *paho.ConnectPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.Connect = ConnectParams{
			ProtocolName:     p.ProtocolName,
			ProtocolVersion:  p.ProtocolVersion,
			Clean:            p.CleanSession,
			WillFlag:         p.WillFlag,
			WillQos:          p.WillQos,
			WillRetain:       p.WillRetain,
			UsernameFlag:     p.UsernameFlag,
			PasswordFlag:     p.PasswordFlag,
			ReservedBit:      p.ReservedBit,
			Keepalive:        p.Keepalive,
			ClientIdentifier: p.ClientIdentifier,
			WillTopic:        p.WillTopic,
			WillPayload:      p.WillMessage,
			Password:         p.Password,
		}
		if p.UsernameFlag {
			pk.Connect.Username = []byte(p.Username)
		}
	case *paho.ConnackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.SessionPresent = p.SessionPresent
		pk.ReturnCode = p.ReturnCode
	case *paho.PublishPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.TopicName = p.TopicName
		pk.PacketID = p.MessageID
		pk.Payload = p.Payload
	case *paho.PubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrecPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubrelPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PubcompPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.SubscribePacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for i, topic := range p.Topics {
			var qos byte
			if i < len(p.Qoss) {
				qos = p.Qoss[i]
			}
			pk.Filters = append(pk.Filters, Subscription{Filter: topic, Qos: qos})
		}
	case *paho.SubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		pk.ReturnCodes = p.ReturnCodes
	case *paho.UnsubscribePacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
		for _, topic := range p.Topics {
			pk.Filters = append(pk.Filters, Subscription{Filter: topic})
		}
	case *paho.UnsubackPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
		pk.PacketID = p.MessageID
	case *paho.PingreqPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	case *paho.PingrespPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	case *paho.DisconnectPacket:
		pk.FixedHeader = fixedHeader(p.FixedHeader)
	default:
		return pk, fmt.Errorf("%w: %T", ErrNoValidPacketAvailable, cp)
	}

	return pk, nil
}

// ControlPacket converts the packet into a paho control packet ready for encoding.
func (pk Packet) ControlPacket() (paho.ControlPacket, error) {
	switch pk.FixedHeader.Type {
	case Connect:
		p := paho.NewControlPacket(paho.Connect).(*paho.ConnectPacket)
		p.ProtocolName = pk.Connect.ProtocolName
		p.ProtocolVersion = pk.Connect.ProtocolVersion
		p.CleanSession = pk.Connect.Clean
		p.WillFlag = pk.Connect.WillFlag
		p.WillQos = pk.Connect.WillQos
		p.WillRetain = pk.Connect.WillRetain
		p.UsernameFlag = pk.Connect.UsernameFlag
		p.PasswordFlag = pk.Connect.PasswordFlag
		p.ReservedBit = pk.Connect.ReservedBit
		p.Keepalive = pk.Connect.Keepalive
		p.ClientIdentifier = pk.Connect.ClientIdentifier
		p.WillTopic = pk.Connect.WillTopic
		p.WillMessage = pk.Connect.WillPayload
		p.Username = string(pk.Connect.Username)
		p.Password = pk.Connect.Password
		return p, nil
	case Connack:
		p := paho.NewControlPacket(paho.Connack).(*paho.ConnackPacket)
		p.SessionPresent = pk.SessionPresent
		p.ReturnCode = pk.ReturnCode
		return p, nil
	case Publish:
		if pk.FixedHeader.Qos > 2 {
			return nil, ErrMalformedQos
		}
		p := paho.NewControlPacket(paho.Publish).(*paho.PublishPacket)
		p.Qos = pk.FixedHeader.Qos
		p.Dup = pk.FixedHeader.Dup
		p.Retain = pk.FixedHeader.Retain
		p.TopicName = pk.TopicName
		p.MessageID = pk.PacketID
		p.Payload = pk.Payload
		return p, nil
	case Puback:
		p := paho.NewControlPacket(paho.Puback).(*paho.PubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrec:
		p := paho.NewControlPacket(paho.Pubrec).(*paho.PubrecPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pubrel:
		p := paho.NewControlPacket(paho.Pubrel).(*paho.PubrelPacket)
		p.MessageID = pk.PacketID
		p.Dup = pk.FixedHeader.Dup
		return p, nil
	case Pubcomp:
		p := paho.NewControlPacket(paho.Pubcomp).(*paho.PubcompPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Subscribe:
		p := paho.NewControlPacket(paho.Subscribe).(*paho.SubscribePacket)
		p.MessageID = pk.PacketID
		for _, sub := range pk.Filters {
			p.Topics = append(p.Topics, sub.Filter)
			p.Qoss = append(p.Qoss, sub.Qos)
		}
		return p, nil
	case Suback:
		p := paho.NewControlPacket(paho.Suback).(*paho.SubackPacket)
		p.MessageID = pk.PacketID
		p.ReturnCodes = pk.ReturnCodes
		return p, nil
	case Unsubscribe:
		p := paho.NewControlPacket(paho.Unsubscribe).(*paho.UnsubscribePacket)
		p.MessageID = pk.PacketID
		p.Topics = pk.Filters.Filters()
		return p, nil
	case Unsuback:
		p := paho.NewControlPacket(paho.Unsuback).(*paho.UnsubackPacket)
		p.MessageID = pk.PacketID
		return p, nil
	case Pingreq:
		return paho.NewControlPacket(paho.Pingreq), nil
	case Pingresp:
		return paho.NewControlPacket(paho.Pingresp), nil
	case Disconnect:
		return paho.NewControlPacket(paho.Disconnect), nil
	}

	return nil, fmt.Errorf("%w: type %d", ErrNoValidPacketAvailable, pk.FixedHeader.Type)
}

// ValidateConnect checks a connect packet against the MQTT 3.1.1 rules which
// require the connection to be closed, and returns the connack code which should
// be sent for recoverable refusals.
func (pk Packet) ValidateConnect() (Code, error) {
	if pk.Connect.WillQos > 2 {
		return ErrProtocolViolationWillQos, ErrProtocolViolationWillQos
	}

	if !pk.Connect.WillFlag && (pk.Connect.WillQos != 0 || pk.Connect.WillRetain) {
		return ErrProtocolViolationWillFlags, ErrProtocolViolationWillFlags
	}

	cp, err := pk.ControlPacket()
	if err != nil {
		return ErrProtocolViolation, err
	}
	code := ConnackCode(cp.(*paho.ConnectPacket).Validate())
	if code == ErrProtocolViolation {
		return code, code
	}

	return code, nil
}

// fixedHeader converts a paho fixed header.
func fixedHeader(fh paho.FixedHeader) FixedHeader {
	return FixedHeader{
		Type:      fh.MessageType,
		Dup:       fh.Dup,
		Qos:       fh.Qos,
		Retain:    fh.Retain,
		Remaining: fh.RemainingLength,
	}
}
