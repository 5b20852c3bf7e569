// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package packets

// Code contains a return code and reason string for a response.
type Code struct {
	Reason string
	Code   byte
}

// String returns the readable reason for a code.
func (c Code) String() string {
	return c.Reason
}

// Error returns the readable reason for a code.
func (c Code) Error() string {
	return c.Reason
}

var (
	// QosCodes indicates the suback return codes for each Qos byte.
	QosCodes = map[byte]Code{
		0: CodeGrantedQos0,
		1: CodeGrantedQos1,
		2: CodeGrantedQos2,
	}

	CodeSuccess                     = Code{Code: 0x00, Reason: "success"}
	CodeGrantedQos0                 = Code{Code: 0x00, Reason: "granted qos 0"}
	CodeGrantedQos1                 = Code{Code: 0x01, Reason: "granted qos 1"}
	CodeGrantedQos2                 = Code{Code: 0x02, Reason: "granted qos 2"}
	ErrRefusedBadProtocolVersion    = Code{Code: 0x01, Reason: "unacceptable protocol version"}
	ErrRefusedIDRejected            = Code{Code: 0x02, Reason: "client identifier rejected"}
	ErrRefusedServerUnavailable     = Code{Code: 0x03, Reason: "server unavailable"}
	ErrRefusedBadUsernameOrPassword = Code{Code: 0x04, Reason: "bad user name or password"}
	ErrRefusedNotAuthorised         = Code{Code: 0x05, Reason: "not authorized"}
	ErrSubscribeFailure             = Code{Code: 0x80, Reason: "subscription failure"}
	ErrProtocolViolation            = Code{Code: 0xFF, Reason: "protocol violation"}
	ErrProtocolViolationWillQos     = Code{Code: 0xFF, Reason: "protocol violation: will qos"}
	ErrProtocolViolationWillFlags   = Code{Code: 0xFF, Reason: "protocol violation: will flags without will"}
	ErrProtocolViolationFirstPacket = Code{Code: 0xFF, Reason: "protocol violation: first packet must be connect"}
	ErrSecondConnect                = Code{Code: 0xFF, Reason: "protocol violation: second connect packet"}
	ErrMalformedQos                 = Code{Code: 0xFF, Reason: "malformed packet: qos"}
	ErrMalformedPacketID            = Code{Code: 0xFF, Reason: "malformed packet: packet identifier"}
	ErrNoValidPacketAvailable       = Code{Code: 0xFF, Reason: "no valid packet available"}
)

// connackCodes maps paho connack return codes onto codes.
var connackCodes = map[byte]Code{
	0x00: CodeSuccess,
	0x01: ErrRefusedBadProtocolVersion,
	0x02: ErrRefusedIDRejected,
	0x03: ErrRefusedServerUnavailable,
	0x04: ErrRefusedBadUsernameOrPassword,
	0x05: ErrRefusedNotAuthorised,
}

// ConnackCode returns the Code for a connack return code byte, falling back
// to a protocol violation for unknown values.
func ConnackCode(b byte) Code {
	if c, ok := connackCodes[b]; ok {
		return c
	}
	return ErrProtocolViolation
}
