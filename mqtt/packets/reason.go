// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

// MQTT 5 reason codes.
const (
	Success                     byte = 0x00
	GrantedQoS1                 byte = 0x01
	GrantedQoS2                 byte = 0x02
	DisconnectWithWill          byte = 0x04
	NoMatchingSubscribers       byte = 0x10
	NoSubscriptionExisted       byte = 0x11
	UnspecifiedError            byte = 0x80
	MalformedPacket             byte = 0x81
	ProtocolError               byte = 0x82
	ImplementationSpecificError byte = 0x83
	UnsupportedProtocolVersion  byte = 0x84
	ClientIDNotValid            byte = 0x85
	BadUserNameOrPassword       byte = 0x86
	NotAuthorized               byte = 0x87
	ServerUnavailable           byte = 0x88
	ServerBusy                  byte = 0x89
	Banned                      byte = 0x8A
	ServerShuttingDown          byte = 0x8B
	BadAuthenticationMethod     byte = 0x8C
	KeepAliveTimeout            byte = 0x8D
	SessionTakenOver            byte = 0x8E
	TopicFilterInvalid          byte = 0x8F
	TopicNameInvalid            byte = 0x90
	PacketIDInUse               byte = 0x91
	PacketIDNotFound            byte = 0x92
	ReceiveMaximumExceeded      byte = 0x93
	TopicAliasInvalid           byte = 0x94
	PacketTooLarge              byte = 0x95
	MessageRateTooHigh          byte = 0x96
	QuotaExceeded               byte = 0x97
	AdministrativeAction        byte = 0x98
	PayloadFormatInvalid        byte = 0x99
	RetainNotSupported          byte = 0x9A
	QoSNotSupported             byte = 0x9B
	UseAnotherServer            byte = 0x9C
	ServerMoved                 byte = 0x9D
	SharedSubNotSupported       byte = 0x9E
	ConnectionRateExceeded      byte = 0x9F
	WildcardSubNotSupported     byte = 0xA2
)

// MQTT 3.1 and 3.1.1 CONNACK return codes.
const (
	ConnAccepted byte = iota
	ConnRefusedVersion
	ConnRefusedIdentifier
	ConnRefusedUnavailable
	ConnRefusedBadCredentials
	ConnRefusedNotAuthorized
)

// SubackFailureV3 is the MQTT 3.1.1 SUBACK failure return code.
const SubackFailureV3 byte = 0x80

// LegacyConnackCode maps an MQTT 5 CONNACK reason to a 3.1.1 return code.
// The second result is false when 3.1.1 has no code for the reason and the
// connection must be closed without a CONNACK.
func LegacyConnackCode(rc byte) (byte, bool) {
	switch rc {
	case Success:
		return ConnAccepted, true
	case UnsupportedProtocolVersion:
		return ConnRefusedVersion, true
	case ClientIDNotValid:
		return ConnRefusedIdentifier, true
	case ServerUnavailable, ServerBusy, ServerShuttingDown, ConnectionRateExceeded:
		return ConnRefusedUnavailable, true
	case BadUserNameOrPassword:
		return ConnRefusedBadCredentials, true
	case NotAuthorized, Banned, BadAuthenticationMethod:
		return ConnRefusedNotAuthorized, true
	default:
		return 0, false
	}
}

// ConnackReasonFromLegacy maps a 3.1.1 return code to an MQTT 5 reason.
func ConnackReasonFromLegacy(code byte) byte {
	switch code {
	case ConnAccepted:
		return Success
	case ConnRefusedVersion:
		return UnsupportedProtocolVersion
	case ConnRefusedIdentifier:
		return ClientIDNotValid
	case ConnRefusedUnavailable:
		return ServerUnavailable
	case ConnRefusedBadCredentials:
		return BadUserNameOrPassword
	case ConnRefusedNotAuthorized:
		return NotAuthorized
	default:
		return UnspecifiedError
	}
}
