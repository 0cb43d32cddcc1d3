// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package packets

import (
	"fmt"

	"github.com/absmach/mqproxy/mqtt/codec"
)

// CONNECT flag bits.
const (
	flagReserved     byte = 0x01
	flagCleanStart   byte = 0x02
	flagWill         byte = 0x04
	flagWillQoS      byte = 0x18
	flagWillRetain   byte = 0x20
	flagPassword     byte = 0x40
	flagUsername     byte = 0x80
	willQoSShift          = 3
	protocolNameV31       = "MQIsdp"
	protocolNameV311      = "MQTT"
)

// Connect is a client CONNECT packet.
type Connect struct {
	ProtocolName string
	Version      byte
	CleanStart   bool
	KeepAlive    uint16
	Properties   Properties

	ClientID string

	WillFlag       bool
	WillQoS        byte
	WillRetain     bool
	WillProperties Properties
	WillTopic      string
	WillPayload    []byte

	UsernameFlag bool
	Username     string
	PasswordFlag bool
	Password     []byte
}

// DecodeConnect decodes a CONNECT body. On ErrUnsupportedVersion the
// returned packet still carries the protocol name and version so the caller
// can pick the CONNACK format.
func DecodeConnect(body []byte) (*Connect, error) {
	r := codec.NewReader(body)
	c := &Connect{}

	name, err := r.ReadString()
	if err != nil {
		return nil, malformed(err)
	}
	c.ProtocolName = name
	if c.Version, err = r.ReadByte(); err != nil {
		return nil, malformed(err)
	}
	switch {
	case name == protocolNameV311 && (c.Version == V311 || c.Version == V5):
	case name == protocolNameV31 && c.Version == V31:
	default:
		return c, fmt.Errorf("%w: %q version %d", ErrUnsupportedVersion, name, c.Version)
	}

	flags, err := r.ReadByte()
	if err != nil {
		return nil, malformed(err)
	}
	if err := c.setFlags(flags); err != nil {
		return c, err
	}
	if c.KeepAlive, err = r.ReadUint16(); err != nil {
		return nil, malformed(err)
	}
	if err := c.decodeTail(r); err != nil {
		return c, err
	}
	return c, nil
}

func (c *Connect) setFlags(flags byte) error {
	if flags&flagReserved != 0 {
		return fmt.Errorf("%w: reserved connect flag set", ErrMalformed)
	}
	c.CleanStart = flags&flagCleanStart != 0
	c.WillFlag = flags&flagWill != 0
	c.WillQoS = (flags & flagWillQoS) >> willQoSShift
	c.WillRetain = flags&flagWillRetain != 0
	c.PasswordFlag = flags&flagPassword != 0
	c.UsernameFlag = flags&flagUsername != 0
	if c.WillQoS > 2 {
		return fmt.Errorf("%w: will qos 3", ErrMalformed)
	}
	if !c.WillFlag && (c.WillQoS != 0 || c.WillRetain) {
		return fmt.Errorf("%w: will qos or retain without will", ErrMalformed)
	}
	return nil
}

// decodeTail reads the v5 properties and the payload.
func (c *Connect) decodeTail(r *codec.Reader) error {
	var err error
	if c.Version == V5 {
		if c.Properties, err = DecodeProperties(r, MaskOf(ConnectType)); err != nil {
			return malformed(err)
		}
	}
	if c.ClientID, err = r.ReadString(); err != nil {
		return malformed(err)
	}
	if c.WillFlag {
		if c.Version == V5 {
			if c.WillProperties, err = DecodeProperties(r, WillMask); err != nil {
				return malformed(err)
			}
		}
		if c.WillTopic, err = r.ReadString(); err != nil {
			return malformed(err)
		}
		if c.WillPayload, err = r.ReadBytes(); err != nil {
			return malformed(err)
		}
	}
	if c.UsernameFlag {
		if c.Username, err = r.ReadString(); err != nil {
			return malformed(err)
		}
	}
	if c.PasswordFlag {
		if c.Password, err = r.ReadBytes(); err != nil {
			return malformed(err)
		}
	}
	if r.Remaining() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Remaining())
	}
	return nil
}

// Flags returns the CONNECT flags byte.
func (c *Connect) Flags() byte {
	var f byte
	if c.CleanStart {
		f |= flagCleanStart
	}
	if c.WillFlag {
		f |= flagWill | (c.WillQoS<<willQoSShift)&flagWillQoS
		if c.WillRetain {
			f |= flagWillRetain
		}
	}
	if c.PasswordFlag {
		f |= flagPassword
	}
	if c.UsernameFlag {
		f |= flagUsername
	}
	return f
}

// Encode returns the complete CONNECT packet.
func (c *Connect) Encode() []byte {
	buf := codec.NewBuffer(64 + len(c.ClientID) + len(c.WillPayload) + len(c.Password))
	buf.WriteString(c.ProtocolName)
	_ = buf.WriteByte(c.Version)
	_ = buf.WriteByte(c.Flags())
	buf.WriteUint16(c.KeepAlive)
	if c.Version == V5 {
		c.Properties.Encode(buf)
	}
	c.encodePayload(buf)
	return buf.Frame(Header(ConnectType, 0))
}

func (c *Connect) encodePayload(buf *codec.Buffer) {
	buf.WriteString(c.ClientID)
	if c.WillFlag {
		if c.Version == V5 {
			c.WillProperties.Encode(buf)
		}
		buf.WriteString(c.WillTopic)
		buf.WriteBinary(c.WillPayload)
	}
	if c.UsernameFlag {
		buf.WriteString(c.Username)
	}
	if c.PasswordFlag {
		buf.WriteBinary(c.Password)
	}
}

// RemoveWill drops the will message and clears the will flags.
func (c *Connect) RemoveWill() {
	c.WillFlag = false
	c.WillQoS = 0
	c.WillRetain = false
	c.WillProperties = nil
	c.WillTopic = ""
	c.WillPayload = nil
}

// RemoveUser drops the user name and password.
func (c *Connect) RemoveUser() {
	c.UsernameFlag = false
	c.Username = ""
	c.PasswordFlag = false
	c.Password = nil
}

// UsesEnhancedAuth reports whether the client asked for AUTH exchanges.
func (c *Connect) UsesEnhancedAuth() bool {
	return c.Properties.Has(AuthMethodProp) || c.Properties.Has(AuthDataProp)
}

// SessionExpiry returns the v5 session expiry interval, 0 when absent.
func (c *Connect) SessionExpiry() uint32 {
	v, _ := c.Properties.Uint(SessionExpiryIntervalProp)
	return v
}

// Durable reports whether the session outlives the connection.
func (c *Connect) Durable() bool {
	if c.Version == V5 {
		return c.SessionExpiry() > 0
	}
	return !c.CleanStart
}

// Clone deep copies the packet so it no longer aliases the frame it was decoded from.
func (c *Connect) Clone() *Connect {
	cp := *c
	cp.Properties = c.Properties.Clone()
	cp.WillProperties = c.WillProperties.Clone()
	cp.WillPayload = cloneBytes(c.WillPayload)
	cp.Password = cloneBytes(c.Password)
	return &cp
}
