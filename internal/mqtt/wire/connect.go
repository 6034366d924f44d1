package wire

import (
	"bufio"
	"bytes"
	"io"
)

// Connect flag bits (MQTT 3.1.1 §3.1.2.3 / 5.0 §3.1.2.3).
const (
	connectFlagUsername    = 0x80
	connectFlagPassword    = 0x40
	connectFlagWillRetain  = 0x20
	connectFlagWillQoSMask = 0x18
	connectFlagWillQoSShift = 3
	connectFlagWillFlag    = 0x04
	connectFlagCleanSession = 0x02
	connectFlagReserved    = 0x01
)

// Connect is a decoded CONNECT packet, shared across v3/v4/v5; Properties
// and WillProperties are nil for v3/v4.
type Connect struct {
	ProtocolName    string
	Version         ProtocolVersion
	CleanSession    bool
	WillFlag        bool
	WillQoS         QoS
	WillRetain      bool
	UsernameFlag    bool
	PasswordFlag    bool
	KeepAlive       uint16
	Properties      *Properties
	ClientID        string
	WillProperties  *Properties
	WillTopic       string
	WillPayload     []byte
	Username        string
	Password        []byte
}

// DecodeConnect reads a CONNECT variable header and payload of the given
// remaining length from r.
func DecodeConnect(r *bufio.Reader, remainingLength int) (*Connect, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)

	name, err := readString(br)
	if err != nil {
		return nil, err
	}
	if name != "MQTT" && name != "MQIsdp" {
		return nil, ErrInvalidProtocolName
	}

	levelByte, err := readByte(br)
	if err != nil {
		return nil, err
	}
	version := ProtocolVersion(levelByte)
	switch version {
	case ProtocolV3, ProtocolV4, ProtocolV5:
	default:
		return nil, ErrUnsupportedVersion
	}

	flags, err := readByte(br)
	if err != nil {
		return nil, err
	}
	if flags&connectFlagReserved != 0 {
		return nil, ErrReservedBitSet
	}

	keepAlive, err := readUint16(br)
	if err != nil {
		return nil, err
	}

	c := &Connect{
		ProtocolName: name,
		Version:      version,
		CleanSession: flags&connectFlagCleanSession != 0,
		WillFlag:     flags&connectFlagWillFlag != 0,
		WillQoS:      QoS((flags & connectFlagWillQoSMask) >> connectFlagWillQoSShift),
		WillRetain:   flags&connectFlagWillRetain != 0,
		UsernameFlag: flags&connectFlagUsername != 0,
		PasswordFlag: flags&connectFlagPassword != 0,
		KeepAlive:    keepAlive,
	}

	if version == ProtocolV5 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		c.Properties = props
	}

	clientID, err := readString(br)
	if err != nil {
		return nil, err
	}
	c.ClientID = clientID

	if c.WillFlag {
		if version == ProtocolV5 {
			wp, err := readProperties(br)
			if err != nil {
				return nil, err
			}
			c.WillProperties = wp
		}
		topic, err := readString(br)
		if err != nil {
			return nil, err
		}
		payload, err := readBytes(br)
		if err != nil {
			return nil, err
		}
		c.WillTopic = topic
		c.WillPayload = payload
	}

	if c.UsernameFlag {
		username, err := readString(br)
		if err != nil {
			return nil, err
		}
		c.Username = username
	}
	if c.PasswordFlag {
		password, err := readBytes(br)
		if err != nil {
			return nil, err
		}
		c.Password = password
	}

	return c, nil
}

// Encode writes this CONNECT packet, used by the internal shared-group
// follower bridge's upstream client.
func (c *Connect) Encode(w io.Writer) error {
	var body bytes.Buffer
	protocolName := "MQTT"
	if c.Version == ProtocolV3 {
		protocolName = "MQIsdp"
	}
	if err := writeString(&body, protocolName); err != nil {
		return err
	}
	if err := writeByte(&body, byte(c.Version)); err != nil {
		return err
	}

	var flags byte
	if c.CleanSession {
		flags |= connectFlagCleanSession
	}
	if c.WillFlag {
		flags |= connectFlagWillFlag
		flags |= byte(c.WillQoS) << connectFlagWillQoSShift
		if c.WillRetain {
			flags |= connectFlagWillRetain
		}
	}
	if c.UsernameFlag {
		flags |= connectFlagUsername
	}
	if c.PasswordFlag {
		flags |= connectFlagPassword
	}
	if err := writeByte(&body, flags); err != nil {
		return err
	}
	if err := writeUint16(&body, c.KeepAlive); err != nil {
		return err
	}

	if c.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, c.Properties); err != nil {
			return err
		}
	}
	if err := writeString(&body, c.ClientID); err != nil {
		return err
	}
	if c.WillFlag {
		if c.Version == ProtocolV5 {
			if err := writePropertiesWithLength(&body, c.WillProperties); err != nil {
				return err
			}
		}
		if err := writeString(&body, c.WillTopic); err != nil {
			return err
		}
		if err := writeBytes(&body, c.WillPayload); err != nil {
			return err
		}
	}
	if c.UsernameFlag {
		if err := writeString(&body, c.Username); err != nil {
			return err
		}
	}
	if c.PasswordFlag {
		if err := writeBytes(&body, c.Password); err != nil {
			return err
		}
	}

	if err := WriteFixedHeader(w, PacketConnect, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// ConnAck is the CONNECT acknowledgement, carrying either a v3/v4 return
// code or a v5 reason code depending on Version.
type ConnAck struct {
	Version        ProtocolVersion
	SessionPresent bool
	ReturnCode     ConnectReturnCode
	ReasonCode     ReasonCode
	Properties     *Properties
}

func (a *ConnAck) Encode(w io.Writer) error {
	var body bytes.Buffer
	var flags byte
	if a.SessionPresent {
		flags = 0x01
	}
	if err := writeByte(&body, flags); err != nil {
		return err
	}
	if a.Version == ProtocolV5 {
		if err := writeByte(&body, byte(a.ReasonCode)); err != nil {
			return err
		}
		if err := writePropertiesWithLength(&body, a.Properties); err != nil {
			return err
		}
	} else {
		if err := writeByte(&body, byte(a.ReturnCode)); err != nil {
			return err
		}
	}
	if err := WriteFixedHeader(w, PacketConnAck, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeConnAck is provided for the shared-group-follower bridge, which
// acts as an MQTT client against the group leader.
func DecodeConnAck(r *bufio.Reader, version ProtocolVersion, remainingLength int) (*ConnAck, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)

	flags, err := readByte(br)
	if err != nil {
		return nil, err
	}
	a := &ConnAck{Version: version, SessionPresent: flags&0x01 != 0}

	code, err := readByte(br)
	if err != nil {
		return nil, err
	}
	if version == ProtocolV5 {
		a.ReasonCode = ReasonCode(code)
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		a.Properties = props
	} else {
		a.ReturnCode = ConnectReturnCode(code)
	}
	return a, nil
}
