package wire

import (
	"bufio"
	"bytes"
	"io"
)

// Property identifiers used by this broker (MQTT 5.0 §2.2.2.2). Only
// the subset the broker itself acts on is modeled as fields; an unknown
// identifier encountered while decoding fails the decode with a
// ProtocolError.
const (
	propPayloadFormatIndicator    byte = 0x01
	propMessageExpiryInterval     byte = 0x02
	propContentType               byte = 0x03
	propResponseTopic             byte = 0x08
	propCorrelationData           byte = 0x09
	propSubscriptionIdentifier    byte = 0x0B
	propSessionExpiryInterval     byte = 0x11
	propAssignedClientIdentifier  byte = 0x12
	propServerKeepAlive           byte = 0x13
	propAuthenticationMethod      byte = 0x15
	propAuthenticationData        byte = 0x16
	propRequestProblemInformation byte = 0x17
	propWillDelayInterval         byte = 0x18
	propRequestResponseInformation byte = 0x19
	propResponseInformation       byte = 0x1A
	propServerReference          byte = 0x1C
	propReasonString              byte = 0x1F
	propReceiveMaximum            byte = 0x21
	propTopicAliasMaximum         byte = 0x22
	propTopicAlias                byte = 0x23
	propMaximumQoS                byte = 0x24
	propRetainAvailable           byte = 0x25
	propUserProperty              byte = 0x26
	propMaximumPacketSize         byte = 0x27
	propWildcardSubAvailable      byte = 0x28
	propSubIDAvailable            byte = 0x29
	propSharedSubAvailable        byte = 0x2A
)

// UserProperty is one MQTT 5.0 name/value user property pair.
type UserProperty struct {
	Key   string
	Value string
}

// Properties holds the MQTT 5.0 property set relevant to this broker.
// Pointer fields are nil when absent, distinguishing "not sent" from
// "sent as zero".
type Properties struct {
	PayloadFormatIndicator    *byte
	MessageExpiryInterval     *uint32
	ContentType               *string
	ResponseTopic             *string
	CorrelationData           []byte
	SubscriptionIdentifier    *uint32
	SessionExpiryInterval     *uint32
	AssignedClientIdentifier  *string
	ServerKeepAlive           *uint16
	AuthenticationMethod      *string
	AuthenticationData        []byte
	RequestProblemInformation *byte
	WillDelayInterval         *uint32
	RequestResponseInformation *byte
	ResponseInformation       *string
	ServerReference           *string
	ReasonString              *string
	ReceiveMaximum            *uint16
	TopicAliasMaximum         *uint16
	TopicAlias                *uint16
	MaximumQoS                *byte
	RetainAvailable           *byte
	UserProperties            []UserProperty
	MaximumPacketSize         *uint32
	WildcardSubAvailable      *byte
	SubIDAvailable            *byte
	SharedSubAvailable        *byte
}

func encodeProperties(p *Properties) ([]byte, error) {
	var buf bytes.Buffer
	if p == nil {
		return nil, nil
	}
	writeU32Prop := func(id byte, v *uint32) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeUint32(&buf, *v)
	}
	writeU16Prop := func(id byte, v *uint16) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeUint16(&buf, *v)
	}
	writeByteProp := func(id byte, v *byte) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeByte(&buf, *v)
	}
	writeStringProp := func(id byte, v *string) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeString(&buf, *v)
	}
	writeBytesProp := func(id byte, v []byte) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeBytes(&buf, v)
	}
	writeVarIntProp := func(id byte, v *uint32) error {
		if v == nil {
			return nil
		}
		if err := writeByte(&buf, id); err != nil {
			return err
		}
		return writeVarIntValue(&buf, int(*v))
	}

	steps := []func() error{
		func() error { return writeByteProp(propPayloadFormatIndicator, p.PayloadFormatIndicator) },
		func() error { return writeU32Prop(propMessageExpiryInterval, p.MessageExpiryInterval) },
		func() error { return writeStringProp(propContentType, p.ContentType) },
		func() error { return writeStringProp(propResponseTopic, p.ResponseTopic) },
		func() error { return writeBytesProp(propCorrelationData, p.CorrelationData) },
		func() error { return writeVarIntProp(propSubscriptionIdentifier, p.SubscriptionIdentifier) },
		func() error { return writeU32Prop(propSessionExpiryInterval, p.SessionExpiryInterval) },
		func() error { return writeStringProp(propAssignedClientIdentifier, p.AssignedClientIdentifier) },
		func() error { return writeU16Prop(propServerKeepAlive, p.ServerKeepAlive) },
		func() error { return writeStringProp(propAuthenticationMethod, p.AuthenticationMethod) },
		func() error { return writeBytesProp(propAuthenticationData, p.AuthenticationData) },
		func() error { return writeByteProp(propRequestProblemInformation, p.RequestProblemInformation) },
		func() error { return writeU32Prop(propWillDelayInterval, p.WillDelayInterval) },
		func() error { return writeByteProp(propRequestResponseInformation, p.RequestResponseInformation) },
		func() error { return writeStringProp(propResponseInformation, p.ResponseInformation) },
		func() error { return writeStringProp(propServerReference, p.ServerReference) },
		func() error { return writeStringProp(propReasonString, p.ReasonString) },
		func() error { return writeU16Prop(propReceiveMaximum, p.ReceiveMaximum) },
		func() error { return writeU16Prop(propTopicAliasMaximum, p.TopicAliasMaximum) },
		func() error { return writeU16Prop(propTopicAlias, p.TopicAlias) },
		func() error { return writeByteProp(propMaximumQoS, p.MaximumQoS) },
		func() error { return writeByteProp(propRetainAvailable, p.RetainAvailable) },
		func() error { return writeU32Prop(propMaximumPacketSize, p.MaximumPacketSize) },
		func() error { return writeByteProp(propWildcardSubAvailable, p.WildcardSubAvailable) },
		func() error { return writeByteProp(propSubIDAvailable, p.SubIDAvailable) },
		func() error { return writeByteProp(propSharedSubAvailable, p.SharedSubAvailable) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, err
		}
	}
	for _, up := range p.UserProperties {
		if err := writeByte(&buf, propUserProperty); err != nil {
			return nil, err
		}
		if err := writeString(&buf, up.Key); err != nil {
			return nil, err
		}
		if err := writeString(&buf, up.Value); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

func writePropertiesWithLength(w io.Writer, p *Properties) error {
	encoded, err := encodeProperties(p)
	if err != nil {
		return err
	}
	if err := writeVarIntValue(w, len(encoded)); err != nil {
		return err
	}
	_, err = w.Write(encoded)
	return err
}

func readProperties(r *bufio.Reader) (*Properties, error) {
	length, err := readVarIntValue(r)
	if err != nil {
		return nil, err
	}
	if length == 0 {
		return &Properties{}, nil
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	br := bufio.NewReader(bytes.NewReader(buf))

	p := &Properties{}
	for {
		id, err := br.ReadByte()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		switch id {
		case propPayloadFormatIndicator:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.PayloadFormatIndicator = &v
		case propMessageExpiryInterval:
			v, err := readUint32(br)
			if err != nil {
				return nil, err
			}
			p.MessageExpiryInterval = &v
		case propContentType:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.ContentType = &v
		case propResponseTopic:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.ResponseTopic = &v
		case propCorrelationData:
			v, err := readBytes(br)
			if err != nil {
				return nil, err
			}
			p.CorrelationData = v
		case propSubscriptionIdentifier:
			v, err := readVarIntValue(br)
			if err != nil {
				return nil, err
			}
			u := uint32(v)
			p.SubscriptionIdentifier = &u
		case propSessionExpiryInterval:
			v, err := readUint32(br)
			if err != nil {
				return nil, err
			}
			p.SessionExpiryInterval = &v
		case propAssignedClientIdentifier:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.AssignedClientIdentifier = &v
		case propServerKeepAlive:
			v, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			p.ServerKeepAlive = &v
		case propAuthenticationMethod:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.AuthenticationMethod = &v
		case propAuthenticationData:
			v, err := readBytes(br)
			if err != nil {
				return nil, err
			}
			p.AuthenticationData = v
		case propRequestProblemInformation:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.RequestProblemInformation = &v
		case propWillDelayInterval:
			v, err := readUint32(br)
			if err != nil {
				return nil, err
			}
			p.WillDelayInterval = &v
		case propRequestResponseInformation:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.RequestResponseInformation = &v
		case propResponseInformation:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.ResponseInformation = &v
		case propServerReference:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.ServerReference = &v
		case propReasonString:
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.ReasonString = &v
		case propReceiveMaximum:
			v, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			p.ReceiveMaximum = &v
		case propTopicAliasMaximum:
			v, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			p.TopicAliasMaximum = &v
		case propTopicAlias:
			v, err := readUint16(br)
			if err != nil {
				return nil, err
			}
			p.TopicAlias = &v
		case propMaximumQoS:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.MaximumQoS = &v
		case propRetainAvailable:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.RetainAvailable = &v
		case propUserProperty:
			k, err := readString(br)
			if err != nil {
				return nil, err
			}
			v, err := readString(br)
			if err != nil {
				return nil, err
			}
			p.UserProperties = append(p.UserProperties, UserProperty{Key: k, Value: v})
		case propMaximumPacketSize:
			v, err := readUint32(br)
			if err != nil {
				return nil, err
			}
			p.MaximumPacketSize = &v
		case propWildcardSubAvailable:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.WildcardSubAvailable = &v
		case propSubIDAvailable:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.SubIDAvailable = &v
		case propSharedSubAvailable:
			v, err := readByte(br)
			if err != nil {
				return nil, err
			}
			p.SharedSubAvailable = &v
		default:
			return nil, &ProtocolError{Message: "unknown property identifier"}
		}
	}
	return p, nil
}
