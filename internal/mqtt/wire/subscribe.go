package wire

import (
	"bufio"
	"bytes"
	"io"
)

// SubscribeOptions is one filter entry's per-filter byte in a v5
// SUBSCRIBE packet; v3/v4 only carry the QoS (bits 0-1).
type SubscribeOptions struct {
	QoS               QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    RetainHandling
}

func decodeSubscribeOptions(b byte) SubscribeOptions {
	return SubscribeOptions{
		QoS:               QoS(b & 0x03),
		NoLocal:           b&0x04 != 0,
		RetainAsPublished: b&0x08 != 0,
		RetainHandling:    RetainHandling((b >> 4) & 0x03),
	}
}

func (o SubscribeOptions) encode() byte {
	b := byte(o.QoS & 0x03)
	if o.NoLocal {
		b |= 0x04
	}
	if o.RetainAsPublished {
		b |= 0x08
	}
	b |= byte(o.RetainHandling&0x03) << 4
	return b
}

// SubscribeFilter is one topic filter requested by a SUBSCRIBE packet.
type SubscribeFilter struct {
	Topic   string
	Options SubscribeOptions
}

// Subscribe is a decoded SUBSCRIBE packet.
type Subscribe struct {
	Version    ProtocolVersion
	PacketID   uint16
	Properties *Properties
	Filters    []SubscribeFilter
}

func DecodeSubscribe(r *bufio.Reader, version ProtocolVersion, remainingLength int) (*Subscribe, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)

	pkid, err := readUint16(br)
	if err != nil {
		return nil, err
	}
	s := &Subscribe{Version: version, PacketID: pkid}

	if version == ProtocolV5 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		s.Properties = props
	}

	for {
		topic, err := readString(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		optByte, err := readByte(br)
		if err != nil {
			return nil, err
		}
		s.Filters = append(s.Filters, SubscribeFilter{Topic: topic, Options: decodeSubscribeOptions(optByte)})
	}
	return s, nil
}

func (s *Subscribe) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeUint16(&body, s.PacketID); err != nil {
		return err
	}
	if s.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, s.Properties); err != nil {
			return err
		}
	}
	for _, f := range s.Filters {
		if err := writeString(&body, f.Topic); err != nil {
			return err
		}
		if err := writeByte(&body, f.Options.encode()); err != nil {
			return err
		}
	}
	if err := WriteFixedHeader(w, PacketSubscribe, 0x02, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// SubAck is a decoded SUBACK packet; ReasonCodes doubles as the v3/v4
// granted-QoS list (values 0/1/2) and the v5 per-filter reason code list.
type SubAck struct {
	Version     ProtocolVersion
	PacketID    uint16
	Properties  *Properties
	ReasonCodes []ReasonCode
}

func (a *SubAck) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeUint16(&body, a.PacketID); err != nil {
		return err
	}
	if a.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, a.Properties); err != nil {
			return err
		}
	}
	for _, rc := range a.ReasonCodes {
		if err := writeByte(&body, byte(rc)); err != nil {
			return err
		}
	}
	if err := WriteFixedHeader(w, PacketSubAck, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

func DecodeSubAck(r *bufio.Reader, version ProtocolVersion, remainingLength int) (*SubAck, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)
	pkid, err := readUint16(br)
	if err != nil {
		return nil, err
	}
	a := &SubAck{Version: version, PacketID: pkid}
	if version == ProtocolV5 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		a.Properties = props
	}
	rest, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	for _, b := range rest {
		a.ReasonCodes = append(a.ReasonCodes, ReasonCode(b))
	}
	return a, nil
}

// Unsubscribe is a decoded UNSUBSCRIBE packet.
type Unsubscribe struct {
	Version    ProtocolVersion
	PacketID   uint16
	Properties *Properties
	Filters    []string
}

func DecodeUnsubscribe(r *bufio.Reader, version ProtocolVersion, remainingLength int) (*Unsubscribe, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)
	pkid, err := readUint16(br)
	if err != nil {
		return nil, err
	}
	u := &Unsubscribe{Version: version, PacketID: pkid}
	if version == ProtocolV5 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		u.Properties = props
	}
	for {
		topic, err := readString(br)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		u.Filters = append(u.Filters, topic)
	}
	return u, nil
}

func (u *Unsubscribe) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeUint16(&body, u.PacketID); err != nil {
		return err
	}
	if u.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, u.Properties); err != nil {
			return err
		}
	}
	for _, f := range u.Filters {
		if err := writeString(&body, f); err != nil {
			return err
		}
	}
	if err := WriteFixedHeader(w, PacketUnsubscribe, 0x02, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// UnsubAck mirrors SubAck's shape for UNSUBACK.
type UnsubAck struct {
	Version     ProtocolVersion
	PacketID    uint16
	Properties  *Properties
	ReasonCodes []ReasonCode
}

func (a *UnsubAck) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeUint16(&body, a.PacketID); err != nil {
		return err
	}
	if a.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, a.Properties); err != nil {
			return err
		}
		for _, rc := range a.ReasonCodes {
			if err := writeByte(&body, byte(rc)); err != nil {
				return err
			}
		}
	}
	if err := WriteFixedHeader(w, PacketUnsubAck, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}
