package wire

import (
	"bufio"
	"bytes"
	"io"
)

// Publish is a decoded PUBLISH packet.
type Publish struct {
	Version    ProtocolVersion
	Dup        bool
	QoS        QoS
	Retain     bool
	Topic      string
	PacketID   uint16 // only present/meaningful for QoS > 0
	Properties *Properties
	Payload    []byte
}

// DecodePublish reads a PUBLISH packet whose fixed-header flags and
// remaining length were already parsed.
func DecodePublish(r *bufio.Reader, version ProtocolVersion, flags byte, remainingLength int) (*Publish, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)

	topic, err := readString(br)
	if err != nil {
		return nil, err
	}

	p := &Publish{
		Version: version,
		Dup:     flags&0x08 != 0,
		QoS:     QoS((flags & 0x06) >> 1),
		Retain:  flags&0x01 != 0,
		Topic:   topic,
	}
	if p.QoS > 0 {
		pkid, err := readUint16(br)
		if err != nil {
			return nil, err
		}
		p.PacketID = pkid
	}
	if version == ProtocolV5 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		p.Properties = props
	}

	payload, err := io.ReadAll(br)
	if err != nil {
		return nil, err
	}
	p.Payload = payload
	return p, nil
}

func (p *Publish) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeString(&body, p.Topic); err != nil {
		return err
	}
	if p.QoS > 0 {
		if err := writeUint16(&body, p.PacketID); err != nil {
			return err
		}
	}
	if p.Version == ProtocolV5 {
		if err := writePropertiesWithLength(&body, p.Properties); err != nil {
			return err
		}
	}
	if _, err := body.Write(p.Payload); err != nil {
		return err
	}

	var flags byte
	if p.Dup {
		flags |= 0x08
	}
	flags |= byte(p.QoS) << 1
	if p.Retain {
		flags |= 0x01
	}
	if err := WriteFixedHeader(w, PacketPublish, flags, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}
