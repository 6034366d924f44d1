package wire

import (
	"bufio"
	"bytes"
	"io"
)

// SimpleAck is the shared shape of PUBACK/PUBREC/PUBREL/PUBCOMP/UNSUBACK:
// a packet ID plus, for v5 only and only when a reason other than
// Success/property-free is needed, a reason code and properties.
type SimpleAck struct {
	Type       byte
	Version    ProtocolVersion
	PacketID   uint16
	ReasonCode ReasonCode
	Properties *Properties
}

// compact reports whether v5's "no reason code if Success
// and no properties" compact form applies; the MQTT 5.0 spec allows
// PUBACK/PUBREC/PUBREL/PUBCOMP/UNSUBACK to be encoded as just the packet
// ID when the reason is Success and there are no properties.
func (a *SimpleAck) compact() bool {
	return a.Version == ProtocolV5 && a.ReasonCode == ReasonSuccess && a.Properties == nil
}

func (a *SimpleAck) Encode(w io.Writer) error {
	var body bytes.Buffer
	if err := writeUint16(&body, a.PacketID); err != nil {
		return err
	}
	if a.Version == ProtocolV5 && !a.compact() {
		if err := writeByte(&body, byte(a.ReasonCode)); err != nil {
			return err
		}
		if err := writePropertiesWithLength(&body, a.Properties); err != nil {
			return err
		}
	}

	flags := byte(0)
	if a.Type == PacketPubRel {
		flags = 0x02 // PUBREL's fixed header reserved bits are 0010
	}
	if err := WriteFixedHeader(w, a.Type, flags, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeSimpleAck reads one of PUBACK/PUBREC/PUBREL/PUBCOMP/UNSUBACK.
func DecodeSimpleAck(r *bufio.Reader, packetType byte, version ProtocolVersion, remainingLength int) (*SimpleAck, error) {
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)

	pkid, err := readUint16(br)
	if err != nil {
		return nil, err
	}
	a := &SimpleAck{Type: packetType, Version: version, PacketID: pkid, ReasonCode: ReasonSuccess}
	if version == ProtocolV5 && remainingLength > 2 {
		code, err := readByte(br)
		if err != nil {
			return nil, err
		}
		a.ReasonCode = ReasonCode(code)
		if remainingLength > 3 {
			props, err := readProperties(br)
			if err != nil {
				return nil, err
			}
			a.Properties = props
		}
	}
	return a, nil
}

// PingReq/PingResp/Disconnect carry no variable header in v3/v4; v5's
// DISCONNECT optionally carries a reason code and properties.

// EncodePingReq writes a zero-length PINGREQ.
func EncodePingReq(w io.Writer) error { return WriteFixedHeader(w, PacketPingReq, 0, 0) }

// EncodePingResp writes a zero-length PINGRESP.
func EncodePingResp(w io.Writer) error { return WriteFixedHeader(w, PacketPingResp, 0, 0) }

// Disconnect is a decoded/encoded DISCONNECT packet.
type Disconnect struct {
	Version    ProtocolVersion
	ReasonCode ReasonCode
	Properties *Properties
}

func (d *Disconnect) Encode(w io.Writer) error {
	if d.Version != ProtocolV5 || (d.ReasonCode == ReasonNormalDisconnection && d.Properties == nil) {
		return WriteFixedHeader(w, PacketDisconnect, 0, 0)
	}
	var body bytes.Buffer
	if err := writeByte(&body, byte(d.ReasonCode)); err != nil {
		return err
	}
	if err := writePropertiesWithLength(&body, d.Properties); err != nil {
		return err
	}
	if err := WriteFixedHeader(w, PacketDisconnect, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeDisconnect reads a DISCONNECT packet body (v5 only; v3/v4
// DISCONNECT has no variable header, so remainingLength is 0).
func DecodeDisconnect(r *bufio.Reader, version ProtocolVersion, remainingLength int) (*Disconnect, error) {
	d := &Disconnect{Version: version, ReasonCode: ReasonNormalDisconnection}
	if remainingLength == 0 {
		return d, nil
	}
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)
	code, err := readByte(br)
	if err != nil {
		return nil, err
	}
	d.ReasonCode = ReasonCode(code)
	if remainingLength > 1 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		d.Properties = props
	}
	return d, nil
}
