package wire

import (
	"bufio"
	"bytes"
	"io"
)

// Auth is a decoded/encoded AUTH packet, introduced in MQTT 5.0 for
// extended (e.g. SASL) authentication exchanges. It has no v3/v4 form.
type Auth struct {
	ReasonCode ReasonCode
	Properties *Properties
}

func (a *Auth) Encode(w io.Writer) error {
	if a.ReasonCode == ReasonSuccess && a.Properties == nil {
		return WriteFixedHeader(w, PacketAuth, 0, 0)
	}
	var body bytes.Buffer
	if err := writeByte(&body, byte(a.ReasonCode)); err != nil {
		return err
	}
	if err := writePropertiesWithLength(&body, a.Properties); err != nil {
		return err
	}
	if err := WriteFixedHeader(w, PacketAuth, 0, body.Len()); err != nil {
		return err
	}
	_, err := w.Write(body.Bytes())
	return err
}

// DecodeAuth reads an AUTH packet body.
func DecodeAuth(r *bufio.Reader, remainingLength int) (*Auth, error) {
	a := &Auth{ReasonCode: ReasonSuccess}
	if remainingLength == 0 {
		return a, nil
	}
	lr := io.LimitReader(r, int64(remainingLength))
	br := bufio.NewReader(lr)
	code, err := readByte(br)
	if err != nil {
		return nil, err
	}
	a.ReasonCode = ReasonCode(code)
	if remainingLength > 1 {
		props, err := readProperties(br)
		if err != nil {
			return nil, err
		}
		a.Properties = props
	}
	return a, nil
}
