package gaia

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
)

// Frame is a decoded envelope.
type Frame struct {
	Vendor  uint16
	Command CommandID
	Payload []byte
}

// Encode builds the on-link bytes for a frame.
func Encode(vendor uint16, cmd CommandID, payload []byte) []byte {
	buf := make([]byte, HeaderSize+len(payload))
	codec.PutU16(buf, 0, vendor)
	codec.PutU16(buf, 2, uint16(cmd))
	copy(buf[HeaderSize:], payload)
	return buf
}

// Decode splits a packet into its envelope fields. The payload aliases b.
func Decode(b []byte) (Frame, error) {
	if len(b) < HeaderSize {
		return Frame{}, errors.Errorf("gaia: frame of %d bytes is shorter than header", len(b))
	}
	return Frame{
		Vendor:  codec.U16(b),
		Command: CommandID(codec.U16(b[2:])),
		Payload: b[HeaderSize:],
	}, nil
}

// Status returns the status byte of an acknowledgement frame.
func (f Frame) Status() (Status, bool) {
	if !f.Command.IsAck() || len(f.Payload) == 0 {
		return 0, false
	}
	return Status(f.Payload[0]), true
}

// FormatFrame renders a frame for logs.
func FormatFrame(direction string, b []byte) string {
	f, err := Decode(b)
	if err != nil {
		return fmt.Sprintf("%s % X (short)", direction, b)
	}
	if st, ok := f.Status(); ok {
		return fmt.Sprintf("%s %s status=%s payload=% X", direction, f.Command, st, f.Payload[1:])
	}
	return fmt.Sprintf("%s %s payload=% X", direction, f.Command, f.Payload)
}
