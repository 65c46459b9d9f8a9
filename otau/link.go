package otau

import (
	"bufio"
	"context"
	"hash/crc32"
	"io"
	"net"
	"sync"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
	"github.com/thristram/go-gaia-otau/gaia"
)

// Link carries whole packets to one peer.
type Link interface {
	Send(packet []byte) error
	MTU() int
	Disconnect() error
}

// PacketReader is implemented by links that deliver inbound packets by
// blocking reads. Session runs a reader goroutine for them.
type PacketReader interface {
	ReadPacket() ([]byte, error)
}

// Connector establishes a link to a peer. The Client uses it to reconnect
// after the downstream device reboots.
type Connector interface {
	Connect(ctx context.Context) (Link, error)
}

// ConnectorFunc adapts a function to Connector.
type ConnectorFunc func(ctx context.Context) (Link, error)

func (f ConnectorFunc) Connect(ctx context.Context) (Link, error) { return f(ctx) }

// Stream framing bytes.
const (
	frameFlag   byte = 0x7E
	frameEsc    byte = 0x7D
	frameEscXor byte = 0x20
)

// crcSize is the trailer appended to every stream frame.
const crcSize = 4

// koopmanPoly is the Koopman CRC-32 polynomial.
const koopmanPoly = 0x741B8CD7

var koopmanTable = crc32.MakeTable(koopmanPoly)

// ErrFrameCorrupt is returned by ReadPacket for a frame whose trailer does
// not match. The stream stays usable.
var ErrFrameCorrupt = errors.New("otau: corrupt stream frame")

// StreamLink frames packets over a byte stream:
//
//	0x7E | stuffed(packet | crc32) | 0x7E
//
// 0x7E and 0x7D inside a frame are sent as 0x7D followed by the byte XOR
// 0x20. Reads resynchronise on the flag byte.
type StreamLink struct {
	rw  io.ReadWriter
	r   *bufio.Reader
	mtu int

	wmu    sync.Mutex
	closed bool
}

// NewStreamLink wraps rw. mtu bounds the packets accepted by Send; zero
// selects gaia.DefaultMTU.
func NewStreamLink(rw io.ReadWriter, mtu int) *StreamLink {
	if mtu <= 0 {
		mtu = gaia.DefaultMTU
	}
	return &StreamLink{rw: rw, r: bufio.NewReader(rw), mtu: mtu}
}

// MTU returns the largest packet Send accepts.
func (l *StreamLink) MTU() int {
	return l.mtu
}

// Send writes one framed packet.
func (l *StreamLink) Send(packet []byte) error {
	if len(packet) > l.mtu {
		return errors.Wrapf(gaia.ErrFrameTooLarge, "%d byte packet", len(packet))
	}

	raw := make([]byte, len(packet)+crcSize)
	copy(raw, packet)
	codec.PutU32(raw, len(packet), crc32.Checksum(packet, koopmanTable))

	out := make([]byte, 0, 2*len(raw)+2)
	out = append(out, frameFlag)
	for _, b := range raw {
		if b == frameFlag || b == frameEsc {
			out = append(out, frameEsc, b^frameEscXor)
		} else {
			out = append(out, b)
		}
	}
	out = append(out, frameFlag)

	l.wmu.Lock()
	defer l.wmu.Unlock()
	if l.closed {
		return ErrClosed
	}
	_, err := l.rw.Write(out)
	return errors.Wrap(err, "stream write")
}

// ReadPacket blocks for the next frame. Empty frames between flags are
// skipped.
func (l *StreamLink) ReadPacket() ([]byte, error) {
	var buf []byte
	inFrame := false
	esc := false

	for {
		b, err := l.r.ReadByte()
		if err != nil {
			return nil, err
		}

		if b == frameFlag {
			if inFrame && len(buf) > 0 && !esc {
				return l.check(buf)
			}
			inFrame = true
			esc = false
			buf = buf[:0]
			continue
		}
		if !inFrame {
			continue
		}

		switch {
		case esc:
			buf = append(buf, b^frameEscXor)
			esc = false
		case b == frameEsc:
			esc = true
		default:
			buf = append(buf, b)
		}
	}
}

func (l *StreamLink) check(frame []byte) ([]byte, error) {
	if len(frame) < crcSize {
		return nil, errors.Wrapf(ErrFrameCorrupt, "%d byte frame", len(frame))
	}
	n := len(frame) - crcSize
	if crc32.Checksum(frame[:n], koopmanTable) != codec.U32(frame[n:]) {
		return nil, errors.Wrap(ErrFrameCorrupt, "crc mismatch")
	}
	packet := make([]byte, n)
	copy(packet, frame[:n])
	return packet, nil
}

// Disconnect closes the stream when it is an io.Closer.
func (l *StreamLink) Disconnect() error {
	l.wmu.Lock()
	if l.closed {
		l.wmu.Unlock()
		return nil
	}
	l.closed = true
	l.wmu.Unlock()

	if c, ok := l.rw.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// NetConnector dials a stream link.
type NetConnector struct {
	Network string // defaults to "tcp"
	Address string
	MTU     int
}

// Connect dials the address and wraps the connection in a StreamLink.
func (c NetConnector) Connect(ctx context.Context) (Link, error) {
	network := c.Network
	if network == "" {
		network = "tcp"
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, c.Address)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", c.Address)
	}
	return NewStreamLink(conn, c.MTU), nil
}
