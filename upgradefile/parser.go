package upgradefile

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
)

// MaxSectionLength bounds any declared section length accepted by the parser.
const MaxSectionLength = 64 << 20

// Parse reads an upgrade file from path.
//
// Example:
//
//	f, err := upgradefile.Parse("image.upd")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(f.Header.VersionString())
func Parse(path string) (*File, error) {
	fh, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open upgrade file")
	}
	defer func() { _ = fh.Close() }()

	return ParseReader(fh)
}

// ParseBytes parses an in-memory upgrade file.
func ParseBytes(data []byte) (*File, error) {
	return ParseReader(bytes.NewReader(data))
}

// ParseReader parses an upgrade file from any io.Reader.
func ParseReader(r io.Reader) (*File, error) {
	p := &parser{r: r}

	id, err := p.marker()
	if err != nil {
		if errors.Cause(err) == io.EOF {
			return nil, &FormatError{Section: "header", Reason: "truncated id"}
		}
		return nil, err
	}
	if id != HeaderID {
		return nil, &FormatError{Section: "header", Offset: 0, Reason: fmt.Sprintf("unknown id %q", id)}
	}
	body, err := p.section(HeaderID)
	if err != nil {
		return nil, err
	}
	hdr, err := UnmarshalHeaderBody(body)
	if err != nil {
		return nil, err
	}

	f := &File{Header: hdr}
	for {
		start := p.off
		id, err := p.marker()
		if err != nil {
			if errors.Cause(err) == io.EOF {
				return nil, &FormatError{Section: FooterID, Offset: start, Reason: "missing footer"}
			}
			return nil, err
		}

		switch id {
		case PartitionID:
			data, err := p.section(PartitionID)
			if err != nil {
				return nil, err
			}
			if len(data) < PartitionFieldsSize {
				return nil, &FormatError{Section: PartitionID, Offset: start, Reason: "declared length shorter than type and id"}
			}
			f.Partitions = append(f.Partitions, Partition{
				Type: PartitionType(codec.U16(data)),
				ID:   codec.U16(data[2:]),
				Data: data[PartitionFieldsSize:],
			})

		case FooterID:
			sig, err := p.section(FooterID)
			if err != nil {
				return nil, err
			}
			if len(sig) != 0 && len(sig) != SignatureSize {
				return nil, &FormatError{Section: FooterID, Offset: start, Reason: fmt.Sprintf("signature is %d bytes", len(sig))}
			}
			f.Signature = sig
			if n, _ := p.r.Read(make([]byte, 1)); n != 0 {
				return nil, &FormatError{Section: FooterID, Offset: p.off, Reason: "trailing data after footer"}
			}
			return f, nil

		default:
			return nil, &FormatError{Section: "section", Offset: start, Reason: fmt.Sprintf("unknown id %q", id)}
		}
	}
}

type parser struct {
	r   io.Reader
	off int64
}

func (p *parser) read(n int) ([]byte, error) {
	buf := make([]byte, n)
	got, err := io.ReadFull(p.r, buf)
	p.off += int64(got)
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errors.Wrapf(err, "read %d bytes at offset %d", n, p.off-int64(got))
	}
	return buf, nil
}

func (p *parser) marker() (string, error) {
	b, err := p.read(IDLength)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (p *parser) section(name string) ([]byte, error) {
	lb, err := p.read(LengthFieldSize)
	if err != nil {
		return nil, &FormatError{Section: name, Offset: p.off, Reason: "truncated length"}
	}
	n := codec.U32(lb)
	if n > MaxSectionLength {
		return nil, &FormatError{Section: name, Offset: p.off, Reason: fmt.Sprintf("length %d too large", n)}
	}
	body, err := p.read(int(n))
	if err != nil {
		return nil, &FormatError{Section: name, Offset: p.off, Reason: fmt.Sprintf("truncated, want %d bytes", n)}
	}
	return body, nil
}
