// Package upgradefile reads and writes the upgrade file container streamed to
// a device during an over-the-air upgrade:
//
//	"APPUHDR4" | u32 length | header body
//	"PARTDATA" | u32 length | u16 type | u16 id | data     (zero or more)
//	"APPUPFTR" | u32 length | signature
//
// All integers are big-endian. The footer signature is either empty (no
// validation) or the 32-byte SignatureSum of every partition.
package upgradefile

import (
	"fmt"

	"github.com/thristram/go-gaia-otau/codec"
)

// Section markers.
const (
	HeaderID    = "APPUHDR4"
	PartitionID = "PARTDATA"
	FooterID    = "APPUPFTR"
)

// Fixed sizes of the container.
const (
	// IDLength is the length of every section marker.
	IDLength = 8

	// LengthFieldSize is the size of the u32 length following a marker.
	LengthFieldSize = 4

	// PartitionFieldsSize is the type and id sub-fields counted in a
	// partition's declared length.
	PartitionFieldsSize = 4

	// HeaderBodySize is the size of the header body written by Build.
	HeaderBodySize = 14

	// SignatureSize is the length of a non-empty footer signature.
	SignatureSize = 32

	// StoreHeaderSize is the prefix at the start of every partition's data
	// that a device replaces with the header its store writes itself.
	StoreHeaderSize = 8

	// PartitionHeaderImageSize covers marker, length, type and id.
	PartitionHeaderImageSize = IDLength + LengthFieldSize + PartitionFieldsSize

	// HeaderImageSize is an upgrade header followed by one partition header.
	HeaderImageSize = IDLength + LengthFieldSize + HeaderBodySize + PartitionHeaderImageSize

	// FooterImageSize is a footer carrying a full signature.
	FooterImageSize = IDLength + LengthFieldSize + SignatureSize
)

// PartitionType identifies the store a partition is written to.
type PartitionType uint16

const (
	PartitionUserData    PartitionType = 0x0000
	PartitionApplication PartitionType = 0x0001
	PartitionRelay       PartitionType = 0x0002
)

func (t PartitionType) String() string {
	switch t {
	case PartitionUserData:
		return "user-data"
	case PartitionApplication:
		return "application"
	case PartitionRelay:
		return "relay"
	default:
		return fmt.Sprintf("type-0x%04X", uint16(t))
	}
}

// Header is the decoded upgrade header body.
type Header struct {
	CompanyCode  uint32
	PlatformType uint16
	TypeEncoding uint16
	ImageType    uint8
	Version      [3]byte
	NVMVersion   uint16

	// Extra holds any bytes past the fixed fields.
	Extra []byte
}

// Partition is one PARTDATA section.
type Partition struct {
	Type PartitionType
	ID   uint16

	// Data includes the StoreHeaderSize prefix.
	Data []byte
}

// File is a parsed upgrade file.
type File struct {
	Header     Header
	Partitions []Partition
	Signature  []byte
}

// VersionString formats the packed version as major.minor.revision.
func (h Header) VersionString() string {
	return fmt.Sprintf("%d.%d.%d", h.Version[0], h.Version[1], h.Version[2])
}

// MarshalBody encodes the header body.
func (h Header) MarshalBody() []byte {
	buf := make([]byte, HeaderBodySize, HeaderBodySize+len(h.Extra))
	off := codec.PutU32(buf, 0, h.CompanyCode)
	off += codec.PutU16(buf, off, h.PlatformType)
	off += codec.PutU16(buf, off, h.TypeEncoding)
	off += codec.PutU8(buf, off, h.ImageType)
	off += copy(buf[off:], h.Version[:])
	codec.PutU16(buf, off, h.NVMVersion)
	return append(buf, h.Extra...)
}

// UnmarshalHeaderBody decodes a header body of at least HeaderBodySize bytes.
func UnmarshalHeaderBody(body []byte) (Header, error) {
	var h Header
	if len(body) < HeaderBodySize {
		return h, &FormatError{Section: HeaderID, Reason: fmt.Sprintf("header body is %d bytes, need %d", len(body), HeaderBodySize)}
	}
	c := codec.NewCursor(body)
	h.CompanyCode = c.ReadU32()
	h.PlatformType = c.ReadU16()
	h.TypeEncoding = c.ReadU16()
	h.ImageType = c.ReadU8()
	copy(h.Version[:], c.Bytes(3))
	h.NVMVersion = c.ReadU16()
	if c.Remaining() > 0 {
		h.Extra = append([]byte(nil), c.Bytes(c.Remaining())...)
	}
	return h, nil
}

// HeaderBytes returns the full upgrade header section.
func (h Header) HeaderBytes() []byte {
	body := h.MarshalBody()
	buf := make([]byte, IDLength+LengthFieldSize, IDLength+LengthFieldSize+len(body))
	copy(buf, HeaderID)
	codec.PutU32(buf, IDLength, uint32(len(body)))
	return append(buf, body...)
}

// DataLength is the partition's data length as a receiver computes it: the
// declared length minus the type and id fields.
func (p Partition) DataLength() uint32 {
	return uint32(len(p.Data))
}

// HeaderBytes returns the PARTDATA marker, declared length, type and id.
func (p Partition) HeaderBytes() []byte {
	buf := make([]byte, PartitionHeaderImageSize)
	off := copy(buf, PartitionID)
	off += codec.PutU32(buf, off, uint32(len(p.Data))+PartitionFieldsSize)
	off += codec.PutU16(buf, off, uint16(p.Type))
	codec.PutU16(buf, off, p.ID)
	return buf
}

// FooterBytes returns the footer section carrying sig.
func FooterBytes(sig []byte) []byte {
	buf := make([]byte, IDLength+LengthFieldSize, IDLength+LengthFieldSize+len(sig))
	copy(buf, FooterID)
	codec.PutU32(buf, IDLength, uint32(len(sig)))
	return append(buf, sig...)
}

// FormatError describes a malformed upgrade file.
type FormatError struct {
	Section string
	Offset  int64
	Reason  string
}

func (e *FormatError) Error() string {
	if e.Offset > 0 {
		return fmt.Sprintf("upgrade file %s at offset %d: %s", e.Section, e.Offset, e.Reason)
	}
	return fmt.Sprintf("upgrade file %s: %s", e.Section, e.Reason)
}
