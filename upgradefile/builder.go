package upgradefile

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
)

// StoreHeaderMagic opens the store header a device writes at the start of
// every partition.
const StoreHeaderMagic = "PS"

// StoreHeader builds the 8-byte header a store places in front of partition
// data: magic, compact size, type and id.
func StoreHeader(encodedSize uint16, typ PartitionType, id uint16) []byte {
	buf := make([]byte, StoreHeaderSize)
	off := copy(buf, StoreHeaderMagic)
	off += codec.PutU16(buf, off, encodedSize)
	off += codec.PutU16(buf, off, uint16(typ))
	codec.PutU16(buf, off, id)
	return buf
}

// NewPartition wraps a raw image in a partition, prefixing the store header
// the receiver will strip.
func NewPartition(typ PartitionType, id uint16, image []byte) (Partition, error) {
	total := uint32(len(image)) + StoreHeaderSize
	enc, err := EncodeSize(total)
	if err != nil {
		return Partition{}, errors.Wrapf(err, "partition %s/%d", typ, id)
	}
	data := make([]byte, 0, total)
	data = append(data, StoreHeader(enc, typ, id)...)
	data = append(data, image...)
	return Partition{Type: typ, ID: id, Data: data}, nil
}

// Seal sets the footer signature for a receiver requesting at most chunkCap
// bytes of partition data at a time.
func (f *File) Seal(chunkCap int) {
	sum := Signature(f.Partitions, chunkCap)
	f.Signature = sum.Bytes()
}

// Build serialises f.
func Build(f *File) []byte {
	var buf bytes.Buffer
	buf.Write(f.Header.HeaderBytes())
	for _, p := range f.Partitions {
		buf.Write(p.HeaderBytes())
		buf.Write(p.Data)
	}
	buf.Write(FooterBytes(f.Signature))
	return buf.Bytes()
}

// Verify recomputes the signature for chunkCap and compares it with the
// footer. An empty footer always verifies.
func (f *File) Verify(chunkCap int) bool {
	if len(f.Signature) == 0 {
		return true
	}
	sum := Signature(f.Partitions, chunkCap)
	return bytes.Equal(sum.Bytes(), f.Signature)
}
