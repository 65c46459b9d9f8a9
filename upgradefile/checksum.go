package upgradefile

import (
	"crypto/sha256"

	"github.com/thristram/go-gaia-otau/codec"
)

// SignatureWords is the number of 16-bit words in a footer signature.
const SignatureWords = SignatureSize / 2

// SignatureSum is the footer checksum: the SHA-256 digests of all partitions
// summed word by word. Each word keeps two independent byte lanes that wrap
// modulo 256 without carrying into each other.
//
// This is a compatibility checksum, not a cryptographic chain of hashes.
type SignatureSum [SignatureWords]uint16

// Accumulate adds one partition digest to the sum.
func (s *SignatureSum) Accumulate(digest [sha256.Size]byte) {
	for i := range s {
		d := codec.U16(digest[i*2:])
		s[i] = ((s[i]&0xFF00)+(d&0xFF00))&0xFF00 | (s[i]+d)&0x00FF
	}
}

// Bytes returns the sum as it appears in a footer.
func (s *SignatureSum) Bytes() []byte {
	buf := make([]byte, SignatureSize)
	for i, w := range s {
		codec.PutU16(buf, i*2, w)
	}
	return buf
}

// Word returns the i-th signature word.
func (s *SignatureSum) Word(i int) uint16 {
	return s[i]
}

// RawTail returns how many trailing bytes StorageImage leaves unswapped:
// the stored length of an odd final chunk, or zero.
func RawTail(dataLen, chunkCap int) int {
	if dataLen <= StoreHeaderSize || chunkCap <= 0 {
		return 0
	}
	start := (dataLen - 1) / chunkCap * chunkCap
	n := dataLen - max(start, StoreHeaderSize)
	if n%2 == 0 {
		return 0
	}
	return n
}

// StorageImage returns the bytes a receiver writes past its own store header
// when a partition's data arrives in chunkCap-sized pieces: the leading
// StoreHeaderSize bytes are dropped and every chunk is byte-pair swapped.
// Odd-length chunks are written unswapped.
func StorageImage(data []byte, chunkCap int) []byte {
	out := make([]byte, 0, len(data))
	skip := StoreHeaderSize
	for off := 0; off < len(data); {
		n := len(data) - off
		if n > chunkCap {
			n = chunkCap
		}
		chunk := data[off : off+n]
		off += n

		if skip > 0 {
			k := skip
			if k > len(chunk) {
				k = len(chunk)
			}
			chunk = chunk[k:]
			skip -= k
		}

		w := make([]byte, len(chunk))
		copy(w, chunk)
		codec.SwapBytePairs(chunk, w, len(chunk))
		out = append(out, w...)
	}
	return out
}

// Signature computes the footer signature a receiver using chunkCap-sized
// data requests will accept for parts.
func Signature(parts []Partition, chunkCap int) SignatureSum {
	var sum SignatureSum
	for _, p := range parts {
		sum.Accumulate(sha256.Sum256(StorageImage(p.Data, chunkCap)))
	}
	return sum
}
