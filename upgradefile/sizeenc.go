package upgradefile

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrBadValue is returned when a length cannot be expressed in the compact
// size encoding.
var ErrBadValue = errors.New("bad value")

// Compact size encoding: the top two bits select a multiplier and the low
// fourteen bits hold the length divided by it.
const (
	sizeMask      = 0x3FFF
	sizeTierShift = 14

	MaxSizeTier1 = sizeMask
	MaxSizeTier2 = sizeMask * 16
	MaxSizeTier3 = sizeMask * 4096
)

var sizeMultipliers = [...]uint32{1, 16, 4096}

// EncodeSize packs a byte length into the compact 16-bit size encoding.
// Lengths beyond MaxSizeTier1 must be 16-byte aligned, and lengths beyond
// MaxSizeTier2 must be 4096-byte aligned.
func EncodeSize(length uint32) (uint16, error) {
	for tier, mult := range sizeMultipliers {
		if length > sizeMask*mult {
			continue
		}
		if length%mult != 0 {
			return 0, errors.Wrapf(ErrBadValue, "length %d is not %d-byte aligned", length, mult)
		}
		return uint16(tier)<<sizeTierShift | uint16(length/mult), nil
	}
	return 0, errors.Wrapf(ErrBadValue, "length %d exceeds %d", length, MaxSizeTier3)
}

// DecodeSize expands a compact size back into a byte length.
func DecodeSize(enc uint16) (uint32, error) {
	tier := int(enc >> sizeTierShift)
	if tier >= len(sizeMultipliers) {
		return 0, errors.Wrap(ErrBadValue, fmt.Sprintf("reserved size tier in 0x%04X", enc))
	}
	return uint32(enc&sizeMask) * sizeMultipliers[tier], nil
}
