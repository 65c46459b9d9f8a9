package otau

import (
	"fmt"

	"github.com/thristram/go-gaia-otau/codec"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

// maxHeaderLength bounds the upgrade header body a device accepts.
const maxHeaderLength = 1024

// transferState is one variant of the file-transfer sub-state machine.
// Each variant carries only the data meaningful in that state.
type transferState interface {
	kind() DataTransferState

	// want returns the number of bytes needed to progress. partial is true
	// when any shorter non-empty piece may be consumed.
	want(chunkCap int) (n int, partial bool)
}

type (
	stHeaderID struct{}

	stHeaderLength struct {
		raw []byte
	}

	stHeaderBody struct {
		raw    []byte
		length int
		seen   int
	}

	stUnknownID struct{}

	stPartitionHeader struct{}

	stPartitionOpening struct {
		info PartitionInfo
	}

	stPartitionData struct {
		info      PartitionInfo
		handle    Handle
		remaining uint32
		skip      int
	}

	stFooterLength struct{}

	stFooterSignature struct {
		raw    []byte
		length int
		seen   int
	}

	stComplete struct{}

	stFailed struct {
		code UpgradeError
	}
)

func (stHeaderID) kind() DataTransferState         { return DataHeaderID }
func (stHeaderLength) kind() DataTransferState     { return DataHeaderLength }
func (stHeaderBody) kind() DataTransferState       { return DataHeaderBody }
func (stUnknownID) kind() DataTransferState        { return DataUnknownHeaderID }
func (stPartitionHeader) kind() DataTransferState  { return DataPartitionHeaderBody }
func (stPartitionOpening) kind() DataTransferState { return DataPartitionOpening }
func (stPartitionData) kind() DataTransferState    { return DataPartitionData }
func (stFooterLength) kind() DataTransferState     { return DataFooterLength }
func (stFooterSignature) kind() DataTransferState  { return DataFooterSignature }
func (stComplete) kind() DataTransferState         { return DataComplete }
func (stFailed) kind() DataTransferState           { return DataFailed }

func (stHeaderID) want(int) (int, bool)     { return upgradefile.IDLength, false }
func (stHeaderLength) want(int) (int, bool) { return upgradefile.LengthFieldSize, false }
func (s stHeaderBody) want(int) (int, bool) { return s.length - s.seen, true }
func (stUnknownID) want(int) (int, bool)    { return upgradefile.IDLength, false }
func (stPartitionHeader) want(int) (int, bool) {
	return upgradefile.LengthFieldSize + upgradefile.PartitionFieldsSize, false
}
func (stPartitionOpening) want(int) (int, bool) { return 0, false }
func (stFooterLength) want(int) (int, bool)     { return upgradefile.LengthFieldSize, false }
func (stComplete) want(int) (int, bool)         { return 0, false }
func (stFailed) want(int) (int, bool)           { return 0, false }

func (s stPartitionData) want(chunkCap int) (int, bool) {
	return min(int(s.remaining), chunkCap), true
}

func (s stFooterSignature) want(chunkCap int) (int, bool) {
	return min(s.length-s.seen, chunkCap), true
}

// action is work the device performs in order after a transition.
type action interface{}

type (
	// actValidate asks the application to check a header piece.
	actValidate struct {
		chunk HeaderChunk
		code  UpgradeError
	}

	actHeaderReceived struct {
		raw []byte
	}

	// actOpen erases the partition store. The parser waits in
	// stPartitionOpening until opened is called.
	actOpen struct {
		info PartitionInfo
		raw  []byte
	}

	actWrite struct {
		handle Handle
		data   []byte
	}

	// actHash digests a finished partition and adds it to the footer sum.
	// rawTail is the length of an odd final write, stored unswapped.
	actHash struct {
		info    PartitionInfo
		handle  Handle
		rawTail int
	}

	// actVerify compares signature bytes at offset with the footer sum.
	actVerify struct {
		offset int
		chunk  []byte
	}

	actFooterReceived struct {
		raw []byte
	}

	// actComplete marks the file validated. A signed footer also needs the
	// final flag on its last byte.
	actComplete struct {
		signed bool
	}
)

// step consumes in, which holds exactly want bytes for fixed-size states
// and at most want bytes otherwise.
func step(st transferState, in []byte) (transferState, []action, error) {
	switch s := st.(type) {
	case stHeaderID:
		acts := []action{actValidate{
			chunk: HeaderChunk{Section: SectionHeaderID, Chunk: in, Total: upgradefile.IDLength},
			code:  ErrorOEMValidationFailedHeaders,
		}}
		if string(in) != upgradefile.HeaderID {
			return stFailed{ErrorOEMValidationFailedHeaders}, nil,
				transferError(ErrorOEMValidationFailedHeaders, "header id %q", in)
		}
		return stHeaderLength{raw: clone(in)}, acts, nil

	case stHeaderLength:
		n := int(codec.U32(in))
		if n < upgradefile.HeaderBodySize || n > maxHeaderLength {
			return stFailed{ErrorBadLengthUpgradeHeader}, nil,
				transferError(ErrorBadLengthUpgradeHeader, "header length %d", n)
		}
		return stHeaderBody{raw: append(s.raw, in...), length: n}, nil, nil

	case stHeaderBody:
		acts := []action{actValidate{
			chunk: HeaderChunk{Section: SectionHeaderBody, Chunk: in, Offset: s.seen, Total: s.length},
			code:  ErrorOEMValidationFailedUpgradeHdr,
		}}
		s.raw = append(s.raw, in...)
		s.seen += len(in)
		if s.seen < s.length {
			return s, acts, nil
		}
		return stUnknownID{}, append(acts, actHeaderReceived{raw: s.raw}), nil

	case stUnknownID:
		switch string(in) {
		case upgradefile.PartitionID:
			return stPartitionHeader{}, nil, nil
		case upgradefile.FooterID:
			return stFooterLength{}, nil, nil
		}
		return stFailed{ErrorUnknownID}, nil, transferError(ErrorUnknownID, "section id %q", in)

	case stPartitionHeader:
		c := codec.NewCursor(in)
		length := c.ReadU32()
		typ := PartitionType(c.ReadU16())
		id := c.ReadU16()
		raw := make([]byte, 0, upgradefile.PartitionHeaderImageSize)
		raw = append(raw, upgradefile.PartitionID...)
		raw = append(raw, in...)

		acts := []action{actValidate{
			chunk: HeaderChunk{Section: SectionPartitionHeader, Chunk: raw, Total: len(raw)},
			code:  ErrorOEMValidationFailedPartitionHd1,
		}}
		if length < upgradefile.PartitionFieldsSize+upgradefile.StoreHeaderSize {
			return stFailed{ErrorBadLengthPartitionHeader}, nil,
				transferError(ErrorBadLengthPartitionHeader, "partition length %d", length)
		}
		info := PartitionInfo{Type: typ, ID: id, DataLength: length - upgradefile.PartitionFieldsSize}
		return stPartitionOpening{info: info}, append(acts, actOpen{info: info, raw: raw}), nil

	case stPartitionData:
		s.remaining -= uint32(len(in))
		data := in
		if s.skip > 0 {
			k := min(s.skip, len(data))
			data = data[k:]
			s.skip -= k
		}
		var acts []action
		if len(data) > 0 {
			w := make([]byte, len(data))
			copy(w, data)
			codec.SwapBytePairs(data, w, len(data))
			acts = append(acts, actWrite{handle: s.handle, data: w})
		}
		if s.remaining > 0 {
			return s, acts, nil
		}
		hash := actHash{info: s.info, handle: s.handle}
		if len(data)%2 != 0 {
			hash.rawTail = len(data)
		}
		return stUnknownID{}, append(acts, hash), nil

	case stFooterLength:
		n := int(codec.U32(in))
		raw := make([]byte, 0, upgradefile.FooterImageSize)
		raw = append(raw, upgradefile.FooterID...)
		raw = append(raw, in...)
		if n == 0 {
			return stComplete{}, []action{actFooterReceived{raw: raw}, actComplete{}}, nil
		}
		if n != upgradefile.SignatureSize {
			return stFailed{ErrorBadLengthSignature}, nil,
				transferError(ErrorBadLengthSignature, "signature length %d", n)
		}
		return stFooterSignature{raw: raw, length: n}, nil, nil

	case stFooterSignature:
		acts := []action{actVerify{offset: s.seen, chunk: clone(in)}}
		s.raw = append(s.raw, in...)
		s.seen += len(in)
		if s.seen < s.length {
			return s, acts, nil
		}
		return stComplete{}, append(acts, actFooterReceived{raw: s.raw}, actComplete{signed: true}), nil

	case stComplete:
		return stFailed{ErrorFileTooBig}, nil, transferError(ErrorFileTooBig, "%d bytes after footer", len(in))
	}

	return st, nil, transferError(ErrorInternal1, "no input expected in %s", st.kind())
}

// fileParser drives step over buffered input.
type fileParser struct {
	state    transferState
	chunkCap int
	consumed int64
}

func newFileParser(chunkCap int) *fileParser {
	return &fileParser{state: stHeaderID{}, chunkCap: chunkCap}
}

func (p *fileParser) kind() DataTransferState {
	return p.state.kind()
}

func (p *fileParser) want() (int, bool) {
	return p.state.want(p.chunkCap)
}

func (p *fileParser) done() bool {
	_, ok := p.state.(stComplete)
	return ok
}

func (p *fileParser) failed() bool {
	_, ok := p.state.(stFailed)
	return ok
}

// feed consumes a prefix of buf and returns how much it used.
func (p *fileParser) feed(buf []byte) (int, []action, error) {
	n, partial := p.want()
	switch {
	case n == 0:
		if len(buf) == 0 {
			return 0, nil, nil
		}
		if p.done() {
			// Anything past the footer is an error.
			n = len(buf)
		} else {
			return 0, nil, nil
		}
	case len(buf) < n && !partial:
		return 0, nil, nil
	case len(buf) < n:
		n = len(buf)
	}

	next, acts, err := step(p.state, buf[:n])
	p.state = next
	p.consumed += int64(n)
	return n, acts, err
}

// opened moves a partition waiting for its store into PartitionData.
func (p *fileParser) opened(h Handle) {
	if s, ok := p.state.(stPartitionOpening); ok {
		p.state = stPartitionData{
			info:      s.info,
			handle:    h,
			remaining: s.info.DataLength,
			skip:      upgradefile.StoreHeaderSize,
		}
	}
}

// fail stops the parser.
func (p *fileParser) fail(code UpgradeError) {
	p.state = stFailed{code: code}
}

func transferError(code UpgradeError, format string, args ...interface{}) error {
	return NewCodeError(ErrValidation, code, fmt.Sprintf(format, args...))
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
