package otau

import (
	"fmt"
	"time"

	"github.com/thristram/go-gaia-otau/codec"
)

// Message is one upgrade protocol message.
type Message struct {
	Opcode  Opcode
	Payload []byte
}

// Bytes encodes the message as opcode, u16 length and payload.
func (m Message) Bytes() []byte {
	buf := make([]byte, upgradeHeaderSize+len(m.Payload))
	codec.PutU8(buf, 0, uint8(m.Opcode))
	codec.PutU16(buf, 1, uint16(len(m.Payload)))
	copy(buf[upgradeHeaderSize:], m.Payload)
	return buf
}

// DecodeMessage parses opcode, length and payload. The declared length
// must match the bytes present.
func DecodeMessage(b []byte) (Message, error) {
	if len(b) < upgradeHeaderSize {
		return Message{}, NewError(ErrProtocol, fmt.Sprintf("message of %d bytes is shorter than header", len(b)))
	}
	m := Message{Opcode: Opcode(b[0])}
	n := int(codec.U16(b[1:]))
	if n != len(b)-upgradeHeaderSize {
		return m, NewOpcodeError(ErrProtocol, fmt.Sprintf("declared length %d, got %d", n, len(b)-upgradeHeaderSize), m.Opcode)
	}
	m.Payload = b[upgradeHeaderSize:]
	return m, nil
}

func (m Message) String() string {
	return FormatMessageLog("", m)
}

func (m Message) need(n int) error {
	if len(m.Payload) < n {
		return NewOpcodeError(ErrProtocol, fmt.Sprintf("payload of %d bytes, need %d", len(m.Payload), n), m.Opcode)
	}
	return nil
}

func u8Message(op Opcode, v uint8) Message {
	return Message{Opcode: op, Payload: []byte{v}}
}

func u16Message(op Opcode, v uint16) Message {
	buf := make([]byte, 2)
	codec.PutU16(buf, 0, v)
	return Message{Opcode: op, Payload: buf}
}

// Host to device messages.

func SyncReq(id uint32) Message {
	buf := make([]byte, 4)
	codec.PutU32(buf, 0, id)
	return Message{Opcode: OpSyncReq, Payload: buf}
}

func StartReq() Message            { return Message{Opcode: OpStartReq} }
func StartDataReq() Message        { return Message{Opcode: OpStartDataReq} }
func AbortReq() Message            { return Message{Opcode: OpAbortReq} }
func IsValidationDoneReq() Message { return Message{Opcode: OpIsValidationDoneReq} }
func ProgressReq() Message         { return Message{Opcode: OpProgressReq} }
func VersionReq() Message          { return Message{Opcode: OpVersionReq} }
func ErrorWarnRes() Message        { return Message{Opcode: OpErrorWarnRes} }

func TransferCompleteRes(action uint8) Message { return u8Message(OpTransferCompleteRes, action) }
func InProgressRes(action uint8) Message       { return u8Message(OpInProgressRes, action) }
func CommitCfm(action uint8) Message           { return u8Message(OpCommitCfm, action) }

// Data builds a DATA message. last is the more-data flag, set on the frame
// carrying the final byte of the file.
func Data(last bool, data []byte) Message {
	buf := make([]byte, 1+len(data))
	if last {
		buf[0] = 1
	}
	copy(buf[1:], data)
	return Message{Opcode: OpData, Payload: buf}
}

// Device to host messages.

func SyncCfm(resume ResumePoint, id uint32) Message {
	buf := make([]byte, 6)
	off := codec.PutU8(buf, 0, uint8(resume))
	off += codec.PutU32(buf, off, id)
	codec.PutU8(buf, off, ProtocolVersion)
	return Message{Opcode: OpSyncCfm, Payload: buf}
}

func StartCfm(status uint8, batteryMV uint16) Message {
	buf := make([]byte, 3)
	codec.PutU8(buf, 0, status)
	codec.PutU16(buf, 1, batteryMV)
	return Message{Opcode: OpStartCfm, Payload: buf}
}

func DataBytesReq(count uint32) Message {
	buf := make([]byte, 8)
	codec.PutU32(buf, 0, count)
	codec.PutU32(buf, 4, 0)
	return Message{Opcode: OpDataBytesReq, Payload: buf}
}

func IsValidationDoneCfm(backoff time.Duration) Message {
	return u16Message(OpIsValidationDoneCfm, uint16(backoff/time.Millisecond))
}

func ErrorWarnInd(code UpgradeError) Message { return u16Message(OpErrorWarnInd, uint16(code)) }
func ProgressCfm(percent uint8) Message      { return u8Message(OpProgressCfm, percent) }

func VersionCfm(major, minor, config uint16) Message {
	buf := make([]byte, 6)
	codec.PutU16(buf, 0, major)
	codec.PutU16(buf, 2, minor)
	codec.PutU16(buf, 4, config)
	return Message{Opcode: OpVersionCfm, Payload: buf}
}

func AbortCfm() Message            { return Message{Opcode: OpAbortCfm} }
func TransferCompleteInd() Message { return Message{Opcode: OpTransferCompleteInd} }
func CommitReq() Message           { return Message{Opcode: OpCommitReq} }
func CompleteInd() Message         { return Message{Opcode: OpCompleteInd} }

// Decoded payloads.

// SyncConfirm is the SYNC_CFM payload.
type SyncConfirm struct {
	Resume  ResumePoint
	ID      uint32
	Version uint8
}

// StartConfirm is the START_CFM payload.
type StartConfirm struct {
	Status    uint8
	BatteryMV uint16
}

// DataPacket is the DATA payload.
type DataPacket struct {
	Last bool
	Data []byte
}

// VersionConfirm is the VERSION_CFM payload.
type VersionConfirm struct {
	Major, Minor, Config uint16
}

func (m Message) SyncID() (uint32, error) {
	if err := m.need(4); err != nil {
		return 0, err
	}
	return codec.U32(m.Payload), nil
}

func (m Message) SyncConfirm() (SyncConfirm, error) {
	if err := m.need(6); err != nil {
		return SyncConfirm{}, err
	}
	c := codec.NewCursor(m.Payload)
	return SyncConfirm{
		Resume:  ResumePoint(c.ReadU8()),
		ID:      c.ReadU32(),
		Version: c.ReadU8(),
	}, nil
}

func (m Message) StartConfirm() (StartConfirm, error) {
	if err := m.need(3); err != nil {
		return StartConfirm{}, err
	}
	return StartConfirm{Status: m.Payload[0], BatteryMV: codec.U16(m.Payload[1:])}, nil
}

func (m Message) DataBytes() (uint32, error) {
	if err := m.need(4); err != nil {
		return 0, err
	}
	return codec.U32(m.Payload), nil
}

func (m Message) DataPacket() (DataPacket, error) {
	if err := m.need(1); err != nil {
		return DataPacket{}, err
	}
	return DataPacket{Last: m.Payload[0] != 0, Data: m.Payload[1:]}, nil
}

func (m Message) Action() (uint8, error) {
	if err := m.need(1); err != nil {
		return 0, err
	}
	return m.Payload[0], nil
}

func (m Message) Backoff() (time.Duration, error) {
	if err := m.need(2); err != nil {
		return 0, err
	}
	return time.Duration(codec.U16(m.Payload)) * time.Millisecond, nil
}

func (m Message) ErrorCode() (UpgradeError, error) {
	if err := m.need(2); err != nil {
		return 0, err
	}
	return UpgradeError(codec.U16(m.Payload)), nil
}

func (m Message) VersionConfirm() (VersionConfirm, error) {
	if err := m.need(6); err != nil {
		return VersionConfirm{}, err
	}
	c := codec.NewCursor(m.Payload)
	return VersionConfirm{Major: c.ReadU16(), Minor: c.ReadU16(), Config: c.ReadU16()}, nil
}
