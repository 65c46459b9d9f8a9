// Package otau implements the over-the-air upgrade protocol carried inside
// GAIA frames.
//
// A Device is the upgrade target: it requests the upgrade file piece by
// piece, writes partitions to its store, validates the footer checksum and
// walks the host through reboot and commit. A Client is the initiator used
// when this node relays a stored image onward to a neighbour: it answers the
// downstream device's data requests from a locally held partition and
// follows it across the post-transfer reboot.
//
// Both engines are single-threaded. A Session owns the link and runs every
// handler, store confirmation and timer expiry on one goroutine.
package otau

import (
	"fmt"
	"time"

	"github.com/thristram/go-gaia-otau/gaia"
)

// ProtocolVersion is reported in SYNC_CFM and required by the Client.
const ProtocolVersion = 3

// Opcode identifies an upgrade protocol message.
type Opcode uint8

const (
	OpStartReq            Opcode = 0x01
	OpStartCfm            Opcode = 0x02
	OpDataBytesReq        Opcode = 0x03
	OpData                Opcode = 0x04
	OpAbortReq            Opcode = 0x07
	OpAbortCfm            Opcode = 0x08
	OpProgressReq         Opcode = 0x09
	OpProgressCfm         Opcode = 0x0A
	OpTransferCompleteInd Opcode = 0x0B
	OpTransferCompleteRes Opcode = 0x0C
	OpInProgressRes       Opcode = 0x0E
	OpCommitReq           Opcode = 0x0F
	OpCommitCfm           Opcode = 0x10
	OpErrorWarnInd        Opcode = 0x11
	OpCompleteInd         Opcode = 0x12
	OpSyncReq             Opcode = 0x13
	OpSyncCfm             Opcode = 0x14
	OpStartDataReq        Opcode = 0x15
	OpIsValidationDoneReq Opcode = 0x16
	OpIsValidationDoneCfm Opcode = 0x17
	OpVersionReq          Opcode = 0x19
	OpVersionCfm          Opcode = 0x1A
	OpErrorWarnRes        Opcode = 0x1F
)

// opcodeNames provides human-readable names for opcodes.
var opcodeNames = map[Opcode]string{
	OpStartReq:            "START_REQ",
	OpStartCfm:            "START_CFM",
	OpDataBytesReq:        "DATA_BYTES_REQ",
	OpData:                "DATA",
	OpAbortReq:            "ABORT_REQ",
	OpAbortCfm:            "ABORT_CFM",
	OpProgressReq:         "PROGRESS_REQ",
	OpProgressCfm:         "PROGRESS_CFM",
	OpTransferCompleteInd: "TRANSFER_COMPLETE_IND",
	OpTransferCompleteRes: "TRANSFER_COMPLETE_RES",
	OpInProgressRes:       "IN_PROGRESS_RES",
	OpCommitReq:           "COMMIT_REQ",
	OpCommitCfm:           "COMMIT_CFM",
	OpErrorWarnInd:        "ERRORWARN_IND",
	OpCompleteInd:         "COMPLETE_IND",
	OpSyncReq:             "SYNC_REQ",
	OpSyncCfm:             "SYNC_CFM",
	OpStartDataReq:        "START_DATA_REQ",
	OpIsValidationDoneReq: "IS_CSR_VALID_DONE_REQ",
	OpIsValidationDoneCfm: "IS_CSR_VALID_DONE_CFM",
	OpVersionReq:          "VERSION_REQ",
	OpVersionCfm:          "VERSION_CFM",
	OpErrorWarnRes:        "ERRORWARN_RES",
}

func (o Opcode) String() string {
	if name, ok := opcodeNames[o]; ok {
		return name
	}
	return fmt.Sprintf("OPCODE_0x%02X", uint8(o))
}

// Actions carried by TRANSFER_COMPLETE_RES, IN_PROGRESS_RES and COMMIT_CFM.
const (
	ActionContinue uint8 = 0
	ActionAbort    uint8 = 1
)

// ResumePoint is the persisted marker of upgrade progress.
type ResumePoint uint8

const (
	ResumeStart ResumePoint = iota
	ResumePreValidate
	ResumePreReboot
	ResumePostReboot
	ResumeCommit
	ResumeErase
	ResumeError
)

func (r ResumePoint) String() string {
	switch r {
	case ResumeStart:
		return "start"
	case ResumePreValidate:
		return "pre-validate"
	case ResumePreReboot:
		return "pre-reboot"
	case ResumePostReboot:
		return "post-reboot"
	case ResumeCommit:
		return "commit"
	case ResumeErase:
		return "erase"
	case ResumeError:
		return "error"
	default:
		return fmt.Sprintf("resume-%d", uint8(r))
	}
}

// DeviceState governs which upgrade messages a Device accepts.
type DeviceState int

const (
	StateSecurity DeviceState = iota
	StateWaitForHost
	StateWaitForDevice
	StateReady
	StateInProgress
	StatePaused
	StateCompleted
	StateFailed
	StateAborted
	StateDisconnecting
	StatePreFail
	StateWaitingToReboot
)

func (s DeviceState) String() string {
	switch s {
	case StateSecurity:
		return "Security"
	case StateWaitForHost:
		return "WaitForHost"
	case StateWaitForDevice:
		return "WaitForDevice"
	case StateReady:
		return "Ready"
	case StateInProgress:
		return "InProgress"
	case StatePaused:
		return "Paused"
	case StateCompleted:
		return "Completed"
	case StateFailed:
		return "Failed"
	case StateAborted:
		return "Aborted"
	case StateDisconnecting:
		return "Disconnecting"
	case StatePreFail:
		return "PreFail"
	case StateWaitingToReboot:
		return "WaitingToReboot"
	default:
		return fmt.Sprintf("DeviceState(%d)", int(s))
	}
}

// DataTransferState is the position within the streamed upgrade file.
type DataTransferState int

const (
	DataHeaderID DataTransferState = iota
	DataHeaderLength
	DataHeaderBody
	DataUnknownHeaderID
	DataPartitionHeaderBody
	DataPartitionOpening
	DataPartitionData
	DataFooterLength
	DataFooterSignature
	DataComplete
	DataFailed
)

func (s DataTransferState) String() string {
	switch s {
	case DataHeaderID:
		return "HeaderId"
	case DataHeaderLength:
		return "HeaderLength"
	case DataHeaderBody:
		return "HeaderBody"
	case DataUnknownHeaderID:
		return "UnknownHeaderId"
	case DataPartitionHeaderBody:
		return "PartitionHeaderBody"
	case DataPartitionOpening:
		return "PartitionOpening"
	case DataPartitionData:
		return "PartitionData"
	case DataFooterLength:
		return "FooterLength"
	case DataFooterSignature:
		return "FooterSignature"
	case DataComplete:
		return "Complete"
	case DataFailed:
		return "Failed"
	default:
		return fmt.Sprintf("DataTransferState(%d)", int(s))
	}
}

// Protocol timings.
const (
	// CommitTimeout bounds how long a rebooted device runs an uncommitted
	// image waiting for the host to come back.
	CommitTimeout = 300 * time.Second

	// DefaultValidationBackoff is returned in IS_CSR_VALID_DONE_CFM.
	DefaultValidationBackoff = 500 * time.Millisecond
)

// upgradeHeaderSize is the opcode and length prefix of an upgrade message.
const upgradeHeaderSize = 3

// ChunkCap is the largest even amount of file data that fits one DATA
// message on a link with the given MTU.
func ChunkCap(mtu int) int {
	n := mtu - gaia.HeaderSize - upgradeHeaderSize - 1
	if n < 2 {
		return 0
	}
	return n &^ 1
}
