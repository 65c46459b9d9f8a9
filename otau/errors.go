package otau

import (
	"fmt"

	"github.com/pkg/errors"
)

// Error represents an upgrade protocol error
type Error struct {
	// Type is the error type
	Type ErrorType

	// Code is the code reported to the peer, if any
	Code UpgradeError

	// Message is a human-readable error message
	Message string

	// Opcode is the message that caused the error, or -1
	Opcode int
}

// ErrorType categorizes upgrade errors
type ErrorType int

const (
	// ErrProtocol indicates a malformed or unexpected message
	ErrProtocol ErrorType = iota

	// ErrState indicates a message arrived in the wrong state
	ErrState

	// ErrValidation indicates the upgrade file failed a check
	ErrValidation

	// ErrStorage indicates a store operation failed
	ErrStorage

	// ErrTimeout indicates a timer expired waiting for the peer
	ErrTimeout

	// ErrCancelled indicates the upgrade was aborted
	ErrCancelled

	// ErrIO indicates a link error
	ErrIO

	// ErrRemote indicates the peer reported an error
	ErrRemote
)

func (e *Error) Error() string {
	msg := fmt.Sprintf("otau %s: %s", e.Type, e.Message)
	if e.Code != 0 {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}
	if e.Opcode >= 0 {
		msg += fmt.Sprintf(" (message: %s)", Opcode(e.Opcode))
	}
	return msg
}

func (t ErrorType) String() string {
	switch t {
	case ErrProtocol:
		return "protocol error"
	case ErrState:
		return "state error"
	case ErrValidation:
		return "validation error"
	case ErrStorage:
		return "storage error"
	case ErrTimeout:
		return "timeout"
	case ErrCancelled:
		return "cancelled"
	case ErrIO:
		return "I/O error"
	case ErrRemote:
		return "remote error"
	default:
		return "unknown error"
	}
}

// NewError creates a new upgrade error
func NewError(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Opcode:  -1,
	}
}

// NewCodeError creates an error carrying the code reported to the peer
func NewCodeError(errType ErrorType, code UpgradeError, message string) *Error {
	return &Error{
		Type:    errType,
		Code:    code,
		Message: message,
		Opcode:  -1,
	}
}

// NewOpcodeError creates an error tied to a message
func NewOpcodeError(errType ErrorType, message string, op Opcode) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Opcode:  int(op),
	}
}

func errorType(err error) (ErrorType, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Type, true
	}
	return 0, false
}

// IsTimeout checks if an error is a timeout error
func IsTimeout(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrTimeout
}

// IsState checks if an error is an out-of-state error
func IsState(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrState
}

// IsStorage checks if an error came from the store
func IsStorage(err error) bool {
	t, ok := errorType(err)
	return ok && t == ErrStorage
}

// Sentinel errors.
var (
	// ErrNoRelayPartition is returned by StartUpgrade without a current partition.
	ErrNoRelayPartition = errors.New("otau: no relay partition")

	// ErrBusy is returned when an upgrade is already running.
	ErrBusy = errors.New("otau: upgrade in progress")

	// ErrClosed is returned after a session has stopped.
	ErrClosed = errors.New("otau: session closed")

	// ErrNotFound is returned by stores and key-value backends for missing entries.
	ErrNotFound = errors.New("otau: not found")
)

// UpgradeError is the code carried by ERRORWARN_IND.
type UpgradeError uint16

const (
	ErrorSuccess                         UpgradeError = 0x0000
	ErrorUnknownID                       UpgradeError = 0x0012
	ErrorWrongPartitionNumber            UpgradeError = 0x0015
	ErrorPartitionSizeMismatch           UpgradeError = 0x0016
	ErrorPartitionOpenFailed             UpgradeError = 0x0018
	ErrorUpdateFailed                    UpgradeError = 0x001D
	ErrorAppNotReady                     UpgradeError = 0x001E
	ErrorBatteryLow                      UpgradeError = 0x0022
	ErrorInvalidSyncID                   UpgradeError = 0x0023
	ErrorInErrorState                    UpgradeError = 0x0024
	ErrorNoMemory                        UpgradeError = 0x0025
	ErrorBadLengthPartitionParse         UpgradeError = 0x0030
	ErrorBadLengthTooShort               UpgradeError = 0x0031
	ErrorBadLengthUpgradeHeader          UpgradeError = 0x0032
	ErrorBadLengthPartitionHeader        UpgradeError = 0x0033
	ErrorBadLengthSignature              UpgradeError = 0x0034
	ErrorOEMValidationFailedHeaders      UpgradeError = 0x0038
	ErrorOEMValidationFailedUpgradeHdr   UpgradeError = 0x0039
	ErrorOEMValidationFailedPartitionHd1 UpgradeError = 0x003A
	ErrorOEMValidationFailedPartitionHd2 UpgradeError = 0x003B
	ErrorOEMValidationFailedPartitionDat UpgradeError = 0x003C
	ErrorOEMValidationFailedFooter       UpgradeError = 0x003D
	ErrorOEMValidationFailedMemory       UpgradeError = 0x003E
	ErrorPartitionWriteFailedHeader      UpgradeError = 0x0050
	ErrorPartitionWriteFailedData        UpgradeError = 0x0051
	ErrorFileTooSmall                    UpgradeError = 0x0058
	ErrorFileTooBig                      UpgradeError = 0x0059
	ErrorInternal1                       UpgradeError = 0x0065
	ErrorInternal2                       UpgradeError = 0x0066
	ErrorInternal3                       UpgradeError = 0x0067

	// WarnSyncIDIsDifferent is a warning: the upgrade carries on.
	WarnSyncIDIsDifferent UpgradeError = 0x0081
)

var upgradeErrorNames = map[UpgradeError]string{
	ErrorSuccess:                         "success",
	ErrorUnknownID:                       "unknown id",
	ErrorWrongPartitionNumber:            "wrong partition number",
	ErrorPartitionSizeMismatch:           "partition size mismatch",
	ErrorPartitionOpenFailed:             "partition open failed",
	ErrorUpdateFailed:                    "update failed",
	ErrorAppNotReady:                     "application not ready",
	ErrorBatteryLow:                      "battery low",
	ErrorInvalidSyncID:                   "invalid sync id",
	ErrorInErrorState:                    "in error state",
	ErrorNoMemory:                        "no memory",
	ErrorBadLengthPartitionParse:         "bad length: partition parse",
	ErrorBadLengthTooShort:               "bad length: too short",
	ErrorBadLengthUpgradeHeader:          "bad length: upgrade header",
	ErrorBadLengthPartitionHeader:        "bad length: partition header",
	ErrorBadLengthSignature:              "bad length: signature",
	ErrorOEMValidationFailedHeaders:      "OEM validation failed: headers",
	ErrorOEMValidationFailedUpgradeHdr:   "OEM validation failed: upgrade header",
	ErrorOEMValidationFailedPartitionHd1: "OEM validation failed: partition header 1",
	ErrorOEMValidationFailedPartitionHd2: "OEM validation failed: partition header 2",
	ErrorOEMValidationFailedPartitionDat: "OEM validation failed: partition data",
	ErrorOEMValidationFailedFooter:       "OEM validation failed: footer",
	ErrorOEMValidationFailedMemory:       "OEM validation failed: memory",
	ErrorPartitionWriteFailedHeader:      "partition write failed: header",
	ErrorPartitionWriteFailedData:        "partition write failed: data",
	ErrorFileTooSmall:                    "file too small",
	ErrorFileTooBig:                      "file too big",
	ErrorInternal1:                       "internal error 1",
	ErrorInternal2:                       "internal error 2",
	ErrorInternal3:                       "internal error 3",
	WarnSyncIDIsDifferent:                "sync id is different",
}

func (c UpgradeError) String() string {
	if name, ok := upgradeErrorNames[c]; ok {
		return name
	}
	return fmt.Sprintf("error 0x%04X", uint16(c))
}

// IsWarning reports whether the code leaves the upgrade running.
func (c UpgradeError) IsWarning() bool {
	return c >= 0x0080 && c < 0x0100
}
