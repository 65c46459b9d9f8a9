// Package gaia implements the vendor command envelope that carries upgrade
// traffic between a host and a device:
//
//	[vendor u16][command u16][payload]
//
// Bit 15 of the command marks an acknowledgement, bits 8-14 select the
// command group and the low byte is the command within that group. An
// acknowledgement payload always starts with a one-byte Status.
package gaia

import "fmt"

// VendorID is the vendor tag carried by every frame.
const VendorID uint16 = 0x000A

// HeaderSize is the vendor and command prefix of a frame.
const HeaderSize = 4

// DefaultMTU is the single-packet limit of the reference link.
const DefaultMTU = 20

// CommandID is the 16-bit command field of a frame.
type CommandID uint16

// AckFlag marks a CommandID as an acknowledgement.
const AckFlag CommandID = 0x8000

// Group is the command group carried in bits 8-14.
type Group uint8

const (
	GroupConfiguration Group = 0x01
	GroupControl       Group = 0x02
	GroupStatus        Group = 0x03
	GroupFeature       Group = 0x05
	GroupDataTransfer  Group = 0x06
	GroupDebug         Group = 0x07
	GroupNotification  Group = 0x40
	GroupExtension     Group = 0x7F
)

// Commands handled by this package and the upgrade engine.
const (
	CommandDeviceReset CommandID = 0x0202

	CommandGetAPIVersion          CommandID = 0x0300
	CommandGetCurrentBatteryLevel CommandID = 0x0302
	CommandGetApplicationVersion  CommandID = 0x0304

	CommandDataTransferSetup CommandID = 0x0601
	CommandDataTransferClose CommandID = 0x0602
	CommandHostToDeviceData  CommandID = 0x0603
	CommandDeviceToHostData  CommandID = 0x0604

	CommandVMUpgradeConnect    CommandID = 0x0640
	CommandVMUpgradeDisconnect CommandID = 0x0641
	CommandVMUpgradeControl    CommandID = 0x0642

	CommandRegisterNotification CommandID = 0x4001
	CommandCancelNotification   CommandID = 0x4002
	CommandEventNotification    CommandID = 0x4003
	CommandGetNotification      CommandID = 0x4081
)

// Notification events.
const (
	// EventVMUPacket carries an upgrade protocol message from the device.
	EventVMUPacket uint8 = 0x12
)

// IsAck reports whether the acknowledgement bit is set.
func (c CommandID) IsAck() bool {
	return c&AckFlag != 0
}

// WithAck returns c with the acknowledgement bit set.
func (c CommandID) WithAck() CommandID {
	return c | AckFlag
}

// WithoutAck returns c with the acknowledgement bit cleared.
func (c CommandID) WithoutAck() CommandID {
	return c &^ AckFlag
}

// Group returns the command group.
func (c CommandID) Group() Group {
	return Group((c >> 8) & 0x7F)
}

func (c CommandID) String() string {
	name, ok := commandNames[c.WithoutAck()]
	if !ok {
		name = fmt.Sprintf("0x%04X", uint16(c.WithoutAck()))
	}
	if c.IsAck() {
		return "ACK(" + name + ")"
	}
	return name
}

var commandNames = map[CommandID]string{
	CommandDeviceReset:            "DEVICE_RESET",
	CommandGetAPIVersion:          "GET_API_VERSION",
	CommandGetCurrentBatteryLevel: "GET_CURRENT_BATTERY_LEVEL",
	CommandGetApplicationVersion:  "GET_APPLICATION_VERSION",
	CommandDataTransferSetup:      "DATA_TRANSFER_SETUP",
	CommandDataTransferClose:      "DATA_TRANSFER_CLOSE",
	CommandHostToDeviceData:       "HOST_TO_DEVICE_DATA",
	CommandDeviceToHostData:       "DEVICE_TO_HOST_DATA",
	CommandVMUpgradeConnect:       "VM_UPGRADE_CONNECT",
	CommandVMUpgradeDisconnect:    "VM_UPGRADE_DISCONNECT",
	CommandVMUpgradeControl:       "VM_UPGRADE_CONTROL",
	CommandRegisterNotification:   "REGISTER_NOTIFICATION",
	CommandCancelNotification:     "CANCEL_NOTIFICATION",
	CommandEventNotification:      "EVENT_NOTIFICATION",
	CommandGetNotification:        "GET_NOTIFICATION",
}

// Status is the first byte of every acknowledgement.
type Status uint8

const (
	StatusSuccess               Status = 0x00
	StatusNotSupported          Status = 0x01
	StatusNotAuthenticated      Status = 0x02
	StatusInsufficientResources Status = 0x03
	StatusAuthenticating        Status = 0x04
	StatusInvalidParameter      Status = 0x05
	StatusIncorrectState        Status = 0x06
	StatusInProgress            Status = 0x07
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusNotSupported:
		return "not supported"
	case StatusNotAuthenticated:
		return "not authenticated"
	case StatusInsufficientResources:
		return "insufficient resources"
	case StatusAuthenticating:
		return "authenticating"
	case StatusInvalidParameter:
		return "invalid parameter"
	case StatusIncorrectState:
		return "incorrect state"
	case StatusInProgress:
		return "in progress"
	default:
		return fmt.Sprintf("status 0x%02X", uint8(s))
	}
}

// Logger receives dispatcher diagnostics.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Error(format string, args ...interface{})
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...interface{}) {}
func (noopLogger) Info(string, ...interface{})  {}
func (noopLogger) Error(string, ...interface{}) {}
