package gaia

import (
	"github.com/thristram/go-gaia-otau/codec"
)

// Channel is the application end of a data-transfer session.
type Channel interface {
	// Receive accepts bytes sent by the host.
	Receive(data []byte) error

	// Read returns up to n bytes at offset for the host.
	Read(offset uint32, n int) ([]byte, error)
}

// TransferSessions implements the data-transfer session sub-protocol. At most
// one session is open at a time and every frame must name it.
type TransferSessions struct {
	d  *Dispatcher
	ch Channel

	open bool
	id   uint16
}

// NewTransferSessions serves sessions over d using ch.
func NewTransferSessions(d *Dispatcher, ch Channel) *TransferSessions {
	return &TransferSessions{d: d, ch: ch}
}

// Active returns the open session id.
func (t *TransferSessions) Active() (uint16, bool) {
	return t.id, t.open
}

// Reset closes any open session without telling the host.
func (t *TransferSessions) Reset() {
	t.open = false
	t.id = 0
}

// HandleCommand implements Handler for the data-transfer session commands.
func (t *TransferSessions) HandleCommand(cmd CommandID, payload []byte) bool {
	switch cmd {
	case CommandDataTransferSetup:
		t.reply(cmd, t.setup(payload), nil)
	case CommandDataTransferClose:
		st := t.check(payload)
		if st == StatusSuccess {
			t.Reset()
		}
		t.reply(cmd, st, nil)
	case CommandHostToDeviceData:
		st := t.check(payload)
		if st == StatusSuccess {
			if err := t.ch.Receive(payload[2:]); err != nil {
				t.d.logger.Error("gaia: session %d receive: %v", t.id, err)
				st = StatusInsufficientResources
			}
		}
		t.reply(cmd, st, nil)
	case CommandDeviceToHostData:
		data, st := t.read(payload)
		t.reply(cmd, st, data)
	default:
		return false
	}
	return true
}

func (t *TransferSessions) setup(payload []byte) Status {
	if t.open {
		return StatusInsufficientResources
	}
	if len(payload) < 2 {
		return StatusInvalidParameter
	}
	t.open = true
	t.id = codec.U16(payload)
	t.d.logger.Info("gaia: data transfer session %d opened", t.id)
	return StatusSuccess
}

func (t *TransferSessions) check(payload []byte) Status {
	if !t.open {
		return StatusIncorrectState
	}
	if len(payload) < 2 || codec.U16(payload) != t.id {
		return StatusInvalidParameter
	}
	return StatusSuccess
}

func (t *TransferSessions) read(payload []byte) ([]byte, Status) {
	if st := t.check(payload); st != StatusSuccess {
		return nil, st
	}
	if len(payload) < 7 {
		return nil, StatusInvalidParameter
	}
	offset := codec.U32(payload[2:])
	n := int(payload[6])
	if limit := t.d.MaxPayload() - 1; n > limit {
		n = limit
	}
	data, err := t.ch.Read(offset, n)
	if err != nil {
		t.d.logger.Error("gaia: session %d read at %d: %v", t.id, offset, err)
		return nil, StatusInvalidParameter
	}
	return data, StatusSuccess
}

func (t *TransferSessions) reply(cmd CommandID, st Status, data []byte) {
	if err := t.d.Ack(cmd, st, data); err != nil {
		t.d.logger.Error("gaia: %s reply: %v", cmd, err)
	}
}
