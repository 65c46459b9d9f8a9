package gaia

import (
	"bytes"
	"testing"

	"github.com/pkg/errors"
)

type fakeLink struct {
	mtu  int
	sent [][]byte
}

func (l *fakeLink) Send(p []byte) error {
	l.sent = append(l.sent, append([]byte(nil), p...))
	return nil
}

func (l *fakeLink) MTU() int { return l.mtu }

func (l *fakeLink) last(t *testing.T) Frame {
	t.Helper()
	if len(l.sent) == 0 {
		t.Fatal("nothing sent")
	}
	f, err := Decode(l.sent[len(l.sent)-1])
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func newTestDispatcher() (*Dispatcher, *fakeLink) {
	link := &fakeLink{mtu: DefaultMTU}
	return NewDispatcher(link), link
}

func TestCommandIDBits(t *testing.T) {
	c := CommandVMUpgradeControl
	if c.IsAck() {
		t.Error("IsAck() on command")
	}
	if c.Group() != GroupDataTransfer {
		t.Errorf("Group() = %#x", c.Group())
	}
	a := c.WithAck()
	if !a.IsAck() || a != 0x8642 || a.WithoutAck() != c {
		t.Errorf("WithAck() = %#x", uint16(a))
	}
	if CommandGetNotification.Group() != GroupNotification {
		t.Errorf("GET_NOTIFICATION group = %#x", CommandGetNotification.Group())
	}
}

func TestEncodeDecode(t *testing.T) {
	b := Encode(VendorID, CommandVMUpgradeConnect, []byte{1, 2})
	if !bytes.Equal(b, []byte{0x00, 0x0A, 0x06, 0x40, 1, 2}) {
		t.Fatalf("Encode = % X", b)
	}
	f, err := Decode(b)
	if err != nil {
		t.Fatal(err)
	}
	if f.Vendor != VendorID || f.Command != CommandVMUpgradeConnect || !bytes.Equal(f.Payload, []byte{1, 2}) {
		t.Errorf("Decode = %+v", f)
	}
	if _, err := Decode([]byte{0, 0x0A, 6}); err == nil {
		t.Error("Decode short frame: expected error")
	}
}

func TestProcessDropsForeignVendor(t *testing.T) {
	d, link := newTestDispatcher()
	called := false
	d.Handle(GroupStatus, HandlerFunc(func(CommandID, []byte) bool {
		called = true
		return true
	}))

	d.Process(Encode(0x1234, CommandGetAPIVersion, nil))
	d.Process([]byte{0x00})

	if called || len(link.sent) != 0 {
		t.Errorf("foreign frame handled: called=%v sent=%d", called, len(link.sent))
	}
}

func TestProcessNotSupported(t *testing.T) {
	d, link := newTestDispatcher()
	d.Handle(GroupStatus, HandlerFunc(func(cmd CommandID, _ []byte) bool {
		return cmd == CommandGetAPIVersion
	}))

	tests := []struct {
		name string
		cmd  CommandID
	}{
		{"unknown group", 0x0901},
		{"unhandled opcode", CommandGetCurrentBatteryLevel},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.Process(Encode(VendorID, tt.cmd, nil))
			f := link.last(t)
			if f.Command != tt.cmd.WithAck() {
				t.Errorf("reply command = %s", f.Command)
			}
			if st, _ := f.Status(); st != StatusNotSupported || len(f.Payload) != 1 {
				t.Errorf("reply = % X", f.Payload)
			}
		})
	}
}

func TestProcessAcks(t *testing.T) {
	d, link := newTestDispatcher()
	var got []Status
	d.HandleAcks(GroupDataTransfer, AckHandlerFunc(func(cmd CommandID, st Status, _ []byte) bool {
		if cmd != CommandVMUpgradeConnect {
			return false
		}
		got = append(got, st)
		return true
	}))

	d.Process(Encode(VendorID, CommandVMUpgradeConnect.WithAck(), []byte{byte(StatusSuccess)}))
	d.Process(Encode(VendorID, CommandVMUpgradeControl.WithAck(), []byte{byte(StatusSuccess)}))
	d.Process(Encode(VendorID, CommandGetAPIVersion.WithAck(), []byte{byte(StatusSuccess)}))

	if len(got) != 1 || got[0] != StatusSuccess {
		t.Errorf("acks delivered = %v", got)
	}
	if len(link.sent) != 0 {
		t.Errorf("acks must never be answered, sent %d", len(link.sent))
	}
}

func TestSendFrameTooLarge(t *testing.T) {
	d, link := newTestDispatcher()
	if err := d.Send(CommandEventNotification, make([]byte, DefaultMTU-HeaderSize)); err != nil {
		t.Fatalf("Send at MTU: %v", err)
	}
	err := d.Send(CommandEventNotification, make([]byte, DefaultMTU-HeaderSize+1))
	if !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Send over MTU error = %v", err)
	}
	if len(link.sent) != 1 {
		t.Errorf("sent %d packets, want 1", len(link.sent))
	}
}

type memChannel struct {
	rx   []byte
	data []byte
}

func (c *memChannel) Receive(b []byte) error {
	c.rx = append(c.rx, b...)
	return nil
}

func (c *memChannel) Read(off uint32, n int) ([]byte, error) {
	if int(off) >= len(c.data) {
		return nil, nil
	}
	end := int(off) + n
	if end > len(c.data) {
		end = len(c.data)
	}
	return c.data[off:end], nil
}

func TestTransferSessions(t *testing.T) {
	d, link := newTestDispatcher()
	ch := &memChannel{data: []byte("0123456789abcdefghij")}
	ts := NewTransferSessions(d, ch)
	d.Handle(GroupDataTransfer, ts)

	steps := []struct {
		name string
		cmd  CommandID
		body []byte
		want Status
	}{
		{"data before setup", CommandHostToDeviceData, []byte{0, 1, 'x'}, StatusIncorrectState},
		{"close before setup", CommandDataTransferClose, []byte{0, 1}, StatusIncorrectState},
		{"setup", CommandDataTransferSetup, []byte{0, 1}, StatusSuccess},
		{"second setup", CommandDataTransferSetup, []byte{0, 2}, StatusInsufficientResources},
		{"wrong session", CommandHostToDeviceData, []byte{0, 2, 'x'}, StatusInvalidParameter},
		{"data", CommandHostToDeviceData, []byte{0, 1, 'o', 'k'}, StatusSuccess},
		{"read", CommandDeviceToHostData, []byte{0, 1, 0, 0, 0, 2, 4}, StatusSuccess},
		{"close wrong session", CommandDataTransferClose, []byte{0, 2}, StatusInvalidParameter},
		{"close", CommandDataTransferClose, []byte{0, 1}, StatusSuccess},
		{"data after close", CommandHostToDeviceData, []byte{0, 1, 'x'}, StatusIncorrectState},
	}

	for _, s := range steps {
		d.Process(Encode(VendorID, s.cmd, s.body))
		f := link.last(t)
		if st, _ := f.Status(); st != s.want {
			t.Errorf("%s: status = %s, want %s", s.name, st, s.want)
		}
		if s.name == "read" && !bytes.Equal(f.Payload[1:], []byte("2345")) {
			t.Errorf("read payload = %q", f.Payload[1:])
		}
	}

	if string(ch.rx) != "ok" {
		t.Errorf("channel received %q", ch.rx)
	}
	if _, open := ts.Active(); open {
		t.Error("session still open")
	}
}

func TestNotifications(t *testing.T) {
	d, link := newTestDispatcher()
	n := NewNotifications(d, EventVMUPacket)
	d.Handle(GroupNotification, n)

	d.Process(Encode(VendorID, CommandRegisterNotification, []byte{0x99}))
	if st, _ := link.last(t).Status(); st != StatusInvalidParameter {
		t.Errorf("unsupported event status = %s", st)
	}

	d.Process(Encode(VendorID, CommandCancelNotification, []byte{EventVMUPacket}))
	if st, _ := link.last(t).Status(); st != StatusIncorrectState {
		t.Errorf("cancel unregistered status = %s", st)
	}

	d.Process(Encode(VendorID, CommandRegisterNotification, []byte{EventVMUPacket}))
	if !n.Registered(EventVMUPacket) {
		t.Fatal("not registered")
	}

	d.Process(Encode(VendorID, CommandGetNotification, []byte{EventVMUPacket}))
	if f := link.last(t); !bytes.Equal(f.Payload, []byte{0, EventVMUPacket, 1}) {
		t.Errorf("get payload = % X", f.Payload)
	}

	d.Process(Encode(VendorID, CommandEventNotification, []byte{EventVMUPacket}))
	if st, _ := link.last(t).Status(); st != StatusNotSupported {
		t.Errorf("inbound event on device role = %s", st)
	}

	d.Process(Encode(VendorID, CommandCancelNotification, []byte{EventVMUPacket}))
	if n.Registered(EventVMUPacket) {
		t.Error("still registered after cancel")
	}
}

func TestChain(t *testing.T) {
	var order []string
	h := Chain(
		HandlerFunc(func(CommandID, []byte) bool { order = append(order, "a"); return false }),
		HandlerFunc(func(CommandID, []byte) bool { order = append(order, "b"); return true }),
		HandlerFunc(func(CommandID, []byte) bool { order = append(order, "c"); return true }),
	)
	if !h.HandleCommand(CommandDeviceReset, nil) {
		t.Fatal("chain did not handle")
	}
	if len(order) != 2 || order[1] != "b" {
		t.Errorf("order = %v", order)
	}
}
