package gaia

import (
	"github.com/pkg/errors"
)

// ErrFrameTooLarge is returned by Send when a frame does not fit the link MTU.
// The envelope never fragments.
var ErrFrameTooLarge = errors.New("gaia: frame exceeds link MTU")

// Sender transmits one packet to the peer.
type Sender interface {
	Send(packet []byte) error
	MTU() int
}

// Handler consumes inbound commands for one group. It reports false for a
// command it does not implement so the dispatcher can answer NotSupported.
type Handler interface {
	HandleCommand(cmd CommandID, payload []byte) bool
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cmd CommandID, payload []byte) bool

func (f HandlerFunc) HandleCommand(cmd CommandID, payload []byte) bool { return f(cmd, payload) }

// AckHandler consumes acknowledgements for one group. cmd has the ack bit
// cleared.
type AckHandler interface {
	HandleAck(cmd CommandID, status Status, payload []byte) bool
}

// AckHandlerFunc adapts a function to AckHandler.
type AckHandlerFunc func(cmd CommandID, status Status, payload []byte) bool

func (f AckHandlerFunc) HandleAck(cmd CommandID, status Status, payload []byte) bool {
	return f(cmd, status, payload)
}

// Chain tries each handler in order until one accepts the command.
func Chain(handlers ...Handler) Handler {
	return HandlerFunc(func(cmd CommandID, payload []byte) bool {
		for _, h := range handlers {
			if h.HandleCommand(cmd, payload) {
				return true
			}
		}
		return false
	})
}

// Dispatcher routes inbound frames by acknowledgement bit and command group
// and sends outbound frames with the vendor envelope.
type Dispatcher struct {
	vendor uint16
	link   Sender
	logger Logger

	handlers    map[Group]Handler
	ackHandlers map[Group]AckHandler
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithVendor overrides the vendor tag.
func WithVendor(vendor uint16) DispatcherOption {
	return func(d *Dispatcher) {
		d.vendor = vendor
	}
}

// WithLogger sets the dispatcher logger.
func WithLogger(logger Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// NewDispatcher creates a dispatcher sending through link.
func NewDispatcher(link Sender, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		vendor:      VendorID,
		link:        link,
		logger:      noopLogger{},
		handlers:    make(map[Group]Handler),
		ackHandlers: make(map[Group]AckHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Handle registers the command handler for a group, replacing any other.
func (d *Dispatcher) Handle(g Group, h Handler) {
	d.handlers[g] = h
}

// HandleAcks registers the acknowledgement handler for a group.
func (d *Dispatcher) HandleAcks(g Group, h AckHandler) {
	d.ackHandlers[g] = h
}

// SetLink replaces the outbound link, e.g. after a reconnection.
func (d *Dispatcher) SetLink(link Sender) {
	d.link = link
}

// MaxPayload is the largest payload that fits one packet.
func (d *Dispatcher) MaxPayload() int {
	if d.link == nil {
		return DefaultMTU - HeaderSize
	}
	return d.link.MTU() - HeaderSize
}

// Process handles one inbound packet. Frames for another vendor are dropped
// silently; unknown acknowledgements are ignored; unknown commands are
// answered with NotSupported.
func (d *Dispatcher) Process(packet []byte) {
	f, err := Decode(packet)
	if err != nil {
		d.logger.Debug("gaia: dropping %d byte packet", len(packet))
		return
	}
	if f.Vendor != d.vendor {
		d.logger.Debug("gaia: dropping frame for vendor 0x%04X", f.Vendor)
		return
	}
	d.logger.Debug("%s", FormatFrame("RX", packet))

	if f.Command.IsAck() {
		st, ok := f.Status()
		if !ok {
			d.logger.Debug("gaia: ack %s without status", f.Command)
			return
		}
		h := d.ackHandlers[f.Command.Group()]
		if h == nil || !h.HandleAck(f.Command.WithoutAck(), st, f.Payload[1:]) {
			d.logger.Debug("gaia: ignoring %s", f.Command)
		}
		return
	}

	if h := d.handlers[f.Command.Group()]; h != nil && h.HandleCommand(f.Command, f.Payload) {
		return
	}
	if err := d.Ack(f.Command, StatusNotSupported, nil); err != nil {
		d.logger.Error("gaia: not-supported reply for %s: %v", f.Command, err)
	}
}

// Send transmits a command.
func (d *Dispatcher) Send(cmd CommandID, payload []byte) error {
	if d.link == nil {
		return errors.New("gaia: no link")
	}
	if HeaderSize+len(payload) > d.link.MTU() {
		return errors.Wrapf(ErrFrameTooLarge, "%s with %d byte payload", cmd, len(payload))
	}
	packet := Encode(d.vendor, cmd, payload)
	d.logger.Debug("%s", FormatFrame("TX", packet))
	return errors.Wrapf(d.link.Send(packet), "send %s", cmd)
}

// Ack acknowledges cmd with status followed by payload.
func (d *Dispatcher) Ack(cmd CommandID, status Status, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = byte(status)
	copy(buf[1:], payload)
	return d.Send(cmd.WithAck(), buf)
}

// Notify sends an event notification.
func (d *Dispatcher) Notify(event uint8, payload []byte) error {
	buf := make([]byte, 1+len(payload))
	buf[0] = event
	copy(buf[1:], payload)
	return d.Send(CommandEventNotification, buf)
}
