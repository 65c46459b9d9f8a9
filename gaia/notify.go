package gaia

// Notifications tracks which events the host registered for.
type Notifications struct {
	d          *Dispatcher
	supported  map[uint8]bool
	registered map[uint8]bool
}

// NewNotifications accepts registrations for the given events only.
func NewNotifications(d *Dispatcher, events ...uint8) *Notifications {
	n := &Notifications{
		d:          d,
		supported:  make(map[uint8]bool),
		registered: make(map[uint8]bool),
	}
	for _, ev := range events {
		n.supported[ev] = true
	}
	return n
}

// Registered reports whether the host asked for event.
func (n *Notifications) Registered(event uint8) bool {
	return n.registered[event]
}

// Reset forgets all registrations.
func (n *Notifications) Reset() {
	n.registered = make(map[uint8]bool)
}

// HandleCommand implements Handler for register, get and cancel.
func (n *Notifications) HandleCommand(cmd CommandID, payload []byte) bool {
	switch cmd {
	case CommandRegisterNotification, CommandGetNotification, CommandCancelNotification:
	default:
		return false
	}

	if len(payload) < 1 || !n.supported[payload[0]] {
		n.reply(cmd, StatusInvalidParameter, nil)
		return true
	}
	ev := payload[0]

	switch cmd {
	case CommandRegisterNotification:
		n.registered[ev] = true
		n.reply(cmd, StatusSuccess, []byte{ev})
	case CommandGetNotification:
		var flag byte
		if n.registered[ev] {
			flag = 1
		}
		n.reply(cmd, StatusSuccess, []byte{ev, flag})
	case CommandCancelNotification:
		if !n.registered[ev] {
			n.reply(cmd, StatusIncorrectState, []byte{ev})
			return true
		}
		delete(n.registered, ev)
		n.reply(cmd, StatusSuccess, []byte{ev})
	}
	return true
}

func (n *Notifications) reply(cmd CommandID, st Status, data []byte) {
	if err := n.d.Ack(cmd, st, data); err != nil {
		n.d.logger.Error("gaia: %s reply: %v", cmd, err)
	}
}
