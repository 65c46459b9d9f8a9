package otau

import (
	"sync"

	"github.com/pkg/errors"
)

// Platform is the device firmware environment: battery, boot slots and
// reboot.
type Platform interface {
	BatteryMillivolts() uint16

	// BootSlots returns the slot the running application booted from and
	// the slot that will run after the next reset.
	BootSlots() (app, next uint16, err error)

	// RunOnce boots slot on the next reset only, without committing it.
	RunOnce(slot uint16) error

	// Commit makes slot the permanent boot slot.
	Commit(slot uint16) error

	// Reboot resets the device. It may return before the reset happens.
	Reboot() error
}

// SimulatedPlatform models an A/B bootloader in memory.
type SimulatedPlatform struct {
	mu        sync.Mutex
	battery   uint16
	committed uint16
	running   uint16
	once      *uint16

	// OnReboot is called after Reboot updates the slots.
	OnReboot func()
}

// NewSimulatedPlatform starts running committed slot 0.
func NewSimulatedPlatform(batteryMV uint16) *SimulatedPlatform {
	return &SimulatedPlatform{battery: batteryMV}
}

func (p *SimulatedPlatform) BatteryMillivolts() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.battery
}

func (p *SimulatedPlatform) BootSlots() (uint16, uint16, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	next := p.committed
	if p.once != nil {
		next = *p.once
	}
	return p.running, next, nil
}

func (p *SimulatedPlatform) RunOnce(slot uint16) error {
	if slot > 1 {
		return errors.Errorf("run once: no slot %d", slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.once = &slot
	return nil
}

func (p *SimulatedPlatform) Commit(slot uint16) error {
	if slot > 1 {
		return errors.Errorf("commit: no slot %d", slot)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.committed = slot
	p.once = nil
	return nil
}

// Reboot boots the run-once slot if one is set, otherwise the committed
// slot.
func (p *SimulatedPlatform) Reboot() error {
	p.mu.Lock()
	if p.once != nil {
		p.running = *p.once
		p.once = nil
	} else {
		p.running = p.committed
	}
	cb := p.OnReboot
	p.mu.Unlock()

	if cb != nil {
		cb()
	}
	return nil
}

// Running returns the slot currently running.
func (p *SimulatedPlatform) Running() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}
