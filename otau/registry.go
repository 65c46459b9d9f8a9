package otau

import "sync"

// DeviceRegistry tracks the devices serving each peer and owns the A/B
// application store: at most one peer may have an upgrade in flight.
type DeviceRegistry struct {
	mu      sync.Mutex
	devices map[string]*Session
	active  string
}

// NewDeviceRegistry creates an empty registry.
func NewDeviceRegistry() *DeviceRegistry {
	return &DeviceRegistry{devices: make(map[string]*Session)}
}

// Register records the session serving peer.
func (r *DeviceRegistry) Register(peer string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[peer] = s
}

// Unregister forgets peer and releases its upgrade.
func (r *DeviceRegistry) Unregister(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.devices, peer)
	if r.active == peer {
		r.active = ""
	}
}

// Lookup returns the session serving peer.
func (r *DeviceRegistry) Lookup(peer string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.devices[peer]
	return s, ok
}

// Peers returns the registered peers.
func (r *DeviceRegistry) Peers() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	peers := make([]string, 0, len(r.devices))
	for p := range r.devices {
		peers = append(peers, p)
	}
	return peers
}

// Available reports whether peer may start an upgrade.
func (r *DeviceRegistry) Available(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active == "" || r.active == peer
}

// Acquire claims the application store for peer.
func (r *DeviceRegistry) Acquire(peer string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != "" && r.active != peer {
		return false
	}
	r.active = peer
	return true
}

// Release gives up peer's claim.
func (r *DeviceRegistry) Release(peer string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == peer {
		r.active = ""
	}
}

// Active returns the peer holding the store, if any.
func (r *DeviceRegistry) Active() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != ""
}
