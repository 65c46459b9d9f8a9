package otau

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/thristram/go-gaia-otau/gaia"
)

// Role selects the engine a Session runs.
type Role int

const (
	RoleDevice Role = iota
	RoleClient
)

func (r Role) String() string {
	if r == RoleClient {
		return "client"
	}
	return "device"
}

// ErrNoConnector is reported when a client must reconnect without a
// Connector.
var ErrNoConnector = errors.New("otau: no connector")

// Config holds session configuration.
type Config struct {
	// MTU is used for links the session creates itself.
	MTU int

	// ValidationBackoff is returned in IS_CSR_VALID_DONE_CFM and used by
	// the client before its first validation poll.
	ValidationBackoff time.Duration

	// CommitTimeout bounds how long a rebooted device waits for the host.
	CommitTimeout time.Duration

	// DisconnectWait is how long the client waits for the downstream
	// device to drop the link before rebooting.
	DisconnectWait time.Duration

	// ReconnectDelay is how long the client lets the device reboot.
	ReconnectDelay time.Duration

	// ReconnectInterval separates reconnection attempts.
	ReconnectInterval time.Duration

	// ReconnectAttempts is the number of attempts before a relay is
	// abandoned.
	ReconnectAttempts int

	// Progress update interval
	ProgressInterval time.Duration

	// Reported by the device.
	AppVersion    string
	VersionMajor  uint16
	VersionMinor  uint16
	ConfigVersion uint16
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		MTU:               gaia.DefaultMTU,
		ValidationBackoff: DefaultValidationBackoff,
		CommitTimeout:     CommitTimeout,
		DisconnectWait:    5 * time.Second,
		ReconnectDelay:    2 * time.Second,
		ReconnectInterval: 3 * time.Second,
		ReconnectAttempts: 5,
		ProgressInterval:  100 * time.Millisecond,
		AppVersion:        "1.0.0",
		VersionMajor:      ProtocolVersion,
	}
}

// host is what the engines need from their session besides the dispatcher.
type host interface {
	// connect dials a new link; the result arrives as connectedLink or
	// connectFailed.
	connect()

	// disconnect drops the link after the current event.
	disconnect()
}

// env is shared by the engines.
type env struct {
	cfg      *Config
	cb       *Callbacks
	logger   Logger
	store    Store
	kv       KeyValue
	platform Platform
	timers   Timers
	host     host
	registry *DeviceRegistry
	peer     string
}

// engine is the role-specific half of a session.
type engine interface {
	start()
	connectedLink()
	disconnected()
	timerExpired(id TimerID)
}

// Session runs one engine over one peer link. Inbound packets, store
// confirmations and timer expiries are all handled on the goroutine
// running Run, one at a time.
type Session struct {
	role Role

	// Configuration
	config *Config

	// Callbacks
	callbacks *Callbacks

	// Collaborators
	backend   PartitionStore
	kv        KeyValue
	platform  Platform
	connector Connector
	registry  *DeviceRegistry
	peer      string
	channel   gaia.Channel

	// Context
	ctx context.Context

	// Logger
	logger Logger

	// Loop state
	link       Link
	linkGen    uint64
	d          *gaia.Dispatcher
	timers     *loopTimers
	events     chan func()
	done       chan struct{}
	g          *errgroup.Group
	runCtx     context.Context
	engine     engine
	device     *Device
	client     *Client
	connecting bool
	dropLink   bool

	stopMu sync.Mutex
	stop   context.CancelFunc
}

// Option configures a Session.
type Option func(*Session)

// WithConfig sets the session configuration.
func WithConfig(config *Config) Option {
	return func(s *Session) {
		s.config = config
	}
}

// WithCallbacks sets the session callbacks.
func WithCallbacks(callbacks *Callbacks) Option {
	return func(s *Session) {
		s.callbacks = mergeCallbacks(callbacks)
	}
}

// WithContext sets the session context.
func WithContext(ctx context.Context) Option {
	return func(s *Session) {
		s.ctx = ctx
	}
}

// WithSessionLogger sets a logger for protocol debugging.
func WithSessionLogger(logger Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithStore sets the partition backend. It is run through an AsyncStore
// bound to the session loop.
func WithStore(store PartitionStore) Option {
	return func(s *Session) {
		s.backend = store
	}
}

// WithKeyValue sets durable storage for resume records.
func WithKeyValue(kv KeyValue) Option {
	return func(s *Session) {
		s.kv = kv
	}
}

// WithPlatform sets the device platform.
func WithPlatform(p Platform) Option {
	return func(s *Session) {
		s.platform = p
	}
}

// WithConnector sets how a client (re)connects to its peer.
func WithConnector(c Connector) Option {
	return func(s *Session) {
		s.connector = c
	}
}

// WithPeer names the peer and the registry arbitrating the application
// store between device sessions.
func WithPeer(peer string, registry *DeviceRegistry) Option {
	return func(s *Session) {
		s.peer = peer
		s.registry = registry
	}
}

// WithChannel sets the application end of data-transfer sessions.
func WithChannel(ch gaia.Channel) Option {
	return func(s *Session) {
		s.channel = ch
	}
}

// NewDeviceSession creates a session serving upgrades over link.
func NewDeviceSession(link Link, opts ...Option) *Session {
	return newSession(RoleDevice, link, opts)
}

// NewClientSession creates a session relaying upgrades. link may be nil
// when a Connector is configured.
func NewClientSession(link Link, opts ...Option) *Session {
	return newSession(RoleClient, link, opts)
}

func newSession(role Role, link Link, opts []Option) *Session {
	s := &Session{
		role:      role,
		link:      link,
		config:    DefaultConfig(),
		callbacks: defaultCallbacks(),
		ctx:       context.Background(),
		events:    make(chan func(), 64),
		done:      make(chan struct{}),
	}

	for _, opt := range opts {
		opt(s)
	}

	if s.logger == nil {
		s.logger = NoopLogger{}
	}
	if s.backend == nil {
		s.backend = NewMemoryStore()
	}
	if s.kv == nil {
		s.kv = NewMemoryKV()
	}
	if s.platform == nil {
		s.platform = NewSimulatedPlatform(3700)
	}
	if s.peer == "" {
		s.peer = role.String()
	}

	var sender gaia.Sender
	if link != nil {
		sender = link
	}
	s.d = gaia.NewDispatcher(sender, gaia.WithLogger(s.logger))
	s.timers = newLoopTimers(s.post, func(id TimerID) { s.engine.timerExpired(id) })

	e := env{
		cfg:      s.config,
		cb:       s.callbacks,
		logger:   s.logger,
		store:    NewAsyncStore(s.backend, s.post),
		kv:       s.kv,
		platform: s.platform,
		timers:   s.timers,
		host:     s,
		registry: s.registry,
		peer:     s.peer,
	}

	if role == RoleClient {
		s.client = newClient(e, s.d)
		s.engine = s.client
	} else {
		s.device = newDevice(e, s.d, s.channel)
		s.engine = s.device
		if s.registry != nil {
			s.registry.Register(s.peer, s)
		}
	}

	// Runs first, before anything posted by callers.
	s.events <- func() {
		s.engine.start()
		if s.link != nil {
			s.attach(s.link)
		}
	}
	return s
}

// Role returns the engine role.
func (s *Session) Role() Role {
	return s.role
}

// Device returns the device engine. Its methods must run on the loop,
// e.g. through Post.
func (s *Session) Device() *Device {
	return s.device
}

// Client returns the client engine. Its methods must run on the loop.
func (s *Session) Client() *Client {
	return s.client
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Run processes events until ctx is cancelled or Stop is called.
func (s *Session) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = s.ctx
	}
	ctx, cancel := context.WithCancel(ctx)
	s.stopMu.Lock()
	s.stop = cancel
	s.stopMu.Unlock()
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	s.g = g
	s.runCtx = gctx

	g.Go(func() error { return s.loop(gctx) })

	err := g.Wait()
	if s.registry != nil && s.role == RoleDevice {
		s.registry.Unregister(s.peer)
	}
	return err
}

// Stop makes Run return.
func (s *Session) Stop() {
	s.stopMu.Lock()
	defer s.stopMu.Unlock()
	if s.stop != nil {
		s.stop()
	}
}

func (s *Session) loop(ctx context.Context) error {
	defer close(s.done)
	defer s.timers.stopAll()

	for {
		select {
		case <-ctx.Done():
			if s.link != nil {
				s.link.Disconnect()
			}
			return nil
		case f := <-s.events:
			f()
			if s.dropLink {
				s.dropLink = false
				s.disconnectLink()
			}
		}
	}
}

// post queues f for the loop. It gives up once the loop has exited.
func (s *Session) post(f func()) {
	select {
	case s.events <- f:
	case <-s.done:
	}
}

// Post runs f on the session loop.
func (s *Session) Post(f func()) error {
	select {
	case s.events <- f:
		return nil
	case <-s.done:
		return ErrClosed
	}
}

// call runs f on the loop and waits for its result.
func (s *Session) call(f func() error) error {
	res := make(chan error, 1)
	if err := s.Post(func() { res <- f() }); err != nil {
		return err
	}
	select {
	case err := <-res:
		return err
	case <-s.done:
		return ErrClosed
	}
}

// Receive injects a packet from a link that does not implement
// PacketReader.
func (s *Session) Receive(packet []byte) error {
	p := append([]byte(nil), packet...)
	return s.Post(func() {
		if s.link != nil {
			s.d.Process(p)
		}
	})
}

// LinkDown reports that a link without a reader was lost.
func (s *Session) LinkDown() error {
	return s.Post(func() { s.linkLost(s.linkGen, ErrClosed) })
}

// Attach hands the session a new link, e.g. an accepted connection.
func (s *Session) Attach(link Link) error {
	return s.Post(func() {
		if s.link != nil {
			s.disconnectLink()
		}
		s.attach(link)
	})
}

// StartUpgrade begins relaying the current partition.
func (s *Session) StartUpgrade() error {
	if s.client == nil {
		return errors.New("otau: StartUpgrade on a device session")
	}
	return s.call(s.client.StartUpgrade)
}

// Abort abandons the client's upgrade.
func (s *Session) Abort() error {
	if s.client == nil {
		return errors.New("otau: Abort on a device session")
	}
	return s.call(s.client.Abort)
}

// SetRelayStore confirms or rejects the relayed partition.
func (s *Session) SetRelayStore(success bool) error {
	if s.client == nil {
		return errors.New("otau: SetRelayStore on a device session")
	}
	return s.call(func() error {
		s.client.SetRelayStore(success)
		return nil
	})
}

// ContinueUpgrade releases a host the device held in WaitForDevice.
func (s *Session) ContinueUpgrade() error {
	if s.device == nil {
		return errors.New("otau: ContinueUpgrade on a client session")
	}
	return s.call(func() error {
		s.device.ContinueUpgrade()
		return nil
	})
}

// SetCurrent makes desc the partition the client relays next.
func (s *Session) SetCurrent(desc PartitionDescriptor) error {
	if s.client == nil {
		return errors.New("otau: SetCurrent on a device session")
	}
	return s.Post(func() { s.client.setCurrent(desc) })
}

// Restart simulates a device reset: the link is dropped without notifying
// the engine and persisted state is reloaded.
func (s *Session) Restart() error {
	if s.device == nil {
		return errors.New("otau: Restart on a client session")
	}
	return s.Post(func() {
		if s.link != nil {
			s.link.Disconnect()
			s.link = nil
			s.linkGen++
			s.d.SetLink(nil)
		}
		s.device.restart()
	})
}

// DeviceState returns the device state.
func (s *Session) DeviceState() (DeviceState, error) {
	var st DeviceState
	if s.device == nil {
		return st, errors.New("otau: DeviceState on a client session")
	}
	err := s.call(func() error {
		st = s.device.State()
		return nil
	})
	return st, err
}

// ClientState returns the client state.
func (s *Session) ClientState() (ClientState, error) {
	var st ClientState
	if s.client == nil {
		return st, errors.New("otau: ClientState on a device session")
	}
	err := s.call(func() error {
		st = s.client.State()
		return nil
	})
	return st, err
}

func (s *Session) attach(link Link) {
	s.linkGen++
	gen := s.linkGen
	s.link = link
	s.d.SetLink(link)
	s.logger.Debug("session: %s link attached", s.role)
	s.engine.connectedLink()

	if r, ok := link.(PacketReader); ok {
		s.g.Go(func() error {
			s.read(r, gen)
			return nil
		})
	}
}

func (s *Session) read(r PacketReader, gen uint64) {
	for {
		p, err := r.ReadPacket()
		if errors.Cause(err) == ErrFrameCorrupt {
			s.logger.Debug("session: %v", err)
			continue
		}
		if err != nil {
			s.post(func() { s.linkLost(gen, err) })
			return
		}
		s.post(func() {
			if gen == s.linkGen && s.link != nil {
				s.d.Process(p)
			}
		})
	}
}

func (s *Session) linkLost(gen uint64, err error) {
	if gen != s.linkGen || s.link == nil {
		return
	}
	s.logger.Info("session: %s link lost: %v", s.role, err)
	s.link = nil
	s.d.SetLink(nil)
	s.engine.disconnected()
}

func (s *Session) disconnectLink() {
	if s.link == nil {
		return
	}
	if err := s.link.Disconnect(); err != nil {
		s.logger.Debug("session: disconnect: %v", err)
	}
	s.linkLost(s.linkGen, ErrClosed)
}

// disconnect implements host.
func (s *Session) disconnect() {
	s.dropLink = true
}

// connect implements host.
func (s *Session) connect() {
	if s.connector == nil {
		go s.post(func() { s.client.connectFailed(ErrNoConnector) })
		return
	}
	if s.connecting {
		return
	}
	s.connecting = true
	ctx := s.runCtx
	s.g.Go(func() error {
		link, err := s.connector.Connect(ctx)
		s.post(func() {
			s.connecting = false
			if err != nil {
				s.client.connectFailed(err)
				return
			}
			if s.link != nil {
				s.disconnectLink()
			}
			s.attach(link)
		})
		return nil
	})
}
