package otau

import (
	"testing"
	"time"

	"github.com/thristram/go-gaia-otau/gaia"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

// testCap is the DATA chunk size on a default-MTU link.
var testCap = ChunkCap(gaia.DefaultMTU)

type fakeLink struct {
	mtu         int
	sent        [][]byte
	disconnects int
}

func newFakeLink() *fakeLink {
	return &fakeLink{mtu: gaia.DefaultMTU}
}

func (l *fakeLink) Send(p []byte) error {
	l.sent = append(l.sent, clone(p))
	return nil
}

func (l *fakeLink) MTU() int { return l.mtu }

func (l *fakeLink) Disconnect() error {
	l.disconnects++
	return nil
}

type fakeTimers struct {
	running map[TimerID]time.Duration
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{running: make(map[TimerID]time.Duration)}
}

func (ft *fakeTimers) Start(id TimerID, d time.Duration)         { ft.running[id] = d }
func (ft *fakeTimers) StartPeriodic(id TimerID, d time.Duration) { ft.running[id] = d }
func (ft *fakeTimers) Cancel(id TimerID)                         { delete(ft.running, id) }

func (ft *fakeTimers) isRunning(id TimerID) bool {
	_, ok := ft.running[id]
	return ok
}

type fakeHost struct {
	drop     bool
	connects int
}

func (h *fakeHost) connect()    { h.connects++ }
func (h *fakeHost) disconnect() { h.drop = true }

// loopQueue stands in for the session loop: posted work runs when drained.
type loopQueue struct {
	pending []func()
}

func (q *loopQueue) post(f func()) {
	q.pending = append(q.pending, f)
}

func (q *loopQueue) drain() {
	for len(q.pending) > 0 {
		f := q.pending[0]
		q.pending = q.pending[1:]
		f()
	}
}

// syncStore runs backend calls inline and queues their confirmations.
func syncStore(backend PartitionStore, q *loopQueue) *AsyncStore {
	s := NewAsyncStore(backend, q.post)
	s.run = func(f func()) { f() }
	return s
}

type gaiaAck struct {
	cmd    gaia.CommandID
	status gaia.Status
}

// decodeSent splits packets into upgrade messages carried by VMU_PACKET
// notifications or VM_UPGRADE_CONTROL commands, and acknowledgements.
func decodeSent(t *testing.T, packets [][]byte) ([]Message, []gaiaAck) {
	t.Helper()
	var msgs []Message
	var acks []gaiaAck
	for _, p := range packets {
		f, err := gaia.Decode(p)
		if err != nil {
			t.Fatal(err)
		}
		if f.Command.IsAck() {
			st, _ := f.Status()
			acks = append(acks, gaiaAck{cmd: f.Command.WithoutAck(), status: st})
			continue
		}
		var body []byte
		switch f.Command {
		case gaia.CommandEventNotification:
			if len(f.Payload) == 0 || f.Payload[0] != gaia.EventVMUPacket {
				continue
			}
			body = f.Payload[1:]
		case gaia.CommandVMUpgradeControl:
			body = f.Payload
		default:
			continue
		}
		m, err := DecodeMessage(body)
		if err != nil {
			t.Fatal(err)
		}
		msgs = append(msgs, m)
	}
	return msgs, acks
}

func opcodes(msgs []Message) []Opcode {
	ops := make([]Opcode, len(msgs))
	for i, m := range msgs {
		ops[i] = m.Opcode
	}
	return ops
}

func sameOpcodes(a, b []Opcode) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type deviceSetup struct {
	kv       *MemoryKV
	platform *SimulatedPlatform
	cb       *Callbacks
	registry *DeviceRegistry
	peer     string
	q        *loopQueue
}

type deviceHarness struct {
	t        *testing.T
	q        *loopQueue
	link     *fakeLink
	d        *gaia.Dispatcher
	dev      *Device
	timers   *fakeTimers
	host     *fakeHost
	kv       *MemoryKV
	mem      *MemoryStore
	platform *SimulatedPlatform
	events   []Event
}

func newDeviceHarness(t *testing.T, setup deviceSetup) *deviceHarness {
	t.Helper()
	h := &deviceHarness{
		t:        t,
		q:        setup.q,
		link:     newFakeLink(),
		timers:   newFakeTimers(),
		host:     &fakeHost{},
		kv:       setup.kv,
		mem:      NewMemoryStore(),
		platform: setup.platform,
	}
	if h.q == nil {
		h.q = &loopQueue{}
	}
	if h.kv == nil {
		h.kv = NewMemoryKV()
	}
	if h.platform == nil {
		h.platform = NewSimulatedPlatform(3700)
	}
	peer := setup.peer
	if peer == "" {
		peer = "host"
	}

	cb := mergeCallbacks(setup.cb)
	userEvent := cb.OnEvent
	cb.OnEvent = func(ev Event) {
		h.events = append(h.events, ev)
		userEvent(ev)
	}

	h.d = gaia.NewDispatcher(h.link)
	h.dev = newDevice(env{
		cfg:      DefaultConfig(),
		cb:       cb,
		logger:   NoopLogger{},
		store:    syncStore(h.mem, h.q),
		kv:       h.kv,
		platform: h.platform,
		timers:   h.timers,
		host:     h.host,
		registry: setup.registry,
		peer:     peer,
	}, h.d, nil)
	h.dev.start()
	h.dev.connectedLink()
	return h
}

// settle runs queued confirmations and a requested disconnect.
func (h *deviceHarness) settle() {
	h.q.drain()
	if h.host.drop {
		h.host.drop = false
		h.dev.disconnected()
	}
}

func (h *deviceHarness) command(cmd gaia.CommandID, payload []byte) {
	h.d.Process(gaia.Encode(gaia.VendorID, cmd, payload))
	h.settle()
}

// connect registers for upgrade notifications and opens the upgrade channel.
func (h *deviceHarness) connect() {
	h.t.Helper()
	h.command(gaia.CommandRegisterNotification, []byte{gaia.EventVMUPacket})
	h.command(gaia.CommandVMUpgradeConnect, nil)
	_, acks := h.take()
	for _, a := range acks {
		if a.status != gaia.StatusSuccess {
			h.t.Fatalf("%s acked %s", a.cmd, a.status)
		}
	}
}

func (h *deviceHarness) send(m Message) {
	h.command(gaia.CommandVMUpgradeControl, m.Bytes())
}

func (h *deviceHarness) take() ([]Message, []gaiaAck) {
	h.t.Helper()
	msgs, acks := decodeSent(h.t, h.link.sent)
	h.link.sent = nil
	return msgs, acks
}

// status returns the status of the last VM_UPGRADE_CONTROL ack and discards
// everything else sent.
func (h *deviceHarness) status() gaia.Status {
	h.t.Helper()
	_, acks := h.take()
	for i := len(acks) - 1; i >= 0; i-- {
		if acks[i].cmd == gaia.CommandVMUpgradeControl {
			return acks[i].status
		}
	}
	h.t.Fatal("no VM_UPGRADE_CONTROL ack")
	return 0
}

func (h *deviceHarness) expect(ops ...Opcode) []Message {
	h.t.Helper()
	msgs, acks := h.take()
	for _, a := range acks {
		if a.cmd == gaia.CommandVMUpgradeControl && a.status != gaia.StatusSuccess {
			h.t.Fatalf("control acked %s", a.status)
		}
	}
	if !sameOpcodes(opcodes(msgs), ops) {
		h.t.Fatalf("sent %v, want %v", opcodes(msgs), ops)
	}
	return msgs
}

func (h *deviceHarness) expectBytesReq(n uint32) {
	h.t.Helper()
	msgs := h.expect(OpDataBytesReq)
	got, err := msgs[0].DataBytes()
	if err != nil {
		h.t.Fatal(err)
	}
	if got != n {
		h.t.Fatalf("DATA_BYTES_REQ(%d), want %d", got, n)
	}
}

func (h *deviceHarness) expectError(code UpgradeError) {
	h.t.Helper()
	msgs, _ := h.take()
	for _, m := range msgs {
		if m.Opcode == OpErrorWarnInd {
			got, _ := m.ErrorCode()
			if got != code {
				h.t.Fatalf("ERRORWARN_IND(%s), want %s", got, code)
			}
			return
		}
	}
	h.t.Fatalf("no ERRORWARN_IND in %v", opcodes(msgs))
}

// begin syncs with id and starts the data transfer.
func (h *deviceHarness) begin(id uint32) {
	h.t.Helper()
	h.connect()
	h.send(SyncReq(id))
	h.expect(OpSyncCfm)
	h.send(StartReq())
	h.expect(OpStartCfm)
	h.send(StartDataReq())
}

// stream answers every DATA_BYTES_REQ from file until the device stops
// asking. It returns the other messages seen.
func (h *deviceHarness) stream(file []byte) []Message {
	h.t.Helper()
	return h.streamData(file, true)
}

// streamData is stream with control of the last flag on the final piece.
func (h *deviceHarness) streamData(file []byte, last bool) []Message {
	h.t.Helper()
	var other []Message
	off := 0
	for {
		msgs, _ := h.take()
		n := 0
		for _, m := range msgs {
			if m.Opcode == OpDataBytesReq {
				v, _ := m.DataBytes()
				n += int(v)
				continue
			}
			other = append(other, m)
		}
		if n == 0 || off == len(file) {
			return other
		}
		for n > 0 && off < len(file) {
			k := min(n, testCap, len(file)-off)
			h.send(Data(last && off+k == len(file), file[off:off+k]))
			off += k
			n -= k
		}
	}
}

func (h *deviceHarness) hasEvent(kind EventKind) bool {
	for _, ev := range h.events {
		if ev.Kind() == kind {
			return true
		}
	}
	return false
}

func testHeader() upgradefile.Header {
	return upgradefile.Header{
		CompanyCode:  0x000A0001,
		PlatformType: 0x0102,
		TypeEncoding: 0x0001,
		ImageType:    0x02,
		Version:      [3]byte{2, 0, 1},
		NVMVersion:   3,
	}
}

func testImage(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

// testFile builds a one-partition application upgrade.
func testFile(t *testing.T, image []byte, sign bool) (*upgradefile.File, []byte) {
	t.Helper()
	p, err := upgradefile.NewPartition(upgradefile.PartitionApplication, 0, image)
	if err != nil {
		t.Fatal(err)
	}
	f := &upgradefile.File{Header: testHeader(), Partitions: []upgradefile.Partition{p}}
	if sign {
		f.Seal(testCap)
	}
	return f, upgradefile.Build(f)
}
