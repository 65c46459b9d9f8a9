package otau

import (
	"context"
	"crypto/sha256"
	"sync"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
	"github.com/thristram/go-gaia-otau/gaia"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

// ClientState is a state of the relay client.
type ClientState int

const (
	ClientIdle ClientState = iota
	ClientConnect
	ClientSyncReq
	ClientStartReq
	ClientDataReq
	ClientTransfer
	ClientWaitValidation
	ClientWaitValidationRsp
	ClientWaitPostTransferDisconnect
	ClientWaitPostTransferWaitDisconnect
	ClientWaitPostTransferReconnectionDelay
	ClientWaitPostTransferReconnection
	ClientStartReqAfterReboot
	ClientInProgressReq
	ClientCommitReq
	ClientDisconnect
	ClientCompleted
	ClientAbortingDisconnect
)

var clientStateNames = map[ClientState]string{
	ClientIdle:                              "Idle",
	ClientConnect:                           "Connect",
	ClientSyncReq:                           "SyncReq",
	ClientStartReq:                          "StartReq",
	ClientDataReq:                           "DataReq",
	ClientTransfer:                          "Transfer",
	ClientWaitValidation:                    "WaitValidation",
	ClientWaitValidationRsp:                 "WaitValidationRsp",
	ClientWaitPostTransferDisconnect:        "WaitPostTransferDisconnect",
	ClientWaitPostTransferWaitDisconnect:    "WaitPostTransferWaitDisconnect",
	ClientWaitPostTransferReconnectionDelay: "WaitPostTransferReconnectionDelay",
	ClientWaitPostTransferReconnection:      "WaitPostTransferReconnection",
	ClientStartReqAfterReboot:               "StartReqAfterReboot",
	ClientInProgressReq:                     "InProgressReq",
	ClientCommitReq:                         "CommitReq",
	ClientDisconnect:                        "Disconnect",
	ClientCompleted:                         "Completed",
	ClientAbortingDisconnect:                "AbortingDisconnect",
}

var clientStatesByName = func() map[string]ClientState {
	m := make(map[string]ClientState, len(clientStateNames))
	for s, name := range clientStateNames {
		m[name] = s
	}
	return m
}()

func (s ClientState) String() string {
	if name, ok := clientStateNames[s]; ok {
		return name
	}
	return "Unknown"
}

func parseClientState(name string) ClientState {
	return clientStatesByName[name]
}

// Client events. Each names the transition, not the message that caused it.
const (
	evStart            = "start"
	evSync             = "sync"
	evStartReq         = "start_req"
	evStartData        = "start_data"
	evTransfer         = "transfer"
	evPoll             = "poll"
	evBackoff          = "backoff"
	evTransferComplete = "transfer_complete"
	evForceDisconnect  = "force_disconnect"
	evLinkDown         = "link_down"
	evReconnect        = "reconnect"
	evReconnected      = "reconnected"
	evInProgress       = "in_progress"
	evCommit           = "commit"
	evComplete         = "complete"
	evDone             = "done"
	evAbort            = "abort"
	evReset            = "reset"
)

func states(ss ...ClientState) []string {
	names := make([]string, len(ss))
	for i, s := range ss {
		names[i] = s.String()
	}
	return names
}

func allStatesExcept(skip ...ClientState) []string {
	var names []string
next:
	for s := ClientIdle; s <= ClientAbortingDisconnect; s++ {
		for _, k := range skip {
			if s == k {
				continue next
			}
		}
		names = append(names, s.String())
	}
	return names
}

func clientEvents() fsm.Events {
	return fsm.Events{
		{Name: evStart, Src: states(ClientIdle, ClientCompleted), Dst: ClientConnect.String()},
		{Name: evSync, Src: states(ClientConnect), Dst: ClientSyncReq.String()},
		{Name: evStartReq, Src: states(ClientSyncReq), Dst: ClientStartReq.String()},
		{Name: evStartData, Src: states(ClientStartReq), Dst: ClientDataReq.String()},
		{Name: evTransfer, Src: states(ClientDataReq), Dst: ClientTransfer.String()},
		{Name: evPoll, Src: states(ClientStartReq, ClientTransfer, ClientWaitValidation), Dst: ClientWaitValidationRsp.String()},
		{Name: evBackoff, Src: states(ClientWaitValidationRsp), Dst: ClientWaitValidation.String()},
		{Name: evTransferComplete, Src: states(ClientTransfer, ClientWaitValidation, ClientWaitValidationRsp), Dst: ClientWaitPostTransferDisconnect.String()},
		{Name: evForceDisconnect, Src: states(ClientWaitPostTransferDisconnect), Dst: ClientWaitPostTransferWaitDisconnect.String()},
		{Name: evLinkDown, Src: states(
			ClientWaitPostTransferDisconnect,
			ClientWaitPostTransferWaitDisconnect,
			ClientStartReqAfterReboot,
			ClientInProgressReq,
			ClientCommitReq,
		), Dst: ClientWaitPostTransferReconnectionDelay.String()},
		{Name: evReconnect, Src: states(ClientWaitPostTransferReconnectionDelay), Dst: ClientWaitPostTransferReconnection.String()},
		{Name: evReconnected, Src: states(ClientWaitPostTransferReconnection), Dst: ClientStartReqAfterReboot.String()},
		{Name: evInProgress, Src: states(ClientSyncReq, ClientStartReqAfterReboot), Dst: ClientInProgressReq.String()},
		{Name: evCommit, Src: states(ClientInProgressReq), Dst: ClientCommitReq.String()},
		{Name: evComplete, Src: states(ClientCommitReq), Dst: ClientDisconnect.String()},
		{Name: evDone, Src: states(ClientDisconnect), Dst: ClientCompleted.String()},
		{Name: evAbort, Src: allStatesExcept(ClientIdle, ClientCompleted, ClientAbortingDisconnect), Dst: ClientAbortingDisconnect.String()},
		{Name: evReset, Src: allStatesExcept(ClientIdle), Dst: ClientIdle.String()},
	}
}

// outgoing is a queued GAIA command.
type outgoing struct {
	cmd     gaia.CommandID
	payload []byte
}

// Client relays the current partition to a downstream device. Its methods
// run on the session loop, except Record.
type Client struct {
	env
	d        *gaia.Dispatcher
	fsm      *fsm.FSM
	progress *ProgressTracker

	// rec is written on the loop and read under mu from other goroutines.
	mu  sync.Mutex
	rec RelayRecord

	linked   bool
	id       uint32
	handle   Handle
	serving  PartitionDescriptor
	cursor   int
	attempts int

	// validateOnStart sends IS_CSR_VALID_DONE_REQ after START_CFM instead
	// of starting the data transfer.
	validateOnStart bool
	resyncing       bool
	remoteFailure   bool

	outbox []outgoing
}

func newClient(e env, d *gaia.Dispatcher) *Client {
	c := &Client{
		env:      e,
		d:        d,
		progress: NewProgressTracker(e.cb.OnProgress, e.cfg.ProgressInterval),
	}
	c.fsm = fsm.NewFSM(
		ClientIdle.String(),
		clientEvents(),
		fsm.Callbacks{
			"enter_state": func(_ context.Context, ev *fsm.Event) {
				from, to := parseClientState(ev.Src), parseClientState(ev.Dst)
				c.logger.Debug("client: %s -> %s (%s)", from, to, ev.Event)
				c.cb.OnEvent(ClientStateEvent{From: from, To: to})
			},
		},
	)

	d.Handle(gaia.GroupNotification, gaia.HandlerFunc(c.handleNotification))
	d.HandleAcks(gaia.GroupDataTransfer, gaia.AckHandlerFunc(c.handleUpgradeAck))
	d.HandleAcks(gaia.GroupNotification, gaia.AckHandlerFunc(c.handleRegisterAck))
	return c
}

// State returns the client state.
func (c *Client) State() ClientState {
	return parseClientState(c.fsm.Current())
}

// Record returns a copy of the persisted relay record. It is safe to call
// from any goroutine.
func (c *Client) Record() RelayRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec
}

func (c *Client) updateRecord(f func(*RelayRecord)) {
	c.mu.Lock()
	f(&c.rec)
	rec := c.rec
	c.mu.Unlock()

	if err := SaveRelay(c.kv, rec); err != nil {
		c.logger.Error("client: %v", err)
		c.cb.OnError(err, "persist relay state")
	}
}

func (c *Client) event(name string) {
	if err := c.fsm.Event(context.Background(), name); err != nil {
		c.logger.Error("client: %s in %s: %v", name, c.fsm.Current(), err)
	}
}

func (c *Client) is(states ...ClientState) bool {
	cur := c.State()
	for _, s := range states {
		if cur == s {
			return true
		}
	}
	return false
}

// start loads the relay record and finishes an interrupted digest.
func (c *Client) start() {
	rec, err := LoadRelay(c.kv)
	if err != nil {
		c.logger.Error("client: %v; starting clean", err)
		rec = RelayRecord{}
	}
	c.mu.Lock()
	c.rec = rec
	c.mu.Unlock()
	c.logger.Info("client: relay record id 0x%08X resume %s commit done %v", rec.InProgressID, rec.ResumePoint, rec.CommitDone)

	if rec.CalculateHash {
		c.hashPrevious()
	}
}

// setCurrent makes desc the partition StartUpgrade relays.
func (c *Client) setCurrent(desc PartitionDescriptor) {
	c.logger.Info("client: current relay partition %s/%d, %d bytes",
		desc.StoreType, desc.StoreID, desc.DataLength)
	c.updateRecord(func(r *RelayRecord) {
		r.Current = desc
		r.CommitDone = false
	})
}

// StartUpgrade relays the current partition to the downstream device.
func (c *Client) StartUpgrade() error {
	if !c.is(ClientIdle, ClientCompleted) {
		return ErrBusy
	}
	rec := c.Record()
	if !rec.Current.Valid() {
		return ErrNoRelayPartition
	}
	h, err := c.store.Find(rec.Current.StoreID, rec.Current.StoreType)
	if err != nil {
		return errors.Wrap(err, "relay partition")
	}

	c.handle = h
	c.serving = rec.Current
	c.cursor = 0
	c.attempts = 0
	c.validateOnStart = false
	c.resyncing = false
	c.remoteFailure = false

	c.id = rec.InProgressID
	if c.id == 0 || rec.CommitDone {
		c.id = newInProgressID()
	}
	c.updateRecord(func(r *RelayRecord) {
		r.InProgressID = c.id
		r.ResumePoint = ResumeStart
		r.CommitDone = false
	})

	c.event(evStart)
	if c.linked {
		c.openUpgrade()
	} else {
		c.host.connect()
	}
	c.flush()
	return nil
}

// newInProgressID derives a non-zero id from a random UUID.
func newInProgressID() uint32 {
	for {
		u := uuid.New()
		if id := codec.U32(u[:4]); id != 0 {
			return id
		}
	}
}

// Abort abandons the upgrade. The relay store is left as it is.
func (c *Client) Abort() error {
	switch c.State() {
	case ClientIdle, ClientCompleted, ClientAbortingDisconnect:
		return nil
	case ClientWaitPostTransferDisconnect, ClientWaitPostTransferWaitDisconnect,
		ClientWaitPostTransferReconnectionDelay, ClientWaitPostTransferReconnection:
		c.cancelTimers()
		c.event(evReset)
		c.cb.OnEvent(AbortedEvent{Remote: false})
		return nil
	}
	c.abort(false)
	c.flush()
	return nil
}

// abort asks the device to abort and disconnects once it confirms.
func (c *Client) abort(remote bool) {
	c.cancelTimers()
	c.remoteFailure = remote
	c.event(evAbort)
	if !c.linked {
		c.finishAbort()
		return
	}
	c.send(AbortReq())
}

func (c *Client) finishAbort() {
	remote := c.remoteFailure
	c.remoteFailure = false
	c.event(evReset)
	c.cb.OnEvent(AbortedEvent{Remote: remote})
	if remote {
		c.SetRelayStore(false)
	}
}

// SetRelayStore either promotes the current partition to previous and
// digests it, or restores current from previous.
func (c *Client) SetRelayStore(success bool) {
	if success {
		c.updateRecord(func(r *RelayRecord) {
			r.Previous = r.Current
			r.CalculateHash = true
		})
		c.hashPrevious()
	} else {
		c.updateRecord(func(r *RelayRecord) {
			r.Current = r.Previous
		})
	}
	c.cb.OnEvent(RelayStoreEvent{Success: success})
}

func (c *Client) hashPrevious() {
	prev := c.Record().Previous
	if !prev.Valid() {
		c.updateRecord(func(r *RelayRecord) { r.CalculateHash = false })
		return
	}
	h, err := c.store.Find(prev.StoreID, prev.StoreType)
	if err != nil {
		c.logger.Error("client: digest: %v", err)
		c.cb.OnError(err, "relay digest")
		return
	}
	n := int(prev.DataLength) - upgradefile.StoreHeaderSize
	c.store.Hash(h, upgradefile.StoreHeaderSize, n, func(sum [sha256.Size]byte, err error) {
		if err != nil {
			c.cb.OnError(err, "relay digest")
			return
		}
		c.updateRecord(func(r *RelayRecord) {
			if !r.CalculateHash || r.Previous.StoreID != prev.StoreID || r.Previous.StoreType != prev.StoreType {
				return
			}
			r.Previous.Digest = sum[:]
			if r.Current.StoreID == prev.StoreID && r.Current.StoreType == prev.StoreType {
				r.Current.Digest = sum[:]
			}
			r.CalculateHash = false
		})
	})
}

func (c *Client) connectedLink() {
	c.linked = true
	switch c.State() {
	case ClientConnect:
		c.openUpgrade()
	case ClientWaitPostTransferReconnection:
		c.timers.Cancel(TimerReconnectRetry)
		c.event(evReconnected)
		c.openUpgrade()
	}
	c.flush()
}

func (c *Client) connectFailed(err error) {
	c.logger.Info("client: connect: %v", err)
	switch c.State() {
	case ClientConnect:
		c.cb.OnError(err, "connect")
		c.event(evReset)
	case ClientWaitPostTransferReconnection:
		// The retry timer tries again.
	}
}

func (c *Client) disconnected() {
	c.linked = false
	c.outbox = nil
	switch c.State() {
	case ClientIdle, ClientCompleted, ClientWaitPostTransferReconnectionDelay, ClientWaitPostTransferReconnection:

	case ClientDisconnect:
		c.complete()

	case ClientAbortingDisconnect:
		c.finishAbort()

	case ClientWaitPostTransferDisconnect, ClientWaitPostTransferWaitDisconnect,
		ClientStartReqAfterReboot, ClientInProgressReq, ClientCommitReq:
		c.timers.Cancel(TimerDisconnectWait)
		c.event(evLinkDown)
		c.timers.Start(TimerReconnectDelay, c.cfg.ReconnectDelay)

	default:
		c.cancelTimers()
		c.cb.OnError(NewError(ErrIO, "link lost"), c.State().String())
		c.event(evReset)
	}
}

func (c *Client) timerExpired(id TimerID) {
	switch id {
	case TimerValidationBackoff:
		if c.is(ClientTransfer, ClientWaitValidation) {
			c.event(evPoll)
			c.send(IsValidationDoneReq())
		}

	case TimerDisconnectWait:
		if c.is(ClientWaitPostTransferDisconnect) {
			c.logger.Info("client: device did not disconnect, dropping link")
			c.event(evForceDisconnect)
			c.host.disconnect()
		}

	case TimerReconnectDelay:
		if c.is(ClientWaitPostTransferReconnectionDelay) {
			c.event(evReconnect)
			c.attempts = 1
			c.timers.StartPeriodic(TimerReconnectRetry, c.cfg.ReconnectInterval)
			c.host.connect()
		}

	case TimerReconnectRetry:
		if !c.is(ClientWaitPostTransferReconnection) {
			c.timers.Cancel(TimerReconnectRetry)
			break
		}
		if c.attempts >= c.cfg.ReconnectAttempts {
			c.abandon()
			break
		}
		c.attempts++
		c.logger.Info("client: reconnection attempt %d", c.attempts)
		c.host.connect()
	}
	c.flush()
}

// abandon gives up on a downstream device that did not come back.
func (c *Client) abandon() {
	c.logger.Error("client: device did not reconnect after %d attempts", c.attempts)
	c.timers.Cancel(TimerReconnectRetry)
	attempts := c.attempts
	c.event(evReset)
	c.SetRelayStore(false)
	c.updateRecord(func(r *RelayRecord) {
		r.InProgressID = 0
		r.ResumePoint = ResumeStart
	})
	c.cb.OnEvent(RelayAbandonedEvent{Attempts: attempts})
}

func (c *Client) cancelTimers() {
	for _, id := range []TimerID{TimerValidationBackoff, TimerDisconnectWait, TimerReconnectDelay, TimerReconnectRetry} {
		c.timers.Cancel(id)
	}
}

// openUpgrade registers for upgrade notifications and connects the upgrade
// channel.
func (c *Client) openUpgrade() {
	c.command(gaia.CommandRegisterNotification, []byte{gaia.EventVMUPacket})
	c.command(gaia.CommandVMUpgradeConnect, nil)
}

func (c *Client) handleRegisterAck(cmd gaia.CommandID, st gaia.Status, payload []byte) bool {
	if cmd != gaia.CommandRegisterNotification {
		return false
	}
	if st != gaia.StatusSuccess {
		c.logger.Error("client: notification registration: %s", st)
		c.fail(NewError(ErrRemote, "notification registration refused: "+st.String()))
	}
	return true
}

func (c *Client) handleUpgradeAck(cmd gaia.CommandID, st gaia.Status, payload []byte) bool {
	switch cmd {
	case gaia.CommandVMUpgradeConnect:
		if st != gaia.StatusSuccess {
			c.fail(NewError(ErrRemote, "upgrade connect refused: "+st.String()))
			break
		}
		switch c.State() {
		case ClientConnect:
			c.event(evSync)
			c.send(SyncReq(c.id))
		case ClientStartReqAfterReboot:
			c.send(SyncReq(c.id))
		}

	case gaia.CommandVMUpgradeDisconnect:
		switch c.State() {
		case ClientDisconnect:
			c.complete()
			c.host.disconnect()
		case ClientAbortingDisconnect:
			c.finishAbort()
			c.host.disconnect()
		}

	case gaia.CommandVMUpgradeControl:
		if st != gaia.StatusSuccess && !c.is(ClientIdle, ClientAbortingDisconnect, ClientDisconnect, ClientCompleted) {
			c.logger.Error("client: upgrade message refused: %s", st)
			c.abort(true)
		}

	default:
		return false
	}
	c.flush()
	return true
}

// fail drops a connection that cannot proceed.
func (c *Client) fail(err error) {
	c.cancelTimers()
	c.cb.OnError(err, c.State().String())
	if !c.is(ClientIdle) {
		c.event(evReset)
	}
	c.host.disconnect()
}

func (c *Client) handleNotification(cmd gaia.CommandID, payload []byte) bool {
	if cmd != gaia.CommandEventNotification {
		return false
	}
	if len(payload) < 1 || payload[0] != gaia.EventVMUPacket {
		c.ack(cmd, gaia.StatusInvalidParameter, nil)
		return true
	}
	m, err := DecodeMessage(payload[1:])
	if err != nil {
		c.logger.Debug("client: %v", err)
		c.ack(cmd, gaia.StatusInvalidParameter, nil)
		return true
	}
	c.logger.Debug("client: %s", FormatMessageLog("RX", m))
	st := c.handleMessage(m)
	c.ack(cmd, st, []byte{gaia.EventVMUPacket})
	c.flush()
	return true
}

// handleMessage applies one device message. Messages not valid in the
// current state return IncorrectState and change nothing.
func (c *Client) handleMessage(m Message) gaia.Status {
	switch m.Opcode {
	case OpSyncCfm:
		return c.onSyncCfm(m)
	case OpStartCfm:
		return c.onStartCfm(m)
	case OpDataBytesReq:
		return c.onDataBytes(m)
	case OpIsValidationDoneCfm:
		return c.onValidationCfm(m)
	case OpTransferCompleteInd:
		return c.onTransferComplete()
	case OpCommitReq:
		return c.onCommitReq()
	case OpCompleteInd:
		return c.onComplete()
	case OpAbortCfm:
		return c.onAbortCfm()
	case OpErrorWarnInd:
		return c.onErrorWarn(m)
	case OpProgressCfm, OpVersionCfm:
		c.logger.Info("client: %s", m)
		return gaia.StatusSuccess
	}
	return gaia.StatusNotSupported
}

func (c *Client) onSyncCfm(m Message) gaia.Status {
	if !c.is(ClientSyncReq, ClientStartReqAfterReboot) || c.resyncing {
		return gaia.StatusIncorrectState
	}
	cfm, err := m.SyncConfirm()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if cfm.ID != c.id || cfm.Version != ProtocolVersion {
		c.logger.Error("client: sync confirm id 0x%08X version %d, want 0x%08X version %d",
			cfm.ID, cfm.Version, c.id, ProtocolVersion)
		c.abort(true)
		return gaia.StatusSuccess
	}
	c.updateRecord(func(r *RelayRecord) { r.ResumePoint = cfm.Resume })

	if c.is(ClientStartReqAfterReboot) {
		if cfm.Resume != ResumePostReboot && cfm.Resume != ResumeCommit {
			c.logger.Error("client: device came back at %s, upgrade lost", cfm.Resume)
			c.abort(true)
			return gaia.StatusSuccess
		}
		c.event(evInProgress)
		c.send(InProgressRes(ActionContinue))
		return gaia.StatusSuccess
	}

	switch cfm.Resume {
	case ResumeStart:
		c.event(evStartReq)
		c.send(StartReq())
	case ResumePreValidate, ResumePreReboot:
		c.validateOnStart = true
		c.event(evStartReq)
		c.send(StartReq())
	case ResumePostReboot, ResumeCommit:
		c.event(evInProgress)
		c.send(InProgressRes(ActionContinue))
	default:
		c.abort(true)
	}
	return gaia.StatusSuccess
}

func (c *Client) onStartCfm(m Message) gaia.Status {
	if !c.is(ClientStartReq) {
		return gaia.StatusIncorrectState
	}
	cfm, err := m.StartConfirm()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if cfm.Status != uint8(gaia.StatusSuccess) {
		c.logger.Error("client: device cannot start (status %d, battery %d mV)", cfm.Status, cfm.BatteryMV)
		c.abort(true)
		return gaia.StatusSuccess
	}
	if c.validateOnStart {
		c.event(evPoll)
		c.send(IsValidationDoneReq())
		return gaia.StatusSuccess
	}
	c.event(evStartData)
	c.cursor = 0
	c.progress.Start("relay", int64(c.serving.Size()))
	c.send(StartDataReq())
	return gaia.StatusSuccess
}

func (c *Client) onDataBytes(m Message) gaia.Status {
	if !c.is(ClientDataReq) {
		return gaia.StatusIncorrectState
	}
	n, err := m.DataBytes()
	if err != nil {
		return gaia.StatusInvalidParameter
	}

	total := c.serving.Size()
	remaining := min(int(n), total-c.cursor)
	chunkCap := ChunkCap(c.d.MaxPayload() + gaia.HeaderSize)
	for remaining > 0 {
		k := min(remaining, chunkCap)
		data, err := c.read(c.cursor, k)
		if err != nil {
			c.cb.OnError(err, "read relay partition")
			c.abort(false)
			return gaia.StatusSuccess
		}
		c.cursor += k
		remaining -= k
		c.progress.Add(k)
		c.send(Data(c.cursor == total, data))
	}

	if c.cursor == total {
		c.progress.Complete()
		c.event(evTransfer)
		c.timers.Start(TimerValidationBackoff, c.cfg.ValidationBackoff)
	}
	return gaia.StatusSuccess
}

// read returns n file bytes from off: the header images, then the stored
// partition body in wire order, then the footer image.
func (c *Client) read(off, n int) ([]byte, error) {
	hdr := c.serving.Header
	bodyEnd := len(hdr) + int(c.serving.DataLength)
	out := make([]byte, 0, n)

	for n > 0 {
		var piece []byte
		switch {
		case off < len(hdr):
			piece = hdr[off:min(len(hdr), off+n)]
		case off < bodyEnd:
			k := min(n, bodyEnd-off)
			b, err := c.readBody(off-len(hdr), k)
			if err != nil {
				return nil, err
			}
			piece = b
		default:
			foot := c.serving.Footer
			start := off - bodyEnd
			if start >= len(foot) {
				return nil, errors.Errorf("read past end of file at %d", off)
			}
			piece = foot[start:min(len(foot), start+n)]
		}
		out = append(out, piece...)
		off += len(piece)
		n -= len(piece)
	}
	return out, nil
}

// readBody returns n body bytes from off. Stored bytes past the store header
// are kept byte-pair swapped and are swapped back here, except for an odd
// final chunk, which is stored as received.
func (c *Client) readBody(off, n int) ([]byte, error) {
	length := int(c.serving.DataLength)
	raw := length - int(c.serving.RawTail)
	start := off &^ 1
	end := min(off+n+(off+n)&1, length)
	b, err := c.store.BlockRead(c.handle, start/2, (end-start+1)/2)
	if err != nil {
		return nil, errors.Wrapf(err, "block read at %d", start)
	}
	if len(b) < end-start {
		return nil, errors.Errorf("block read at %d: short by %d bytes", start, end-start-len(b))
	}
	b = b[:end-start]
	for i := 0; i+1 < len(b); i += 2 {
		if p := start + i; p >= upgradefile.StoreHeaderSize && p < raw {
			codec.SwapBytePairs(b[i:i+2], b[i:i+2], 2)
		}
	}
	return b[off-start : off-start+n], nil
}

func (c *Client) onValidationCfm(m Message) gaia.Status {
	if !c.is(ClientWaitValidationRsp) {
		return gaia.StatusIncorrectState
	}
	backoff, err := m.Backoff()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if backoff == 0 {
		backoff = c.cfg.ValidationBackoff
	}
	c.event(evBackoff)
	c.timers.Start(TimerValidationBackoff, backoff)
	return gaia.StatusSuccess
}

func (c *Client) onTransferComplete() gaia.Status {
	if !c.is(ClientTransfer, ClientWaitValidation, ClientWaitValidationRsp) {
		return gaia.StatusIncorrectState
	}
	c.timers.Cancel(TimerValidationBackoff)
	c.updateRecord(func(r *RelayRecord) { r.ResumePoint = ResumePreReboot })
	c.event(evTransferComplete)
	c.send(TransferCompleteRes(ActionContinue))
	c.timers.Start(TimerDisconnectWait, c.cfg.DisconnectWait)
	return gaia.StatusSuccess
}

func (c *Client) onCommitReq() gaia.Status {
	if !c.is(ClientInProgressReq) {
		return gaia.StatusIncorrectState
	}
	c.updateRecord(func(r *RelayRecord) { r.ResumePoint = ResumeCommit })
	c.event(evCommit)
	c.send(CommitCfm(ActionContinue))
	return gaia.StatusSuccess
}

func (c *Client) onComplete() gaia.Status {
	if !c.is(ClientCommitReq) {
		return gaia.StatusIncorrectState
	}
	c.updateRecord(func(r *RelayRecord) {
		r.CommitDone = true
		r.InProgressID = 0
		r.ResumePoint = ResumeStart
	})
	c.SetRelayStore(true)
	c.event(evComplete)
	c.command(gaia.CommandVMUpgradeDisconnect, nil)
	return gaia.StatusSuccess
}

func (c *Client) complete() {
	c.event(evDone)
	c.logger.Info("client: relay 0x%08X complete", c.id)
	c.cb.OnEvent(RelayCompleteEvent{ID: c.id})
}

func (c *Client) onAbortCfm() gaia.Status {
	switch {
	case c.resyncing:
		c.resyncing = false
		c.send(SyncReq(c.id))
	case c.is(ClientAbortingDisconnect):
		c.command(gaia.CommandVMUpgradeDisconnect, nil)
	default:
		return gaia.StatusIncorrectState
	}
	return gaia.StatusSuccess
}

func (c *Client) onErrorWarn(m Message) gaia.Status {
	code, err := m.ErrorCode()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	c.send(ErrorWarnRes())

	if code == WarnSyncIDIsDifferent && c.is(ClientSyncReq, ClientStartReqAfterReboot) && !c.resyncing {
		c.logger.Info("client: device holds another upgrade, clearing it")
		c.resyncing = true
		c.send(AbortReq())
		return gaia.StatusSuccess
	}
	if code.IsWarning() {
		c.logger.Info("client: device warning: %s", code)
		return gaia.StatusSuccess
	}

	c.logger.Error("client: device error: %s", code)
	c.cb.OnEvent(ErrorEvent{Code: code, Err: NewCodeError(ErrRemote, code, "reported by device")})
	if !c.is(ClientIdle, ClientCompleted, ClientAbortingDisconnect) {
		c.abort(true)
	}
	return gaia.StatusSuccess
}

// send queues an upgrade message for the device.
func (c *Client) send(m Message) {
	c.outbox = append(c.outbox, outgoing{cmd: gaia.CommandVMUpgradeControl, payload: m.Bytes()})
}

func (c *Client) command(cmd gaia.CommandID, payload []byte) {
	c.outbox = append(c.outbox, outgoing{cmd: cmd, payload: payload})
}

func (c *Client) flush() {
	out := c.outbox
	c.outbox = nil
	if !c.linked {
		return
	}
	for _, o := range out {
		if o.cmd == gaia.CommandVMUpgradeControl {
			if m, err := DecodeMessage(o.payload); err == nil {
				c.logger.Debug("client: %s", FormatMessageLog("TX", m))
			}
		}
		if err := c.d.Send(o.cmd, o.payload); err != nil {
			c.logger.Error("client: send %s: %v", o.cmd, err)
		}
	}
}

func (c *Client) ack(cmd gaia.CommandID, st gaia.Status, payload []byte) {
	if err := c.d.Ack(cmd, st, payload); err != nil {
		c.logger.Error("client: ack %s: %v", cmd, err)
	}
}
