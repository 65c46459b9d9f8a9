package otau

import (
	"crypto/sha256"
	"time"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/codec"
	"github.com/thristram/go-gaia-otau/gaia"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

// Reported by GET_API_VERSION.
const (
	apiProtocolVersion = 1
	apiMajorVersion    = 2
	apiMinorVersion    = 0
)

// startStatusFailed is the START_CFM status when the device cannot start.
const startStatusFailed = 1

// Device is the upgrade target for one peer. Its methods run on the session
// loop.
type Device struct {
	env
	d        *gaia.Dispatcher
	sessions *gaia.TransferSessions
	notes    *gaia.Notifications
	progress *ProgressTracker

	state     DeviceState
	resume    ResumeRecord
	appSlot   uint16
	nextSlot  uint16
	connected bool
	synced    bool
	started   bool
	pendingID uint32

	// Transfer context, reset on every connection.
	epoch       uint64
	parser      *fileParser
	inbox       []byte
	outstanding int
	lastFlag    bool
	queue       []action
	busy        bool
	sum         upgradefile.SignatureSum
	validated   bool

	rebootPending   bool
	rollbackPending bool
	lastError       UpgradeError

	outbox []Message
}

func newDevice(e env, d *gaia.Dispatcher, ch gaia.Channel) *Device {
	dv := &Device{
		env:      e,
		d:        d,
		notes:    gaia.NewNotifications(d, gaia.EventVMUPacket),
		progress: NewProgressTracker(e.cb.OnProgress, e.cfg.ProgressInterval),
		state:    StateWaitForHost,
	}
	if ch == nil {
		ch = &BufferChannel{}
	}
	dv.sessions = gaia.NewTransferSessions(d, ch)
	dv.parser = newFileParser(dv.chunkCap())

	d.Handle(gaia.GroupDataTransfer, gaia.Chain(gaia.HandlerFunc(dv.handleUpgradeCommand), dv.sessions))
	d.Handle(gaia.GroupNotification, dv.notes)
	d.Handle(gaia.GroupStatus, gaia.HandlerFunc(dv.handleStatus))
	d.Handle(gaia.GroupControl, gaia.HandlerFunc(dv.handleControl))
	return dv
}

// State returns the upgrade state.
func (dv *Device) State() DeviceState {
	return dv.state
}

// Resume returns the persisted resume record.
func (dv *Device) Resume() ResumeRecord {
	return dv.resume
}

// TransferState returns the file-transfer sub-state.
func (dv *Device) TransferState() DataTransferState {
	return dv.parser.kind()
}

// isNewApp reports whether the running application will not run again after
// a reset, i.e. it is an uncommitted upgrade.
func (dv *Device) isNewApp() bool {
	return dv.appSlot != dv.nextSlot
}

// chunkCap is the largest DATA payload the link carries.
func (dv *Device) chunkCap() int {
	return ChunkCap(dv.d.MaxPayload() + gaia.HeaderSize)
}

// targetSlot is the application slot the running image did not boot from.
func (dv *Device) targetSlot() uint16 {
	return 1 - dv.appSlot&1
}

// start loads persisted state. It runs once when the session starts.
func (dv *Device) start() {
	rec, err := LoadResume(dv.kv)
	if err != nil {
		dv.logger.Error("device: %v; starting clean", err)
		rec = ResumeRecord{}
	}
	dv.resume = rec

	app, next, err := dv.platform.BootSlots()
	if err != nil {
		dv.logger.Error("device: boot slots: %v", err)
		dv.state = StatePreFail
		return
	}
	dv.appSlot, dv.nextSlot = app, next
	dv.logger.Info("device: running slot %d, next boot slot %d, resume %s", app, next, rec.ResumePoint)

	switch rec.ResumePoint {
	case ResumePreValidate:
		// The running sum did not survive the reset; the file is resent.
		dv.resume.ResumePoint = ResumeStart
		dv.persist()

	case ResumePostReboot, ResumeCommit:
		if rec.AppUpgraded && app != rec.TargetSlot {
			dv.logger.Error("device: booted slot %d instead of upgraded slot %d", app, rec.TargetSlot)
			dv.clearResume()
			dv.emitError(ErrorUpdateFailed, NewCodeError(ErrState, ErrorUpdateFailed, "bootloader fell back to the previous image"))
			dv.cb.OnEvent(RolledBackEvent{Reason: "new image did not boot"})
			return
		}
		if dv.isNewApp() {
			dv.timers.Start(TimerCommit, dv.cfg.CommitTimeout)
		}
	}
}

// restart models a reset: volatile state is dropped and the persisted
// record is read again.
func (dv *Device) restart() {
	dv.timers.Cancel(TimerCommit)
	dv.reset()
	dv.notes.Reset()
	dv.sessions.Reset()
	dv.releaseUpgrade()
	dv.state = StateWaitForHost
	dv.start()
}

// connectedLink resets the transfer context for a new link.
func (dv *Device) connectedLink() {
	dv.reset()
	dv.notes.Reset()
	dv.sessions.Reset()
	if dv.state != StatePreFail {
		dv.state = StateWaitForHost
	}
}

// disconnected handles loss of the link, including the disconnects the
// device requests itself before rebooting.
func (dv *Device) disconnected() {
	reboot := dv.rebootPending || dv.rollbackPending
	if dv.rollbackPending {
		dv.cb.OnEvent(RolledBackEvent{Reason: "upgrade rejected"})
	}
	dv.reset()
	dv.notes.Reset()
	dv.sessions.Reset()
	dv.releaseUpgrade()

	if reboot {
		dv.logger.Info("device: rebooting")
		if err := dv.platform.Reboot(); err != nil {
			dv.cb.OnError(err, "reboot")
		}
		return
	}
	if dv.state != StatePreFail {
		dv.state = StateWaitForHost
	}
}

func (dv *Device) timerExpired(id TimerID) {
	if id != TimerCommit {
		return
	}
	dv.logger.Error("device: host did not commit within %s, rolling back", dv.cfg.CommitTimeout)
	dv.clearResume()
	dv.cb.OnEvent(RolledBackEvent{Reason: "commit timeout"})
	dv.emitError(ErrorUpdateFailed, NewError(ErrTimeout, "host did not commit"))
	if err := dv.platform.Reboot(); err != nil {
		dv.cb.OnError(err, "reboot")
	}
}

// reset drops the transfer context. Confirmations issued before the reset
// are ignored.
func (dv *Device) reset() {
	dv.epoch++
	dv.parser = newFileParser(dv.chunkCap())
	dv.inbox = nil
	dv.outstanding = 0
	dv.lastFlag = false
	dv.queue = nil
	dv.busy = false
	dv.sum = upgradefile.SignatureSum{}
	dv.validated = false
	dv.connected = false
	dv.synced = false
	dv.started = false
	dv.rebootPending = false
	dv.rollbackPending = false
	dv.outbox = nil
}

// ContinueUpgrade releases a host held in WaitForDevice.
func (dv *Device) ContinueUpgrade() {
	if dv.state != StateWaitForDevice {
		return
	}
	dv.acceptSync(dv.pendingID)
	dv.flush()
}

func (dv *Device) inFlight() bool {
	switch dv.state {
	case StateInProgress, StateReady, StatePaused, StateWaitingToReboot, StateDisconnecting:
		return true
	}
	return false
}

func (dv *Device) handleControl(cmd gaia.CommandID, payload []byte) bool {
	if cmd != gaia.CommandDeviceReset {
		return false
	}
	if dv.inFlight() {
		dv.ack(cmd, gaia.StatusIncorrectState, nil)
		return true
	}
	dv.ack(cmd, gaia.StatusSuccess, nil)
	if err := dv.platform.Reboot(); err != nil {
		dv.cb.OnError(err, "device reset")
	}
	return true
}

func (dv *Device) handleStatus(cmd gaia.CommandID, payload []byte) bool {
	switch cmd {
	case gaia.CommandGetAPIVersion:
		dv.ack(cmd, gaia.StatusSuccess, []byte{apiProtocolVersion, apiMajorVersion, apiMinorVersion})
	case gaia.CommandGetCurrentBatteryLevel:
		buf := make([]byte, 2)
		codec.PutU16(buf, 0, dv.battery())
		dv.ack(cmd, gaia.StatusSuccess, buf)
	case gaia.CommandGetApplicationVersion:
		dv.ack(cmd, gaia.StatusSuccess, []byte(dv.cfg.AppVersion))
	default:
		return false
	}
	return true
}

func (dv *Device) battery() uint16 {
	if mv := dv.cb.OnBatteryLevel(); mv != 0 {
		return mv
	}
	return dv.platform.BatteryMillivolts()
}

func (dv *Device) handleUpgradeCommand(cmd gaia.CommandID, payload []byte) bool {
	switch cmd {
	case gaia.CommandVMUpgradeConnect:
		if dv.connected {
			dv.ack(cmd, gaia.StatusIncorrectState, nil)
			return true
		}
		dv.connected = true
		dv.ack(cmd, gaia.StatusSuccess, nil)

	case gaia.CommandVMUpgradeDisconnect:
		if !dv.connected {
			dv.ack(cmd, gaia.StatusIncorrectState, nil)
			return true
		}
		dv.ack(cmd, gaia.StatusSuccess, nil)
		if !dv.rebootPending && !dv.rollbackPending {
			if dv.state == StateInProgress || dv.state == StateReady {
				dv.releaseUpgrade()
			}
			dv.reset()
			if dv.state != StatePreFail {
				dv.state = StateWaitForHost
			}
		}

	case gaia.CommandVMUpgradeControl:
		m, err := DecodeMessage(payload)
		if err != nil {
			dv.logger.Debug("device: %v", err)
			dv.ack(cmd, gaia.StatusInvalidParameter, nil)
			return true
		}
		if !dv.connected {
			dv.ack(cmd, gaia.StatusIncorrectState, nil)
			return true
		}
		dv.logger.Debug("device: %s", FormatMessageLog("RX", m))
		st := dv.handleMessage(m)
		dv.ack(cmd, st, nil)
		dv.flush()

	default:
		return false
	}
	return true
}

// handleMessage applies one upgrade message. Messages not valid in the
// current state return IncorrectState and change nothing.
func (dv *Device) handleMessage(m Message) gaia.Status {
	switch m.Opcode {
	case OpSyncReq:
		return dv.onSync(m)
	case OpStartReq:
		return dv.onStart()
	case OpStartDataReq:
		return dv.onStartData()
	case OpData:
		return dv.onData(m)
	case OpAbortReq:
		return dv.onAbort()
	case OpIsValidationDoneReq:
		return dv.onValidationDone()
	case OpTransferCompleteRes:
		return dv.onTransferComplete(m)
	case OpInProgressRes:
		return dv.onInProgress()
	case OpCommitCfm:
		return dv.onCommit(m)
	case OpProgressReq:
		if !dv.synced {
			return gaia.StatusIncorrectState
		}
		pct := dv.progress.Percent()
		if dv.validated {
			pct = 100
		}
		dv.send(ProgressCfm(pct))
	case OpVersionReq:
		dv.send(VersionCfm(dv.cfg.VersionMajor, dv.cfg.VersionMinor, dv.cfg.ConfigVersion))
	case OpErrorWarnRes:
		dv.lastError = ErrorSuccess
	default:
		return gaia.StatusNotSupported
	}
	return gaia.StatusSuccess
}

func (dv *Device) onSync(m Message) gaia.Status {
	if dv.state != StateWaitForHost {
		return gaia.StatusIncorrectState
	}
	if dv.registry != nil && !dv.registry.Available(dv.peer) {
		return gaia.StatusIncorrectState
	}
	id, err := m.SyncID()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if id == 0 {
		dv.sendError(ErrorInvalidSyncID)
		return gaia.StatusSuccess
	}
	if dv.resume.InProgressID != 0 && dv.resume.InProgressID != id {
		dv.logger.Info("device: sync id 0x%08X differs from stored 0x%08X", id, dv.resume.InProgressID)
		dv.sendError(WarnSyncIDIsDifferent)
		return gaia.StatusSuccess
	}

	if !dv.cb.OnSyncRequest(id) {
		dv.pendingID = id
		dv.state = StateWaitForDevice
		return gaia.StatusSuccess
	}
	dv.acceptSync(id)
	return gaia.StatusSuccess
}

func (dv *Device) acceptSync(id uint32) {
	if dv.resume.InProgressID == 0 {
		dv.resume.InProgressID = id
		dv.persist()
	}
	dv.state = StateWaitForHost
	dv.synced = true
	dv.send(SyncCfm(dv.resume.ResumePoint, dv.resume.InProgressID))
	dv.cb.OnEvent(SyncEvent{ID: id, Resume: dv.resume.ResumePoint})
}

func (dv *Device) onStart() gaia.Status {
	if dv.state == StatePreFail {
		dv.send(StartCfm(startStatusFailed, dv.battery()))
		return gaia.StatusSuccess
	}
	if !dv.synced || dv.state != StateWaitForHost {
		return gaia.StatusIncorrectState
	}
	dv.started = true
	dv.send(StartCfm(uint8(gaia.StatusSuccess), dv.battery()))
	return gaia.StatusSuccess
}

func (dv *Device) onStartData() gaia.Status {
	if !dv.started || dv.state != StateWaitForHost || dv.resume.ResumePoint != ResumeStart {
		return gaia.StatusIncorrectState
	}
	if dv.registry != nil && !dv.registry.Acquire(dv.peer) {
		return gaia.StatusIncorrectState
	}

	dv.epoch++
	dv.parser = newFileParser(dv.chunkCap())
	dv.inbox = nil
	dv.outstanding = 0
	dv.lastFlag = false
	dv.queue = nil
	dv.busy = false
	dv.sum = upgradefile.SignatureSum{}
	dv.validated = false
	dv.resume.AppUpgraded = false

	dv.state = StateInProgress
	dv.cb.OnEvent(UpgradeStartedEvent{ID: dv.resume.InProgressID, Time: time.Now()})
	dv.pump()
	return gaia.StatusSuccess
}

func (dv *Device) onData(m Message) gaia.Status {
	if dv.state != StateInProgress {
		return gaia.StatusIncorrectState
	}
	p, err := m.DataPacket()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if dv.parser.failed() {
		// The host has been told; it must abort.
		return gaia.StatusIncorrectState
	}

	dv.inbox = append(dv.inbox, p.Data...)
	dv.outstanding -= len(p.Data)
	if dv.outstanding < 0 {
		dv.outstanding = 0
	}
	if p.Last {
		dv.lastFlag = true
	}
	dv.progress.Add(len(p.Data))
	dv.pump()
	return gaia.StatusSuccess
}

func (dv *Device) onAbort() gaia.Status {
	switch dv.state {
	case StateWaitingToReboot, StateDisconnecting:
		return gaia.StatusIncorrectState
	}
	dv.abort(true)
	return gaia.StatusSuccess
}

// abort clears the upgrade. A device running an uncommitted image rolls
// back through a disconnect and reboot; otherwise it stays up.
func (dv *Device) abort(remote bool) {
	dv.timers.Cancel(TimerCommit)
	dv.clearResume()
	dv.send(AbortCfm())
	dv.cb.OnEvent(AbortedEvent{Remote: remote})
	dv.releaseUpgrade()

	if dv.isNewApp() {
		dv.rollbackPending = true
		dv.state = StateDisconnecting
		dv.requestDisconnect()
		return
	}

	dv.epoch++
	dv.parser = newFileParser(dv.chunkCap())
	dv.inbox = nil
	dv.outstanding = 0
	dv.lastFlag = false
	dv.queue = nil
	dv.busy = false
	dv.validated = false
	dv.synced = false
	dv.started = false
	dv.state = StateWaitForHost
}

func (dv *Device) onValidationDone() gaia.Status {
	switch {
	case dv.validated, dv.resume.ResumePoint == ResumePreReboot && dv.started:
		dv.send(TransferCompleteInd())
	case dv.state == StateInProgress:
		dv.send(IsValidationDoneCfm(dv.cfg.ValidationBackoff))
	default:
		return gaia.StatusIncorrectState
	}
	return gaia.StatusSuccess
}

func (dv *Device) onTransferComplete(m Message) gaia.Status {
	ready := dv.state == StateReady || (dv.started && dv.resume.ResumePoint == ResumePreReboot)
	if !ready {
		return gaia.StatusIncorrectState
	}
	a, err := m.Action()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	if a != ActionContinue {
		dv.abort(true)
		return gaia.StatusSuccess
	}

	// The record moves past PreReboot only once the new image is set to boot.
	if dv.resume.AppUpgraded {
		if err := dv.platform.RunOnce(dv.resume.TargetSlot); err != nil {
			dv.cb.OnError(err, "run once")
			dv.sendError(ErrorUpdateFailed)
			return gaia.StatusSuccess
		}
	}
	dv.resume.ResumePoint = ResumePostReboot
	dv.persist()

	dv.rebootPending = true
	dv.state = StateWaitingToReboot
	dv.cb.OnEvent(RebootingEvent{Resume: ResumePostReboot})
	dv.requestDisconnect()
	return gaia.StatusSuccess
}

func (dv *Device) onInProgress() gaia.Status {
	if !dv.synced {
		return gaia.StatusIncorrectState
	}
	switch dv.resume.ResumePoint {
	case ResumePostReboot, ResumeCommit:
	default:
		return gaia.StatusIncorrectState
	}
	// The action is ignored: this message never aborts.
	dv.resume.ResumePoint = ResumeCommit
	dv.persist()
	dv.send(CommitReq())
	return gaia.StatusSuccess
}

func (dv *Device) onCommit(m Message) gaia.Status {
	if !dv.synced || dv.resume.ResumePoint != ResumeCommit {
		return gaia.StatusIncorrectState
	}
	a, err := m.Action()
	if err != nil {
		return gaia.StatusInvalidParameter
	}
	dv.timers.Cancel(TimerCommit)

	if a != ActionContinue {
		dv.clearResume()
		dv.cb.OnEvent(AbortedEvent{Remote: true})
		dv.rollbackPending = true
		dv.state = StateDisconnecting
		dv.requestDisconnect()
		return gaia.StatusSuccess
	}

	upgraded := dv.resume.AppUpgraded
	dv.clearResume()
	dv.send(CompleteInd())
	if upgraded {
		if err := dv.platform.Commit(dv.appSlot); err != nil {
			dv.cb.OnError(err, "commit")
		} else {
			dv.nextSlot = dv.appSlot
		}
	}
	dv.cb.OnEvent(CommittedEvent{Slot: dv.appSlot})
	dv.releaseUpgrade()
	dv.state = StateCompleted
	return gaia.StatusSuccess
}

// pump runs queued actions and feeds buffered data to the parser until an
// asynchronous store request is outstanding or more data is needed.
func (dv *Device) pump() {
	for !dv.busy && dv.state == StateInProgress {
		if len(dv.queue) > 0 {
			a := dv.queue[0]
			dv.queue = dv.queue[1:]
			dv.exec(a)
			continue
		}

		want, partial := dv.parser.want()
		if want == 0 && !(dv.parser.done() && len(dv.inbox) > 0) {
			break
		}
		if len(dv.inbox) >= want || (partial && len(dv.inbox) > 0) || dv.parser.done() {
			n, acts, err := dv.parser.feed(dv.inbox)
			dv.inbox = dv.inbox[n:]
			dv.queue = append(dv.queue, acts...)
			if err != nil {
				dv.transferFailed(err)
				return
			}
			continue
		}

		if dv.lastFlag {
			dv.transferFailed(transferError(ErrorFileTooSmall, "file ended in %s", dv.parser.kind()))
			return
		}
		if dv.outstanding == 0 {
			n := want - len(dv.inbox)
			dv.outstanding = n
			dv.send(DataBytesReq(uint32(n)))
		}
		break
	}
}

func (dv *Device) exec(a action) {
	switch a := a.(type) {
	case actValidate:
		if !dv.cb.OnValidateHeader(a.chunk) {
			dv.transferFailed(transferError(a.code, "rejected by application"))
		}

	case actHeaderReceived:
		hdr, err := upgradefile.UnmarshalHeaderBody(a.raw[upgradefile.IDLength+upgradefile.LengthFieldSize:])
		if err != nil {
			dv.transferFailed(transferError(ErrorBadLengthUpgradeHeader, "%v", err))
			return
		}
		dv.cb.OnEvent(HeaderReceivedEvent{Header: hdr, Raw: a.raw})

	case actOpen:
		dv.openPartition(a)

	case actWrite:
		dv.busy = true
		epoch := dv.epoch
		dv.store.Write(a.handle, a.data, func(err error) {
			if epoch != dv.epoch {
				return
			}
			dv.busy = false
			if err != nil {
				dv.storageFailed(err, "write partition")
				dv.flush()
				return
			}
			dv.pump()
			dv.flush()
		})

	case actHash:
		dv.busy = true
		epoch := dv.epoch
		n := int(a.info.DataLength) - upgradefile.StoreHeaderSize
		dv.store.Hash(a.handle, upgradefile.StoreHeaderSize, n, func(sum [sha256.Size]byte, err error) {
			if epoch != dv.epoch {
				return
			}
			dv.busy = false
			if err != nil {
				dv.cb.OnError(err, "hash partition")
				dv.transferFailed(NewCodeError(ErrStorage, ErrorOEMValidationFailedMemory, err.Error()))
				dv.flush()
				return
			}
			dv.sum.Accumulate(sum)
			dv.progress.Complete()
			dv.cb.OnEvent(PartitionWrittenEvent{
				Info:    a.info,
				Target:  PartitionTarget{Type: a.handle.Type, ID: a.handle.ID},
				Digest:  sum,
				RawTail: a.rawTail,
			})
			dv.pump()
			dv.flush()
		})

	case actVerify:
		expected := dv.sum.Bytes()
		if a.offset+len(a.chunk) > len(expected) {
			dv.transferFailed(transferError(ErrorBadLengthSignature, "signature overrun"))
			return
		}
		for i, b := range a.chunk {
			if expected[a.offset+i] != b {
				dv.transferFailed(transferError(ErrorOEMValidationFailedFooter,
					"signature mismatch at byte %d", a.offset+i))
				return
			}
		}

	case actFooterReceived:
		dv.cb.OnEvent(FooterReceivedEvent{Raw: a.raw})

	case actComplete:
		if a.signed && !dv.lastFlag {
			dv.transferFailed(transferError(ErrorFileTooBig, "signature ended without the final flag"))
			return
		}
		dv.validated = true
		dv.state = StateReady
		dv.resume.ResumePoint = ResumePreReboot
		dv.persist()
		dv.send(TransferCompleteInd())
		dv.cb.OnEvent(ValidatedEvent{})
		if len(dv.inbox) > 0 {
			dv.sendError(ErrorFileTooBig)
		}
	}
}

func (dv *Device) openPartition(a actOpen) {
	target := PartitionTarget{Type: a.info.Type, ID: a.info.ID}
	if a.info.Type == upgradefile.PartitionApplication {
		target.ID = dv.targetSlot()
	}
	target = dv.cb.OnPartitionOpen(a.info, target)

	enc, err := upgradefile.EncodeSize(a.info.DataLength)
	if err != nil {
		code := ErrorPartitionSizeMismatch
		if a.info.DataLength > upgradefile.MaxSizeTier3 {
			code = ErrorFileTooBig
		}
		dv.transferFailed(transferError(code, "partition of %d bytes: %v", a.info.DataLength, err))
		return
	}

	if target.Type == upgradefile.PartitionApplication {
		dv.resume.AppUpgraded = true
		dv.resume.TargetSlot = target.ID
	}

	dv.busy = true
	epoch := dv.epoch
	dv.store.Open(target.ID, target.Type, enc, func(h Handle, err error) {
		if epoch != dv.epoch {
			return
		}
		dv.busy = false
		if err != nil {
			dv.cb.OnError(err, "open partition")
			dv.transferFailed(NewCodeError(ErrStorage, ErrorPartitionOpenFailed, err.Error()))
			dv.flush()
			return
		}
		dv.parser.opened(h)
		dv.progress.Start(h.String(), int64(a.info.DataLength))
		dv.cb.OnEvent(PartitionOpenedEvent{Info: a.info, Target: target, Raw: a.raw})
		dv.pump()
		dv.flush()
	})
}

// transferFailed reports a validation error. The device stops requesting
// data and waits for the host to abort.
func (dv *Device) transferFailed(err error) {
	code := ErrorInternal1
	var e *Error
	if errors.As(err, &e) && e.Code != 0 {
		code = e.Code
	}
	dv.logger.Error("device: transfer failed in %s: %v", dv.parser.kind(), err)
	dv.parser.fail(code)
	dv.queue = nil
	dv.state = StateFailed
	if IsStorage(err) {
		dv.emitError(code, err)
	}
	dv.sendError(code)
}

// storageFailed aborts the transfer after a store write error.
func (dv *Device) storageFailed(err error, context string) {
	dv.logger.Error("device: %s: %v", context, err)
	dv.cb.OnError(err, context)
	dv.parser.fail(ErrorPartitionWriteFailedData)
	dv.queue = nil
	dv.state = StateAborted
	dv.emitError(ErrorPartitionWriteFailedData, NewCodeError(ErrStorage, ErrorPartitionWriteFailedData, err.Error()))
	dv.sendError(ErrorPartitionWriteFailedData)
}

func (dv *Device) emitError(code UpgradeError, err error) {
	dv.cb.OnEvent(ErrorEvent{Code: code, Err: err})
}

func (dv *Device) sendError(code UpgradeError) {
	dv.lastError = code
	dv.send(ErrorWarnInd(code))
}

func (dv *Device) releaseUpgrade() {
	if dv.registry != nil {
		dv.registry.Release(dv.peer)
	}
}

// requestDisconnect drops the link once the current event has been handled.
func (dv *Device) requestDisconnect() {
	dv.host.disconnect()
}

func (dv *Device) persist() {
	if err := SaveResume(dv.kv, dv.resume); err != nil {
		dv.logger.Error("device: %v", err)
		dv.cb.OnError(err, "persist resume state")
	}
}

func (dv *Device) clearResume() {
	dv.resume = ResumeRecord{}
	dv.persist()
}

// send queues an upgrade message for the host. Messages go out after the
// acknowledgement of the command being handled.
func (dv *Device) send(m Message) {
	dv.outbox = append(dv.outbox, m)
}

func (dv *Device) flush() {
	out := dv.outbox
	dv.outbox = nil
	for _, m := range out {
		if !dv.notes.Registered(gaia.EventVMUPacket) {
			dv.logger.Debug("device: host not registered, dropping %s", m.Opcode)
			continue
		}
		dv.logger.Debug("device: %s", FormatMessageLog("TX", m))
		if err := dv.d.Notify(gaia.EventVMUPacket, m.Bytes()); err != nil {
			dv.logger.Error("device: send %s: %v", m.Opcode, err)
		}
	}
}

func (dv *Device) ack(cmd gaia.CommandID, st gaia.Status, payload []byte) {
	if err := dv.d.Ack(cmd, st, payload); err != nil {
		dv.logger.Error("device: ack %s: %v", cmd, err)
	}
}

// BufferChannel is an in-memory data-transfer channel: received bytes are
// appended and reads return stored bytes.
type BufferChannel struct {
	buf []byte
}

func (c *BufferChannel) Receive(data []byte) error {
	c.buf = append(c.buf, data...)
	return nil
}

func (c *BufferChannel) Read(offset uint32, n int) ([]byte, error) {
	if int(offset) > len(c.buf) {
		return nil, errors.Errorf("offset %d beyond %d bytes", offset, len(c.buf))
	}
	end := min(int(offset)+n, len(c.buf))
	return c.buf[offset:end], nil
}
