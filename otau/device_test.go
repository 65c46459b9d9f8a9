package otau

import (
	"bytes"
	"testing"

	"github.com/thristram/go-gaia-otau/codec"
	"github.com/thristram/go-gaia-otau/gaia"
	"github.com/thristram/go-gaia-otau/upgradefile"
)

func TestDeviceTransferSequence(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.connect()

	h.send(SyncReq(0x12345678))
	msgs := h.expect(OpSyncCfm)
	cfm, err := msgs[0].SyncConfirm()
	if err != nil {
		t.Fatal(err)
	}
	if cfm != (SyncConfirm{Resume: ResumeStart, ID: 0x12345678, Version: ProtocolVersion}) {
		t.Fatalf("SYNC_CFM = %+v", cfm)
	}

	h.send(StartReq())
	msgs = h.expect(OpStartCfm)
	sc, _ := msgs[0].StartConfirm()
	if sc.Status != 0 || sc.BatteryMV != 3700 {
		t.Fatalf("START_CFM = %+v", sc)
	}

	h.send(StartDataReq())
	h.expectBytesReq(8)
	h.send(Data(false, []byte(upgradefile.HeaderID)))
	h.expectBytesReq(4)
	h.send(Data(false, []byte{0, 0, 0, 14}))
	h.expectBytesReq(14)

	body := testHeader().MarshalBody()
	h.send(Data(false, body[:12]))
	h.expect()
	h.send(Data(false, body[12:]))
	h.expectBytesReq(8)

	p, err := upgradefile.NewPartition(upgradefile.PartitionApplication, 0, testImage(16))
	if err != nil {
		t.Fatal(err)
	}
	ph := p.HeaderBytes()
	h.send(Data(false, ph[:8]))
	h.expectBytesReq(8)
	h.send(Data(false, ph[8:]))
	h.expectBytesReq(12)
	h.send(Data(false, p.Data[:12]))
	h.expectBytesReq(12)
	h.send(Data(false, p.Data[12:]))
	h.expectBytesReq(8)

	h.send(Data(false, []byte(upgradefile.FooterID)))
	h.expectBytesReq(4)
	h.send(Data(true, []byte{0, 0, 0, 0}))
	h.expect(OpTransferCompleteInd)

	if h.dev.State() != StateReady {
		t.Errorf("state = %s, want Ready", h.dev.State())
	}
	if h.dev.Resume().ResumePoint != ResumePreReboot {
		t.Errorf("resume = %s, want pre-reboot", h.dev.Resume().ResumePoint)
	}

	enc, _ := upgradefile.EncodeSize(p.DataLength())
	want := append(upgradefile.StoreHeader(enc, upgradefile.PartitionApplication, 1), upgradefile.StorageImage(p.Data, testCap)...)
	got := h.mem.Contents(Handle{ID: 1, Type: upgradefile.PartitionApplication})
	if !bytes.Equal(got, want) {
		t.Errorf("stored partition\n got % X\nwant % X", got, want)
	}
	for _, kind := range []EventKind{EventSync, EventUpgradeStarted, EventHeaderReceived, EventPartitionOpened, EventPartitionWritten, EventFooterReceived, EventValidated} {
		if !h.hasEvent(kind) {
			t.Errorf("missing event kind %d", kind)
		}
	}
}

func TestDeviceUpgradeRebootCommit(t *testing.T) {
	kv := NewMemoryKV()
	platform := NewSimulatedPlatform(3700)
	h := newDeviceHarness(t, deviceSetup{kv: kv, platform: platform})

	_, file := testFile(t, testImage(40), true)
	h.begin(0x0BADF00D)
	other := h.stream(file)
	if !sameOpcodes(opcodes(other), []Opcode{OpTransferCompleteInd}) {
		t.Fatalf("transfer ended with %v", opcodes(other))
	}

	h.send(TransferCompleteRes(ActionContinue))
	if platform.Running() != 1 {
		t.Fatalf("running slot %d after reboot, want 1", platform.Running())
	}
	rec, err := LoadResume(kv)
	if err != nil {
		t.Fatal(err)
	}
	if rec.ResumePoint != ResumePostReboot || !rec.AppUpgraded || rec.TargetSlot != 1 {
		t.Fatalf("persisted %+v", rec)
	}

	h.dev.restart()
	h.dev.connectedLink()
	if !h.timers.isRunning(TimerCommit) {
		t.Fatal("commit timer not running after reboot into new image")
	}

	h.connect()
	h.send(SyncReq(0x0BADF00D))
	msgs := h.expect(OpSyncCfm)
	cfm, _ := msgs[0].SyncConfirm()
	if cfm.Resume != ResumePostReboot {
		t.Fatalf("resume after reboot = %s", cfm.Resume)
	}
	h.send(InProgressRes(ActionContinue))
	h.expect(OpCommitReq)
	h.send(CommitCfm(ActionContinue))
	h.expect(OpCompleteInd)

	if h.dev.State() != StateCompleted {
		t.Errorf("state = %s, want Completed", h.dev.State())
	}
	if h.timers.isRunning(TimerCommit) {
		t.Error("commit timer still running")
	}
	if _, next, _ := platform.BootSlots(); next != 1 {
		t.Errorf("next boot slot = %d, want 1", next)
	}
	if rec, _ := LoadResume(kv); rec.InProgressID != 0 || rec.ResumePoint != ResumeStart {
		t.Errorf("resume record not cleared: %+v", rec)
	}
}

func TestDeviceRunOnceFailureStaysBeforeReboot(t *testing.T) {
	kv := NewMemoryKV()
	platform := NewSimulatedPlatform(3700)
	h := newDeviceHarness(t, deviceSetup{kv: kv, platform: platform, cb: &Callbacks{
		// The simulated platform has no slot 5, so RunOnce fails.
		OnPartitionOpen: func(_ PartitionInfo, target PartitionTarget) PartitionTarget {
			target.ID = 5
			return target
		},
	}})

	_, file := testFile(t, testImage(40), true)
	h.begin(0x0BADF00D)
	if other := h.stream(file); !sameOpcodes(opcodes(other), []Opcode{OpTransferCompleteInd}) {
		t.Fatalf("transfer ended with %v", opcodes(other))
	}

	h.send(TransferCompleteRes(ActionContinue))
	h.expectError(ErrorUpdateFailed)
	if h.dev.State() != StateReady {
		t.Errorf("state = %s, want Ready", h.dev.State())
	}
	if got := h.dev.Resume().ResumePoint; got != ResumePreReboot {
		t.Errorf("resume = %s, want pre-reboot", got)
	}
	if rec, _ := LoadResume(kv); rec.ResumePoint != ResumePreReboot {
		t.Errorf("persisted resume = %s, want pre-reboot", rec.ResumePoint)
	}
	if platform.Running() != 0 {
		t.Errorf("running slot %d, want 0", platform.Running())
	}

	h.send(InProgressRes(ActionContinue))
	if st := h.status(); st != gaia.StatusIncorrectState {
		t.Errorf("IN_PROGRESS_RES without reboot acked %s", st)
	}
	h.send(CommitCfm(ActionContinue))
	if st := h.status(); st != gaia.StatusIncorrectState {
		t.Errorf("COMMIT_CFM without reboot acked %s", st)
	}
	if h.dev.State() == StateCompleted || h.hasEvent(EventCommitted) {
		t.Error("device committed an image it never booted")
	}
	if _, next, _ := platform.BootSlots(); next != 0 {
		t.Errorf("next boot slot = %d, want 0", next)
	}
}

func TestDeviceCommitTimeoutRollsBack(t *testing.T) {
	platform := NewSimulatedPlatform(3700)
	platform.RunOnce(1)
	platform.Reboot()
	kv := NewMemoryKV()
	SaveResume(kv, ResumeRecord{InProgressID: 7, ResumePoint: ResumePostReboot, AppUpgraded: true, TargetSlot: 1})

	h := newDeviceHarness(t, deviceSetup{kv: kv, platform: platform})
	if !h.timers.isRunning(TimerCommit) {
		t.Fatal("commit timer not started")
	}
	h.dev.timerExpired(TimerCommit)

	if platform.Running() != 0 {
		t.Errorf("running slot %d after rollback, want 0", platform.Running())
	}
	if !h.hasEvent(EventRolledBack) {
		t.Error("no rollback event")
	}
	if rec, _ := LoadResume(kv); rec.InProgressID != 0 {
		t.Errorf("resume record not cleared: %+v", rec)
	}
}

func TestDeviceDetectsBootloaderFallback(t *testing.T) {
	kv := NewMemoryKV()
	SaveResume(kv, ResumeRecord{InProgressID: 7, ResumePoint: ResumePostReboot, AppUpgraded: true, TargetSlot: 1})

	h := newDeviceHarness(t, deviceSetup{kv: kv})
	if h.timers.isRunning(TimerCommit) {
		t.Error("commit timer started on old image")
	}
	if !h.hasEvent(EventRolledBack) || !h.hasEvent(EventError) {
		t.Error("fallback not reported")
	}
	if h.dev.Resume().ResumePoint != ResumeStart {
		t.Errorf("resume = %s", h.dev.Resume().ResumePoint)
	}
}

func TestDevicePreValidateRestartsTransfer(t *testing.T) {
	kv := NewMemoryKV()
	SaveResume(kv, ResumeRecord{InProgressID: 9, ResumePoint: ResumePreValidate})

	h := newDeviceHarness(t, deviceSetup{kv: kv})
	h.connect()
	h.send(SyncReq(9))
	msgs := h.expect(OpSyncCfm)
	if cfm, _ := msgs[0].SyncConfirm(); cfm.Resume != ResumeStart {
		t.Errorf("resume = %s, want start", cfm.Resume)
	}
}

func TestDeviceSyncIDMismatch(t *testing.T) {
	kv := NewMemoryKV()
	SaveResume(kv, ResumeRecord{InProgressID: 0x1111, ResumePoint: ResumeStart})

	h := newDeviceHarness(t, deviceSetup{kv: kv})
	h.connect()
	h.send(SyncReq(0x2222))
	msgs := h.expect(OpErrorWarnInd)
	if code, _ := msgs[0].ErrorCode(); code != WarnSyncIDIsDifferent {
		t.Errorf("code = %s", code)
	}
	if h.dev.TransferState() != DataHeaderID {
		t.Errorf("transfer state = %s", h.dev.TransferState())
	}
	if h.dev.State() != StateWaitForHost || h.dev.Resume().InProgressID != 0x1111 {
		t.Errorf("state %s resume %+v", h.dev.State(), h.dev.Resume())
	}

	// The host clears the stale upgrade and syncs again.
	h.send(ErrorWarnRes())
	h.send(AbortReq())
	h.expect(OpAbortCfm)
	h.send(SyncReq(0x2222))
	h.expect(OpSyncCfm)
}

func TestDeviceZeroSyncID(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.connect()
	h.send(SyncReq(0))
	h.expectError(ErrorInvalidSyncID)
}

func TestDeviceHeldForApplication(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{cb: &Callbacks{
		OnSyncRequest: func(uint32) bool { return false },
	}})
	h.connect()
	h.send(SyncReq(5))
	h.expect()
	if h.dev.State() != StateWaitForDevice {
		t.Fatalf("state = %s", h.dev.State())
	}
	h.dev.ContinueUpgrade()
	h.expect(OpSyncCfm)
}

func TestDeviceRejectsOutOfOrder(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
	}{
		{"start data before sync", StartDataReq()},
		{"data before start", Data(false, []byte("APPUHDR4"))},
		{"commit without upgrade", CommitCfm(ActionContinue)},
		{"transfer complete while idle", TransferCompleteRes(ActionContinue)},
		{"in progress without reboot", InProgressRes(ActionContinue)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newDeviceHarness(t, deviceSetup{})
			h.connect()
			h.send(tt.msg)
			if st := h.status(); st != gaia.StatusIncorrectState {
				t.Errorf("status = %s", st)
			}
			if h.dev.State() != StateWaitForHost {
				t.Errorf("state = %s", h.dev.State())
			}
		})
	}
}

func TestDeviceControlBeforeConnect(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.command(gaia.CommandVMUpgradeControl, SyncReq(1).Bytes())
	if st := h.status(); st != gaia.StatusIncorrectState {
		t.Errorf("status = %s", st)
	}
}

func TestDeviceAbortOnCommittedImage(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.begin(3)
	h.expectBytesReq(8)

	h.send(AbortReq())
	h.expect(OpAbortCfm)
	if h.link.disconnects != 0 || h.host.drop {
		t.Error("disconnect scheduled on a committed image")
	}
	if h.dev.State() != StateWaitForHost {
		t.Errorf("state = %s", h.dev.State())
	}
	if h.dev.Resume().InProgressID != 0 {
		t.Errorf("resume not cleared: %+v", h.dev.Resume())
	}
}

func TestDeviceAbortOnNewImageRollsBack(t *testing.T) {
	platform := NewSimulatedPlatform(3700)
	platform.RunOnce(1)
	platform.Reboot()

	h := newDeviceHarness(t, deviceSetup{platform: platform})
	if !h.dev.isNewApp() {
		t.Fatal("isNewApp() = false")
	}
	h.connect()
	h.send(SyncReq(3))
	h.expect(OpSyncCfm)
	h.send(AbortReq())
	h.expect(OpAbortCfm)

	if platform.Running() != 0 {
		t.Errorf("running slot %d, want rollback to 0", platform.Running())
	}
	if !h.hasEvent(EventRolledBack) {
		t.Error("no rollback event")
	}
}

func TestDeviceValidationErrors(t *testing.T) {
	tests := []struct {
		name  string
		feed  func(h *deviceHarness)
		code  UpgradeError
		state DeviceState
	}{
		{
			name: "bad header id",
			feed: func(h *deviceHarness) {
				h.send(Data(false, []byte("APPUHDR9")))
			},
			code:  ErrorOEMValidationFailedHeaders,
			state: StateFailed,
		},
		{
			name: "header too short",
			feed: func(h *deviceHarness) {
				h.send(Data(false, []byte(upgradefile.HeaderID)))
				h.take()
				h.send(Data(false, []byte{0, 0, 0, 4}))
			},
			code:  ErrorBadLengthUpgradeHeader,
			state: StateFailed,
		},
		{
			name: "file too small",
			feed: func(h *deviceHarness) {
				h.send(Data(false, []byte(upgradefile.HeaderID)))
				h.take()
				h.send(Data(true, []byte{0, 0}))
			},
			code:  ErrorFileTooSmall,
			state: StateFailed,
		},
		{
			name: "unknown section",
			feed: func(h *deviceHarness) {
				hdr := testHeader().HeaderBytes()
				for off := 0; off < len(hdr); off += testCap {
					h.send(Data(false, hdr[off:min(off+testCap, len(hdr))]))
				}
				h.send(Data(false, []byte("GARBAGE!")))
			},
			code:  ErrorUnknownID,
			state: StateFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newDeviceHarness(t, deviceSetup{})
			h.begin(1)
			h.expectBytesReq(8)
			tt.feed(h)
			h.expectError(tt.code)
			if h.dev.State() != tt.state {
				t.Errorf("state = %s, want %s", h.dev.State(), tt.state)
			}

			// The device waits for the host to abort.
			h.send(Data(false, []byte{0, 0}))
			if st := h.status(); st != gaia.StatusIncorrectState {
				t.Errorf("data after failure acked %s", st)
			}
			h.send(AbortReq())
			h.expect(OpAbortCfm)
			if h.dev.State() != StateWaitForHost {
				t.Errorf("state after abort = %s", h.dev.State())
			}
		})
	}
}

func TestDeviceFileTooBig(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	_, file := testFile(t, testImage(16), false)
	h.begin(1)

	// Everything but the footer length, then the length with trailing bytes.
	body := file[:len(file)-upgradefile.LengthFieldSize]
	h.streamData(body, false)
	h.send(Data(true, []byte{0, 0, 0, 0, 0xAA, 0xBB}))

	msgs, _ := h.take()
	if !sameOpcodes(opcodes(msgs), []Opcode{OpTransferCompleteInd, OpErrorWarnInd}) {
		t.Fatalf("sent %v", opcodes(msgs))
	}
	if code, _ := msgs[1].ErrorCode(); code != ErrorFileTooBig {
		t.Errorf("code = %s", code)
	}
}

func TestDeviceSignature(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		h := newDeviceHarness(t, deviceSetup{})
		_, file := testFile(t, testImage(50), true)
		h.begin(1)
		other := h.stream(file)
		if !sameOpcodes(opcodes(other), []Opcode{OpTransferCompleteInd}) {
			t.Fatalf("sent %v", opcodes(other))
		}
	})

	t.Run("corrupt", func(t *testing.T) {
		h := newDeviceHarness(t, deviceSetup{})
		_, file := testFile(t, testImage(50), true)
		file[len(file)-1] ^= 0xFF
		h.begin(1)
		other := h.stream(file)
		if len(other) != 1 || other[0].Opcode != OpErrorWarnInd {
			t.Fatalf("sent %v", opcodes(other))
		}
		if code, _ := other[0].ErrorCode(); code != ErrorOEMValidationFailedFooter {
			t.Errorf("code = %s", code)
		}
	})

	t.Run("no final flag", func(t *testing.T) {
		h := newDeviceHarness(t, deviceSetup{})
		_, file := testFile(t, testImage(50), true)
		h.begin(1)
		other := h.streamData(file, false)
		if len(other) != 1 || other[0].Opcode != OpErrorWarnInd {
			t.Fatalf("sent %v", opcodes(other))
		}
		if code, _ := other[0].ErrorCode(); code != ErrorFileTooBig {
			t.Errorf("code = %s", code)
		}
		if h.hasEvent(EventValidated) {
			t.Error("validated without the final flag")
		}
	})
}

func TestDeviceWriteFailure(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.mem.FailWrites = true
	_, file := testFile(t, testImage(30), false)
	h.begin(1)
	other := h.stream(file)

	if len(other) != 1 || other[0].Opcode != OpErrorWarnInd {
		t.Fatalf("sent %v", opcodes(other))
	}
	if code, _ := other[0].ErrorCode(); code != ErrorPartitionWriteFailedData {
		t.Errorf("code = %s", code)
	}
	if h.dev.State() != StateAborted {
		t.Errorf("state = %s, want Aborted", h.dev.State())
	}
	if !h.hasEvent(EventError) {
		t.Error("storage error not reported to the application")
	}
}

func TestDeviceHeaderRejectedByApplication(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{cb: &Callbacks{
		OnValidateHeader: func(c HeaderChunk) bool { return c.Section != SectionPartitionHeader },
	}})
	_, file := testFile(t, testImage(16), false)
	h.begin(1)
	other := h.stream(file)
	if len(other) != 1 {
		t.Fatalf("sent %v", opcodes(other))
	}
	if code, _ := other[0].ErrorCode(); code != ErrorOEMValidationFailedPartitionHd1 {
		t.Errorf("code = %s", code)
	}
}

func TestDeviceRegistryExclusive(t *testing.T) {
	reg := NewDeviceRegistry()
	a := newDeviceHarness(t, deviceSetup{registry: reg, peer: "a"})
	b := newDeviceHarness(t, deviceSetup{registry: reg, peer: "b"})

	a.begin(1)
	a.expectBytesReq(8)
	if peer, ok := reg.Active(); !ok || peer != "a" {
		t.Fatalf("active = %q, %v", peer, ok)
	}

	b.connect()
	b.send(SyncReq(2))
	if st := b.status(); st != gaia.StatusIncorrectState {
		t.Errorf("second peer sync acked %s", st)
	}

	a.send(AbortReq())
	a.expect(OpAbortCfm)
	b.send(SyncReq(2))
	b.expect(OpSyncCfm)
}

func TestDeviceStatusCommands(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.command(gaia.CommandGetCurrentBatteryLevel, nil)
	f, err := gaia.Decode(h.link.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if st, _ := f.Status(); st != gaia.StatusSuccess || codec.U16(f.Payload[1:]) != 3700 {
		t.Errorf("battery reply = % X", f.Payload)
	}
}

func TestDeviceResetRefusedInFlight(t *testing.T) {
	h := newDeviceHarness(t, deviceSetup{})
	h.begin(1)
	h.take()
	h.command(gaia.CommandDeviceReset, nil)
	_, acks := h.take()
	if len(acks) != 1 || acks[0].status != gaia.StatusIncorrectState {
		t.Errorf("acks = %+v", acks)
	}
}
