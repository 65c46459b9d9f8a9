package otau

import (
	"bytes"
	"testing"
	"time"

	"github.com/pkg/errors"
)

func TestMessageEncoding(t *testing.T) {
	tests := []struct {
		name string
		msg  Message
		want []byte
	}{
		{"sync req", SyncReq(0x01020304), []byte{0x13, 0x00, 0x04, 0x01, 0x02, 0x03, 0x04}},
		{"start req", StartReq(), []byte{0x01, 0x00, 0x00}},
		{"data last", Data(true, []byte{0xAA, 0xBB}), []byte{0x04, 0x00, 0x03, 0x01, 0xAA, 0xBB}},
		{"data bytes req", DataBytesReq(12), []byte{0x03, 0x00, 0x08, 0, 0, 0, 12, 0, 0, 0, 0}},
		{"sync cfm", SyncCfm(ResumePostReboot, 7), []byte{0x14, 0x00, 0x06, 0x03, 0, 0, 0, 7, ProtocolVersion}},
		{"start cfm", StartCfm(0, 3700), []byte{0x02, 0x00, 0x03, 0x00, 0x0E, 0x74}},
		{"validation cfm", IsValidationDoneCfm(500 * time.Millisecond), []byte{0x17, 0x00, 0x02, 0x01, 0xF4}},
		{"error ind", ErrorWarnInd(WarnSyncIDIsDifferent), []byte{0x11, 0x00, 0x02, 0x00, 0x81}},
		{"commit cfm", CommitCfm(ActionAbort), []byte{0x10, 0x00, 0x01, 0x01}},
	}
	for _, tt := range tests {
		if got := tt.msg.Bytes(); !bytes.Equal(got, tt.want) {
			t.Errorf("%s: % X, want % X", tt.name, got, tt.want)
		}
	}
}

func TestDecodeMessage(t *testing.T) {
	m, err := DecodeMessage([]byte{0x14, 0x00, 0x06, 0x01, 0xDE, 0xAD, 0xBE, 0xEF, 0x03})
	if err != nil {
		t.Fatal(err)
	}
	cfm, err := m.SyncConfirm()
	if err != nil {
		t.Fatal(err)
	}
	if cfm != (SyncConfirm{Resume: ResumePreValidate, ID: 0xDEADBEEF, Version: 3}) {
		t.Errorf("got %+v", cfm)
	}

	d, err := Data(false, []byte{1, 2, 3}).DataPacket()
	if err != nil || d.Last || !bytes.Equal(d.Data, []byte{1, 2, 3}) {
		t.Errorf("data packet %+v, %v", d, err)
	}
	b, _ := IsValidationDoneCfm(250 * time.Millisecond).Backoff()
	if b != 250*time.Millisecond {
		t.Errorf("backoff %s", b)
	}
}

func TestDecodeMessageErrors(t *testing.T) {
	tests := []struct {
		name string
		in   []byte
	}{
		{"short header", []byte{0x13, 0x00}},
		{"length too long", []byte{0x13, 0x00, 0x05, 1, 2, 3, 4}},
		{"length too short", []byte{0x13, 0x00, 0x01, 1, 2}},
	}
	for _, tt := range tests {
		_, err := DecodeMessage(tt.in)
		var e *Error
		if !errors.As(err, &e) || e.Type != ErrProtocol {
			t.Errorf("%s: err = %v", tt.name, err)
		}
	}

	if _, err := (Message{Opcode: OpSyncCfm, Payload: []byte{1}}).SyncConfirm(); err == nil {
		t.Error("truncated SYNC_CFM accepted")
	}
	if _, err := (Message{Opcode: OpErrorWarnInd}).ErrorCode(); err == nil {
		t.Error("empty ERRORWARN_IND accepted")
	}
}

func TestChunkCap(t *testing.T) {
	tests := []struct {
		mtu, want int
	}{
		{20, 12},
		{21, 12},
		{23, 14},
		{9, 0},
		{256, 248},
	}
	for _, tt := range tests {
		if got := ChunkCap(tt.mtu); got != tt.want {
			t.Errorf("ChunkCap(%d) = %d, want %d", tt.mtu, got, tt.want)
		}
	}
}

func TestUpgradeErrorWarning(t *testing.T) {
	if !WarnSyncIDIsDifferent.IsWarning() {
		t.Error("sync id warning is not a warning")
	}
	if ErrorFileTooBig.IsWarning() {
		t.Error("file too big is a warning")
	}
}

func TestOpcodeString(t *testing.T) {
	if s := OpDataBytesReq.String(); s != "DATA_BYTES_REQ" {
		t.Errorf("got %q", s)
	}
	if s := Opcode(0x55).String(); s != "OPCODE_0x55" {
		t.Errorf("got %q", s)
	}
}
