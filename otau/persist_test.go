package otau

import (
	"bytes"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

func TestResumeRecordPersists(t *testing.T) {
	for name, kv := range map[string]KeyValue{
		"memory": NewMemoryKV(),
		"file":   mustFileKV(t),
	} {
		t.Run(name, func(t *testing.T) {
			rec, err := LoadResume(kv)
			if err != nil || rec != (ResumeRecord{}) {
				t.Fatalf("empty store: %+v, %v", rec, err)
			}

			want := ResumeRecord{InProgressID: 0xCAFE, ResumePoint: ResumeCommit, AppUpgraded: true, TargetSlot: 1}
			if err := SaveResume(kv, want); err != nil {
				t.Fatal(err)
			}
			got, err := LoadResume(kv)
			if err != nil {
				t.Fatal(err)
			}
			want.Version = resumeRecordVersion
			if got != want {
				t.Errorf("got %+v, want %+v", got, want)
			}

			if err := kv.Delete(ResumeKey); err != nil {
				t.Fatal(err)
			}
			if err := kv.Delete(ResumeKey); err != nil {
				t.Errorf("second delete: %v", err)
			}
		})
	}
}

func mustFileKV(t *testing.T) *FileKV {
	kv, err := NewFileKV(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return kv
}

func TestRelayRecordPersists(t *testing.T) {
	kv := mustFileKV(t)
	desc := PartitionDescriptor{
		StoreID:    1,
		StoreType:  upgradefile.PartitionRelay,
		DataLength: 4096,
		Header:     []byte("header"),
		Footer:     []byte("footer"),
		Digest:     bytes.Repeat([]byte{0xAB}, 32),
	}
	if err := SaveRelay(kv, RelayRecord{InProgressID: 5, Current: desc, CalculateHash: true}); err != nil {
		t.Fatal(err)
	}
	got, err := LoadRelay(kv)
	if err != nil {
		t.Fatal(err)
	}
	if got.InProgressID != 5 || !got.CalculateHash || got.Previous.Valid() {
		t.Errorf("got %+v", got)
	}
	if got.Current.StoreID != 1 || got.Current.DataLength != 4096 || !bytes.Equal(got.Current.Digest, desc.Digest) {
		t.Errorf("current %+v", got.Current)
	}
	if got.Current.Size() != 6+4096+6 {
		t.Errorf("size %d", got.Current.Size())
	}
}

func TestRecordVersionMismatch(t *testing.T) {
	kv := NewMemoryKV()
	data, err := cbor.Marshal(ResumeRecord{Version: 9, InProgressID: 1})
	if err != nil {
		t.Fatal(err)
	}
	kv.Put(ResumeKey, data)

	rec, err := LoadResume(kv)
	if errors.Cause(err) != ErrRecordVersion {
		t.Errorf("err = %v", err)
	}
	if rec.InProgressID != 0 {
		t.Errorf("record %+v returned with error", rec)
	}
}

func TestCorruptRecord(t *testing.T) {
	kv := NewMemoryKV()
	kv.Put(RelayKey, []byte{0xFF, 0x00})
	if _, err := LoadRelay(kv); err == nil {
		t.Error("corrupt record loaded")
	}
}
