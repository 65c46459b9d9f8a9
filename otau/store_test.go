package otau

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

func TestPartitionStores(t *testing.T) {
	fs, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	for name, ps := range map[string]PartitionStore{"memory": NewMemoryStore(), "file": fs} {
		t.Run(name, func(t *testing.T) {
			if _, err := ps.Find(0, upgradefile.PartitionRelay); errors.Cause(err) != ErrNotFound {
				t.Fatalf("Find on empty store: %v", err)
			}
			h, err := ps.Open(0, upgradefile.PartitionRelay, 0x0010)
			if err != nil {
				t.Fatal(err)
			}
			if err := ps.Write(h, []byte{1, 2, 3, 4}); err != nil {
				t.Fatal(err)
			}
			if err := ps.Write(h, []byte{5, 6}); err != nil {
				t.Fatal(err)
			}
			if got, err := ps.Find(0, upgradefile.PartitionRelay); err != nil || got != h {
				t.Fatalf("Find = %v, %v", got, err)
			}

			b, err := ps.Read(h, 0, 100)
			if err != nil {
				t.Fatal(err)
			}
			want := append(upgradefile.StoreHeader(0x0010, upgradefile.PartitionRelay, 0), 1, 2, 3, 4, 5, 6)
			if !bytes.Equal(b, want) {
				t.Errorf("read % X, want % X", b, want)
			}
			if b, _ := ps.Read(h, 9, 2); !bytes.Equal(b, []byte{2, 3}) {
				t.Errorf("read at 9: % X", b)
			}

			// Opening again erases.
			ps.Open(0, upgradefile.PartitionRelay, 0x0010)
			if b, _ := ps.Read(h, 0, 100); len(b) != upgradefile.StoreHeaderSize {
				t.Errorf("%d bytes after reopen", len(b))
			}
		})
	}
}

func TestHashPartition(t *testing.T) {
	ps := NewMemoryStore()
	h, _ := ps.Open(1, upgradefile.PartitionApplication, 0)
	data := testImage(5000)
	ps.Write(h, data)

	sum, err := HashPartition(ps, h, upgradefile.StoreHeaderSize, len(data))
	if err != nil {
		t.Fatal(err)
	}
	if sum != sha256.Sum256(data) {
		t.Error("digest mismatch")
	}
	if _, err := HashPartition(ps, h, upgradefile.StoreHeaderSize, len(data)+1); err == nil {
		t.Error("hash past the end succeeded")
	}
}

func TestAsyncStoreConfirmsOnLoop(t *testing.T) {
	q := &loopQueue{}
	mem := NewMemoryStore()
	s := syncStore(mem, q)

	var opened Handle
	var writeErr error
	confirmed := 0
	s.Open(2, upgradefile.PartitionRelay, 0, func(h Handle, err error) {
		opened = h
		confirmed++
	})
	mem.FailWrites = true
	s.Write(Handle{ID: 2, Type: upgradefile.PartitionRelay}, []byte{1, 2}, func(err error) {
		writeErr = err
		confirmed++
	})
	if confirmed != 0 {
		t.Fatal("confirmation ran before the loop")
	}
	q.drain()
	if confirmed != 2 || opened.ID != 2 || writeErr == nil {
		t.Errorf("confirmed %d, opened %v, write error %v", confirmed, opened, writeErr)
	}

	b, err := s.BlockRead(opened, 1, 2)
	if err != nil || len(b) != 4 {
		t.Errorf("BlockRead = % X, %v", b, err)
	}
}

func TestStageFile(t *testing.T) {
	mem := NewMemoryStore()
	f, _ := testFile(t, testImage(33), true)
	desc, err := StageFile(mem, f, 0, 1, testCap)
	if err != nil {
		t.Fatal(err)
	}
	if desc.StoreID != 1 || desc.StoreType != upgradefile.PartitionRelay || !desc.Valid() {
		t.Fatalf("descriptor %+v", desc)
	}
	if len(desc.Header) != upgradefile.HeaderImageSize {
		t.Errorf("header of %d bytes", len(desc.Header))
	}
	// A one-partition file keeps its signature.
	if !bytes.Equal(desc.Footer, upgradefile.FooterBytes(f.Signature)) {
		t.Errorf("footer % X", desc.Footer)
	}
	if _, err := StageFile(mem, f, 1, 0, testCap); err == nil {
		t.Error("staged a missing partition")
	}
}
