package otau

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// KeyValue is durable storage for small records.
type KeyValue interface {
	// Get returns ErrNotFound for a missing key.
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}

// Record keys.
const (
	ResumeKey = "otau.resume"
	RelayKey  = "otau.relay"
)

// Record layout versions. A stored record with another version reads as
// empty.
const (
	resumeRecordVersion = 1
	relayRecordVersion  = 1
)

// ErrRecordVersion is returned when a stored record has an unknown layout.
var ErrRecordVersion = errors.New("otau: unsupported record version")

// ResumeRecord is the device state that survives a reset.
type ResumeRecord struct {
	Version      uint8       `cbor:"1,keyasint"`
	InProgressID uint32      `cbor:"2,keyasint"`
	ResumePoint  ResumePoint `cbor:"3,keyasint"`
	AppUpgraded  bool        `cbor:"4,keyasint,omitempty"`
	TargetSlot   uint16      `cbor:"5,keyasint,omitempty"`
}

// PartitionDescriptor locates a relayed partition and the file sections
// served around it.
type PartitionDescriptor struct {
	StoreID    uint16        `cbor:"1,keyasint"`
	StoreType  PartitionType `cbor:"2,keyasint"`
	DataLength uint32        `cbor:"3,keyasint"`

	// Header is the upgrade header followed by the partition header.
	Header []byte `cbor:"4,keyasint"`

	// Footer is the footer section including its signature.
	Footer []byte `cbor:"5,keyasint"`

	Digest []byte `cbor:"6,keyasint,omitempty"`

	// RawTail is the length of the odd final chunk stored unswapped.
	RawTail uint32 `cbor:"7,keyasint,omitempty"`
}

// Valid reports whether the descriptor names a stored partition.
func (p PartitionDescriptor) Valid() bool {
	return p.DataLength > 0 && len(p.Header) > 0 && len(p.Footer) > 0
}

// Size is the number of file bytes served for the descriptor.
func (p PartitionDescriptor) Size() int {
	return len(p.Header) + int(p.DataLength) + len(p.Footer)
}

// RelayRecord is the client state that survives a reset.
type RelayRecord struct {
	Version       uint8               `cbor:"1,keyasint"`
	InProgressID  uint32              `cbor:"2,keyasint"`
	ResumePoint   ResumePoint         `cbor:"3,keyasint"`
	Previous      PartitionDescriptor `cbor:"4,keyasint"`
	Current       PartitionDescriptor `cbor:"5,keyasint"`
	CommitDone    bool                `cbor:"6,keyasint,omitempty"`
	CalculateHash bool                `cbor:"7,keyasint,omitempty"`
}

// LoadResume reads the device record. A missing record is empty.
func LoadResume(kv KeyValue) (ResumeRecord, error) {
	var rec ResumeRecord
	ok, err := load(kv, ResumeKey, &rec)
	if err != nil || !ok {
		return ResumeRecord{}, err
	}
	if rec.Version != resumeRecordVersion {
		return ResumeRecord{}, errors.Wrapf(ErrRecordVersion, "%s version %d", ResumeKey, rec.Version)
	}
	return rec, nil
}

// SaveResume writes the device record.
func SaveResume(kv KeyValue, rec ResumeRecord) error {
	rec.Version = resumeRecordVersion
	return save(kv, ResumeKey, rec)
}

// LoadRelay reads the client record. A missing record is empty.
func LoadRelay(kv KeyValue) (RelayRecord, error) {
	var rec RelayRecord
	ok, err := load(kv, RelayKey, &rec)
	if err != nil || !ok {
		return RelayRecord{}, err
	}
	if rec.Version != relayRecordVersion {
		return RelayRecord{}, errors.Wrapf(ErrRecordVersion, "%s version %d", RelayKey, rec.Version)
	}
	return rec, nil
}

// SaveRelay writes the client record.
func SaveRelay(kv KeyValue, rec RelayRecord) error {
	rec.Version = relayRecordVersion
	return save(kv, RelayKey, rec)
}

func load(kv KeyValue, key string, v interface{}) (bool, error) {
	data, err := kv.Get(key)
	if errors.Cause(err) == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "load %s", key)
	}
	if err := cbor.Unmarshal(data, v); err != nil {
		return false, errors.Wrapf(err, "decode %s", key)
	}
	return true, nil
}

func save(kv KeyValue, key string, v interface{}) error {
	data, err := cbor.Marshal(v)
	if err != nil {
		return errors.Wrapf(err, "encode %s", key)
	}
	return errors.Wrapf(kv.Put(key, data), "store %s", key)
}

// MemoryKV is an in-memory KeyValue.
type MemoryKV struct {
	mu sync.Mutex
	m  map[string][]byte
}

// NewMemoryKV creates an empty MemoryKV.
func NewMemoryKV() *MemoryKV {
	return &MemoryKV{m: make(map[string][]byte)}
}

func (kv *MemoryKV) Get(key string) ([]byte, error) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	v, ok := kv.m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (kv *MemoryKV) Put(key string, value []byte) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.m[key] = append([]byte(nil), value...)
	return nil
}

func (kv *MemoryKV) Delete(key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.m, key)
	return nil
}

// FileKV stores each key in its own file. Writes go through a temporary
// file and a rename so a reset never leaves a torn record.
type FileKV struct {
	dir string
}

// NewFileKV creates the directory if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}
	return &FileKV{dir: dir}, nil
}

func (kv *FileKV) path(key string) string {
	return filepath.Join(kv.dir, key+".cbor")
}

func (kv *FileKV) Get(key string) ([]byte, error) {
	data, err := os.ReadFile(kv.path(key))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return data, errors.Wrapf(err, "read %s", key)
}

func (kv *FileKV) Put(key string, value []byte) error {
	f, err := os.CreateTemp(kv.dir, key+".*.tmp")
	if err != nil {
		return errors.Wrapf(err, "write %s", key)
	}
	tmp := f.Name()
	if _, err := f.Write(value); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "write %s", key)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return errors.Wrapf(err, "sync %s", key)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return errors.Wrapf(err, "close %s", key)
	}
	return errors.Wrapf(os.Rename(tmp, kv.path(key)), "commit %s", key)
}

func (kv *FileKV) Delete(key string) error {
	err := os.Remove(kv.path(key))
	if os.IsNotExist(err) {
		return nil
	}
	return errors.Wrapf(err, "delete %s", key)
}
