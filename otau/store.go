package otau

import (
	"crypto/sha256"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"github.com/thristram/go-gaia-otau/upgradefile"
)

// Handle identifies an opened partition.
type Handle struct {
	ID   uint16
	Type PartitionType
}

func (h Handle) String() string {
	return fmt.Sprintf("%s/%d", h.Type, h.ID)
}

// PartitionStore is a synchronous partition backend. Partition content
// starts with the 8-byte store header written by Open.
type PartitionStore interface {
	// Find returns the handle of an existing partition or ErrNotFound.
	Find(id uint16, typ PartitionType) (Handle, error)

	// Open erases the partition and writes its store header.
	Open(id uint16, typ PartitionType, encodedSize uint16) (Handle, error)

	// Write appends data.
	Write(h Handle, data []byte) error

	// Read returns up to n bytes from off. It is short only at the end of
	// the partition.
	Read(h Handle, off, n int) ([]byte, error)
}

// Store is the asynchronous partition interface used by the engines.
// Confirmations are delivered on the session loop.
type Store interface {
	Find(id uint16, typ PartitionType) (Handle, error)
	Open(id uint16, typ PartitionType, encodedSize uint16, done func(Handle, error))
	Write(h Handle, data []byte, done func(error))
	Hash(h Handle, off, n int, done func([sha256.Size]byte, error))

	// BlockRead reads words 16-bit words starting at wordOffset. The result
	// is short at the end of the partition.
	BlockRead(h Handle, wordOffset, words int) ([]byte, error)
}

// HashPartition digests n bytes of a partition starting at off.
func HashPartition(ps PartitionStore, h Handle, off, n int) ([sha256.Size]byte, error) {
	var sum [sha256.Size]byte
	hw := sha256.New()
	if err := copyPartition(hw, ps, h, off, n); err != nil {
		return sum, err
	}
	copy(sum[:], hw.Sum(nil))
	return sum, nil
}

func copyPartition(w hash.Hash, ps PartitionStore, h Handle, off, n int) error {
	const block = 4096
	for n > 0 {
		k := n
		if k > block {
			k = block
		}
		b, err := ps.Read(h, off, k)
		if err != nil {
			return err
		}
		if len(b) < k {
			return errors.Wrapf(io.ErrUnexpectedEOF, "hash %s at %d", h, off)
		}
		w.Write(b)
		off += k
		n -= k
	}
	return nil
}

// AsyncStore runs a PartitionStore off the session loop and posts
// confirmations back to it.
type AsyncStore struct {
	backend PartitionStore
	post    func(func())
	run     func(func())
}

// NewAsyncStore wraps backend. post must deliver a function to the session
// loop, e.g. Session.Post.
func NewAsyncStore(backend PartitionStore, post func(func())) *AsyncStore {
	return &AsyncStore{
		backend: backend,
		post:    post,
		run:     func(f func()) { go f() },
	}
}

// Backend returns the wrapped store.
func (s *AsyncStore) Backend() PartitionStore {
	return s.backend
}

func (s *AsyncStore) Find(id uint16, typ PartitionType) (Handle, error) {
	return s.backend.Find(id, typ)
}

func (s *AsyncStore) Open(id uint16, typ PartitionType, encodedSize uint16, done func(Handle, error)) {
	s.run(func() {
		h, err := s.backend.Open(id, typ, encodedSize)
		s.post(func() { done(h, err) })
	})
}

func (s *AsyncStore) Write(h Handle, data []byte, done func(error)) {
	buf := make([]byte, len(data))
	copy(buf, data)
	s.run(func() {
		err := s.backend.Write(h, buf)
		s.post(func() { done(err) })
	})
}

func (s *AsyncStore) Hash(h Handle, off, n int, done func([sha256.Size]byte, error)) {
	s.run(func() {
		sum, err := HashPartition(s.backend, h, off, n)
		s.post(func() { done(sum, err) })
	})
}

func (s *AsyncStore) BlockRead(h Handle, wordOffset, words int) ([]byte, error) {
	return s.backend.Read(h, wordOffset*2, words*2)
}

// MemoryStore keeps partitions in memory.
type MemoryStore struct {
	mu    sync.Mutex
	parts map[Handle][]byte

	// FailWrites makes every Write fail, for exercising error paths.
	FailWrites bool
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{parts: make(map[Handle][]byte)}
}

func (s *MemoryStore) Find(id uint16, typ PartitionType) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{ID: id, Type: typ}
	if _, ok := s.parts[h]; !ok {
		return Handle{}, errors.Wrapf(ErrNotFound, "partition %s", h)
	}
	return h, nil
}

func (s *MemoryStore) Open(id uint16, typ PartitionType, encodedSize uint16) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{ID: id, Type: typ}
	s.parts[h] = upgradefile.StoreHeader(encodedSize, typ, id)
	return h, nil
}

func (s *MemoryStore) Write(h Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[h]
	if !ok {
		return errors.Wrapf(ErrNotFound, "write %s", h)
	}
	if s.FailWrites {
		return errors.Errorf("write %s: simulated failure", h)
	}
	s.parts[h] = append(p, data...)
	return nil
}

func (s *MemoryStore) Read(h Handle, off, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[h]
	if !ok {
		return nil, errors.Wrapf(ErrNotFound, "read %s", h)
	}
	if off < 0 || off > len(p) {
		return nil, errors.Errorf("read %s: offset %d beyond %d bytes", h, off, len(p))
	}
	end := off + n
	if end > len(p) {
		end = len(p)
	}
	out := make([]byte, end-off)
	copy(out, p[off:end])
	return out, nil
}

// Contents returns a copy of a partition including its store header.
func (s *MemoryStore) Contents(h Handle) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.parts[h]...)
}

// FileStore keeps one file per partition in a directory.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "create store %s", dir)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(h Handle) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%d.part", h.Type, h.ID))
}

func (s *FileStore) Find(id uint16, typ PartitionType) (Handle, error) {
	h := Handle{ID: id, Type: typ}
	if _, err := os.Stat(s.path(h)); err != nil {
		if os.IsNotExist(err) {
			return Handle{}, errors.Wrapf(ErrNotFound, "partition %s", h)
		}
		return Handle{}, errors.Wrapf(err, "stat %s", h)
	}
	return h, nil
}

func (s *FileStore) Open(id uint16, typ PartitionType, encodedSize uint16) (Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := Handle{ID: id, Type: typ}
	err := os.WriteFile(s.path(h), upgradefile.StoreHeader(encodedSize, typ, id), 0644)
	return h, errors.Wrapf(err, "open %s", h)
}

func (s *FileStore) Write(h Handle, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path(h), os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return errors.Wrapf(err, "write %s", h)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrapf(err, "write %s", h)
	}
	return errors.Wrapf(f.Close(), "close %s", h)
}

func (s *FileStore) Read(h Handle, off, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path(h))
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", h)
	}
	defer f.Close()

	buf := make([]byte, n)
	k, err := f.ReadAt(buf, int64(off))
	if err != nil && err != io.EOF {
		return nil, errors.Wrapf(err, "read %s at %d", h, off)
	}
	return buf[:k], nil
}
