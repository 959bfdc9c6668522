package receiver

import (
	"errors"
	"sync"
	"time"

	"github.com/danmuck/ingestctl/internal/stream"
)

var ErrBlockExists = errors.New("receiver: block already stored")

// Record is one unit of received data.
type Record struct {
	Offset     int64
	Key        []byte
	Value      []byte
	ReceivedAt time.Time
}

// BlockStore keeps the records behind each reported block ref.
type BlockStore interface {
	Put(ref stream.BlockRef, records []Record) error
	Get(ref stream.BlockRef) ([]Record, bool)
	Delete(ref stream.BlockRef)
}

// MemoryStore is a process-local BlockStore.
type MemoryStore struct {
	mu     sync.RWMutex
	blocks map[stream.BlockRef][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{blocks: make(map[stream.BlockRef][]Record)}
}

func (s *MemoryStore) Put(ref stream.BlockRef, records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.blocks[ref]; ok {
		return ErrBlockExists
	}
	owned := make([]Record, len(records))
	copy(owned, records)
	s.blocks[ref] = owned
	return nil
}

func (s *MemoryStore) Get(ref stream.BlockRef) ([]Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records, ok := s.blocks[ref]
	return records, ok
}

func (s *MemoryStore) Delete(ref stream.BlockRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocks, ref)
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}
