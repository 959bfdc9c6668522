package stream

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrStreamExists = errors.New("stream: stream already exists")
	ErrStreamNil    = errors.New("stream: stream is nil")
	ErrInvalidID    = errors.New("stream: invalid stream id")
)

// Set is the immutable collection of input streams a tracker serves.
type Set struct {
	items map[ID]InputStream
	ids   []ID
}

// NewSet validates and indexes the given streams.
func NewSet(streams ...InputStream) (*Set, error) {
	s := &Set{items: make(map[ID]InputStream, len(streams))}
	for i, in := range streams {
		if in == nil {
			return nil, fmt.Errorf("%w: streams[%d]", ErrStreamNil, i)
		}
		id := in.ID()
		if id < 0 {
			return nil, fmt.Errorf("%w: %d", ErrInvalidID, int(id))
		}
		if _, ok := s.items[id]; ok {
			return nil, fmt.Errorf("%w: %s", ErrStreamExists, id)
		}
		s.items[id] = in
		s.ids = append(s.ids, id)
	}
	sort.Slice(s.ids, func(i, j int) bool {
		return s.ids[i] < s.ids[j]
	})
	return s, nil
}

// Known reports whether id was configured at construction.
func (s *Set) Known(id ID) bool {
	_, ok := s.items[id]
	return ok
}

// Resolve returns the stream definition for id.
func (s *Set) Resolve(id ID) (InputStream, bool) {
	in, ok := s.items[id]
	return in, ok
}

// IDs returns stream ids in ascending order.
func (s *Set) IDs() []ID {
	out := make([]ID, len(s.ids))
	copy(out, s.ids)
	return out
}

// Streams returns stream definitions ordered by id.
func (s *Set) Streams() []InputStream {
	out := make([]InputStream, 0, len(s.ids))
	for _, id := range s.ids {
		out = append(out, s.items[id])
	}
	return out
}

func (s *Set) Len() int {
	return len(s.ids)
}
