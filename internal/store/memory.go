package store

import (
	"context"
	"sync"
	"time"
)

// MemoryMessageStore keeps appended messages in memory, for tests and
// local development without a database.
type MemoryMessageStore struct {
	mu       sync.Mutex
	messages []Message
	failNext error
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{}
}

func (s *MemoryMessageStore) Append(_ context.Context, msg *Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failNext != nil {
		err := s.failNext
		s.failNext = nil
		return err
	}

	msg.CreatedAt = time.Now()
	s.messages = append(s.messages, *msg)
	return nil
}

// FailNext makes the next Append return the given error, simulating a
// storage blip.
func (s *MemoryMessageStore) FailNext(err error) {
	s.mu.Lock()
	s.failNext = err
	s.mu.Unlock()
}

// Messages returns a copy of everything appended so far.
func (s *MemoryMessageStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *MemoryMessageStore) Close() error {
	return nil
}
