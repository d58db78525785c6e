package blob

import (
	"context"
	"os"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps blobs in process memory. Used in tests and as a
// stand-in when no external store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string][]byte

	// FailGets, when non-nil, is consulted before every Get so tests can
	// inject transient or permanent fetch failures.
	FailGets func(ref string) error
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.New().String()
	cp := make([]byte, len(data))
	copy(cp, data)

	s.mu.Lock()
	s.objects[ref] = cp
	s.mu.Unlock()
	return ref, nil
}

func (s *MemoryStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.FailGets != nil {
		if err := s.FailGets(ref); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	data, ok := s.objects[ref]
	s.mu.Unlock()
	if !ok {
		return nil, wrapError(CodeObjectNotFound, false, os.ErrNotExist)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	return cp, nil
}

func (s *MemoryStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.objects, ref)
	s.mu.Unlock()
	return nil
}

// TransientError builds a retryable store failure for tests.
func TransientError(err error) error { return wrapError(CodeUnreachable, true, err) }

// PermanentNotFound builds a non-retryable missing-object failure for tests.
func PermanentNotFound() error { return wrapError(CodeObjectNotFound, false, os.ErrNotExist) }
