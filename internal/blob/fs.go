package blob

import (
	"context"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// FSStore persists blobs on local disk, one file per ref. Refs are
// generated UUIDs, so a ref from the record store can never escape the
// root directory.
type FSStore struct {
	root string
}

func NewFSStore(root string) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, wrapError(CodeWriteFailed, false, err)
	}
	return &FSStore{root: root}, nil
}

func (s *FSStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	ref := uuid.New().String()
	if err := os.WriteFile(filepath.Join(s.root, ref), data, 0o644); err != nil {
		return "", wrapError(CodeWriteFailed, true, err)
	}
	return ref, nil
}

func (s *FSStore) Get(ctx context.Context, ref string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if ref != filepath.Base(ref) {
		return nil, wrapError(CodeObjectNotFound, false, os.ErrNotExist)
	}
	data, err := os.ReadFile(filepath.Join(s.root, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, wrapError(CodeObjectNotFound, false, err)
		}
		return nil, wrapError(CodeReadFailed, true, err)
	}
	return data, nil
}

func (s *FSStore) Delete(ctx context.Context, ref string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ref != filepath.Base(ref) {
		return wrapError(CodeObjectNotFound, false, os.ErrNotExist)
	}
	if err := os.Remove(filepath.Join(s.root, ref)); err != nil && !os.IsNotExist(err) {
		return wrapError(CodeWriteFailed, true, err)
	}
	return nil
}
