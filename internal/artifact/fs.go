package artifact

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"
)

// FSBackend keeps objects in a directory as <key[:2]>/<key>. All access goes
// through an os.Root, so a key can never escape the directory.
type FSBackend struct {
	root *os.Root
}

func NewFSBackend(dir string) (*FSBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating raw data dir: %w", ErrStorage, err)
	}
	root, err := os.OpenRoot(dir)
	if err != nil {
		return nil, fmt.Errorf("%w: opening raw data dir: %w", ErrStorage, err)
	}
	return &FSBackend{root: root}, nil
}

// Put writes data to a temporary file, syncs it and renames it into place,
// so a reader sees either nothing or the complete object.
func (b *FSBackend) Put(_ context.Context, key string, data []byte) error {
	name, err := objectPath(key)
	if err != nil {
		return err
	}
	if err := b.root.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("%w: creating object dir: %w", ErrStorage, err)
	}

	tmp := name + ".tmp"
	f, err := b.root.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("%w: creating temp file: %w", ErrStorage, err)
	}
	cleanup := func() {
		_ = f.Close()
		_ = b.root.Remove(tmp)
	}
	if _, err := f.Write(data); err != nil {
		cleanup()
		return fmt.Errorf("%w: writing object: %w", ErrStorage, err)
	}
	if err := f.Sync(); err != nil {
		cleanup()
		return fmt.Errorf("%w: syncing object: %w", ErrStorage, err)
	}
	if err := f.Close(); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("%w: closing object: %w", ErrStorage, err)
	}
	if err := b.root.Rename(tmp, name); err != nil {
		_ = b.root.Remove(tmp)
		return fmt.Errorf("%w: renaming object: %w", ErrStorage, err)
	}
	return nil
}

func (b *FSBackend) Get(_ context.Context, key string) ([]byte, error) {
	name, err := objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := b.root.ReadFile(name)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	case err != nil:
		return nil, fmt.Errorf("%w: reading object: %w", ErrStorage, err)
	}
	return data, nil
}

func (b *FSBackend) Close() error {
	if b.root == nil {
		return errors.New("backend already closed")
	}
	err := b.root.Close()
	b.root = nil
	return err
}

func objectPath(key string) (string, error) {
	if len(key) < 3 || strings.ContainsAny(key, `/\.`) {
		return "", fmt.Errorf("%w: invalid key %q", ErrStorage, key)
	}
	return path.Join(key[:2], key), nil
}
