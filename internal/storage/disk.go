package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

var (
	_ ObjectStore = (*DiskStore)(nil)
	_ Checker     = (*DiskStore)(nil)
)

// DiskStore writes objects below a root directory, one file per key. It
// keeps chunks when object storage is unreachable.
type DiskStore struct {
	root string
}

// NewDiskStore creates root if needed.
func NewDiskStore(root string) (*DiskStore, error) {
	if err := os.MkdirAll(root, 0o750); err != nil {
		return nil, fmt.Errorf("storage: create spool dir: %w", err)
	}
	return &DiskStore{root: root}, nil
}

// Root returns the spool directory.
func (d *DiskStore) Root() string { return d.root }

// Put writes body to root/key through a temporary file so readers never see
// a partial object. contentType is not persisted.
func (d *DiskStore) Put(ctx context.Context, key string, body []byte, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rel := filepath.FromSlash(key)
	if !filepath.IsLocal(rel) {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	path := filepath.Join(d.root, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("storage: disk put %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".upload-*")
	if err != nil {
		return fmt.Errorf("storage: disk put %s: %w", key, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		return fmt.Errorf("storage: disk put %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: disk put %s: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("storage: disk put %s: %w", key, err)
	}
	return nil
}

// Check verifies the spool directory exists.
func (d *DiskStore) Check(context.Context) error {
	fi, err := os.Stat(d.root)
	if err != nil {
		return fmt.Errorf("storage: spool dir: %w", err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("storage: spool dir %s is not a directory", d.root)
	}
	return nil
}
