// Package stagingfs is a path-addressable byte store for staged row files
// and table snapshots. A staging directory is either a local filesystem
// path or a gs:// URL; everything above this package handles both
// transparently.
package stagingfs

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
)

const gcsScheme = "gs://"

// Store is one staging directory. File paths handed out by the store are
// full paths (gs:// URLs or absolute local paths) so they can flow through
// job configurations unchanged.
type Store struct {
	bucket *blob.Bucket
	dir    string
}

// OpenDir opens a staging directory, creating it when it is a local path.
func OpenDir(ctx context.Context, dir string) (*Store, error) {
	dir = strings.TrimSuffix(dir, "/")

	if strings.HasPrefix(dir, gcsScheme) {
		rest := strings.TrimPrefix(dir, gcsScheme)
		bucketName, prefix, _ := strings.Cut(rest, "/")
		bucket, err := blob.OpenBucket(ctx, gcsScheme+bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to open GCS bucket %s: %w", bucketName, err)
		}
		if prefix != "" {
			bucket = blob.PrefixedBucket(bucket, prefix+"/")
		}
		return &Store{bucket: bucket, dir: dir}, nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create staging dir %s: %w", dir, err)
	}
	bucket, err := fileblob.OpenBucket(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open staging dir %s: %w", dir, err)
	}
	return &Store{bucket: bucket, dir: dir}, nil
}

// Dir returns the staging directory this store is rooted at.
func (s *Store) Dir() string {
	return s.dir
}

// IsGCS reports whether staged files live in GCS and are therefore
// directly addressable by load jobs as gs:// source URIs.
func (s *Store) IsGCS() bool {
	return strings.HasPrefix(s.dir, gcsScheme)
}

// Path returns the full path of a file named name inside the store.
func (s *Store) Path(name string) string {
	return s.dir + "/" + name
}

func (s *Store) key(path string) (string, error) {
	key, found := strings.CutPrefix(path, s.dir+"/")
	if !found {
		return "", fmt.Errorf("path %s is outside staging dir %s", path, s.dir)
	}
	return key, nil
}

// NewWriter creates the file at path, truncating any previous content.
func (s *Store) NewWriter(ctx context.Context, path string) (io.WriteCloser, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}
	w, err := s.bucket.NewWriter(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create staged file %s: %w", path, err)
	}
	return w, nil
}

// NewReader opens the file at path for sequential reading.
func (s *Store) NewReader(ctx context.Context, path string) (io.ReadCloser, error) {
	key, err := s.key(path)
	if err != nil {
		return nil, err
	}
	r, err := s.bucket.NewReader(ctx, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open staged file %s: %w", path, err)
	}
	return r, nil
}

// Exists reports whether path exists in the store.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	key, err := s.key(path)
	if err != nil {
		return false, err
	}
	return s.bucket.Exists(ctx, key)
}

// Delete removes the file at path. Deleting a missing file is not an error.
func (s *Store) Delete(ctx context.Context, path string) error {
	key, err := s.key(path)
	if err != nil {
		return err
	}
	if err := s.bucket.Delete(ctx, key); err != nil {
		if exists, existsErr := s.bucket.Exists(ctx, key); existsErr == nil && !exists {
			return nil
		}
		return fmt.Errorf("failed to delete staged file %s: %w", path, err)
	}
	return nil
}

// List returns the full paths of all files under the store, in key order.
func (s *Store) List(ctx context.Context) ([]string, error) {
	var paths []string
	iter := s.bucket.List(&blob.ListOptions{})
	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list staging dir %s: %w", s.dir, err)
		}
		if obj.IsDir {
			continue
		}
		paths = append(paths, s.Path(obj.Key))
	}
	return paths, nil
}

// Close releases the underlying bucket connection.
func (s *Store) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
