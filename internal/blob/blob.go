// Package blob provides a content-addressed store for large payloads.
//
// Blobs are keyed by the SHA-256 digest of their bytes and laid out as
// <dir>/<hash[0:2]>/<hash>. Writes are idempotent: identical content maps to
// the same path, and an existing blob is never rewritten. There is no update
// or delete API.
package blob

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/roach88/convo/internal/ir"
)

// Store is a filesystem-backed content-addressed blob store.
// It is safe for concurrent use: concurrent Puts of the same content race
// only on an atomic rename of identical bytes.
type Store struct {
	dir    string
	logger *zap.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used for write diagnostics.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// Open creates the blob directory if needed and returns a Store rooted there.
func Open(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	s := &Store{dir: dir, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return s.dir
}

// Put stores data and returns its hash. Storing identical content again
// returns the same hash without writing a second copy.
func (s *Store) Put(data []byte) (string, error) {
	hash := ir.ContentHash(data)
	path := s.path(hash)

	if _, err := os.Stat(path); err == nil {
		s.logger.Debug("blob already present", zap.String("hash", hash))
		return hash, nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("put blob %s: %w", hash, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), hash+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("put blob %s: create temp: %w", hash, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("put blob %s: write: %w", hash, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("put blob %s: sync: %w", hash, err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("put blob %s: close: %w", hash, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("put blob %s: rename: %w", hash, err)
	}

	s.logger.Debug("blob written", zap.String("hash", hash), zap.Int("bytes", len(data)))
	return hash, nil
}

// Get returns the bytes stored under hash.
// Returns a NOT_FOUND *ir.Error if the hash is malformed or unknown, and a
// plain error if the stored bytes no longer match their hash.
func (s *Store) Get(hash string) ([]byte, error) {
	if !ir.ValidHash(hash) {
		return nil, ir.NewBlobNotFound(hash)
	}

	data, err := os.ReadFile(s.path(hash))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ir.NewBlobNotFound(hash)
		}
		return nil, fmt.Errorf("get blob %s: %w", hash, err)
	}

	if actual := ir.ContentHash(data); actual != hash {
		return nil, fmt.Errorf("get blob %s: hash mismatch, content hashes to %s", hash, actual)
	}
	return data, nil
}

// Exists reports whether a blob with the given hash is stored.
func (s *Store) Exists(hash string) bool {
	if !ir.ValidHash(hash) {
		return false
	}
	_, err := os.Stat(s.path(hash))
	return err == nil
}

// TotalSize returns the number of bytes held across all blobs.
func (s *Store) TotalSize() (int64, error) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !ir.ValidHash(d.Name()) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("blob total size: %w", err)
	}
	return total, nil
}

// Count returns the number of stored blobs.
func (s *Store) Count() (int, error) {
	n := 0
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() && ir.ValidHash(d.Name()) {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("blob count: %w", err)
	}
	return n, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash[:2], hash)
}
