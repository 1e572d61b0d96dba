// Package storage is the file-backed blob store under the application
// data directory. Blobs are opaque: anything secret is sealed by its
// owning layer before it gets here. The store adds an integrity digest
// so a torn write surfaces as ErrCorrupt instead of garbage reaching a
// decoder.
package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

// Well-known blob names.
const (
	// IdentityBlob holds the sealed identity envelope.
	IdentityBlob = "identity.enc"

	// ContactsBlob holds the sealed contact roster.
	ContactsBlob = "contacts.enc"
)

// blobMagic prefixes every blob on disk.
const blobMagic = "TPBLOB1\n"

var (
	// ErrNotFound is returned by Get for a blob that does not exist.
	ErrNotFound = errors.New("storage: blob not found")

	// ErrCorrupt is returned for a blob whose on-disk structure or
	// digest does not check out. Callers treat the blob as absent;
	// partial repair is never attempted.
	ErrCorrupt = errors.New("storage: blob corrupt")
)

// Store reads and writes named blobs inside one directory.
type Store struct {
	dir string
}

// DefaultDir returns the per-user data directory.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("storage: resolving home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "torpaste"), nil
}

// Open creates the store directory if needed and returns a store
// rooted there.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("storage: directory required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: creating data directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's root directory.
func (s *Store) Dir() string {
	return s.dir
}

// Put writes a blob atomically: the bytes land in a temporary file
// first and replace the final name with a rename, so readers see
// either the old blob or the new one, never a torn mix.
func (s *Store) Put(name string, data []byte) error {
	path, err := s.blobPath(name)
	if err != nil {
		return err
	}

	body := make([]byte, len(blobMagic)+sha256.Size+len(data))
	copy(body, blobMagic)
	digest := sha256.Sum256(data)
	copy(body[len(blobMagic):], digest[:])
	copy(body[len(blobMagic)+sha256.Size:], data)

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, body, 0o600); err != nil {
		return fmt.Errorf("storage: writing temporary blob: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("storage: renaming blob: %w", err)
	}
	return nil
}

// Get reads a blob back. The digest detects torn writes and bit rot,
// not tampering; blobs needing authenticity are sealed before storage.
func (s *Store) Get(name string) ([]byte, error) {
	path, err := s.blobPath(name)
	if err != nil {
		return nil, err
	}

	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: reading blob: %w", err)
	}

	if len(body) < len(blobMagic)+sha256.Size || string(body[:len(blobMagic)]) != blobMagic {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	stored := body[len(blobMagic) : len(blobMagic)+sha256.Size]
	data := body[len(blobMagic)+sha256.Size:]
	digest := sha256.Sum256(data)
	if !bytes.Equal(stored, digest[:]) {
		return nil, fmt.Errorf("%w: %s", ErrCorrupt, name)
	}
	return data, nil
}

// Has reports whether a blob exists, without validating it.
func (s *Store) Has(name string) bool {
	path, err := s.blobPath(name)
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}

// Delete overwrites a blob with zeros and removes it. A missing blob
// is not an error. The overwrite is best effort; some filesystems
// relocate blocks on write.
func (s *Store) Delete(name string) error {
	path, err := s.blobPath(name)
	if err != nil {
		return err
	}

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: stat blob: %w", err)
	}

	zeros := make([]byte, info.Size())
	if err := os.WriteFile(path, zeros, 0o600); err != nil {
		return os.Remove(path)
	}
	return os.Remove(path)
}

// WipeAll deletes the well-known blobs, overwrite first. Other files
// in the directory, such as the config, are left alone.
func (s *Store) WipeAll() error {
	for _, name := range []string{IdentityBlob, ContactsBlob} {
		if err := s.Delete(name); err != nil {
			return err
		}
	}

	logrus.WithFields(logrus.Fields{
		"function": "Store.WipeAll",
		"dir":      s.dir,
	}).Info("Stored data wiped")

	return nil
}

func (s *Store) blobPath(name string) (string, error) {
	if name == "" || filepath.Base(name) != name {
		return "", fmt.Errorf("storage: invalid blob name %q", name)
	}
	return filepath.Join(s.dir, name), nil
}
