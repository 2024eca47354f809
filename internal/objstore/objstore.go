// ============================================================================
// bulkop Object Store - storage vault served to remote jobs
// ============================================================================
//
// Package: internal/objstore
// File: objstore.go
// Purpose: The storage-server side of per-item jobs. Physical paths are
//          relative to a vault root and can never resolve outside of it.
//
// Errors:
//   - empty path, path escaping the vault  -> SYS_INVALID_INPUT_PARAM
//   - missing source file                  -> USER_FILE_DOES_NOT_EXIST
//   - anything else from the filesystem    -> SYS_INTERNAL_ERR
//
// ============================================================================

package objstore

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/ChuLiYu/bulkop/internal/errcode"
)

// ChecksumPrefix marks a base64 SHA-256 digest.
const ChecksumPrefix = "sha2:"

// DefaultBufferSize is the copy buffer used when none is configured.
const DefaultBufferSize = 4 << 20

// Store is a vault rooted at a directory.
type Store struct {
	root    string
	bufSize int
}

// New opens (and creates if needed) the vault at root.
func New(root string, bufferSize int) (*Store, error) {
	if root == "" {
		return nil, errcode.New(errcode.SysInvalidInputParam, "vault root must not be empty")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve vault root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create vault root: %w", err)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Store{root: abs, bufSize: bufferSize}, nil
}

// Root returns the absolute vault directory.
func (s *Store) Root() string { return s.root }

// Resolve maps a vault path to its absolute location. Absolute paths are
// accepted only when they lie inside the vault.
func (s *Store) Resolve(p string) (string, error) {
	if p == "" {
		return "", errcode.New(errcode.SysInvalidInputParam, "empty physical path")
	}

	full := filepath.Clean(p)
	if !filepath.IsAbs(full) {
		full = filepath.Join(s.root, full)
	}
	rel, err := filepath.Rel(s.root, full)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errcode.Newf(errcode.SysInvalidInputParam, "path %q is outside the vault", p)
	}
	return full, nil
}

// Rel returns the vault path of an absolute location inside the vault.
func (s *Store) Rel(abs string) (string, error) {
	full, err := s.Resolve(abs)
	if err != nil {
		return "", err
	}
	rel, _ := filepath.Rel(s.root, full)
	return filepath.ToSlash(rel), nil
}

// Put writes r to p, creating parent directories.
func (s *Store) Put(p string, r io.Reader) (int64, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return 0, err
	}
	return s.write(full, r)
}

// Stat returns the size of p.
func (s *Store) Stat(p string) (int64, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return 0, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return 0, fsError(err, p)
	}
	if fi.IsDir() {
		return 0, errcode.Newf(errcode.SysInvalidInputParam, "%s is a directory", p)
	}
	return fi.Size(), nil
}

// Unlink removes p and prunes directories it leaves empty.
func (s *Store) Unlink(p string) error {
	full, err := s.Resolve(p)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil {
		return fsError(err, p)
	}
	s.prune(filepath.Dir(full))
	return nil
}

// prune removes empty parents up to, not including, the root.
func (s *Store) prune(dir string) {
	for dir != s.root && strings.HasPrefix(dir, s.root) {
		if os.Remove(dir) != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// Copy copies src to dst and returns the bytes written. dst is replaced.
func (s *Store) Copy(src, dst string) (int64, error) {
	from, err := s.Resolve(src)
	if err != nil {
		return 0, err
	}
	to, err := s.Resolve(dst)
	if err != nil {
		return 0, err
	}
	if from == to {
		return 0, errcode.Newf(errcode.SysInvalidInputParam, "copy of %s onto itself", src)
	}

	in, err := os.Open(from)
	if err != nil {
		return 0, fsError(err, src)
	}
	defer in.Close()
	return s.write(to, in)
}

func (s *Store) write(full string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return 0, errcode.Wrap(err, errcode.SysInternalErr, "create parent directory")
	}

	// written next to the target, renamed into place
	tmp, err := os.CreateTemp(filepath.Dir(full), ".bulkop-*")
	if err != nil {
		return 0, errcode.Wrap(err, errcode.SysInternalErr, "create temporary file")
	}
	defer os.Remove(tmp.Name())

	n, err := io.CopyBuffer(tmp, r, make([]byte, s.bufSize))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, errcode.Wrap(err, errcode.SysInternalErr, "write "+full)
	}
	if err := os.Rename(tmp.Name(), full); err != nil {
		return 0, errcode.Wrap(err, errcode.SysInternalErr, "rename into "+full)
	}
	return n, nil
}

// Checksum returns "sha2:" followed by the base64 SHA-256 of p.
func (s *Store) Checksum(p string) (string, error) {
	full, err := s.Resolve(p)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", fsError(err, p)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.CopyBuffer(h, f, make([]byte, s.bufSize)); err != nil {
		return "", errcode.Wrap(err, errcode.SysInternalErr, "read "+p)
	}
	return ChecksumPrefix + base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

func fsError(err error, p string) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return errcode.Wrap(err, errcode.UserFileDoesNotExist, p)
	case errors.Is(err, fs.ErrPermission):
		return errcode.Wrap(err, errcode.SysInvalidInputParam, p)
	default:
		return errcode.Wrap(err, errcode.SysInternalErr, p)
	}
}
