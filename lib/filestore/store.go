// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

var (
	// ErrNotFound means no file is stored under the reference.
	ErrNotFound = errors.New("job file not found")

	// ErrCorrupt means a stored file failed header, size, or digest
	// verification.
	ErrCorrupt = errors.New("job file corrupt")

	// ErrTooLarge means a file exceeds MaxFileSize.
	ErrTooLarge = errors.New("job file too large")
)

// MaxFileSize bounds a single job file.
const MaxFileSize = 256 << 20

// On-disk layout: a fixed header followed by the (possibly
// compressed) body.
//
//	offset size field
//	0      4    magic "PFJF"
//	4      1    format version (1)
//	5      1    compression
//	6      2    reserved, zero
//	8      8    original size, little-endian
//	16     8    stored body size, little-endian
const (
	headerSize    = 24
	formatVersion = 1
)

var magic = [4]byte{'P', 'F', 'J', 'F'}

// Store is a content-addressed directory of job files. Files are
// sharded by the first two characters of their reference. Store is
// safe for concurrent use: writes go through a temporary file and an
// atomic rename, and identical content always lands on the same path.
type Store struct {
	root   string
	logger *slog.Logger
}

// Open returns a Store rooted at directory, creating it if needed.
func Open(directory string, logger *slog.Logger) (*Store, error) {
	if directory == "" {
		return nil, errors.New("filestore: directory is required")
	}
	if logger == nil {
		return nil, errors.New("filestore: logger is required")
	}
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return nil, fmt.Errorf("filestore: creating %s: %w", directory, err)
	}
	return &Store{root: directory, logger: logger}, nil
}

func (s *Store) path(ref string) string {
	return filepath.Join(s.root, ref[:2], ref[2:])
}

// Put stores content and returns its reference. name selects the
// compression only; it is not part of the reference, so the same
// bytes uploaded under two names are stored once.
func (s *Store) Put(name string, content []byte) (string, error) {
	if len(content) == 0 {
		return "", errors.New("filestore: empty file")
	}
	if len(content) > MaxFileSize {
		return "", fmt.Errorf("%w: %d bytes exceeds %d", ErrTooLarge, len(content), MaxFileSize)
	}

	ref := HashContent(content)
	target := s.path(ref)
	if _, err := os.Stat(target); err == nil {
		s.logger.Debug("job file already stored", "ref", ref, "name", name)
		return ref, nil
	}

	body, compression, err := compress(content, CompressionFor(name))
	if err != nil {
		return "", fmt.Errorf("filestore: compressing %s: %w", name, err)
	}

	header := make([]byte, headerSize, headerSize+len(body))
	copy(header[0:4], magic[:])
	header[4] = formatVersion
	header[5] = byte(compression)
	binary.LittleEndian.PutUint64(header[8:16], uint64(len(content)))
	binary.LittleEndian.PutUint64(header[16:24], uint64(len(body)))

	if err := writeAtomic(target, append(header, body...)); err != nil {
		return "", fmt.Errorf("filestore: writing %s: %w", ref, err)
	}

	s.logger.Info("job file stored",
		"ref", ref,
		"name", name,
		"bytes", len(content),
		"stored_bytes", len(body),
		"compression", compression.String(),
	)
	return ref, nil
}

// Get returns the content stored under ref, verified against the
// reference.
func (s *Store) Get(ref string) ([]byte, error) {
	if err := ValidateRef(ref); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	data, err := os.ReadFile(s.path(ref))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, ref)
	}
	if err != nil {
		return nil, fmt.Errorf("filestore: reading %s: %w", ref, err)
	}

	if len(data) < headerSize || [4]byte(data[0:4]) != magic {
		return nil, fmt.Errorf("%w: %s: bad header", ErrCorrupt, ref)
	}
	if data[4] != formatVersion {
		return nil, fmt.Errorf("%w: %s: unsupported format version %d", ErrCorrupt, ref, data[4])
	}
	originalSize := binary.LittleEndian.Uint64(data[8:16])
	storedSize := binary.LittleEndian.Uint64(data[16:24])
	body := data[headerSize:]
	if uint64(len(body)) != storedSize || originalSize > MaxFileSize {
		return nil, fmt.Errorf("%w: %s: size mismatch", ErrCorrupt, ref)
	}

	content, err := decompress(body, Compression(data[5]), int(originalSize))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCorrupt, ref, err)
	}
	if HashContent(content) != ref {
		return nil, fmt.Errorf("%w: %s: digest mismatch", ErrCorrupt, ref)
	}
	return content, nil
}

// Has reports whether a file is stored under ref. It checks presence
// only; Get verifies content.
func (s *Store) Has(ref string) bool {
	if ValidateRef(ref) != nil {
		return false
	}
	_, err := os.Stat(s.path(ref))
	return err == nil
}

// Delete removes the file stored under ref. Deleting an absent file
// is not an error.
func (s *Store) Delete(ref string) error {
	if err := ValidateRef(ref); err != nil {
		return err
	}
	err := os.Remove(s.path(ref))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("filestore: deleting %s: %w", ref, err)
	}
	s.logger.Debug("job file deleted", "ref", ref)
	return nil
}

// writeAtomic writes data to a temporary file beside target and
// renames it into place.
func writeAtomic(target string, data []byte) error {
	directory := filepath.Dir(target)
	if err := os.MkdirAll(directory, 0o750); err != nil {
		return err
	}
	temporary, err := os.CreateTemp(directory, ".incoming-*")
	if err != nil {
		return err
	}
	defer os.Remove(temporary.Name())

	if _, err := temporary.Write(data); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Sync(); err != nil {
		temporary.Close()
		return err
	}
	if err := temporary.Close(); err != nil {
		return err
	}
	return os.Rename(temporary.Name(), target)
}
