// file.go - Durable on-disk ceremony record
//
// The live record is replaced atomically on every save (write to a temp
// file, fsync, rename). Closed ceremonies are archived zstd-compressed
// next to it and the live file is removed.
package store

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/klauspost/compress/zstd"

	"trustedsetup/internal/ceremony"
)

const (
	liveName   = "ceremony.cbor"
	filePerm   = 0o600
	maxArchive = 1 << 32
)

// ErrNotFound is returned by Load when no record has been saved
var ErrNotFound = errors.New("record not found")

var _ ceremony.Store = (*FileStore)(nil)

// FileStore keeps one ceremony under Dir
type FileStore struct {
	Dir string
}

// NewFileStore creates dir if needed
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{Dir: dir}, nil
}

// Path is the live record file
func (s *FileStore) Path() string {
	return filepath.Join(s.Dir, liveName)
}

// ArchivePath is where the closed ceremony id is archived
func (s *FileStore) ArchivePath(id string) string {
	return filepath.Join(s.Dir, "ceremony-"+id+".cbor.zst")
}

// Save atomically replaces the live record
func (s *FileStore) Save(rec *ceremony.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	if err := renameio.WriteFile(s.Path(), data, filePerm); err != nil {
		return fmt.Errorf("save record: %w", err)
	}
	return nil
}

// Load reads the live record
func (s *FileStore) Load() (*ceremony.Record, error) {
	data, err := os.ReadFile(s.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load record: %w", err)
	}
	return Decode(data)
}

// Archive writes the compressed final record and drops the live file
func (s *FileStore) Archive(rec *ceremony.Record) error {
	data, err := Encode(rec)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return err
	}
	compressed := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return err
	}
	if err := renameio.WriteFile(s.ArchivePath(rec.ID), compressed, filePerm); err != nil {
		return fmt.Errorf("archive record: %w", err)
	}
	if err := os.Remove(s.Path()); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove live record: %w", err)
	}
	return nil
}

// ReadArchive loads a record written by Archive
func ReadArchive(path string) (*ceremony.Record, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxArchive))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress archive: %w", err)
	}
	return Decode(data)
}

// Open loads either a live record or, for *.zst paths, an archive
func Open(path string) (*ceremony.Record, error) {
	if filepath.Ext(path) == ".zst" {
		return ReadArchive(path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Decode(data)
}
