// ©Hayabusa Cloud Co., Ltd. 2025. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package virtmem

import (
	"fmt"
	"io"
	"os"
)

// FileStore serves the pool from a file on disk. The file is created at
// Start and, unless Keep is set, removed again at Stop, mirroring a
// scratch ramdisk.
type FileStore struct {
	// Path of the backing file. When empty a file named "virtmem.pool"
	// in the OS temp directory is used.
	Path string

	// Keep prevents Stop from removing the backing file.
	Keep bool

	f *os.File
}

// NewFileStore returns an unstarted file store backed by path.
func NewFileStore(path string) *FileStore { return &FileStore{Path: path} }

// Start creates or opens the backing file and extends it to poolSize.
// Extended regions read back as zero bytes.
func (s *FileStore) Start(poolSize int) (int, error) {
	path := s.Path
	if path == "" {
		path = os.TempDir() + string(os.PathSeparator) + "virtmem.pool"
		s.Path = path
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return 0, fmt.Errorf("virtmem: open pool file: %w", err)
	}
	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return 0, fmt.Errorf("virtmem: size pool file: %w", err)
	}
	if int64(poolSize) > size {
		if err := f.Truncate(int64(poolSize)); err != nil {
			f.Close()
			return 0, fmt.Errorf("virtmem: grow pool file: %w", err)
		}
		size = int64(poolSize)
	}
	s.f = f
	return int(size), nil
}

// Stop closes and, unless Keep is set, removes the backing file.
func (s *FileStore) Stop() error {
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	if !s.Keep {
		if rerr := os.Remove(s.Path); err == nil {
			err = rerr
		}
	}
	return err
}

func (s *FileStore) ReadAt(p []byte, off int64) (int, error) {
	return s.f.ReadAt(p, off)
}

func (s *FileStore) WriteAt(p []byte, off int64) (int, error) {
	return s.f.WriteAt(p, off)
}
