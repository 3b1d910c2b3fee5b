// Copyright 2025 Deckhand Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package filesystem

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"context"

	"github.com/deckhand-io/deckhand/pkg/metrics"
)

// DefaultService is the default implementation of Service backed by the OS.
type DefaultService struct{}

// NewDefaultService creates a new DefaultService.
func NewDefaultService() *DefaultService {
	return &DefaultService{}
}

// recordOp records filesystem operation metrics.
func (s *DefaultService) recordOp(op string, start time.Time) {
	metrics.RecordFilesystemOp(op, time.Since(start))
}

// checkContext checks if the context is done before proceeding with an operation.
func (s *DefaultService) checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// EnsureDirectory creates a directory if it doesn't exist.
func (s *DefaultService) EnsureDirectory(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("EnsureDirectory", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// ReadFile reads a file's contents respecting the context.
func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	defer s.recordOp("ReadFile", start)

	if err := s.checkContext(ctx); err != nil {
		return nil, err
	}

	type result struct {
		err  error
		data []byte
	}

	resCh := make(chan result, 1)

	go func() {
		data, err := os.ReadFile(path)
		resCh <- result{err: err, data: data}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, fmt.Errorf("failed to read file %s: %w", path, res.err)
		}

		return res.data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// ReadFileRange reads the file from the given offset and reports the new size.
func (s *DefaultService) ReadFileRange(ctx context.Context, path string, from int64) ([]byte, int64, error) {
	start := time.Now()
	defer s.recordOp("ReadFileRange", start)

	if err := s.checkContext(ctx); err != nil {
		return nil, 0, err
	}

	type result struct {
		err     error
		data    []byte
		newSize int64
	}

	resCh := make(chan result, 1)

	go func() {
		f, err := os.Open(path)
		if err != nil {
			resCh <- result{err: err}

			return
		}
		defer f.Close()

		// stat *after* open so we have a consistent view
		fi, err := f.Stat()
		if err != nil {
			resCh <- result{err: err}

			return
		}

		size := fi.Size()

		// nothing new?
		if from >= size {
			resCh <- result{newSize: size}

			return
		}

		if _, err = f.Seek(from, io.SeekStart); err != nil {
			resCh <- result{err: err}

			return
		}

		buf := make([]byte, size-from)
		n, err := io.ReadFull(f, buf)
		if err != nil && err != io.ErrUnexpectedEOF {
			resCh <- result{err: err}

			return
		}

		resCh <- result{data: buf[:n], newSize: from + int64(n)}
	}()

	select {
	case res := <-resCh:
		if res.err != nil {
			return nil, 0, fmt.Errorf("failed to read range of %s: %w", path, res.err)
		}

		return res.data, res.newSize, nil
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}
}

// WriteFile writes data to a file respecting the context.
func (s *DefaultService) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	start := time.Now()
	defer s.recordOp("WriteFile", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		errCh <- os.WriteFile(path, data, perm)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WriteFileAtomic writes to a sibling temp file, fsyncs and renames it over path.
// A crash mid-write leaves either the previous content or the new content, never
// a truncated file.
func (s *DefaultService) WriteFileAtomic(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	start := time.Now()
	defer s.recordOp("WriteFileAtomic", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	errCh := make(chan error, 1)

	go func() {
		// Sibling temp file keeps the rename on the same mount.
		tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-")
		if err != nil {
			errCh <- err

			return
		}

		tmpName := tmp.Name()

		cleanup := func(err error) {
			tmp.Close()
			os.Remove(tmpName)
			errCh <- err
		}

		if _, err := tmp.Write(data); err != nil {
			cleanup(err)

			return
		}

		if err := tmp.Sync(); err != nil {
			cleanup(err)

			return
		}

		if err := tmp.Chmod(perm); err != nil {
			cleanup(err)

			return
		}

		if err := tmp.Close(); err != nil {
			os.Remove(tmpName)
			errCh <- err

			return
		}

		if err := os.Rename(tmpName, path); err != nil {
			os.Remove(tmpName)
			errCh <- err

			return
		}

		errCh <- nil
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("failed to write file %s atomically: %w", path, err)
		}

		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PathExists checks if a path (file or directory) exists.
func (s *DefaultService) PathExists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	defer s.recordOp("PathExists", start)

	if err := s.checkContext(ctx); err != nil {
		return false, err
	}

	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}

	if os.IsNotExist(err) {
		return false, nil
	}

	return false, fmt.Errorf("failed to stat %s: %w", path, err)
}

// Remove removes a file or empty directory.
func (s *DefaultService) Remove(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("Remove", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// RemoveAll removes a directory and all its contents.
func (s *DefaultService) RemoveAll(ctx context.Context, path string) error {
	start := time.Now()
	defer s.recordOp("RemoveAll", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("failed to remove %s: %w", path, err)
	}

	return nil
}

// Stat returns file info.
func (s *DefaultService) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	start := time.Now()
	defer s.recordOp("Stat", start)

	if err := s.checkContext(ctx); err != nil {
		return nil, err
	}

	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat %s: %w", path, err)
	}

	return fi, nil
}

// ReadDir reads a directory, returning all its directory entries.
func (s *DefaultService) ReadDir(ctx context.Context, path string) ([]os.DirEntry, error) {
	start := time.Now()
	defer s.recordOp("ReadDir", start)

	if err := s.checkContext(ctx); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory %s: %w", path, err)
	}

	return entries, nil
}

// Rename renames (moves) a file or directory.
func (s *DefaultService) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	defer s.recordOp("Rename", start)

	if err := s.checkContext(ctx); err != nil {
		return err
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("failed to rename %s to %s: %w", oldPath, newPath, err)
	}

	return nil
}
