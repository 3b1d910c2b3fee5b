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

// Package capability models opaque, revocable grants of scoped filesystem
// access. A token grants read/write to exactly one directory tree; acquire
// and release are explicit paired operations.
package capability

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrUnknownToken is returned when a token was never issued or was revoked.
	ErrUnknownToken = errors.New("unknown or revoked capability token")

	// ErrOutsideScope is returned when a path escapes the granted tree.
	ErrOutsideScope = errors.New("path outside capability scope")
)

// Token is an opaque grant. Its bytes are safe to serialize into a worker
// payload; only the issuing Registry can resolve them.
type Token []byte

// Registry issues and revokes tokens. The zero value is not usable; create
// one with NewRegistry.
type Registry struct {
	mu     sync.Mutex
	grants map[string]string // token id -> granted directory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{grants: make(map[string]string)}
}

// Acquire issues a token granting scoped access to the given directory tree.
func (r *Registry) Acquire(dir string) (Token, error) {
	if dir == "" {
		return nil, errors.New("capability scope must not be empty")
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve capability scope: %w", err)
	}

	id := uuid.NewString()

	r.mu.Lock()
	r.grants[id] = abs
	r.mu.Unlock()

	return Token(id), nil
}

// Release revokes a token. Releasing an unknown token is a no-op, so cleanup
// paths can call it unconditionally.
func (r *Registry) Release(token Token) {
	r.mu.Lock()
	delete(r.grants, string(token))
	r.mu.Unlock()
}

// Resolve returns the directory a token grants access to.
func (r *Registry) Resolve(token Token) (string, error) {
	r.mu.Lock()
	dir, ok := r.grants[string(token)]
	r.mu.Unlock()

	if !ok {
		return "", ErrUnknownToken
	}

	return dir, nil
}

// Authorize checks that path lies inside the tree granted by token.
func (r *Registry) Authorize(token Token, path string) error {
	dir, err := r.Resolve(token)
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve path: %w", err)
	}

	if abs != dir && !strings.HasPrefix(abs, dir+string(filepath.Separator)) {
		return fmt.Errorf("%w: %s not under %s", ErrOutsideScope, abs, dir)
	}

	return nil
}
