/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package record

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Reserver holds candidate keys while an upload is in flight so two
// concurrent ingestions cannot be handed the same key.
type Reserver interface {
	// Reserve claims key. It returns false if the key is already held.
	Reserve(ctx context.Context, key Key) (bool, error)
	// Release drops a claim. Releasing an unheld key is not an error.
	Release(ctx context.Context, key Key) error
}

// ExistenceChecker is the part of Store the generator needs.
type ExistenceChecker interface {
	Exists(ctx context.Context, key Key) (bool, error)
}

// KeyGenerator issues unique timestamp keys.
type KeyGenerator struct {
	now      func() time.Time
	reserver Reserver
	store    ExistenceChecker

	mu   sync.Mutex
	last time.Time
}

// KeyGeneratorOption configures a KeyGenerator.
type KeyGeneratorOption func(*KeyGenerator)

// WithClock overrides the clock. Used by tests.
func WithClock(now func() time.Time) KeyGeneratorOption {
	return func(g *KeyGenerator) { g.now = now }
}

// WithReserver overrides the default in-process reserver.
func WithReserver(r Reserver) KeyGeneratorOption {
	return func(g *KeyGenerator) { g.reserver = r }
}

// NewKeyGenerator creates a generator that checks candidates against store.
func NewKeyGenerator(store ExistenceChecker, opts ...KeyGeneratorOption) *KeyGenerator {
	g := &KeyGenerator{
		now:      time.Now,
		reserver: NewMemoryReserver(),
		store:    store,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Generate returns a reserved key that does not exist in the store. The
// caller must Release it once the upload has been persisted or abandoned.
func (g *KeyGenerator) Generate(ctx context.Context) (Key, error) {
	base := g.instant().Format(KeyLayout)

	for n := 0; n <= maxDisambiguator; n++ {
		candidate := Key(base)
		if n > 0 {
			candidate = Key(fmt.Sprintf("%s-%03d", base, n))
		}

		ok, err := g.reserver.Reserve(ctx, candidate)
		if err != nil {
			return "", fmt.Errorf("reserving key: %w", err)
		}
		if !ok {
			continue
		}

		if g.store != nil {
			exists, err := g.store.Exists(ctx, candidate)
			if err != nil {
				_ = g.reserver.Release(ctx, candidate)
				return "", err
			}
			if exists {
				_ = g.reserver.Release(ctx, candidate)
				continue
			}
		}
		return candidate, nil
	}
	return "", fmt.Errorf("%w: %s", ErrKeySpaceExhausted, base)
}

// Release drops the reservation for key.
func (g *KeyGenerator) Release(ctx context.Context, key Key) error {
	return g.reserver.Release(ctx, key)
}

// instant returns the current microsecond, never earlier than the last one
// issued by this generator.
func (g *KeyGenerator) instant() time.Time {
	t := g.now().UTC().Truncate(time.Microsecond)

	g.mu.Lock()
	defer g.mu.Unlock()
	if t.Before(g.last) {
		t = g.last
	}
	g.last = t
	return t
}

// MemoryReserver is a Reserver for a single process.
type MemoryReserver struct {
	mu   sync.Mutex
	held map[Key]struct{}
}

// NewMemoryReserver creates an empty MemoryReserver.
func NewMemoryReserver() *MemoryReserver {
	return &MemoryReserver{held: make(map[Key]struct{})}
}

// Reserve claims key if it is free.
func (r *MemoryReserver) Reserve(_ context.Context, key Key) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.held[key]; ok {
		return false, nil
	}
	r.held[key] = struct{}{}
	return true, nil
}

// Release drops the claim on key.
func (r *MemoryReserver) Release(_ context.Context, key Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.held, key)
	return nil
}

var _ Reserver = (*MemoryReserver)(nil)
