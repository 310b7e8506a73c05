package session

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/italolelis/cloudsdk/internal/storage"
)

// Identifier returns the identifier of one of the sessions derived from base.
func Identifier(base string, background, cellular bool) string {
	id := base
	if background {
		id += ".background"
	}

	if cellular {
		id += ".cellular"
	}

	return id
}

// Registry holds the sessions of the process, keyed by identifier.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	order    []string
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// NewDefaultRegistry creates the four sessions of base: foreground and
// background, each with and without cellular access.
func NewDefaultRegistry(base, tempDir string, progressInterval int64, client *http.Client, journal storage.TaskJournal) (*Registry, error) {
	r := NewRegistry()

	for _, background := range []bool{false, true} {
		for _, cellular := range []bool{true, false} {
			s, err := New(Config{
				ID:                   Identifier(base, background, cellular),
				Background:           background,
				AllowsCellularAccess: cellular,
				TempDir:              tempDir,
				ProgressInterval:     progressInterval,
			}, client, journal)
			if err != nil {
				return nil, err
			}

			if err := r.Register(s); err != nil {
				return nil, err
			}
		}
	}

	return r, nil
}

// Register adds s. Identifiers must be unique.
func (r *Registry) Register(s *Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID()]; ok {
		return fmt.Errorf("session %s already registered", s.ID())
	}

	r.sessions[s.ID()] = s
	r.order = append(r.order, s.ID())

	return nil
}

func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[id]

	return s, ok
}

// All returns the sessions in registration order.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, r.sessions[id])
	}

	return all
}

// Open opens every session concurrently.
func (r *Registry) Open(ctx context.Context) error {
	wg, ctx := errgroup.WithContext(ctx)

	for _, s := range r.All() {
		wg.Go(func() error {
			if err := s.Open(ctx); err != nil {
				return fmt.Errorf("failed to open session %s: %w", s.ID(), err)
			}

			return nil
		})
	}

	return wg.Wait()
}

// Close closes every session concurrently.
func (r *Registry) Close(ctx context.Context) error {
	var wg errgroup.Group

	for _, s := range r.All() {
		wg.Go(func() error {
			if err := s.Close(ctx); err != nil {
				return fmt.Errorf("failed to close session %s: %w", s.ID(), err)
			}

			return nil
		})
	}

	return wg.Wait()
}
