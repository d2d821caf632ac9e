// Package scene holds the authoritative, generation-stamped display state of
// each target.
package scene

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/mesh"
)

// ErrStaleCommit is returned by CommitMesh when the generation moved past the
// one the caller built against.
var ErrStaleCommit = errors.New("stale commit")

// State is an immutable snapshot of a target's scene.
type State struct {
	Target     string
	Artifact   *mesh.Artifact // nil until the first successful build
	View       View
	Generation uint64
}

// ArtifactID returns the installed artifact's ID or "".
func (s State) ArtifactID() string {
	if s.Artifact == nil {
		return ""
	}
	return s.Artifact.ID
}

// Observer is notified after every commit. It must not block.
type Observer func(State)

// Store is a single-writer compare-and-set store for one target. Reads are
// lock free.
type Store struct {
	target string
	log    *zap.Logger
	retire func(*mesh.Artifact)

	mu      sync.Mutex // serializes commits
	current atomic.Pointer[State]

	obsMu     sync.RWMutex
	observers map[int]Observer
	nextObs   int
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithRetire sets a hook that receives the previous artifact after a newer
// one has been installed.
func WithRetire(fn func(*mesh.Artifact)) StoreOption {
	return func(s *Store) { s.retire = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) StoreOption {
	return func(s *Store) { s.log = logger.OrNop(l) }
}

// WithInitialView sets the view of generation 0.
func WithInitialView(v View) StoreOption {
	return func(s *Store) {
		s.current.Store(&State{Target: s.target, View: v})
	}
}

// NewStore creates an empty store at generation 0.
func NewStore(target string, opts ...StoreOption) *Store {
	s := &Store{
		target:    target,
		log:       zap.NewNop(),
		observers: make(map[int]Observer),
	}
	s.current.Store(&State{Target: target, View: DefaultView()})
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Target returns the target this store belongs to.
func (s *Store) Target() string { return s.target }

// Read returns the current snapshot.
func (s *Store) Read() State {
	return *s.current.Load()
}

// Generation returns the current generation.
func (s *Store) Generation() uint64 {
	return s.current.Load().Generation
}

// CommitMesh installs art if the store is still at expectedPrior and returns
// the new generation. The artifact is copied and stamped; the caller's value
// is left untouched.
func (s *Store) CommitMesh(art *mesh.Artifact, expectedPrior uint64) (uint64, error) {
	if art == nil {
		return 0, errors.New("nil artifact")
	}

	s.mu.Lock()
	prev := s.current.Load()
	if prev.Generation != expectedPrior {
		s.mu.Unlock()
		s.log.Debug("stale mesh commit",
			zap.String("target", s.target),
			zap.Uint64("expected", expectedPrior),
			zap.Uint64("generation", prev.Generation))
		return prev.Generation, ErrStaleCommit
	}

	installed := *art
	installed.Generation = prev.Generation + 1
	next := &State{
		Target:     s.target,
		Artifact:   &installed,
		View:       prev.View,
		Generation: installed.Generation,
	}
	s.current.Store(next)
	s.mu.Unlock()

	s.log.Debug("mesh committed",
		zap.String("target", s.target),
		zap.String("artifact", installed.ID),
		zap.Uint64("generation", next.Generation))

	if prev.Artifact != nil && s.retire != nil {
		s.retire(prev.Artifact)
	}
	s.notify(*next)
	return next.Generation, nil
}

// CommitView replaces the view parameters and returns the new generation.
// Callers validate v first.
func (s *Store) CommitView(v View) uint64 {
	return s.UpdateView(func(State) View { return v })
}

// UpdateView commits the view fn derives from the current state. fn runs
// under the commit lock, so no other commit lands between the read and the
// write. It must be fast and must not touch the store.
func (s *Store) UpdateView(fn func(State) View) uint64 {
	s.mu.Lock()
	prev := s.current.Load()
	next := &State{
		Target:     s.target,
		Artifact:   prev.Artifact,
		View:       fn(*prev),
		Generation: prev.Generation + 1,
	}
	s.current.Store(next)
	s.mu.Unlock()

	s.notify(*next)
	return next.Generation
}

// Observe registers fn and returns a function that removes it.
func (s *Store) Observe(fn Observer) (cancel func()) {
	s.obsMu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = fn
	s.obsMu.Unlock()

	return func() {
		s.obsMu.Lock()
		delete(s.observers, id)
		s.obsMu.Unlock()
	}
}

// notify runs outside the commit lock. Concurrent commits may notify out of
// order; observers compare generations.
func (s *Store) notify(st State) {
	s.obsMu.RLock()
	defer s.obsMu.RUnlock()
	for _, fn := range s.observers {
		fn(st)
	}
}
