// Package build schedules mesh rebuilds per target: one build in flight,
// newer requests supersede older ones, and results are committed to the
// target's scene store with compare-and-set.
package build

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/scene"
)

// Scheduler errors.
var (
	ErrClosed        = errors.New("scheduler closed")
	ErrUnknownTarget = errors.New("unknown target")
	ErrNoSource      = errors.New("target has no source content yet")
)

// Builder produces artifacts. *mesh.Builder implements it.
type Builder interface {
	Build(ctx context.Context, desc mesh.Description, params mesh.Params) (*mesh.Artifact, error)
}

// Request is an immutable build request.
type Request struct {
	Seq       uint64
	Target    string
	Hash      string
	Params    mesh.Params
	Content   []byte
	Submitted time.Time
}

// Result reports the outcome of a build that was not superseded.
type Result struct {
	Target     string
	Seq        uint64
	State      State // Installed or Failed
	Artifact   *mesh.Artifact
	Generation uint64
	Err        error
}

type target struct {
	name  string
	store *scene.Store

	params  mesh.Params
	content []byte
	hash    string

	latest   uint64 // newest submitted sequence number
	pending  *Request
	inflight *Request
	cancel   context.CancelFunc
	running  bool

	status Status
}

// Scheduler runs builds. It is safe for concurrent use.
type Scheduler struct {
	builder  Builder
	log      *zap.Logger
	onResult func(Result)
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	targets map[string]*target
	seq     uint64
	closed  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.log = logger.OrNop(l) }
}

// WithResultHandler receives the outcome of every completed, non-superseded
// build. It is called from worker goroutines and must not block.
func WithResultHandler(fn func(Result)) Option {
	return func(s *Scheduler) { s.onResult = fn }
}

// NewScheduler creates a scheduler around builder.
func NewScheduler(builder Builder, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		builder: builder,
		log:     zap.NewNop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		targets: make(map[string]*target),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register attaches the store that receives a target's artifacts. Builds use
// params until Rebuild changes them.
func (s *Scheduler) Register(name string, store *scene.Store, params mesh.Params) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.targets[name]; ok {
		return
	}
	s.targets[name] = &target{
		name:   name,
		store:  store,
		params: params,
		status: Status{Target: name, State: Idle, Params: params},
	}
}

// Submit requests a build of new source content.
func (s *Scheduler) Submit(name string, content []byte, hash string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.targetLocked(name)
	if err != nil {
		return 0, err
	}
	t.content = content
	t.hash = hash
	return s.enqueueLocked(t), nil
}

// Rebuild requests a build of the current source. A nil params keeps the
// current parameters.
func (s *Scheduler) Rebuild(name string, params *mesh.Params) (uint64, error) {
	if params != nil {
		if err := params.Validate(); err != nil {
			return 0, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	t, err := s.targetLocked(name)
	if err != nil {
		return 0, err
	}
	if params != nil {
		t.params = *params
		t.status.Params = *params
	}
	if t.content == nil {
		return 0, ErrNoSource
	}
	return s.enqueueLocked(t), nil
}

func (s *Scheduler) targetLocked(name string) (*target, error) {
	if s.closed {
		return nil, ErrClosed
	}
	t, ok := s.targets[name]
	if !ok {
		return nil, ErrUnknownTarget
	}
	return t, nil
}

// enqueueLocked replaces the pending request, marks the in-flight build
// stale and starts a worker when none is running.
func (s *Scheduler) enqueueLocked(t *target) uint64 {
	s.seq++
	req := &Request{
		Seq:       s.seq,
		Target:    t.name,
		Hash:      t.hash,
		Params:    t.params,
		Content:   t.content,
		Submitted: s.now(),
	}
	t.latest = req.Seq

	if t.pending != nil {
		t.status.Coalesced++
		s.log.Debug("request coalesced",
			zap.String("target", t.name),
			zap.Uint64("dropped", t.pending.Seq),
			zap.Uint64("seq", req.Seq))
	}
	t.pending = req

	if t.inflight != nil && t.cancel != nil {
		t.cancel()
	}
	if !t.running {
		t.running = true
		s.wg.Add(1)
		go s.worker(t)
	}
	return req.Seq
}

// worker builds the pending request of t until none is left. At most one
// worker runs per target.
func (s *Scheduler) worker(t *target) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		req := t.pending
		if req == nil || s.closed {
			t.running = false
			t.inflight = nil
			t.cancel = nil
			if t.status.State == Building {
				t.status.State = Idle
			} else if t.status.State != Idle {
				t.status.LastOutcome = t.status.State
				t.status.State = Idle
			}
			s.mu.Unlock()
			return
		}
		t.pending = nil
		t.inflight = req
		ctx, cancel := context.WithCancel(s.ctx)
		t.cancel = cancel
		t.status.State = Building
		expected := t.store.Generation()
		s.mu.Unlock()

		s.run(ctx, t, req, expected)
		cancel()
	}
}

func (s *Scheduler) run(ctx context.Context, t *target, req *Request, expected uint64) {
	log := s.log.With(zap.String("target", t.name), zap.Uint64("seq", req.Seq))
	start := s.now()

	desc := mesh.Description{Name: req.Target, Content: req.Content, Hash: req.Hash}
	art, err := s.builder.Build(ctx, desc, req.Params)

	if !s.isNewest(t, req) {
		s.mu.Lock()
		t.status.Superseded++
		s.mu.Unlock()
		log.Debug("build superseded", zap.Bool("completed", err == nil))
		return
	}

	if err != nil {
		if !mesh.IsUserVisible(err) {
			// Cancelled by Close.
			log.Debug("build abandoned", zap.Error(err))
			return
		}
		if mesh.IsTimeout(err) {
			log.Warn("build failed", zap.String("reason", "timeout"), zap.Error(err))
		} else {
			log.Warn("build failed", zap.String("reason", "kernel"), zap.Error(err))
		}
		s.finish(t, Result{Target: t.name, Seq: req.Seq, State: Failed, Err: err}, s.now().Sub(start))
		return
	}

	gen, ok := s.commit(t, req, art, expected, log)
	if !ok {
		return
	}
	log.Info("mesh installed",
		zap.Uint64("generation", gen),
		zap.Int("triangles", art.Buffers.TriangleCount()),
		zap.Duration("duration", art.Duration))

	installed := t.store.Read().Artifact
	if installed == nil || installed.Generation != gen {
		installed = art
	}
	s.finish(t, Result{Target: t.name, Seq: req.Seq, State: Installed, Artifact: installed, Generation: gen}, s.now().Sub(start))
}

// commit installs art, retrying after view commits as long as req is still
// the newest request.
func (s *Scheduler) commit(t *target, req *Request, art *mesh.Artifact, expected uint64, log *zap.Logger) (uint64, bool) {
	for {
		gen, err := t.store.CommitMesh(art, expected)
		if err == nil {
			return gen, true
		}
		if !errors.Is(err, scene.ErrStaleCommit) || !s.isNewest(t, req) {
			s.mu.Lock()
			t.status.Superseded++
			s.mu.Unlock()
			log.Debug("commit discarded", zap.Error(err))
			return 0, false
		}
		log.Debug("retrying stale commit", zap.Uint64("expected", expected), zap.Uint64("current", gen))
		expected = gen
	}
}

func (s *Scheduler) isNewest(t *target, req *Request) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed && t.latest == req.Seq
}

func (s *Scheduler) finish(t *target, res Result, d time.Duration) {
	s.mu.Lock()
	t.status.State = res.State
	t.status.LastOutcome = res.State
	t.status.LastDuration = d
	t.status.Builds++
	if res.Err != nil {
		t.status.Failures++
		t.status.LastError = res.Err.Error()
	} else {
		t.status.LastError = ""
		t.status.Generation = res.Generation
		t.status.ArtifactID = res.Artifact.ID
	}
	s.mu.Unlock()

	if s.onResult != nil {
		s.onResult(res)
	}
}

// Status returns the build status of a target.
func (s *Scheduler) Status(name string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[name]
	if !ok {
		return Status{}, false
	}
	st := t.status
	st.Pending = t.pending != nil
	return st, true
}

// Statuses returns the status of every target sorted by name.
func (s *Scheduler) Statuses() []Status {
	s.mu.Lock()
	out := make([]Status, 0, len(s.targets))
	for _, t := range s.targets {
		st := t.status
		st.Pending = t.pending != nil
		out = append(out, st)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out
}

// Close cancels in-flight builds and waits for workers to exit. Pending
// requests are dropped.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
