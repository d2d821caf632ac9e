// Package pipeline wires change detection, building, scene state and widget
// synchronization together per target.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/meshlive/internal/bridge"
	"github.com/Faultbox/meshlive/internal/build"
	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/protocol"
	"github.com/Faultbox/meshlive/internal/scene"
	"github.com/Faultbox/meshlive/internal/watch"
	"github.com/Faultbox/meshlive/pkg/math"
)

// ErrUnknownTarget is returned for target IDs that do not exist.
var ErrUnknownTarget = errors.New("unknown target")

// Target is one tracked source file and the state derived from it.
type Target struct {
	ID     string // short, URL-safe name
	Path   string // cleaned absolute source path
	Store  *scene.Store
	Bridge *bridge.Bridge

	framed atomic.Bool // camera fitted to the first mesh
}

// Info summarizes a target for listings.
type Info struct {
	ID         string       `json:"id"`
	Path       string       `json:"path"`
	Generation uint64       `json:"generation"`
	ArtifactID string       `json:"artifact_id,omitempty"`
	Build      build.Status `json:"build"`
	Sync       bridge.Stats `json:"sync"`
}

// Options configure a Pipeline.
type Options struct {
	Params     mesh.Params   // initial build parameters of new targets
	AckTimeout time.Duration // widget acknowledgement timeout
	Logger     *zap.Logger
}

// Pipeline owns the per-target stores and bridges.
type Pipeline struct {
	detector *watch.Detector
	sched    *build.Scheduler
	opts     Options
	log      *zap.Logger

	mu      sync.RWMutex
	targets map[string]*Target // by ID
	byPath  map[string]*Target
}

// New creates a pipeline that builds with builder and reacts to detector
// events. Run starts it.
func New(detector *watch.Detector, builder build.Builder, opts Options) *Pipeline {
	if opts.Params.SizeFactor == 0 {
		opts.Params = mesh.DefaultParams()
	}
	p := &Pipeline{
		detector: detector,
		opts:     opts,
		log:      logger.OrNop(opts.Logger),
		targets:  make(map[string]*Target),
		byPath:   make(map[string]*Target),
	}
	p.sched = build.NewScheduler(builder,
		build.WithLogger(p.log.Named("build")),
		build.WithResultHandler(p.onResult))
	return p
}

// Watch starts tracking a file or directory.
func (p *Pipeline) Watch(path string) error {
	return p.detector.Add(path)
}

// Run processes change events until ctx is done. It closes the scheduler
// and every bridge before returning.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.shutdown()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.detector.Run(ctx)
	})
	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-p.detector.Events():
				if !ok {
					return nil
				}
				p.handleChange(ev)
			}
		}
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (p *Pipeline) handleChange(ev watch.ChangeEvent) {
	t := p.ensureTarget(ev.Path)
	seq, err := p.sched.Submit(t.ID, ev.Content, ev.Hash)
	if err != nil {
		p.log.Warn("submitting build", zap.String("target", t.ID), zap.Error(err))
		return
	}
	p.log.Debug("build requested",
		zap.String("target", t.ID),
		zap.Uint64("seq", seq),
		zap.Bool("initial", ev.Initial))
	t.Bridge.Notify(protocol.Status{Target: t.ID, State: build.Building.String()})
}

// ensureTarget returns the target for path, creating it on first sight.
func (p *Pipeline) ensureTarget(path string) *Target {
	path = filepath.Clean(path)

	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.byPath[path]; ok {
		return t
	}

	id := p.uniqueIDLocked(path)
	store := scene.NewStore(id,
		scene.WithLogger(p.log.Named("scene")),
		scene.WithRetire(func(a *mesh.Artifact) {
			p.log.Debug("artifact retired", zap.String("target", id), zap.String("artifact", a.ID))
		}))
	t := &Target{
		ID:    id,
		Path:  path,
		Store: store,
		Bridge: bridge.New(store,
			bridge.WithLogger(p.log.Named("bridge")),
			bridge.WithAckTimeout(p.opts.AckTimeout)),
	}
	p.sched.Register(id, store, p.opts.Params)
	p.targets[id] = t
	p.byPath[path] = t
	p.log.Info("tracking target", zap.String("target", id), zap.String("path", path))
	return t
}

// uniqueIDLocked derives a URL-safe ID from the file name.
func (p *Pipeline) uniqueIDLocked(path string) string {
	base := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			return r
		}
		return '_'
	}, filepath.Base(path))

	id := base
	for i := 2; ; i++ {
		if _, taken := p.targets[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s-%d", base, i)
	}
}

// onResult forwards build outcomes to the target's widgets.
func (p *Pipeline) onResult(res build.Result) {
	t, ok := p.Target(res.Target)
	if !ok {
		return
	}
	msg := protocol.Status{Target: res.Target, State: res.State.String(), Generation: res.Generation}
	if res.Err != nil {
		msg.Error = res.Err.Error()
	}
	t.Bridge.Notify(msg)

	if res.State == build.Installed && t.framed.CompareAndSwap(false, true) {
		if _, err := p.ResetCamera(t.ID); err != nil {
			p.log.Warn("framing first mesh", zap.String("target", t.ID), zap.Error(err))
		}
	}
}

// Target returns a target by ID.
func (p *Pipeline) Target(id string) (*Target, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	t, ok := p.targets[id]
	return t, ok
}

// Targets lists all targets sorted by ID.
func (p *Pipeline) Targets() []Info {
	p.mu.RLock()
	ts := make([]*Target, 0, len(p.targets))
	for _, t := range p.targets {
		ts = append(ts, t)
	}
	p.mu.RUnlock()

	out := make([]Info, 0, len(ts))
	for _, t := range ts {
		out = append(out, p.info(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Info returns the summary of one target.
func (p *Pipeline) Info(id string) (Info, error) {
	t, ok := p.Target(id)
	if !ok {
		return Info{}, ErrUnknownTarget
	}
	return p.info(t), nil
}

func (p *Pipeline) info(t *Target) Info {
	st := t.Store.Read()
	bs, _ := p.sched.Status(t.ID)
	return Info{
		ID:         t.ID,
		Path:       t.Path,
		Generation: st.Generation,
		ArtifactID: st.ArtifactID(),
		Build:      bs,
		Sync:       t.Bridge.Stats(),
	}
}

// RequestRebuild schedules a rebuild of a target. Nil params keep the
// current parameters.
func (p *Pipeline) RequestRebuild(id string, params *mesh.Params) (uint64, error) {
	if _, ok := p.Target(id); !ok {
		return 0, ErrUnknownTarget
	}
	return p.sched.Rebuild(id, params)
}

// SetView validates and commits view parameters. It never waits for builds.
func (p *Pipeline) SetView(id string, v scene.View) (uint64, error) {
	t, ok := p.Target(id)
	if !ok {
		return 0, ErrUnknownTarget
	}
	if err := v.Validate(); err != nil {
		return 0, err
	}
	return t.Store.CommitView(v), nil
}

// ResetCamera refits the camera to the installed mesh.
func (p *Pipeline) ResetCamera(id string) (uint64, error) {
	t, ok := p.Target(id)
	if !ok {
		return 0, ErrUnknownTarget
	}
	return t.Store.UpdateView(func(st scene.State) scene.View {
		bounds := math.EmptyBounds()
		if st.Artifact != nil {
			bounds = st.Artifact.Bounds
		}
		return scene.FitView(st.View, bounds)
	}), nil
}

// Stats aggregates counters over all targets.
type Stats struct {
	Targets    int          `json:"targets"`
	Sync       bridge.Stats `json:"sync"`
	Builds     uint64       `json:"builds"`
	Failures   uint64       `json:"failures"`
	Superseded uint64       `json:"superseded"`
}

// Stats returns aggregated counters.
func (p *Pipeline) Stats() Stats {
	var s Stats
	for _, info := range p.Targets() {
		s.Targets++
		s.Builds += info.Build.Builds
		s.Failures += info.Build.Failures
		s.Superseded += info.Build.Superseded
		s.Sync.Clients += info.Sync.Clients
		s.Sync.FullSent += info.Sync.FullSent
		s.Sync.DeltaSent += info.Sync.DeltaSent
		s.Sync.StatusSent += info.Sync.StatusSent
		s.Sync.DroppedFrames += info.Sync.DroppedFrames
		s.Sync.AckTimeouts += info.Sync.AckTimeouts
		s.Sync.SendErrors += info.Sync.SendErrors
	}
	return s
}

func (p *Pipeline) shutdown() {
	p.sched.Close()

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, t := range p.targets {
		t.Bridge.Close()
	}
}
