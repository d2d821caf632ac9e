// Package watch detects content changes of geometry source files and
// debounces bursts of filesystem notifications into single change events.
package watch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
)

// DefaultDebounce is the quiet period used when none is configured.
const DefaultDebounce = 300 * time.Millisecond

// ErrNotWatched is returned for paths the detector does not track.
var ErrNotWatched = errors.New("path not watched")

// TransientIOError reports that a changed file could not be read. The change
// is dropped; the next notification for the path retries.
type TransientIOError struct {
	Path string
	Err  error
}

func (e *TransientIOError) Error() string {
	return fmt.Sprintf("reading %s: %v", e.Path, e.Err)
}

func (e *TransientIOError) Unwrap() error { return e.Err }

// SourceArtifact is what the detector knows about one watched file.
type SourceArtifact struct {
	Path    string    `json:"path"`
	Hash    string    `json:"hash"`
	ModTime time.Time `json:"mod_time"`
	Size    int64     `json:"size"`
}

// ChangeEvent is emitted once per settled content change.
type ChangeEvent struct {
	Path    string
	Hash    string
	Content []byte
	ModTime time.Time
	Initial bool // produced by Add rather than by an edit
}

// pending is the debounce state of one path.
type pending struct {
	timer clockwork.Timer
	seq   uint64
}

// queued is a unit of work for the Run loop: either a path whose debounce
// window elapsed or a ready event from Add.
type queued struct {
	path string
	ev   *ChangeEvent
}

// Detector turns raw notifications into debounced, content-checked
// ChangeEvents. Run must be running for events to be delivered.
type Detector struct {
	src      Source
	clock    clockwork.Clock
	debounce time.Duration
	filter   Filter
	log      *zap.Logger
	onError  func(error)

	events chan ChangeEvent

	mu       sync.Mutex
	files    map[string]*SourceArtifact
	dirs     map[string]bool
	timers   map[string]*pending
	seq      uint64
	queue    []queued
	wake     chan struct{}
	closed   bool
	readFile func(string) ([]byte, error)
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock sets the clock driving debounce timers.
func WithClock(c clockwork.Clock) Option {
	return func(d *Detector) { d.clock = c }
}

// WithDebounce sets the quiet period.
func WithDebounce(w time.Duration) Option {
	return func(d *Detector) {
		if w > 0 {
			d.debounce = w
		}
	}
}

// WithFilter sets the path filter used for directories.
func WithFilter(f Filter) Option {
	return func(d *Detector) { d.filter = f }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Detector) { d.log = logger.OrNop(l) }
}

// WithErrorHandler receives TransientIOErrors and source errors.
func WithErrorHandler(fn func(error)) Option {
	return func(d *Detector) { d.onError = fn }
}

// NewDetector creates a detector reading notifications from src.
func NewDetector(src Source, opts ...Option) *Detector {
	d := &Detector{
		src:      src,
		clock:    clockwork.NewRealClock(),
		debounce: DefaultDebounce,
		filter:   DefaultFilter(),
		log:      zap.NewNop(),
		events:   make(chan ChangeEvent, 16),
		files:    make(map[string]*SourceArtifact),
		dirs:     make(map[string]bool),
		timers:   make(map[string]*pending),
		wake:     make(chan struct{}, 1),
		readFile: os.ReadFile,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Events returns the channel of settled changes. It is closed when Run
// returns.
func (d *Detector) Events() <-chan ChangeEvent { return d.events }

// Add starts tracking a file, or every allowed file of a directory. Each file
// is hashed immediately and produces one initial event.
func (d *Detector) Add(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return fmt.Errorf("adding %s: %w", path, err)
	}

	if !info.IsDir() {
		if err := d.src.Add(abs); err != nil {
			return err
		}
		return d.track(abs)
	}

	if err := d.src.Add(abs); err != nil {
		return err
	}
	d.mu.Lock()
	d.dirs[abs] = true
	d.mu.Unlock()

	entries, err := os.ReadDir(abs)
	if err != nil {
		return fmt.Errorf("scanning %s: %w", abs, err)
	}
	for _, e := range entries {
		p := filepath.Join(abs, e.Name())
		if e.IsDir() || !d.filter.Allow(p) {
			continue
		}
		if err := d.track(p); err != nil {
			d.report(err)
		}
	}
	return nil
}

// track hashes path, registers it and queues its initial event.
func (d *Detector) track(path string) error {
	content, info, err := d.read(path)
	if err != nil {
		return &TransientIOError{Path: path, Err: err}
	}
	hash := hashContent(content)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[path] = &SourceArtifact{Path: path, Hash: hash, ModTime: info.ModTime(), Size: info.Size()}
	d.enqueueLocked(queued{path: path, ev: &ChangeEvent{
		Path:    path,
		Hash:    hash,
		Content: content,
		ModTime: info.ModTime(),
		Initial: true,
	}})
	return nil
}

// Remove stops tracking a file. Pending changes for it are dropped.
func (d *Detector) Remove(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}

	d.mu.Lock()
	_, ok := d.files[abs]
	delete(d.files, abs)
	p := d.timers[abs]
	delete(d.timers, abs)
	d.mu.Unlock()
	if p != nil && p.timer != nil {
		p.timer.Stop()
	}

	if !ok {
		return ErrNotWatched
	}
	return d.src.Remove(abs)
}

// Artifact returns what is known about path.
func (d *Detector) Artifact(path string) (SourceArtifact, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return SourceArtifact{}, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	a, ok := d.files[abs]
	if !ok {
		return SourceArtifact{}, false
	}
	return *a, true
}

// Artifacts returns all tracked files sorted by path.
func (d *Detector) Artifacts() []SourceArtifact {
	d.mu.Lock()
	out := make([]SourceArtifact, 0, len(d.files))
	for _, a := range d.files {
		out = append(out, *a)
	}
	d.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Run consumes notifications until ctx is done or the source closes.
func (d *Detector) Run(ctx context.Context) error {
	defer d.stop()

	notes := d.src.Events()
	errs := d.src.Errors()
	for {
		// Drain settled work first so events are never starved by a busy
		// source.
		for _, q := range d.takeQueue() {
			if err := d.settle(ctx, q); err != nil {
				return err
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case n, ok := <-notes:
			if !ok {
				return nil
			}
			d.observe(n)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			d.log.Warn("watch source error", zap.Error(err))
			d.report(err)
		case <-d.wake:
		}
	}
}

// observe (re)starts the debounce window for a relevant notification.
// Timers are created and stopped outside d.mu because a fake clock may run
// callbacks synchronously.
func (d *Detector) observe(n Notification) {
	if n.Op == OpChmod {
		return
	}
	path := filepath.Clean(n.Path)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	if _, tracked := d.files[path]; !tracked {
		// New files in a watched directory become tracked once they settle.
		if !d.dirs[filepath.Dir(path)] || !d.filter.Allow(path) || n.Op == OpRemove {
			d.mu.Unlock()
			return
		}
	}
	d.seq++
	seq := d.seq
	old := d.timers[path]
	p := &pending{seq: seq}
	d.timers[path] = p
	d.mu.Unlock()

	if old != nil && old.timer != nil {
		old.timer.Stop()
	}
	t := d.clock.AfterFunc(d.debounce, func() { d.fire(path, seq) })

	d.mu.Lock()
	current := d.timers[path] == p
	if current {
		p.timer = t
	}
	d.mu.Unlock()
	if !current {
		t.Stop()
	}
}

// observed returns the number of notifications that started a window.
func (d *Detector) observed() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.seq
}

// fire runs on the clock's goroutine. It only hands the path to Run.
func (d *Detector) fire(path string, seq uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.timers[path]
	if p == nil || p.seq != seq {
		return // superseded by a later notification
	}
	delete(d.timers, path)
	d.enqueueLocked(queued{path: path})
}

func (d *Detector) enqueueLocked(q queued) {
	d.queue = append(d.queue, q)
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *Detector) takeQueue() []queued {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queue
	d.queue = nil
	return q
}

// settle hashes a path whose window elapsed and emits an event when the
// content changed.
func (d *Detector) settle(ctx context.Context, q queued) error {
	ev := q.ev
	if ev == nil {
		var ok bool
		ev, ok = d.check(q.path)
		if !ok {
			return nil
		}
	}

	select {
	case d.events <- *ev:
		d.log.Debug("source changed",
			zap.String("path", ev.Path),
			zap.String("hash", shortHash(ev.Hash)),
			zap.Bool("initial", ev.Initial))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Detector) check(path string) (*ChangeEvent, bool) {
	content, info, err := d.read(path)
	if err != nil {
		d.log.Debug("source unreadable", zap.String("path", path), zap.Error(err))
		d.report(&TransientIOError{Path: path, Err: err})
		return nil, false
	}
	hash := hashContent(content)

	d.mu.Lock()
	defer d.mu.Unlock()
	art, tracked := d.files[path]
	if tracked && art.Hash == hash {
		// Touch or rewrite with identical content.
		art.ModTime = info.ModTime()
		return nil, false
	}
	if !tracked {
		if !d.dirs[filepath.Dir(path)] {
			return nil, false // removed while settling
		}
		art = &SourceArtifact{Path: path}
		d.files[path] = art
	}
	art.Hash = hash
	art.ModTime = info.ModTime()
	art.Size = info.Size()

	return &ChangeEvent{Path: path, Hash: hash, Content: content, ModTime: info.ModTime()}, true
}

func (d *Detector) read(path string) ([]byte, os.FileInfo, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, fmt.Errorf("%s is a directory", path)
	}
	content, err := d.readFile(path)
	if err != nil {
		return nil, nil, err
	}
	return content, info, nil
}

func (d *Detector) report(err error) {
	if d.onError != nil {
		d.onError(err)
	}
}

func (d *Detector) stop() {
	d.mu.Lock()
	d.closed = true
	timers := d.timers
	d.timers = make(map[string]*pending)
	d.mu.Unlock()

	for _, p := range timers {
		if p.timer != nil {
			p.timer.Stop()
		}
	}
	close(d.events)
}

func hashContent(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}
