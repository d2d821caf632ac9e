package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testDebounce = 100 * time.Millisecond

type harness struct {
	t      *testing.T
	dir    string
	src    *ChanSource
	clock  *clockwork.FakeClock
	det    *Detector
	cancel context.CancelFunc
	done   chan error

	errMu sync.Mutex
	errs  []error
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		t:     t,
		dir:   t.TempDir(),
		src:   NewChanSource(16),
		clock: clockwork.NewFakeClock(),
		done:  make(chan error, 1),
	}
	h.det = NewDetector(h.src,
		WithClock(h.clock),
		WithDebounce(testDebounce),
		WithErrorHandler(func(err error) {
			h.errMu.Lock()
			h.errs = append(h.errs, err)
			h.errMu.Unlock()
		}),
	)
	return h
}

func (h *harness) start() {
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.done <- h.det.Run(ctx) }()
	h.t.Cleanup(func() {
		cancel()
		<-h.done
	})
}

func (h *harness) write(name, content string) string {
	h.t.Helper()
	p := filepath.Join(h.dir, name)
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

// notify injects a notification and waits until the detector armed a timer
// for it.
func (h *harness) notify(path string, op Op) {
	h.t.Helper()
	before := h.det.observed()
	h.src.Notify(path, op)
	require.Eventually(h.t, func() bool { return h.det.observed() > before }, time.Second, time.Millisecond)
}

func (h *harness) next() ChangeEvent {
	h.t.Helper()
	select {
	case ev := <-h.det.Events():
		return ev
	case <-time.After(2 * time.Second):
		h.t.Fatal("timed out waiting for change event")
		return ChangeEvent{}
	}
}

func (h *harness) none() {
	h.t.Helper()
	select {
	case ev := <-h.det.Events():
		h.t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(50 * time.Millisecond):
	}
}

func (h *harness) errors() []error {
	h.errMu.Lock()
	defer h.errMu.Unlock()
	return append([]error(nil), h.errs...)
}

func TestAddEmitsInitialEvent(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.stl", "solid a")
	require.NoError(t, h.det.Add(p))
	h.start()

	ev := h.next()
	assert.Equal(t, p, ev.Path)
	assert.True(t, ev.Initial)
	assert.Equal(t, hashContent([]byte("solid a")), ev.Hash)
	assert.Equal(t, "solid a", string(ev.Content))
	assert.True(t, h.src.Watching(p))

	art, ok := h.det.Artifact(p)
	require.True(t, ok)
	assert.Equal(t, ev.Hash, art.Hash)
	assert.Equal(t, int64(7), art.Size)
}

func TestDebounceEmitsOnceWithFinalHash(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.geo", "v1")
	require.NoError(t, h.det.Add(p))
	h.start()
	h.next()

	h.write("part.geo", "v2")
	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce / 2)

	h.write("part.geo", "v3")
	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce / 2)
	h.none() // window was reset by the second write

	h.write("part.geo", "v4")
	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce)

	ev := h.next()
	assert.Equal(t, hashContent([]byte("v4")), ev.Hash)
	assert.False(t, ev.Initial)
	h.none()
}

func TestTouchWithoutContentChangeIsDropped(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.geo", "same")
	require.NoError(t, h.det.Add(p))
	h.start()
	h.next()

	h.write("part.geo", "same")
	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce)
	h.none()
}

func TestChmodIsIgnored(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.geo", "v1")
	require.NoError(t, h.det.Add(p))
	h.start()
	h.next()

	h.src.Notify(p, OpChmod)
	h.write("part.geo", "v2")
	h.notify(p, OpWrite)
	assert.Equal(t, uint64(1), h.det.observed())
}

func TestUnreadableFileIsTransient(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.geo", "v1")
	require.NoError(t, h.det.Add(p))
	h.start()
	h.next()

	var failing sync.Mutex
	fail := true
	h.det.mu.Lock()
	h.det.readFile = func(name string) ([]byte, error) {
		failing.Lock()
		defer failing.Unlock()
		if fail {
			return nil, errors.New("locked by editor")
		}
		return os.ReadFile(name)
	}
	h.det.mu.Unlock()

	h.write("part.geo", "v2")
	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce)
	h.none()

	require.Eventually(t, func() bool { return len(h.errors()) == 1 }, time.Second, time.Millisecond)
	var terr *TransientIOError
	require.ErrorAs(t, h.errors()[0], &terr)
	assert.Equal(t, p, terr.Path)

	art, _ := h.det.Artifact(p)
	assert.Equal(t, hashContent([]byte("v1")), art.Hash, "registry keeps the last readable hash")

	failing.Lock()
	fail = false
	failing.Unlock()

	h.notify(p, OpWrite)
	h.clock.Advance(testDebounce)
	ev := h.next()
	assert.Equal(t, hashContent([]byte("v2")), ev.Hash)
}

func TestDirectoryPicksUpNewFiles(t *testing.T) {
	h := newHarness(t)
	h.write("a.stl", "a")
	h.write("notes.txt", "ignored")
	h.write(".hidden.stl", "ignored")
	require.NoError(t, h.det.Add(h.dir))
	h.start()

	ev := h.next()
	assert.Equal(t, filepath.Join(h.dir, "a.stl"), ev.Path)
	h.none()

	p := h.write("b.vtk", "b")
	h.notify(p, OpCreate)
	h.clock.Advance(testDebounce)

	ev = h.next()
	assert.Equal(t, p, ev.Path)
	assert.Len(t, h.det.Artifacts(), 2)

	before := h.det.observed()
	h.src.Notify(filepath.Join(h.dir, "b.vtk.swp"), OpCreate)
	h.src.Notify(filepath.Join(h.dir, "c.txt"), OpWrite)
	h.none()
	assert.Equal(t, before, h.det.observed())
}

func TestRemoveStopsTracking(t *testing.T) {
	h := newHarness(t)
	p := h.write("part.geo", "v1")
	require.NoError(t, h.det.Add(p))
	h.start()
	h.next()

	require.NoError(t, h.det.Remove(p))
	assert.False(t, h.src.Watching(p))
	assert.ErrorIs(t, h.det.Remove(p), ErrNotWatched)

	_, ok := h.det.Artifact(p)
	assert.False(t, ok)
}

func TestRunClosesEventsOnSourceClose(t *testing.T) {
	h := newHarness(t)
	done := make(chan error, 1)
	go func() { done <- h.det.Run(context.Background()) }()

	require.NoError(t, h.src.Close())
	require.NoError(t, <-done)
	_, open := <-h.det.Events()
	assert.False(t, open)
}

func TestFilterAllow(t *testing.T) {
	f := DefaultFilter()
	tests := []struct {
		path string
		want bool
	}{
		{"/src/part.stl", true},
		{"/src/part.STL", true},
		{"/src/model.py", true},
		{"/src/model.geo", true},
		{"/src/params.json", true},
		{"/src/mesh.vtk", true},
		{"/src/readme.md", false},
		{"/src/.part.stl", false},
		{"/src/part.stl~", false},
		{"/src/#part.geo#", false},
		{"/src/part.geo.swp", false},
		{"/src/part.tmp", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, f.Allow(tt.path), tt.path)
	}

	assert.True(t, Filter{}.Allow("/src/anything.txt"))
}
