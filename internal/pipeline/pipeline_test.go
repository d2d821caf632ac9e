package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/meshlive/internal/build"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/protocol"
	"github.com/Faultbox/meshlive/internal/scene"
	"github.com/Faultbox/meshlive/internal/watch"
)

const waitFor = 3 * time.Second

const triangle = "solid t\nfacet normal 0 0 1\nouter loop\nvertex 0 0 0\nvertex 1 0 0\nvertex 0 1 0\nendloop\nendfacet\nendsolid t\n"

const twoTriangles = "solid t\n" +
	"facet normal 0 0 1\nouter loop\nvertex 0 0 0\nvertex 2 0 0\nvertex 0 2 0\nendloop\nendfacet\n" +
	"facet normal 0 0 1\nouter loop\nvertex 2 0 0\nvertex 2 2 0\nvertex 0 2 0\nendloop\nendfacet\n" +
	"endsolid t\n"

type recorder struct{ sent chan any }

func (r *recorder) Send(_ context.Context, data []byte) error {
	msg, err := protocol.Decode(data)
	if err != nil {
		return err
	}
	r.sent <- msg
	return nil
}

func (r *recorder) Close() error { return nil }

// nextState returns the next full or delta message, skipping status notices.
func (r *recorder) nextState(t *testing.T) any {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-r.sent:
			if _, ok := m.(*protocol.Status); ok {
				continue
			}
			return m
		case <-deadline:
			t.Fatal("timed out waiting for a state message")
			return nil
		}
	}
}

type harness struct {
	p   *Pipeline
	src *watch.ChanSource
	dir string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	src := watch.NewChanSource(16)
	det := watch.NewDetector(src, watch.WithDebounce(10*time.Millisecond))
	p := New(det, mesh.NewBuilder(mesh.FileKernel{}), Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(waitFor):
			t.Error("pipeline did not stop")
		}
	})
	return &harness{p: p, src: src, dir: t.TempDir()}
}

func (h *harness) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(h.dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func (h *harness) waitInstalled(t *testing.T, id string, builds uint64) Info {
	t.Helper()
	var info Info
	require.Eventually(t, func() bool {
		var err error
		info, err = h.p.Info(id)
		return err == nil && info.Build.LastOutcome == build.Installed && info.Build.Builds >= builds
	}, waitFor, 5*time.Millisecond)
	return info
}

func TestInitialBuildInstallsAndFramesCamera(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))

	info := h.waitInstalled(t, "part.stl", 1)
	assert.Equal(t, path, info.Path)
	assert.NotEmpty(t, info.ArtifactID)

	tg, ok := h.p.Target("part.stl")
	require.True(t, ok)
	require.Eventually(t, func() bool { return tg.framed.Load() && tg.Store.Generation() >= 2 }, waitFor, time.Millisecond)
	st := tg.Store.Read()
	assert.InDelta(t, 0.5, st.View.Center.X, 1e-6)
	assert.InDelta(t, 0.5, st.View.Center.Y, 1e-6)
}

func TestEditFlowsToWidget(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))
	h.waitInstalled(t, "part.stl", 1)

	tg, _ := h.p.Target("part.stl")
	require.Eventually(t, func() bool { return tg.framed.Load() && tg.Store.Generation() >= 2 }, waitFor, time.Millisecond)

	rec := &recorder{sent: make(chan any, 64)}
	c, err := tg.Bridge.Attach(rec)
	require.NoError(t, err)

	full, ok := rec.nextState(t).(*protocol.Full)
	require.True(t, ok)
	require.NotNil(t, full.Mesh)
	assert.Len(t, full.Mesh.Indices, 3)
	require.True(t, c.Ack(full.Generation))

	// View-only edits skip the builder.
	v := full.View
	v.Representation = scene.Wireframe
	gen, err := h.p.SetView("part.stl", v)
	require.NoError(t, err)
	delta, ok := rec.nextState(t).(*protocol.Delta)
	require.True(t, ok)
	assert.Equal(t, gen, delta.Generation)
	assert.Equal(t, scene.Wireframe, delta.View.Representation)
	require.True(t, c.Ack(gen))

	// A source edit produces a new artifact and a full payload.
	h.write(t, "part.stl", twoTriangles)
	h.src.Notify(path, watch.OpWrite)
	full, ok = rec.nextState(t).(*protocol.Full)
	require.True(t, ok)
	assert.Len(t, full.Mesh.Indices, 6)
	assert.Equal(t, scene.Wireframe, full.View.Representation, "view survives rebuilds")
	require.True(t, c.Ack(full.Generation))

	info := h.waitInstalled(t, "part.stl", 2)
	assert.Equal(t, uint64(0), info.Build.Failures)
}

func TestRequestRebuildWithParams(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))
	first := h.waitInstalled(t, "part.stl", 1)

	_, err := h.p.RequestRebuild("part.stl", &mesh.Params{SizeFactor: 2})
	require.NoError(t, err)
	info := h.waitInstalled(t, "part.stl", 2)
	assert.NotEqual(t, first.ArtifactID, info.ArtifactID)
	assert.Equal(t, 2.0, info.Build.Params.SizeFactor)

	_, err = h.p.RequestRebuild("part.stl", &mesh.Params{SizeFactor: 500})
	assert.ErrorIs(t, err, mesh.ErrInvalidParams)
	_, err = h.p.RequestRebuild("nope", nil)
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestBrokenSourceKeepsLastArtifact(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))
	before := h.waitInstalled(t, "part.stl", 1)

	h.write(t, "part.stl", "solid t\nfacet normal 0 0 1\nouter loop\nvertex 0 0\n")
	h.src.Notify(path, watch.OpWrite)

	require.Eventually(t, func() bool {
		info, err := h.p.Info("part.stl")
		return err == nil && info.Build.LastOutcome == build.Failed
	}, waitFor, 5*time.Millisecond)

	after, err := h.p.Info("part.stl")
	require.NoError(t, err)
	assert.Equal(t, before.ArtifactID, after.ArtifactID)
	assert.NotEmpty(t, after.Build.LastError)
}

func TestTargetIDsAreUnique(t *testing.T) {
	h := newHarness(t)
	a := h.write(t, "a/part name.stl", triangle)
	b := h.write(t, "b/part name.stl", triangle)
	require.NoError(t, h.p.Watch(a))
	h.waitInstalled(t, "part_name.stl", 1)
	require.NoError(t, h.p.Watch(b))
	h.waitInstalled(t, "part_name.stl-2", 1)

	targets := h.p.Targets()
	require.Len(t, targets, 2)
	assert.Equal(t, a, targets[0].Path)
	assert.Equal(t, b, targets[1].Path)
	assert.Equal(t, 2, h.p.Stats().Targets)
}

func TestResetCameraKeepsDisplaySettings(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))
	h.waitInstalled(t, "part.stl", 1)

	tg, _ := h.p.Target("part.stl")
	require.Eventually(t, func() bool { return tg.framed.Load() }, waitFor, time.Millisecond)

	v := tg.Store.Read().View
	v.Color = "red"
	v.Center.X = 40
	set, err := h.p.SetView("part.stl", v)
	require.NoError(t, err)

	gen, err := h.p.ResetCamera("part.stl")
	require.NoError(t, err)
	assert.Greater(t, gen, set)

	st := tg.Store.Read()
	assert.Equal(t, "red", st.View.Color)
	assert.InDelta(t, 0.5, st.View.Center.X, 1e-6)
}

func TestSetViewValidates(t *testing.T) {
	h := newHarness(t)
	path := h.write(t, "part.stl", triangle)
	require.NoError(t, h.p.Watch(path))
	h.waitInstalled(t, "part.stl", 1)

	v := scene.DefaultView()
	v.Opacity = 2
	_, err := h.p.SetView("part.stl", v)
	assert.ErrorIs(t, err, scene.ErrInvalidView)
	_, err = h.p.SetView("missing", scene.DefaultView())
	assert.ErrorIs(t, err, ErrUnknownTarget)
	_, err = h.p.ResetCamera("missing")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}
