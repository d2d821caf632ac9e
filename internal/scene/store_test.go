package scene

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/pkg/math"
)

func artifact(id string) *mesh.Artifact {
	return &mesh.Artifact{ID: id, Target: "part.geo"}
}

func TestNewStoreStartsEmpty(t *testing.T) {
	s := NewStore("part.geo")
	st := s.Read()
	assert.Equal(t, "part.geo", st.Target)
	assert.Nil(t, st.Artifact)
	assert.Zero(t, st.Generation)
	assert.Equal(t, DefaultView(), st.View)
	assert.Empty(t, st.ArtifactID())
}

func TestCommitMeshStampsGeneration(t *testing.T) {
	s := NewStore("part.geo")
	art := artifact("a1")

	gen, err := s.CommitMesh(art, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	st := s.Read()
	assert.Equal(t, "a1", st.ArtifactID())
	assert.Equal(t, uint64(1), st.Artifact.Generation)
	assert.Zero(t, art.Generation, "caller's artifact is not mutated")
}

func TestCommitMeshStale(t *testing.T) {
	s := NewStore("part.geo")
	_, err := s.CommitMesh(artifact("a1"), 0)
	require.NoError(t, err)
	s.CommitView(DefaultView())

	gen, err := s.CommitMesh(artifact("a2"), 1)
	assert.ErrorIs(t, err, ErrStaleCommit)
	assert.Equal(t, uint64(2), gen, "the current generation is reported")
	assert.Equal(t, "a1", s.Read().ArtifactID())

	gen, err = s.CommitMesh(artifact("a2"), gen)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), gen)
}

func TestCommitViewRoundTrip(t *testing.T) {
	s := NewStore("part.geo")
	_, err := s.CommitMesh(artifact("a1"), 0)
	require.NoError(t, err)

	v := DefaultView()
	v.Representation = Wireframe
	v.Opacity = 0.5

	gen := s.CommitView(v)
	st := s.Read()
	assert.Equal(t, uint64(2), gen)
	assert.Equal(t, v, st.View)
	assert.Equal(t, "a1", st.ArtifactID(), "view commits keep the artifact")
}

func TestSnapshotsAreImmutable(t *testing.T) {
	s := NewStore("part.geo")
	before := s.Read()
	s.CommitView(View{Representation: Points, Color: "red", Opacity: 1, Distance: 1})
	assert.Equal(t, DefaultView(), before.View)
	assert.Zero(t, before.Generation)
}

func TestRetireHook(t *testing.T) {
	var retired []string
	s := NewStore("part.geo", WithRetire(func(a *mesh.Artifact) { retired = append(retired, a.ID) }))

	_, err := s.CommitMesh(artifact("a1"), 0)
	require.NoError(t, err)
	assert.Empty(t, retired)

	_, err = s.CommitMesh(artifact("a2"), 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"a1"}, retired)
}

func TestObserve(t *testing.T) {
	s := NewStore("part.geo")
	var seen []uint64
	cancel := s.Observe(func(st State) { seen = append(seen, st.Generation) })

	_, _ = s.CommitMesh(artifact("a1"), 0)
	s.CommitView(DefaultView())
	cancel()
	s.CommitView(DefaultView())

	assert.Equal(t, []uint64{1, 2}, seen)
}

func TestConcurrentCommitsAreTotallyOrdered(t *testing.T) {
	s := NewStore("part.geo")
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.CommitView(DefaultView())
		}()
		go func() {
			defer wg.Done()
			for {
				gen := s.Generation()
				if _, err := s.CommitMesh(artifact("a"), gen); err == nil {
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, uint64(2*n), s.Generation())
}

func TestUpdateViewDoesNotLoseConcurrentEdits(t *testing.T) {
	s := NewStore("part.geo")
	_, err := s.CommitMesh(artifact("a1"), 0)
	require.NoError(t, err)
	const n = 50

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.UpdateView(func(st State) View {
				assert.Equal(t, "a1", st.ArtifactID())
				v := st.View
				v.Distance++
				return v
			})
		}()
	}
	wg.Wait()

	st := s.Read()
	assert.Equal(t, uint64(n+1), st.Generation)
	assert.Equal(t, DefaultView().Distance+n, st.View.Distance)
}

func TestViewValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*View)
		ok     bool
	}{
		{"default", func(*View) {}, true},
		{"wireframe", func(v *View) { v.Representation = Wireframe }, true},
		{"unknown representation", func(v *View) { v.Representation = "volume" }, false},
		{"unknown color", func(v *View) { v.Color = "purple" }, false},
		{"opacity above 1", func(v *View) { v.Opacity = 1.5 }, false},
		{"negative opacity", func(v *View) { v.Opacity = -0.1 }, false},
		{"zero distance", func(v *View) { v.Distance = 0 }, false},
		{"pitch too steep", func(v *View) { v.Pitch = 2 }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := DefaultView()
			tt.mutate(&v)
			err := v.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidView)
			}
		})
	}
}

func TestFitView(t *testing.T) {
	v := DefaultView()
	v.Color = "red"
	v.Yaw = 1

	b := math.Bounds{Min: math.Vec3{X: -1, Y: 0, Z: -2}, Max: math.Vec3{X: 1, Y: 4, Z: 2}}
	fit := FitView(v, b)

	assert.Equal(t, math.Vec3{X: 0, Y: 2, Z: 0}, fit.Center)
	assert.Equal(t, float32(8), fit.Distance)
	assert.Zero(t, fit.Yaw)
	assert.Equal(t, "red", fit.Color, "display properties are kept")
	assert.NoError(t, fit.Validate())

	empty := FitView(v, math.EmptyBounds())
	assert.Equal(t, DefaultView().Distance, empty.Distance)
}
