// Package mesh turns geometry descriptions into validated mesh artifacts by
// invoking a geometry kernel under an enforced timeout.
package mesh

import (
	"errors"
	"fmt"
	gomath "math"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/Faultbox/meshlive/pkg/formats"
	"github.com/Faultbox/meshlive/pkg/math"
)

// Size factor limits accepted by the kernels.
const (
	MinSizeFactor = 0.01
	MaxSizeFactor = 100.0
)

// Validation errors.
var (
	ErrInvalidParams    = errors.New("invalid mesh parameters")
	ErrEmptyDescription = errors.New("empty geometry description")
	ErrEmptyMesh        = errors.New("kernel produced an empty mesh")
	ErrMalformedMesh    = errors.New("kernel produced a malformed mesh")
)

// Params are the user-tunable inputs of a build.
type Params struct {
	SizeFactor float64           `json:"size_factor" yaml:"size_factor"`
	Options    map[string]string `json:"options,omitempty" yaml:"options,omitempty"`
}

// DefaultParams returns the parameters used when nothing was requested.
func DefaultParams() Params {
	return Params{SizeFactor: 1.0}
}

// Validate checks the parameter ranges.
func (p Params) Validate() error {
	if gomath.IsNaN(p.SizeFactor) || p.SizeFactor < MinSizeFactor || p.SizeFactor > MaxSizeFactor {
		return fmt.Errorf("%w: size_factor %v outside [%v, %v]", ErrInvalidParams, p.SizeFactor, MinSizeFactor, MaxSizeFactor)
	}
	for k := range p.Options {
		if k == "" {
			return fmt.Errorf("%w: empty option name", ErrInvalidParams)
		}
	}
	return nil
}

// Key returns a canonical encoding of p, stable across map ordering.
func (p Params) Key() string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatFloat(p.SizeFactor, 'g', -1, 64))

	keys := make([]string, 0, len(p.Options))
	for k := range p.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteByte(';')
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(p.Options[k])
	}
	return sb.String()
}

// Equal reports whether p and other describe the same build inputs.
func (p Params) Equal(other Params) bool {
	return p.Key() == other.Key()
}

// Description is the geometry source handed to the kernel.
type Description struct {
	Name    string // source path; also used as a format hint
	Content []byte
	Hash    string
}

// Buffers holds triangle geometry as packed arrays.
type Buffers struct {
	Positions []float32 `json:"positions"`
	Normals   []float32 `json:"normals"`
	Indices   []uint32  `json:"indices"`
}

// FromFormat converts a decoded mesh file into kernel buffers.
func FromFormat(m *formats.Mesh) *Buffers {
	return &Buffers{Positions: m.Positions, Normals: m.Normals, Indices: m.Indices}
}

// VertexCount returns the number of vertices.
func (b *Buffers) VertexCount() int { return len(b.Positions) / 3 }

// TriangleCount returns the number of triangles.
func (b *Buffers) TriangleCount() int { return len(b.Indices) / 3 }

func (b *Buffers) vertex(i uint32) math.Vec3 {
	return math.Vec3{X: b.Positions[i*3], Y: b.Positions[i*3+1], Z: b.Positions[i*3+2]}
}

// Artifact is a validated, immutable build result.
// Generation is zero until the scene store installs the artifact.
type Artifact struct {
	ID         string
	Target     string
	SourceHash string
	Params     Params
	Buffers    Buffers
	Bounds     math.Bounds
	Generation uint64
	BuiltAt    time.Time
	Duration   time.Duration
}

// degenerateArea is the cross-product magnitude below which a triangle is
// dropped.
const degenerateArea = 1e-10

// finalize validates kernel output and returns an owned copy with degenerate
// triangles removed, normals filled in and bounds computed. It never returns
// partially valid buffers.
func finalize(in *Buffers) (Buffers, math.Bounds, error) {
	if in == nil || len(in.Positions) == 0 || len(in.Indices) == 0 {
		return Buffers{}, math.Bounds{}, ErrEmptyMesh
	}
	if len(in.Positions)%3 != 0 {
		return Buffers{}, math.Bounds{}, fmt.Errorf("%w: %d position components", ErrMalformedMesh, len(in.Positions))
	}
	if len(in.Indices)%3 != 0 {
		return Buffers{}, math.Bounds{}, fmt.Errorf("%w: %d indices", ErrMalformedMesh, len(in.Indices))
	}
	if len(in.Normals) != 0 && len(in.Normals) != len(in.Positions) {
		return Buffers{}, math.Bounds{}, fmt.Errorf("%w: %d normals for %d positions", ErrMalformedMesh, len(in.Normals), len(in.Positions))
	}

	nVerts := uint32(in.VertexCount())
	bounds := math.EmptyBounds()
	for i := uint32(0); i < nVerts; i++ {
		v := in.vertex(i)
		if !v.IsFinite() {
			return Buffers{}, math.Bounds{}, fmt.Errorf("%w: vertex %d is not finite", ErrMalformedMesh, i)
		}
		bounds = bounds.Extend(v)
	}

	indices := make([]uint32, 0, len(in.Indices))
	for t := 0; t < len(in.Indices); t += 3 {
		a, b, c := in.Indices[t], in.Indices[t+1], in.Indices[t+2]
		if a >= nVerts || b >= nVerts || c >= nVerts {
			return Buffers{}, math.Bounds{}, fmt.Errorf("%w: triangle %d references vertex outside [0,%d)", ErrMalformedMesh, t/3, nVerts)
		}
		va := in.vertex(a)
		n := in.vertex(b).Sub(va).Cross(in.vertex(c).Sub(va))
		if n.Length() < degenerateArea {
			continue
		}
		indices = append(indices, a, b, c)
	}
	if len(indices) == 0 {
		return Buffers{}, math.Bounds{}, fmt.Errorf("%w: all triangles degenerate", ErrEmptyMesh)
	}

	out := Buffers{
		Positions: slices.Clone(in.Positions),
		Indices:   indices,
	}
	if len(in.Normals) != 0 {
		out.Normals = slices.Clone(in.Normals)
	} else {
		out.Normals = vertexNormals(&out)
	}
	return out, bounds, nil
}

// vertexNormals computes area-weighted per-vertex normals.
func vertexNormals(b *Buffers) []float32 {
	acc := make([]math.Vec3, b.VertexCount())
	for t := 0; t < len(b.Indices); t += 3 {
		ia, ib, ic := b.Indices[t], b.Indices[t+1], b.Indices[t+2]
		va := b.vertex(ia)
		n := b.vertex(ib).Sub(va).Cross(b.vertex(ic).Sub(va))
		acc[ia] = acc[ia].Add(n)
		acc[ib] = acc[ib].Add(n)
		acc[ic] = acc[ic].Add(n)
	}

	out := make([]float32, len(b.Positions))
	for i, n := range acc {
		n = n.Normalize()
		out[i*3], out[i*3+1], out[i*3+2] = n.X, n.Y, n.Z
	}
	return out
}
