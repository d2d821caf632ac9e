// Package formats provides decoders for the mesh file formats produced by
// geometry kernels: STL (binary and ASCII) and legacy VTK (ASCII).
package formats

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/Faultbox/meshlive/pkg/math"
)

// Common decoding errors.
var (
	ErrEmptyData     = errors.New("empty mesh data")
	ErrUnknownFormat = errors.New("unknown mesh format")
)

// Format identifies a mesh file encoding.
type Format int

// Supported formats.
const (
	FormatUnknown Format = iota
	FormatSTLBinary
	FormatSTLASCII
	FormatVTKLegacy
)

// String returns a short format name.
func (f Format) String() string {
	switch f {
	case FormatSTLBinary:
		return "stl-binary"
	case FormatSTLASCII:
		return "stl-ascii"
	case FormatVTKLegacy:
		return "vtk-legacy"
	default:
		return "unknown"
	}
}

// Mesh is an indexed triangle mesh.
// Positions and Normals are packed xyz triples; Normals is either empty or
// the same length as Positions.
type Mesh struct {
	Positions []float32
	Normals   []float32
	Indices   []uint32
}

// VertexCount returns the number of vertices.
func (m *Mesh) VertexCount() int {
	return len(m.Positions) / 3
}

// TriangleCount returns the number of triangles.
func (m *Mesh) TriangleCount() int {
	return len(m.Indices) / 3
}

// Vertex returns the position of vertex i.
func (m *Mesh) Vertex(i int) math.Vec3 {
	return math.Vec3{X: m.Positions[i*3], Y: m.Positions[i*3+1], Z: m.Positions[i*3+2]}
}

// Bounds returns the axis-aligned bounding box of all vertices.
func (m *Mesh) Bounds() math.Bounds {
	b := math.EmptyBounds()
	for i := 0; i < m.VertexCount(); i++ {
		b = b.Extend(m.Vertex(i))
	}
	return b
}

// Detect guesses the format of data. The name is only used as a hint when
// the content is ambiguous.
func Detect(data []byte, name string) Format {
	if len(data) == 0 {
		return FormatUnknown
	}
	if isBinarySTL(data) {
		return FormatSTLBinary
	}

	head := data
	if len(head) > 512 {
		head = head[:512]
	}
	trimmed := bytes.TrimLeft(head, " \t\r\n")
	switch {
	case bytes.HasPrefix(trimmed, []byte("# vtk DataFile")):
		return FormatVTKLegacy
	case bytes.HasPrefix(trimmed, []byte("solid")):
		return FormatSTLASCII
	}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".stl":
		return FormatSTLBinary
	case ".vtk":
		return FormatVTKLegacy
	}
	return FormatUnknown
}

// Parse decodes data in whichever supported format it is encoded in.
func Parse(data []byte, name string) (*Mesh, Format, error) {
	if len(data) == 0 {
		return nil, FormatUnknown, ErrEmptyData
	}

	format := Detect(data, name)
	var (
		mesh *Mesh
		err  error
	)
	switch format {
	case FormatSTLBinary:
		mesh, err = ParseSTLBinary(data)
	case FormatSTLASCII:
		mesh, err = ParseSTLASCII(data)
	case FormatVTKLegacy:
		mesh, err = ParseVTK(data)
	default:
		return nil, FormatUnknown, fmt.Errorf("%w: %s", ErrUnknownFormat, name)
	}
	if err != nil {
		return nil, format, err
	}
	return mesh, format, nil
}

// ParseFile reads and decodes a mesh file from disk.
func ParseFile(path string) (*Mesh, Format, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, FormatUnknown, fmt.Errorf("reading mesh file: %w", err)
	}
	return Parse(data, path)
}
