package formats

import (
	"errors"
	"testing"
)

const vtkTriangles = `# vtk DataFile Version 3.0
two triangles
ASCII
DATASET POLYDATA
POINTS 4 float
0 0 0
1 0 0
1 1 0
0 1 0
POLYGONS 1 5
4 0 1 2 3
POINT_DATA 4
SCALARS height float 1
LOOKUP_TABLE default
0 0 0 0
`

const vtkTetraGrid = `# vtk DataFile Version 3.0
one tetra
ASCII
DATASET UNSTRUCTURED_GRID
POINTS 4 double
0 0 0
1 0 0
0 1 0
0 0 1
CELLS 1 5
4 0 1 2 3
CELL_TYPES 1
10
`

const vtkModernLayout = `# vtk DataFile Version 5.1
modern layout
ASCII
DATASET UNSTRUCTURED_GRID
POINTS 3 float
0 0 0 1 0 0 0 1 0
CELLS 2 3
OFFSETS vtktypeint64
0 3
CONNECTIVITY vtktypeint64
0 1 2
CELL_TYPES 1
5
`

func TestParseVTK_PolyData(t *testing.T) {
	mesh, err := ParseVTK([]byte(vtkTriangles))
	if err != nil {
		t.Fatalf("ParseVTK failed: %v", err)
	}
	if mesh.VertexCount() != 4 {
		t.Errorf("expected 4 vertices, got %d", mesh.VertexCount())
	}
	// The quad polygon is fan-triangulated.
	if mesh.TriangleCount() != 2 {
		t.Errorf("expected 2 triangles, got %d", mesh.TriangleCount())
	}
}

func TestParseVTK_UnstructuredTetra(t *testing.T) {
	mesh, err := ParseVTK([]byte(vtkTetraGrid))
	if err != nil {
		t.Fatalf("ParseVTK failed: %v", err)
	}
	if mesh.TriangleCount() != 4 {
		t.Errorf("expected 4 boundary triangles, got %d", mesh.TriangleCount())
	}
}

func TestParseVTK_ModernLayout(t *testing.T) {
	mesh, err := ParseVTK([]byte(vtkModernLayout))
	if err != nil {
		t.Fatalf("ParseVTK failed: %v", err)
	}
	if mesh.TriangleCount() != 1 {
		t.Errorf("expected 1 triangle, got %d", mesh.TriangleCount())
	}
}

func TestParseVTK_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "bad header",
			input:   "hello\nworld\nASCII\n",
			wantErr: ErrInvalidVTKHeader,
		},
		{
			name:    "binary encoding",
			input:   "# vtk DataFile Version 3.0\nx\nBINARY\n",
			wantErr: ErrUnsupportedVTK,
		},
		{
			name:    "structured points",
			input:   "# vtk DataFile Version 3.0\nx\nASCII\nDATASET STRUCTURED_POINTS\n",
			wantErr: ErrUnsupportedVTK,
		},
		{
			name:    "index out of range",
			input:   "# vtk DataFile Version 3.0\nx\nASCII\nDATASET POLYDATA\nPOINTS 3 float\n0 0 0 1 0 0 0 1 0\nPOLYGONS 1 4\n3 0 1 7\n",
			wantErr: ErrVTKIndexOutOfRange,
		},
		{
			name:    "truncated points",
			input:   "# vtk DataFile Version 3.0\nx\nASCII\nDATASET POLYDATA\nPOINTS 3 float\n0 0 0\n",
			wantErr: ErrTruncatedVTK,
		},
		{
			name:    "missing cell types",
			input:   "# vtk DataFile Version 3.0\nx\nASCII\nDATASET UNSTRUCTURED_GRID\nPOINTS 3 float\n0 0 0 1 0 0 0 1 0\nCELLS 1 4\n3 0 1 2\n",
			wantErr: ErrTruncatedVTK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVTK([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParse_DispatchesVTK(t *testing.T) {
	mesh, format, err := Parse([]byte(vtkTetraGrid), "volume.vtk")
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if format != FormatVTKLegacy {
		t.Errorf("format = %s, want %s", format, FormatVTKLegacy)
	}
	if mesh.TriangleCount() != 4 {
		t.Errorf("expected 4 triangles, got %d", mesh.TriangleCount())
	}
}
