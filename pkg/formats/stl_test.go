package formats

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

// createTestSTL builds a binary STL with the given triangles.
func createTestSTL(tris [][9]float32) []byte {
	buf := new(bytes.Buffer)
	buf.Write(make([]byte, 80))
	binary.Write(buf, binary.LittleEndian, uint32(len(tris)))
	for _, tri := range tris {
		binary.Write(buf, binary.LittleEndian, [3]float32{0, 0, 1})
		binary.Write(buf, binary.LittleEndian, tri)
		binary.Write(buf, binary.LittleEndian, uint16(0))
	}
	return buf.Bytes()
}

const asciiSquare = `solid square
  facet normal 0 0 1
    outer loop
      vertex 0 0 0
      vertex 1 0 0
      vertex 1 1 0
    endloop
  endfacet
  facet normal 0 0 1
    outer loop
      vertex 0 0 0
      vertex 1 1 0
      vertex 0 1 0
    endloop
  endfacet
endsolid square
`

func TestParseSTLBinary_ValidFile(t *testing.T) {
	data := createTestSTL([][9]float32{
		{0, 0, 0, 1, 0, 0, 0, 1, 0},
		{0, 0, 1, 1, 0, 1, 0, 1, 1},
	})

	mesh, err := ParseSTLBinary(data)
	if err != nil {
		t.Fatalf("ParseSTLBinary failed: %v", err)
	}
	if mesh.TriangleCount() != 2 {
		t.Errorf("expected 2 triangles, got %d", mesh.TriangleCount())
	}
	if mesh.VertexCount() != 6 {
		t.Errorf("expected 6 vertices, got %d", mesh.VertexCount())
	}
	if len(mesh.Normals) != len(mesh.Positions) {
		t.Errorf("normals length %d != positions length %d", len(mesh.Normals), len(mesh.Positions))
	}

	b := mesh.Bounds()
	if b.Max.Z != 1 || b.Min.Z != 0 {
		t.Errorf("unexpected bounds %+v", b)
	}
}

func TestParseSTLBinary_Truncated(t *testing.T) {
	data := createTestSTL([][9]float32{{0, 0, 0, 1, 0, 0, 0, 1, 0}})

	tests := []struct {
		name string
		data []byte
	}{
		{"header only", data[:40]},
		{"missing triangle", data[:84+20]},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSTLBinary(tt.data)
			if !errors.Is(err, ErrTruncatedSTL) {
				t.Errorf("expected ErrTruncatedSTL, got %v", err)
			}
		})
	}
}

func TestParseSTLASCII(t *testing.T) {
	mesh, err := ParseSTLASCII([]byte(asciiSquare))
	if err != nil {
		t.Fatalf("ParseSTLASCII failed: %v", err)
	}
	if mesh.TriangleCount() != 2 {
		t.Errorf("expected 2 triangles, got %d", mesh.TriangleCount())
	}
	if got := mesh.Vertex(2); got.X != 1 || got.Y != 1 {
		t.Errorf("vertex 2 = %v, want (1,1,0)", got)
	}
}

func TestParseSTLASCII_Errors(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{
			name:    "unknown keyword",
			input:   "solid x\n  banana\nendsolid x\n",
			wantErr: ErrInvalidSTL,
		},
		{
			name:    "vertex outside facet",
			input:   "solid x\n vertex 0 0 0\nendsolid x\n",
			wantErr: ErrInvalidSTL,
		},
		{
			name:    "too few vertices",
			input:   "solid x\nfacet normal 0 0 1\nouter loop\nvertex 0 0 0\nendloop\nendfacet\n",
			wantErr: ErrInvalidSTL,
		},
		{
			name:    "unterminated facet",
			input:   "solid x\nfacet normal 0 0 1\nouter loop\nvertex 0 0 0\n",
			wantErr: ErrTruncatedSTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSTLASCII([]byte(tt.input))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestWriteSTL_ReadBack(t *testing.T) {
	src, err := ParseSTLASCII([]byte(asciiSquare))
	if err != nil {
		t.Fatalf("ParseSTLASCII failed: %v", err)
	}

	var buf bytes.Buffer
	if err := WriteSTL(&buf, src); err != nil {
		t.Fatalf("WriteSTL failed: %v", err)
	}
	if Detect(buf.Bytes(), "") != FormatSTLBinary {
		t.Fatalf("written data not detected as binary STL")
	}

	got, err := ParseSTLBinary(buf.Bytes())
	if err != nil {
		t.Fatalf("ParseSTLBinary failed: %v", err)
	}
	if got.TriangleCount() != src.TriangleCount() {
		t.Errorf("triangle count %d, want %d", got.TriangleCount(), src.TriangleCount())
	}
	if got.Bounds() != src.Bounds() {
		t.Errorf("bounds %+v, want %+v", got.Bounds(), src.Bounds())
	}
	// Winding gives +Z facet normals.
	if got.Normals[2] != 1 {
		t.Errorf("expected +Z normal, got %v", got.Normals[:3])
	}
}

func TestDetect(t *testing.T) {
	binarySTL := createTestSTL([][9]float32{{0, 0, 0, 1, 0, 0, 0, 1, 0}})

	tests := []struct {
		name string
		data []byte
		file string
		want Format
	}{
		{"binary stl", binarySTL, "", FormatSTLBinary},
		{"ascii stl", []byte(asciiSquare), "", FormatSTLASCII},
		{"vtk", []byte(vtkTriangles), "", FormatVTKLegacy},
		{"extension hint", []byte("garbage"), "part.vtk", FormatVTKLegacy},
		{"unknown", []byte("garbage"), "part.txt", FormatUnknown},
		{"empty", nil, "part.stl", FormatUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Detect(tt.data, tt.file); got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestParse_Empty(t *testing.T) {
	if _, _, err := Parse(nil, "x.stl"); !errors.Is(err, ErrEmptyData) {
		t.Errorf("expected ErrEmptyData, got %v", err)
	}
	if _, _, err := Parse([]byte("nothing here"), "x.txt"); !errors.Is(err, ErrUnknownFormat) {
		t.Errorf("expected ErrUnknownFormat, got %v", err)
	}
}
