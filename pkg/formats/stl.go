package formats

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	gomath "math"
	"strconv"
	"strings"
)

// STL format errors.
var (
	ErrTruncatedSTL = errors.New("truncated STL data")
	ErrInvalidSTL   = errors.New("invalid STL data")
)

const (
	stlHeaderSize   = 80
	stlTriangleSize = 50 // normal + 3 vertices (12 float32) + attribute word
	maxSTLTriangles = 50_000_000
)

// isBinarySTL checks the size invariant of binary STL. ASCII files that
// happen to start with "solid" practically never satisfy it.
func isBinarySTL(data []byte) bool {
	if len(data) < stlHeaderSize+4 {
		return false
	}
	count := binary.LittleEndian.Uint32(data[stlHeaderSize:])
	return uint64(len(data)) == stlHeaderSize+4+uint64(count)*stlTriangleSize
}

// ParseSTLBinary parses a binary STL file.
func ParseSTLBinary(data []byte) (*Mesh, error) {
	if len(data) < stlHeaderSize+4 {
		return nil, ErrTruncatedSTL
	}

	r := bytes.NewReader(data[stlHeaderSize:])

	var count uint32
	if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
		return nil, fmt.Errorf("%w: reading triangle count", ErrTruncatedSTL)
	}
	if count > maxSTLTriangles {
		return nil, fmt.Errorf("%w: triangle count %d", ErrInvalidSTL, count)
	}
	if uint64(r.Len()) < uint64(count)*stlTriangleSize {
		return nil, fmt.Errorf("%w: need %d triangles", ErrTruncatedSTL, count)
	}

	mesh := &Mesh{
		Positions: make([]float32, 0, count*9),
		Normals:   make([]float32, 0, count*9),
		Indices:   make([]uint32, 0, count*3),
	}

	var tri struct {
		Normal   [3]float32
		Vertices [3][3]float32
		Attr     uint16
	}
	for i := uint32(0); i < count; i++ {
		if err := binary.Read(r, binary.LittleEndian, &tri); err != nil {
			return nil, fmt.Errorf("%w: triangle %d", ErrTruncatedSTL, i)
		}
		base := uint32(len(mesh.Positions) / 3)
		for _, v := range tri.Vertices {
			mesh.Positions = append(mesh.Positions, v[0], v[1], v[2])
			mesh.Normals = append(mesh.Normals, tri.Normal[0], tri.Normal[1], tri.Normal[2])
		}
		mesh.Indices = append(mesh.Indices, base, base+1, base+2)
	}

	return mesh, nil
}

// ParseSTLASCII parses an ASCII STL file.
//
//	solid name
//	  facet normal nx ny nz
//	    outer loop
//	      vertex x y z   (x3)
//	    endloop
//	  endfacet
//	endsolid name
func ParseSTLASCII(data []byte) (*Mesh, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)

	mesh := &Mesh{}
	var (
		normal  [3]float32
		loop    [][3]float32
		inFacet bool
		line    int
	)

	for sc.Scan() {
		line++
		fields := strings.Fields(sc.Text())
		if len(fields) == 0 {
			continue
		}

		switch strings.ToLower(fields[0]) {
		case "solid", "endsolid", "outer", "endloop":
		case "facet":
			if len(fields) != 5 || strings.ToLower(fields[1]) != "normal" {
				return nil, fmt.Errorf("%w: line %d: malformed facet", ErrInvalidSTL, line)
			}
			n, err := parseFloats(fields[2:5])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidSTL, line, err)
			}
			normal = n
			loop = loop[:0]
			inFacet = true
		case "vertex":
			if !inFacet || len(fields) != 4 {
				return nil, fmt.Errorf("%w: line %d: unexpected vertex", ErrInvalidSTL, line)
			}
			v, err := parseFloats(fields[1:4])
			if err != nil {
				return nil, fmt.Errorf("%w: line %d: %v", ErrInvalidSTL, line, err)
			}
			loop = append(loop, v)
		case "endfacet":
			if !inFacet || len(loop) < 3 {
				return nil, fmt.Errorf("%w: line %d: facet with %d vertices", ErrInvalidSTL, line, len(loop))
			}
			base := uint32(len(mesh.Positions) / 3)
			for _, v := range loop {
				mesh.Positions = append(mesh.Positions, v[0], v[1], v[2])
				mesh.Normals = append(mesh.Normals, normal[0], normal[1], normal[2])
			}
			// Fan-triangulate facets with more than three vertices.
			for k := uint32(1); k+1 < uint32(len(loop)); k++ {
				mesh.Indices = append(mesh.Indices, base, base+k, base+k+1)
			}
			inFacet = false
		default:
			return nil, fmt.Errorf("%w: line %d: unknown keyword %q", ErrInvalidSTL, line, fields[0])
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning STL: %w", err)
	}
	if inFacet {
		return nil, fmt.Errorf("%w: unterminated facet", ErrTruncatedSTL)
	}

	return mesh, nil
}

func parseFloats(fields []string) ([3]float32, error) {
	var out [3]float32
	for i, f := range fields {
		v, err := strconv.ParseFloat(f, 32)
		if err != nil {
			return out, err
		}
		out[i] = float32(v)
	}
	return out, nil
}

// WriteSTL encodes mesh as binary STL. Facet normals are computed from the
// triangle winding.
func WriteSTL(w io.Writer, mesh *Mesh) error {
	header := make([]byte, stlHeaderSize)
	copy(header, "meshlive binary STL")
	if _, err := w.Write(header); err != nil {
		return err
	}

	count := uint32(mesh.TriangleCount())
	if err := binary.Write(w, binary.LittleEndian, count); err != nil {
		return err
	}

	buf := make([]byte, stlTriangleSize)
	for t := 0; t < int(count); t++ {
		a := mesh.Vertex(int(mesh.Indices[t*3]))
		b := mesh.Vertex(int(mesh.Indices[t*3+1]))
		c := mesh.Vertex(int(mesh.Indices[t*3+2]))
		n := b.Sub(a).Cross(c.Sub(a)).Normalize()

		vals := [12]float32{n.X, n.Y, n.Z, a.X, a.Y, a.Z, b.X, b.Y, b.Z, c.X, c.Y, c.Z}
		for i, v := range vals {
			binary.LittleEndian.PutUint32(buf[i*4:], gomath.Float32bits(v))
		}
		buf[48], buf[49] = 0, 0
		if _, err := w.Write(buf); err != nil {
			return err
		}
	}
	return nil
}
