package formats

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// VTK format errors.
var (
	ErrInvalidVTKHeader     = errors.New("invalid VTK header")
	ErrUnsupportedVTK       = errors.New("unsupported VTK content")
	ErrTruncatedVTK         = errors.New("truncated VTK data")
	ErrVTKIndexOutOfRange   = errors.New("VTK cell references missing point")
	errVTKUnexpectedKeyword = errors.New("unexpected VTK keyword")
)

// VTK cell types that produce surface triangles.
const (
	vtkTriangle   = 5
	vtkPolygon    = 7
	vtkPixel      = 8
	vtkQuad       = 9
	vtkTetra      = 10
	vtkHexahedron = 12
	vtkWedge      = 13
)

// ParseVTK parses a legacy ASCII VTK file with POLYDATA or
// UNSTRUCTURED_GRID geometry. Volume cells are reduced to their boundary
// faces; point and cell attribute sections are skipped.
func ParseVTK(data []byte) (*Mesh, error) {
	br := bufio.NewReader(bytes.NewReader(data))

	// Header: version line, title, encoding.
	var header [3]string
	for i := range header {
		line, err := br.ReadString('\n')
		if err != nil && line == "" {
			return nil, fmt.Errorf("%w: missing header line %d", ErrInvalidVTKHeader, i+1)
		}
		header[i] = strings.TrimSpace(line)
	}
	if !strings.HasPrefix(header[0], "# vtk DataFile") {
		return nil, ErrInvalidVTKHeader
	}
	if !strings.EqualFold(header[2], "ASCII") {
		return nil, fmt.Errorf("%w: %s encoding", ErrUnsupportedVTK, header[2])
	}

	sc := bufio.NewScanner(br)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	sc.Split(bufio.ScanWords)
	t := &vtkTokens{sc: sc}

	var (
		points    []float32
		cells     [][]uint32
		cellTypes []int
		polydata  bool
	)

	for {
		kw, ok := t.next()
		if !ok {
			break
		}
		switch strings.ToUpper(kw) {
		case "DATASET":
			kind, _ := t.next()
			switch strings.ToUpper(kind) {
			case "POLYDATA":
				polydata = true
			case "UNSTRUCTURED_GRID":
			default:
				return nil, fmt.Errorf("%w: dataset %s", ErrUnsupportedVTK, kind)
			}
		case "POINTS":
			n, err := t.int()
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, fmt.Errorf("%w: negative point count", ErrTruncatedVTK)
			}
			t.next() // data type
			points = make([]float32, n*3)
			for i := range points {
				f, err := t.float()
				if err != nil {
					return nil, fmt.Errorf("reading point %d: %w", i/3, err)
				}
				points[i] = f
			}
		case "POLYGONS", "CELLS":
			c, err := t.cells()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", kw, err)
			}
			cells = append(cells, c...)
		case "TRIANGLE_STRIPS":
			strips, err := t.cells()
			if err != nil {
				return nil, fmt.Errorf("reading %s: %w", kw, err)
			}
			for _, s := range strips {
				for k := 0; k+2 < len(s); k++ {
					if k%2 == 0 {
						cells = append(cells, []uint32{s[k], s[k+1], s[k+2]})
					} else {
						cells = append(cells, []uint32{s[k+1], s[k], s[k+2]})
					}
				}
			}
		case "VERTICES", "LINES":
			if _, err := t.cells(); err != nil {
				return nil, fmt.Errorf("reading %s: %w", kw, err)
			}
		case "CELL_TYPES":
			n, err := t.int()
			if err != nil {
				return nil, err
			}
			if n < 0 {
				return nil, fmt.Errorf("%w: negative cell type count", ErrTruncatedVTK)
			}
			cellTypes = make([]int, n)
			for i := range cellTypes {
				if cellTypes[i], err = t.int(); err != nil {
					return nil, err
				}
			}
		case "POINT_DATA", "CELL_DATA", "FIELD", "METADATA":
			// Attribute data follows the geometry; nothing after it is needed.
			return assembleVTK(points, cells, cellTypes, polydata)
		default:
			return nil, fmt.Errorf("%w: %q", errVTKUnexpectedKeyword, kw)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning VTK: %w", err)
	}

	return assembleVTK(points, cells, cellTypes, polydata)
}

func assembleVTK(points []float32, cells [][]uint32, cellTypes []int, polydata bool) (*Mesh, error) {
	mesh := &Mesh{Positions: points}
	nPoints := uint32(len(points) / 3)

	for i, c := range cells {
		for _, idx := range c {
			if idx >= nPoints {
				return nil, fmt.Errorf("%w: cell %d index %d", ErrVTKIndexOutOfRange, i, idx)
			}
		}

		ctype := vtkPolygon
		if !polydata {
			if i >= len(cellTypes) {
				return nil, fmt.Errorf("%w: missing CELL_TYPES for cell %d", ErrTruncatedVTK, i)
			}
			ctype = cellTypes[i]
		}
		mesh.Indices = append(mesh.Indices, cellFaces(ctype, c)...)
	}

	return mesh, nil
}

// cellFaces returns triangle indices for the boundary of one cell.
// Unsupported cell kinds (vertices, lines) yield nothing.
func cellFaces(ctype int, c []uint32) []uint32 {
	fan := func(poly ...uint32) []uint32 {
		var out []uint32
		for k := 1; k+1 < len(poly); k++ {
			out = append(out, poly[0], poly[k], poly[k+1])
		}
		return out
	}

	switch {
	case (ctype == vtkTriangle || ctype == vtkPolygon || ctype == vtkQuad) && len(c) >= 3:
		return fan(c...)
	case ctype == vtkPixel && len(c) == 4:
		return fan(c[0], c[1], c[3], c[2])
	case ctype == vtkTetra && len(c) == 4:
		return concat(
			fan(c[0], c[2], c[1]),
			fan(c[0], c[1], c[3]),
			fan(c[1], c[2], c[3]),
			fan(c[0], c[3], c[2]),
		)
	case ctype == vtkWedge && len(c) == 6:
		return concat(
			fan(c[0], c[1], c[2]),
			fan(c[3], c[5], c[4]),
			fan(c[0], c[3], c[4], c[1]),
			fan(c[1], c[4], c[5], c[2]),
			fan(c[2], c[5], c[3], c[0]),
		)
	case ctype == vtkHexahedron && len(c) == 8:
		return concat(
			fan(c[0], c[3], c[2], c[1]),
			fan(c[4], c[5], c[6], c[7]),
			fan(c[0], c[1], c[5], c[4]),
			fan(c[1], c[2], c[6], c[5]),
			fan(c[2], c[3], c[7], c[6]),
			fan(c[3], c[0], c[4], c[7]),
		)
	}
	return nil
}

func concat(parts ...[]uint32) []uint32 {
	var out []uint32
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

type vtkTokens struct {
	sc *bufio.Scanner
}

func (t *vtkTokens) next() (string, bool) {
	if !t.sc.Scan() {
		return "", false
	}
	return t.sc.Text(), true
}

func (t *vtkTokens) int() (int, error) {
	s, ok := t.next()
	if !ok {
		return 0, ErrTruncatedVTK
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("parsing integer %q: %w", s, err)
	}
	return v, nil
}

func (t *vtkTokens) float() (float32, error) {
	s, ok := t.next()
	if !ok {
		return 0, ErrTruncatedVTK
	}
	v, err := strconv.ParseFloat(s, 32)
	if err != nil {
		return 0, fmt.Errorf("parsing float %q: %w", s, err)
	}
	return float32(v), nil
}

// cells reads a connectivity block in either the classic layout
// ("n size" followed by n count-prefixed lists) or the 5.x layout
// ("nOffsets nConn" followed by OFFSETS and CONNECTIVITY arrays).
func (t *vtkTokens) cells() ([][]uint32, error) {
	n, err := t.int()
	if err != nil {
		return nil, err
	}
	size, err := t.int()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	if n < 0 || size < 0 {
		return nil, fmt.Errorf("%w: negative cell count", ErrTruncatedVTK)
	}

	first, ok := t.next()
	if !ok {
		return nil, ErrTruncatedVTK
	}

	if strings.EqualFold(first, "OFFSETS") {
		t.next() // data type
		offsets := make([]int, n)
		for i := range offsets {
			if offsets[i], err = t.int(); err != nil {
				return nil, err
			}
		}
		if kw, _ := t.next(); !strings.EqualFold(kw, "CONNECTIVITY") {
			return nil, fmt.Errorf("%w: expected CONNECTIVITY, got %q", errVTKUnexpectedKeyword, kw)
		}
		t.next() // data type
		conn := make([]uint32, size)
		for i := range conn {
			v, err := t.int()
			if err != nil {
				return nil, err
			}
			conn[i] = uint32(v)
		}
		var out [][]uint32
		for i := 0; i+1 < len(offsets); i++ {
			lo, hi := offsets[i], offsets[i+1]
			if lo < 0 || hi > len(conn) || lo > hi {
				return nil, fmt.Errorf("%w: bad offsets %d..%d", ErrTruncatedVTK, lo, hi)
			}
			out = append(out, conn[lo:hi])
		}
		return out, nil
	}

	out := make([][]uint32, 0, n)
	count, err := strconv.Atoi(first)
	if err != nil {
		return nil, fmt.Errorf("parsing cell size %q: %w", first, err)
	}
	for i := 0; i < n; i++ {
		if i > 0 {
			if count, err = t.int(); err != nil {
				return nil, err
			}
		}
		cell := make([]uint32, count)
		for k := range cell {
			v, err := t.int()
			if err != nil {
				return nil, err
			}
			if v < 0 {
				return nil, fmt.Errorf("%w: negative index", ErrVTKIndexOutOfRange)
			}
			cell[k] = uint32(v)
		}
		out = append(out, cell)
	}
	return out, nil
}
