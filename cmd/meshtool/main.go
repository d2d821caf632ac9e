// meshtool is a CLI utility for inspecting and converting mesh files offline.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Faultbox/meshlive/internal/config"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/watch"
	"github.com/Faultbox/meshlive/pkg/formats"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "info":
		cmdInfo(args)
	case "convert":
		cmdConvert(args)
	case "list", "ls":
		cmdList(args)
	case "build":
		cmdBuild(args)
	case "config":
		cmdConfig(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`meshtool - mesh file utility

Usage:
  meshtool <command> [options]

Commands:
  info <file>                       Show format, triangle count and bounds
  convert <in> <out.stl>            Convert a mesh to binary STL
  list <dir> [pattern]              List watchable sources in a directory
  build [-size f] <file> [out.stl]  Run the file kernel once and report
  config init [path]                Write the default configuration

Examples:
  meshtool info bracket.stl
  meshtool convert generated_mesh.vtk bracket.stl
  meshtool list ./models "*.geo"
  meshtool config init`)
}

func fail(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

func cmdInfo(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool info <file>")
		os.Exit(1)
	}

	m, format, err := formats.ParseFile(args[0])
	if err != nil {
		fail(err)
	}

	b := m.Bounds()
	size := b.Size()
	fmt.Printf("File:      %s\n", args[0])
	fmt.Printf("Format:    %s\n", format)
	fmt.Printf("Vertices:  %d\n", m.VertexCount())
	fmt.Printf("Triangles: %d\n", m.TriangleCount())
	fmt.Printf("Normals:   %v\n", len(m.Normals) > 0)
	if !b.IsEmpty() {
		fmt.Printf("Bounds:    (%.4g, %.4g, %.4g) - (%.4g, %.4g, %.4g)\n",
			b.Min.X, b.Min.Y, b.Min.Z, b.Max.X, b.Max.Y, b.Max.Z)
		fmt.Printf("Size:      %.4g x %.4g x %.4g\n", size.X, size.Y, size.Z)
	}
}

func cmdConvert(args []string) {
	if len(args) < 2 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool convert <in> <out.stl>")
		os.Exit(1)
	}

	m, format, err := formats.ParseFile(args[0])
	if err != nil {
		fail(err)
	}
	if err := writeSTL(args[1], m); err != nil {
		fail(err)
	}
	fmt.Printf("Converted %s (%s, %d triangles) -> %s\n", args[0], format, m.TriangleCount(), args[1])
}

func writeSTL(path string, m *formats.Mesh) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := formats.WriteSTL(w, m); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func cmdList(args []string) {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	limit := fs.Int("n", 0, "Limit output to N files (0 = all)")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool list <dir> [pattern]")
		os.Exit(1)
	}

	entries, err := os.ReadDir(fs.Arg(0))
	if err != nil {
		fail(err)
	}

	pattern := ""
	if fs.NArg() > 1 {
		pattern = strings.ToLower(fs.Arg(1))
	}

	filter := watch.DefaultFilter()
	var names []string
	for _, e := range entries {
		path := filepath.Join(fs.Arg(0), e.Name())
		if e.IsDir() || !filter.Allow(path) {
			continue
		}
		if pattern != "" {
			matched, _ := filepath.Match(pattern, strings.ToLower(e.Name()))
			if !matched && !strings.Contains(strings.ToLower(e.Name()), pattern) {
				continue
			}
		}
		names = append(names, path)
	}
	sort.Strings(names)

	for i, name := range names {
		if *limit > 0 && i >= *limit {
			break
		}
		fmt.Println(name)
	}

	if pattern != "" {
		fmt.Fprintf(os.Stderr, "\n(%d files matched)\n", len(names))
	}
}

func cmdBuild(args []string) {
	fs := flag.NewFlagSet("build", flag.ExitOnError)
	size := fs.Float64("size", mesh.DefaultParams().SizeFactor, "Mesh size factor")
	timeout := fs.Duration("timeout", mesh.DefaultTimeout, "Build time budget")
	fs.Parse(args)

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: meshtool build [-size f] <file> [out.stl]")
		os.Exit(1)
	}

	content, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fail(err)
	}

	b := mesh.NewBuilder(mesh.FileKernel{}, mesh.WithTimeout(*timeout))
	art, err := b.Build(context.Background(),
		mesh.Description{Name: fs.Arg(0), Content: content},
		mesh.Params{SizeFactor: *size})
	if err != nil {
		fail(err)
	}

	fmt.Printf("Artifact:  %s\n", art.ID)
	fmt.Printf("Triangles: %d\n", art.Buffers.TriangleCount())
	fmt.Printf("Duration:  %s\n", art.Duration.Round(time.Microsecond))

	if fs.NArg() > 1 {
		out := &formats.Mesh{
			Positions: art.Buffers.Positions,
			Normals:   art.Buffers.Normals,
			Indices:   art.Buffers.Indices,
		}
		if err := writeSTL(fs.Arg(1), out); err != nil {
			fail(err)
		}
		fmt.Printf("Written:   %s\n", fs.Arg(1))
	}
}

func cmdConfig(args []string) {
	if len(args) < 1 || args[0] != "init" {
		fmt.Fprintln(os.Stderr, "Usage: meshtool config init [path]")
		os.Exit(1)
	}

	cfg := config.Default()
	if len(args) > 1 {
		if err := cfg.SaveTo(args[1]); err != nil {
			fail(err)
		}
		fmt.Printf("Wrote %s\n", args[1])
		return
	}
	if err := cfg.Save(); err != nil {
		fail(err)
	}
	fmt.Printf("Wrote %s\n", filepath.Join(config.ConfigDir(), "config.yaml"))
}
