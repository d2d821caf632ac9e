package mesh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/Faultbox/meshlive/pkg/formats"
)

// maxOutputBytes caps captured process output and error bodies.
const maxOutputBytes = 1 << 20

// maxResponseBytes caps a mesh downloaded from a remote kernel.
const maxResponseBytes = 512 << 20

// FileKernel treats the description as an already generated mesh file
// (STL or legacy VTK) and only decodes it.
type FileKernel struct{}

// Generate decodes desc.Content.
func (FileKernel) Generate(ctx context.Context, desc Description, _ Params) (*Buffers, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, _, err := formats.Parse(desc.Content, desc.Name)
	if err != nil {
		return nil, err
	}
	return FromFormat(m), nil
}

// HTTPKernel posts the description to a remote mesh generation service as a
// multipart upload and decodes the mesh file it answers with.
type HTTPKernel struct {
	Endpoint string
	Client   *http.Client
}

// Generate uploads desc and decodes the response body.
func (k *HTTPKernel) Generate(ctx context.Context, desc Description, params Params) (*Buffers, error) {
	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)

	fw, err := mw.CreateFormFile("file", filepath.Base(desc.Name))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := fw.Write(desc.Content); err != nil {
		return nil, fmt.Errorf("writing form file: %w", err)
	}
	if err := mw.WriteField("mesh_size_factor", strconv.FormatFloat(params.SizeFactor, 'g', -1, 64)); err != nil {
		return nil, err
	}
	for name, value := range params.Options {
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, k.Endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	client := k.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", k.Endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("mesh service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading mesh response: %w", err)
	}

	m, _, err := formats.Parse(data, "generated_mesh.vtk")
	if err != nil {
		return nil, fmt.Errorf("decoding mesh response: %w", err)
	}
	return FromFormat(m), nil
}

// ExecKernel runs an external generator (a gmsh or Python script, say).
// Arguments may contain the placeholders {input}, {output} and
// {size_factor}; the same values are exported as MESHLIVE_INPUT,
// MESHLIVE_OUTPUT and MESHLIVE_SIZE_FACTOR. The generator must write a mesh
// file to the output path.
type ExecKernel struct {
	Command   []string
	Dir       string
	Env       []string
	OutputExt string        // extension of the output file, default ".stl"
	KillGrace time.Duration // delay between interrupt and kill on cancel
}

// Generate runs the generator and decodes its output file.
func (k *ExecKernel) Generate(ctx context.Context, desc Description, params Params) (*Buffers, error) {
	if len(k.Command) == 0 {
		return nil, errors.New("no generator command configured")
	}

	workDir, err := os.MkdirTemp("", "meshlive-build-*")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	inputPath := filepath.Join(workDir, "input"+filepath.Ext(desc.Name))
	if err := os.WriteFile(inputPath, desc.Content, 0o644); err != nil {
		return nil, fmt.Errorf("writing input: %w", err)
	}
	ext := k.OutputExt
	if ext == "" {
		ext = ".stl"
	}
	outputPath := filepath.Join(workDir, "output"+ext)
	sizeFactor := strconv.FormatFloat(params.SizeFactor, 'g', -1, 64)

	replacer := strings.NewReplacer("{input}", inputPath, "{output}", outputPath, "{size_factor}", sizeFactor)
	args := make([]string, len(k.Command))
	for i, a := range k.Command {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = k.Dir
	cmd.Env = append(os.Environ(), k.Env...)
	cmd.Env = append(cmd.Env,
		"MESHLIVE_INPUT="+inputPath,
		"MESHLIVE_OUTPUT="+outputPath,
		"MESHLIVE_SIZE_FACTOR="+sizeFactor,
	)
	for name, value := range params.Options {
		cmd.Env = append(cmd.Env, "MESHLIVE_OPT_"+strings.ToUpper(name)+"="+value)
	}
	if k.KillGrace > 0 {
		cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
		cmd.WaitDelay = k.KillGrace
	}

	var stderr limitedBuffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			return nil, fmt.Errorf("generator failed: %w", err)
		}
		return nil, fmt.Errorf("generator failed: %w: %s", err, msg)
	}

	m, _, err := formats.ParseFile(outputPath)
	if err != nil {
		return nil, fmt.Errorf("decoding generator output: %w", err)
	}
	return FromFormat(m), nil
}

// limitedBuffer keeps the first maxOutputBytes written to it.
type limitedBuffer struct {
	buf       bytes.Buffer
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	room := maxOutputBytes - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n[output truncated]"
	}
	return b.buf.String()
}
