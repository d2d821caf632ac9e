package mesh

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
)

// DefaultTimeout bounds a single kernel invocation.
const DefaultTimeout = 30 * time.Second

// Kernel generates mesh buffers from a geometry description.
// Implementations must not share mutable state between calls. They should
// return promptly once ctx is done, but the Builder tolerates kernels that
// do not.
type Kernel interface {
	Generate(ctx context.Context, desc Description, params Params) (*Buffers, error)
}

// KernelFunc adapts a function to the Kernel interface.
type KernelFunc func(ctx context.Context, desc Description, params Params) (*Buffers, error)

// Generate calls f.
func (f KernelFunc) Generate(ctx context.Context, desc Description, params Params) (*Buffers, error) {
	return f(ctx, desc, params)
}

// Builder runs a Kernel under a timeout and validates what it returns.
// It is safe for concurrent use. At most one kernel call runs per target:
// a call abandoned after a timeout or cancellation holds its target's gate
// until the kernel actually returns.
type Builder struct {
	kernel  Kernel
	timeout time.Duration
	cache   Cache
	log     *zap.Logger
	now     func() time.Time

	mu    sync.Mutex
	gates map[string]chan struct{}
}

// Option configures a Builder.
type Option func(*Builder)

// WithTimeout sets the per-build time budget.
func WithTimeout(d time.Duration) Option {
	return func(b *Builder) {
		if d > 0 {
			b.timeout = d
		}
	}
}

// WithCache enables result caching keyed by source hash and parameters.
func WithCache(c Cache) Option {
	return func(b *Builder) { b.cache = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Builder) { b.log = logger.OrNop(l) }
}

// NewBuilder creates a Builder around kernel.
func NewBuilder(kernel Kernel, opts ...Option) *Builder {
	b := &Builder{
		kernel:  kernel,
		timeout: DefaultTimeout,
		log:     zap.NewNop(),
		now:     time.Now,
		gates:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Timeout returns the configured time budget.
func (b *Builder) Timeout() time.Duration { return b.timeout }

type kernelResult struct {
	buf *Buffers
	err error
}

// Build generates and validates an artifact for desc.
//
// Errors are *KernelBuildError for invalid input or output, *TimeoutError
// when the budget is exceeded, or ctx.Err() when the caller cancelled the
// build (a superseded request). A kernel that ignores cancellation keeps
// running in the background and its result is dropped; the next Build for
// the same target waits for it before calling the kernel again.
func (b *Builder) Build(ctx context.Context, desc Description, params Params) (*Artifact, error) {
	target := desc.Name
	if err := params.Validate(); err != nil {
		return nil, &KernelBuildError{Target: target, Err: err}
	}
	if len(desc.Content) == 0 {
		return nil, &KernelBuildError{Target: target, Err: ErrEmptyDescription}
	}

	start := b.now()
	key := CacheKey(desc.Hash, params)
	if b.cache != nil && desc.Hash != "" {
		if buf, ok := b.cache.Get(ctx, key); ok {
			if art, err := b.assemble(desc, params, buf, start); err == nil {
				b.log.Debug("build served from cache", zap.String("target", target))
				return art, nil
			}
		}
	}

	release, err := b.acquire(ctx, target)
	if err != nil {
		return nil, err
	}

	kctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	done := make(chan kernelResult, 1)
	go func() {
		defer release()
		defer func() {
			if r := recover(); r != nil {
				done <- kernelResult{err: fmt.Errorf("kernel panic: %v", r)}
			}
		}()
		buf, err := b.kernel.Generate(kctx, desc, params)
		done <- kernelResult{buf: buf, err: err}
	}()

	var res kernelResult
	select {
	case res = <-done:
	case <-kctx.Done():
		return nil, b.contextError(ctx, kctx, target)
	}

	if res.err != nil {
		if kctx.Err() != nil {
			return nil, b.contextError(ctx, kctx, target)
		}
		return nil, &KernelBuildError{Target: target, Err: res.err}
	}

	art, err := b.assemble(desc, params, res.buf, start)
	if err != nil {
		return nil, err
	}
	if b.cache != nil && desc.Hash != "" {
		b.cache.Put(ctx, key, &art.Buffers)
	}
	return art, nil
}

// acquire waits until no kernel call for target is running. The returned
// func releases the gate and must be called once the kernel returns.
func (b *Builder) acquire(ctx context.Context, target string) (func(), error) {
	b.mu.Lock()
	gate, ok := b.gates[target]
	if !ok {
		gate = make(chan struct{}, 1)
		b.gates[target] = gate
	}
	b.mu.Unlock()

	select {
	case gate <- struct{}{}:
	default:
		b.log.Debug("waiting for abandoned kernel call", zap.String("target", target))
		select {
		case gate <- struct{}{}:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return func() { <-gate }, nil
}

// contextError maps a finished kernel context to the build error taxonomy.
func (b *Builder) contextError(parent, kctx context.Context, target string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(kctx.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Target: target, Timeout: b.timeout}
	}
	return kctx.Err()
}

func (b *Builder) assemble(desc Description, params Params, buf *Buffers, start time.Time) (*Artifact, error) {
	out, bounds, err := finalize(buf)
	if err != nil {
		return nil, &KernelBuildError{Target: desc.Name, Err: err}
	}
	params.Options = maps.Clone(params.Options)
	now := b.now()
	return &Artifact{
		ID:         uuid.NewString(),
		Target:     desc.Name,
		SourceHash: desc.Hash,
		Params:     params,
		Buffers:    out,
		Bounds:     bounds,
		BuiltAt:    now,
		Duration:   now.Sub(start),
	}, nil
}
