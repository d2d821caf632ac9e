// Package bridge propagates scene state to connected render widgets.
//
// Each widget gets its own delivery goroutine and a single-slot mailbox. A
// widget receives the next payload only after acknowledging the previous
// one; states committed in the meantime overwrite the mailbox and are
// counted as dropped frames. Store writers are never blocked.
package bridge

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/protocol"
	"github.com/Faultbox/meshlive/internal/scene"
)

// DefaultAckTimeout is how long a widget may take to acknowledge a payload
// before the bridge stops waiting for it.
const DefaultAckTimeout = 10 * time.Second

// ErrClosed is returned when attaching to a closed bridge.
var ErrClosed = errors.New("bridge closed")

// Transport delivers encoded messages to one widget.
type Transport interface {
	Send(ctx context.Context, data []byte) error
	Close() error
}

// Stats are cumulative delivery counters.
type Stats struct {
	Clients       int    `json:"clients"`
	FullSent      uint64 `json:"full_sent"`
	DeltaSent     uint64 `json:"delta_sent"`
	StatusSent    uint64 `json:"status_sent"`
	DroppedFrames uint64 `json:"dropped_frames"`
	AckTimeouts   uint64 `json:"ack_timeouts"`
	SendErrors    uint64 `json:"send_errors"`
}

type counters struct {
	full, delta, status, dropped, ackTimeouts, sendErrors atomic.Uint64
}

// Bridge serves one target's scene store.
type Bridge struct {
	store      *scene.Store
	log        *zap.Logger
	clock      clockwork.Clock
	ackTimeout time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	stopObs func()

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool

	stats counters
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bridge) { b.log = logger.OrNop(l) }
}

// WithClock sets the clock used for acknowledgement timeouts.
func WithClock(c clockwork.Clock) Option {
	return func(b *Bridge) { b.clock = c }
}

// WithAckTimeout sets the acknowledgement timeout. Zero waits forever.
func WithAckTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.ackTimeout = d }
}

// New creates a bridge and subscribes it to store.
func New(store *scene.Store, opts ...Option) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Bridge{
		store:      store,
		log:        zap.NewNop(),
		clock:      clockwork.NewRealClock(),
		ackTimeout: DefaultAckTimeout,
		ctx:        ctx,
		cancel:     cancel,
		clients:    make(map[string]*Client),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With(zap.String("target", store.Target()))
	b.stopObs = store.Observe(b.publish)
	return b
}

// Attach registers a widget and starts its delivery loop. The current state
// is sent right away when anything was committed.
func (b *Bridge) Attach(tr Transport) (*Client, error) {
	c := &Client{
		id:     uuid.NewString(),
		bridge: b,
		tr:     tr,
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.clients[c.id] = c
	b.wg.Add(1)
	b.mu.Unlock()

	if st := b.store.Read(); st.Generation > 0 {
		c.offer(st)
	}
	go c.loop(b.ctx)

	b.log.Info("widget attached", zap.String("client", c.id))
	return c, nil
}

// Client returns an attached client by ID.
func (b *Bridge) Client(id string) (*Client, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.clients[id]
	return c, ok
}

// publish is the store observer. It never blocks.
func (b *Bridge) publish(st scene.State) {
	for _, c := range b.snapshot() {
		c.offer(st)
	}
}

// Notify sends a build status notice to every widget. Notices are coalesced
// per widget and do not wait for acknowledgements.
func (b *Bridge) Notify(msg protocol.Status) {
	msg.Type = protocol.TypeStatus
	for _, c := range b.snapshot() {
		c.notify(msg)
	}
}

func (b *Bridge) snapshot() []*Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Client, 0, len(b.clients))
	for _, c := range b.clients {
		out = append(out, c)
	}
	return out
}

func (b *Bridge) remove(c *Client) {
	b.mu.Lock()
	delete(b.clients, c.id)
	b.mu.Unlock()
}

// Stats returns delivery counters.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	n := len(b.clients)
	b.mu.Unlock()
	return Stats{
		Clients:       n,
		FullSent:      b.stats.full.Load(),
		DeltaSent:     b.stats.delta.Load(),
		StatusSent:    b.stats.status.Load(),
		DroppedFrames: b.stats.dropped.Load(),
		AckTimeouts:   b.stats.ackTimeouts.Load(),
		SendErrors:    b.stats.sendErrors.Load(),
	}
}

// Close detaches every widget and stops observing the store.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	b.stopObs()
	b.cancel()
	b.wg.Wait()
}
