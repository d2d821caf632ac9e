package bridge

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/protocol"
	"github.com/Faultbox/meshlive/internal/scene"
)

// ClientStats describes one widget's sync cursor.
type ClientStats struct {
	ID              string `json:"id"`
	AckedGeneration uint64 `json:"acked_generation"`
	SentGeneration  uint64 `json:"sent_generation"`
	InFlight        bool   `json:"in_flight"`
	DroppedFrames   uint64 `json:"dropped_frames"`
}

// Client is one attached render widget.
type Client struct {
	id     string
	bridge *Bridge
	tr     Transport

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu      sync.Mutex
	mailbox *scene.State
	notice  *protocol.Status

	inflight     bool
	sentGen      uint64
	sentArtifact string
	sentFull     bool

	// Cursor: what the widget confirmed it displays.
	synced        bool // holds a full snapshot
	ackedGen      uint64
	ackedArtifact string

	dropped uint64
}

// ID returns the client identifier.
func (c *Client) ID() string { return c.id }

// Done is closed once the client is detached.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close detaches the client and closes its transport.
func (c *Client) Close() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// Ack records that the widget applied generation gen. Acknowledgements for
// anything but the last payload sent are ignored.
func (c *Client) Ack(gen uint64) bool {
	c.mu.Lock()
	if !c.inflight || gen != c.sentGen {
		c.mu.Unlock()
		return false
	}
	c.inflight = false
	c.ackedGen = gen
	c.ackedArtifact = c.sentArtifact
	if c.sentFull {
		c.synced = true
	}
	c.mu.Unlock()

	c.signal()
	return true
}

// Stats returns the client's cursor.
func (c *Client) Stats() ClientStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ClientStats{
		ID:              c.id,
		AckedGeneration: c.ackedGen,
		SentGeneration:  c.sentGen,
		InFlight:        c.inflight,
		DroppedFrames:   c.dropped,
	}
}

// offer stores st in the mailbox unless the client already has something
// newer. Observers may be called out of order.
func (c *Client) offer(st scene.State) {
	c.mu.Lock()
	if st.Generation <= c.sentGen || (c.mailbox != nil && st.Generation <= c.mailbox.Generation) {
		c.mu.Unlock()
		return
	}
	if c.mailbox != nil {
		c.dropped++
		c.bridge.stats.dropped.Add(1)
	}
	c.mailbox = &st
	c.mu.Unlock()

	c.signal()
}

func (c *Client) notify(msg protocol.Status) {
	c.mu.Lock()
	c.notice = &msg
	c.mu.Unlock()
	c.signal()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// outgoing is the next message to write.
type outgoing struct {
	msg   any
	gen   uint64 // zero for status notices
	full  bool
	state bool
}

// next picks the next message: a pending notice first, then the mailbox once
// the previous payload was acknowledged.
func (c *Client) next() (outgoing, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.notice != nil {
		n := c.notice
		c.notice = nil
		return outgoing{msg: n}, true
	}
	if c.inflight || c.mailbox == nil {
		return outgoing{}, false
	}

	st := *c.mailbox
	c.mailbox = nil
	full := !c.synced || st.ArtifactID() != c.ackedArtifact || st.Generation-c.ackedGen > 1

	c.inflight = true
	c.sentGen = st.Generation
	c.sentArtifact = st.ArtifactID()
	c.sentFull = full

	out := outgoing{gen: st.Generation, full: full, state: true}
	if full {
		out.msg = protocol.NewFull(st)
	} else {
		out.msg = protocol.NewDelta(st)
	}
	return out, true
}

// ackExpired gives up waiting for the acknowledgement of gen. The widget is
// treated as unsynced so it gets a full snapshot next.
func (c *Client) ackExpired(gen uint64) {
	c.mu.Lock()
	expired := c.inflight && c.sentGen == gen
	if expired {
		c.inflight = false
		c.synced = false
	}
	c.mu.Unlock()

	if expired {
		c.bridge.stats.ackTimeouts.Add(1)
		c.bridge.log.Debug("ack timeout", zap.String("client", c.id), zap.Uint64("generation", gen))
		c.signal()
	}
}

func (c *Client) loop(ctx context.Context) {
	b := c.bridge
	defer b.wg.Done()
	defer c.shutdown()

	var (
		ackTimer clockwork.Timer
		ackC     <-chan time.Time
		ackGen   uint64
	)
	defer func() {
		if ackTimer != nil {
			ackTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stop:
			return
		case <-ackC:
			ackC = nil
			c.ackExpired(ackGen)
			continue
		case <-c.wake:
		}

		for {
			out, ok := c.next()
			if !ok {
				break
			}
			data, err := protocol.Encode(out.msg)
			if err != nil {
				b.log.Error("encoding message", zap.String("client", c.id), zap.Error(err))
				return
			}
			if err := c.tr.Send(ctx, data); err != nil {
				b.stats.sendErrors.Add(1)
				b.log.Info("widget send failed, detaching", zap.String("client", c.id), zap.Error(err))
				return
			}

			switch {
			case !out.state:
				b.stats.status.Add(1)
				continue
			case out.full:
				b.stats.full.Add(1)
			default:
				b.stats.delta.Add(1)
			}
			b.log.Debug("state sent",
				zap.String("client", c.id),
				zap.Uint64("generation", out.gen),
				zap.Bool("full", out.full))

			if b.ackTimeout > 0 {
				if ackTimer != nil {
					ackTimer.Stop()
				}
				ackTimer = b.clock.NewTimer(b.ackTimeout)
				ackC = ackTimer.Chan()
				ackGen = out.gen
			}
		}
	}
}

func (c *Client) shutdown() {
	c.bridge.remove(c)
	if err := c.tr.Close(); err != nil {
		c.bridge.log.Debug("closing transport", zap.String("client", c.id), zap.Error(err))
	}
	c.bridge.log.Info("widget detached", zap.String("client", c.id))
	close(c.done)
}
