package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/bridge"
	"github.com/Faultbox/meshlive/internal/pipeline"
	"github.com/Faultbox/meshlive/internal/protocol"
)

// wsTransport implements bridge.Transport over a websocket connection.
type wsTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex // serializes writers
	closeOnce sync.Once
}

func newWSTransport(conn *websocket.Conn, writeTimeout time.Duration) *wsTransport {
	return &wsTransport{conn: conn, writeTimeout: writeTimeout}
}

func (t *wsTransport) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(t.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) ping() error {
	return t.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(t.writeTimeout))
}

func (t *wsTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}

var _ bridge.Transport = (*wsTransport)(nil)

func (s *Server) handleWidget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	t, ok := s.backend.Target(id)
	if !ok {
		writeError(w, pipeline.ErrUnknownTarget)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied.
		s.log.Debug("websocket upgrade failed", zap.String("target", id), zap.Error(err))
		return
	}
	tr := newWSTransport(conn, s.opts.WriteTimeout)

	client, err := t.Bridge.Attach(tr)
	if err != nil {
		s.log.Warn("attaching widget", zap.String("target", id), zap.Error(err))
		_ = tr.Close()
		return
	}
	defer func() {
		client.Close()
		<-client.Done()
	}()

	go s.keepAlive(r.Context(), tr, client)
	s.readLoop(t, client, tr)
}

// keepAlive pings the widget and detaches it when the server shuts down.
func (s *Server) keepAlive(ctx context.Context, tr *wsTransport, client *bridge.Client) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-client.Done():
			return
		case <-ctx.Done():
			client.Close()
			return
		case <-ticker.C:
			if err := tr.ping(); err != nil {
				client.Close()
				return
			}
		}
	}
}

// readLoop handles widget messages until the connection fails.
func (s *Server) readLoop(t *pipeline.Target, client *bridge.Client, tr *wsTransport) {
	conn := tr.conn
	conn.SetReadLimit(maxBodyBytes)
	readWait := 2 * s.opts.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	log := s.log.With(zap.String("target", t.ID), zap.String("client", client.ID()))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("widget read failed", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		msg, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrUnknownType) {
			continue
		}
		if err != nil {
			s.reply(tr, t.ID, err)
			continue
		}
		if err := s.dispatch(t, client, msg); err != nil {
			log.Debug("widget request rejected", zap.Error(err))
			s.reply(tr, t.ID, err)
		}
	}
}

func (s *Server) dispatch(t *pipeline.Target, client *bridge.Client, msg any) error {
	var err error
	switch m := msg.(type) {
	case *protocol.Ack:
		client.Ack(m.Generation)
	case *protocol.ViewUpdate:
		_, err = s.backend.SetView(t.ID, m.View)
	case *protocol.Rebuild:
		_, err = s.backend.RequestRebuild(t.ID, m.Params)
	case *protocol.ResetCamera:
		_, err = s.backend.ResetCamera(t.ID)
	}
	return err
}

// reply reports a rejected request to the widget that sent it.
func (s *Server) reply(tr *wsTransport, target string, cause error) {
	data, err := protocol.Encode(protocol.Status{
		Type:   protocol.TypeStatus,
		Target: target,
		State:  "rejected",
		Error:  cause.Error(),
	})
	if err != nil {
		return
	}
	if err := tr.Send(context.Background(), data); err != nil {
		s.log.Debug("replying to widget", zap.String("target", target), zap.Error(err))
	}
}
