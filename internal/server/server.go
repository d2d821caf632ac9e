// Package server exposes targets over HTTP and serves render widgets over
// WebSocket.
package server

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faultbox/meshlive/internal/build"
	"github.com/Faultbox/meshlive/internal/logger"
	"github.com/Faultbox/meshlive/internal/mesh"
	"github.com/Faultbox/meshlive/internal/pipeline"
	"github.com/Faultbox/meshlive/internal/scene"
	"github.com/Faultbox/meshlive/pkg/math"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// Backend is what the server drives. *pipeline.Pipeline implements it.
type Backend interface {
	Targets() []pipeline.Info
	Info(id string) (pipeline.Info, error)
	Target(id string) (*pipeline.Target, bool)
	RequestRebuild(id string, params *mesh.Params) (uint64, error)
	SetView(id string, v scene.View) (uint64, error)
	ResetCamera(id string) (uint64, error)
	Stats() pipeline.Stats
}

// Options configure a Server.
type Options struct {
	Addr            string
	ShutdownTimeout time.Duration
	WriteTimeout    time.Duration // per websocket message
	PingInterval    time.Duration
	AllowedOrigins  []string     // empty allows same-host origins only
	LevelHandler    http.Handler // mounted at /loglevel when set
	Logger          *zap.Logger
}

// Server is the HTTP and WebSocket front end.
type Server struct {
	backend  Backend
	opts     Options
	log      *zap.Logger
	router   *chi.Mux
	upgrader websocket.Upgrader
}

// New creates a server for backend.
func New(backend Backend, opts Options) *Server {
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = 5 * time.Second
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = 30 * time.Second
	}
	s := &Server{
		backend: backend,
		opts:    opts,
		log:     logger.OrNop(opts.Logger),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 64 << 10,
		CheckOrigin:     s.checkOrigin,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/stats", s.handleStats)
	if s.opts.LevelHandler != nil {
		r.Method(http.MethodGet, "/loglevel", s.opts.LevelHandler)
		r.Method(http.MethodPut, "/loglevel", s.opts.LevelHandler)
	}
	r.Route("/targets", func(r chi.Router) {
		r.Get("/", s.handleTargets)
		r.Route("/{target}", func(r chi.Router) {
			r.Get("/state", s.handleState)
			r.Post("/rebuild", s.handleRebuild)
			r.Put("/view", s.handleView)
			r.Post("/reset_camera", s.handleResetCamera)
			r.Get("/ws", s.handleWidget)
		})
	})
	return r
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errc := make(chan error, 1)
	go func() {
		s.log.Info("server started", zap.String("addr", ln.Addr().String()))
		errc <- srv.Serve(ln)
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.opts.ShutdownTimeout)
	defer cancel()
	s.log.Info("stopping server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Hijacked websocket connections are not tracked by Shutdown.
		_ = srv.Close()
		return err
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if len(s.opts.AllowedOrigins) > 0 {
		return false
	}
	return origin == "http://"+r.Host || origin == "https://"+r.Host
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Stats())
}

func (s *Server) handleTargets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Targets())
}

// stateSummary is a scene state without geometry buffers.
type stateSummary struct {
	Target     string       `json:"target"`
	Generation uint64       `json:"generation"`
	ArtifactID string       `json:"artifact_id,omitempty"`
	SourceHash string       `json:"source_hash,omitempty"`
	Params     *mesh.Params `json:"params,omitempty"`
	Vertices   int          `json:"vertices"`
	Triangles  int          `json:"triangles"`
	Bounds     *math.Bounds `json:"bounds,omitempty"`
	BuiltAt    *time.Time   `json:"built_at,omitempty"`
	View       scene.View   `json:"view"`
	Build      build.Status `json:"build"`
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	t, ok := s.backend.Target(id)
	if !ok {
		writeError(w, pipeline.ErrUnknownTarget)
		return
	}
	info, err := s.backend.Info(id)
	if err != nil {
		writeError(w, err)
		return
	}

	st := t.Store.Read()
	out := stateSummary{
		Target:     st.Target,
		Generation: st.Generation,
		ArtifactID: st.ArtifactID(),
		View:       st.View,
		Build:      info.Build,
	}
	if a := st.Artifact; a != nil {
		out.SourceHash = a.SourceHash
		out.Params = &a.Params
		out.Vertices = a.Buffers.VertexCount()
		out.Triangles = a.Buffers.TriangleCount()
		out.Bounds = &a.Bounds
		out.BuiltAt = &a.BuiltAt
	}
	writeJSON(w, http.StatusOK, out)
}

type generationResponse struct {
	Target     string `json:"target"`
	Generation uint64 `json:"generation,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
}

func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	var params *mesh.Params
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if len(body) > 0 {
		params = new(mesh.Params)
		if err := sonic.Unmarshal(body, params); err != nil {
			writeError(w, &badRequest{err})
			return
		}
	}

	seq, err := s.backend.RequestRebuild(id, params)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, generationResponse{Target: id, Seq: seq})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	body, err := readBody(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var v scene.View
	if err := sonic.Unmarshal(body, &v); err != nil {
		writeError(w, &badRequest{err})
		return
	}

	gen, err := s.backend.SetView(id, v)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationResponse{Target: id, Generation: gen})
}

func (s *Server) handleResetCamera(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "target")
	gen, err := s.backend.ResetCamera(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, generationResponse{Target: id, Generation: gen})
}

type badRequest struct{ err error }

func (e *badRequest) Error() string { return "bad request: " + e.err.Error() }
func (e *badRequest) Unwrap() error { return e.err }

func readBody(r *http.Request) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		return nil, &badRequest{err}
	}
	if len(body) > maxBodyBytes {
		return nil, &badRequest{errors.New("body too large")}
	}
	return body, nil
}

func statusFor(err error) int {
	var br *badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, pipeline.ErrUnknownTarget), errors.Is(err, build.ErrUnknownTarget):
		return http.StatusNotFound
	case errors.Is(err, mesh.ErrInvalidParams), errors.Is(err, scene.ErrInvalidView):
		return http.StatusBadRequest
	case errors.Is(err, build.ErrNoSource):
		return http.StatusConflict
	case errors.Is(err, build.ErrClosed):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
