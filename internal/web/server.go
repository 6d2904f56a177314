// Package web provides the HTTP status page and command API for the tiltbot
// daemon, plus a websocket feed of tilt events.
package web

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/sweeney/tiltbot/internal/logic"
	"github.com/sweeney/tiltbot/internal/sensor"
	"github.com/sweeney/tiltbot/internal/status"
)

const (
	wsBuffer       = 64
	wsWriteTimeout = 5 * time.Second
)

// Controller is the robot command surface used by the API.
type Controller interface {
	Drive(left, right int) error
	SetTilt(level int) (int, error)
	IncreaseTilt() (int, error)
	DecreaseTilt() (int, error)
	SetSwitch(name string, on bool) error
	SubscribeTiltThreshold(threshold float64, mask logic.EdgeMask) error
	Stop(ctx context.Context) error
	Reset(ctx context.Context) error
	Subscribe(obs sensor.Observer) (unsubscribe func())
}

// Server serves the status page, the command API and the event feed.
type Server struct {
	httpServer *http.Server
	tracker    *status.Tracker
	robot      Controller
	logger     *zap.SugaredLogger
	upgrader   websocket.Upgrader

	quit     chan struct{}
	quitOnce sync.Once
}

// New creates a Server that reads state from tracker and sends commands to
// robot.
func New(addr string, tracker *status.Tracker, robot Controller, logger *zap.SugaredLogger) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	s := &Server{
		tracker: tracker,
		robot:   robot,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		quit: make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	r.Get("/", s.handleIndex)
	r.Get("/index.html", s.handleIndex)
	r.Get("/index.json", s.handleJSON)
	r.Get("/ws", s.handleWS)

	r.Route("/api", func(r chi.Router) {
		r.Use(render.SetContentType(render.ContentTypeJSON))
		r.Post("/drive", s.handleDrive)
		r.Post("/tilt", s.handleTilt)
		r.Post("/switch/{name}", s.handleSwitch)
		r.Post("/threshold", s.handleThreshold)
		r.Post("/stop", s.handleStop)
		r.Post("/reset", s.handleReset)
	})

	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: r,
	}
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// ListenAndServe starts listening. It blocks until the server is shut down.
func (s *Server) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on the given listener. Useful for tests.
func (s *Server) Serve(ln net.Listener) error {
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the server and ends open event feeds.
func (s *Server) Shutdown(ctx context.Context) error {
	s.quitOnce.Do(func() { close(s.quit) })
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debugw("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start))
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := renderHTML(w, snap); err != nil {
		s.logger.Warnw("render index failed", "error", err)
	}
}

func (s *Server) handleJSON(w http.ResponseWriter, r *http.Request) {
	snap := s.tracker.Snapshot()
	w.Header().Set("Content-Type", "application/json")
	w.Write(status.FormatJSON(snap))
}

func (s *Server) handleDrive(w http.ResponseWriter, r *http.Request) {
	data := &DriveRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := s.robot.Drive(data.Left, data.Right); err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, OKResponse{OK: true})
}

func (s *Server) handleTilt(w http.ResponseWriter, r *http.Request) {
	data := &TiltRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}

	var (
		level int
		err   error
	)
	switch {
	case data.Level != nil:
		level, err = s.robot.SetTilt(*data.Level)
	case data.Step == "up":
		level, err = s.robot.IncreaseTilt()
	default:
		level, err = s.robot.DecreaseTilt()
	}
	if err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, TiltResponse{Tilt: level})
}

func (s *Server) handleSwitch(w http.ResponseWriter, r *http.Request) {
	data := &SwitchRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := s.robot.SetSwitch(chi.URLParam(r, "name"), *data.On); err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, OKResponse{OK: true})
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	data := &ThresholdRequest{}
	if err := render.Bind(r, data); err != nil {
		render.Render(w, r, ErrInvalidRequest(err))
		return
	}
	if err := s.robot.SubscribeTiltThreshold(data.Value, data.mask); err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, OKResponse{OK: true})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if err := s.robot.Stop(r.Context()); err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, OKResponse{OK: true})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.robot.Reset(r.Context()); err != nil {
		render.Render(w, r, ErrCommand(err))
		return
	}
	render.JSON(w, r, OKResponse{OK: true})
}

// handleWS streams tilt events to the client until it goes away or the
// server shuts down. Events are dropped for a client that cannot keep up.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debugw("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	obs := sensor.NewChanObserver(wsBuffer)
	unsubscribe := s.robot.Subscribe(obs)
	defer unsubscribe()

	logger := s.logger.With("remote", conn.RemoteAddr().String())
	logger.Debugw("event feed opened")

	// The client never sends anything useful; reading is how a close is
	// noticed.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			logger.Debugw("event feed closed", "dropped", obs.Dropped())
			return
		case <-s.quit:
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutdown"),
				time.Now().Add(time.Second))
			return
		case e := <-obs.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(eventJSON(e)); err != nil {
				logger.Debugw("event feed write failed", "error", err)
				return
			}
		}
	}
}
