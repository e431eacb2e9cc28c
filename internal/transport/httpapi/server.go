// Package httpapi is the admin HTTP surface: queue control, content
// validation and a websocket stream of lifecycle events.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"postwave/internal/content"
	"postwave/internal/eventbus"
	"postwave/internal/model"
	"postwave/internal/orchestrator"
	"postwave/internal/platform"
	"postwave/internal/publish"
	"postwave/internal/queue"
	logx "postwave/pkg/logx"
)

// API is the service the handlers call. *publish.Service implements it.
type API interface {
	PublishPostNow(ctx context.Context, postID string) (string, error)
	SchedulePostForLater(ctx context.Context, postID string, at time.Time) (string, error)
	RetryFailedPost(ctx context.Context, postID, platformPostID, lastError string) (string, error)
	GetQueueStats() queue.Stats
	Jobs() []queue.Job
	CancelJob(jobID string) bool
	ProcessScheduledPosts(ctx context.Context) (publish.ProcessReport, error)
	ValidateContent(p platform.ID, c content.Content, opt content.Options) (publish.Validation, error)
	ValidatePost(ctx context.Context, postID string) (map[platform.ID][]string, error)
	UpdatePost(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error)
	AddComment(ctx context.Context, postID string, c content.Content) (orchestrator.Outcome, error)
	CreatePost(ctx context.Context, p model.Post) (model.Post, error)
	GetPost(ctx context.Context, postID string) (model.Post, error)
}

type Config struct {
	Addr         string
	Token        string
	Pprof        bool
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// EventRate caps event frames per second per websocket; 0 is unlimited.
	EventRate float64
}

const (
	DefaultAddr        = "127.0.0.1:8080"
	DefaultReadTimeout = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

type Server struct {
	cfg Config
	api API
	hub *Hub
	log logx.Logger

	handler http.Handler
}

func New(cfg Config, api API, bus eventbus.Bus, log logx.Logger) *Server {
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Server{
		cfg: cfg,
		api: api,
		hub: NewHub(bus, cfg.EventRate, log.With(logx.String("comp", "events"))),
		log: log,
	}
	s.handler = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) Hub() *Hub { return s.hub }

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.requestLog)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Group(func(r chi.Router) {
		r.Use(s.bearer)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/posts", s.createPost)
			r.Route("/posts/{postID}", func(r chi.Router) {
				r.Get("/", s.getPost)
				r.Post("/publish", s.publishNow)
				r.Post("/schedule", s.schedule)
				r.Post("/validate", s.validatePost)
				r.Post("/update", s.updatePost)
				r.Post("/comments", s.addComment)
				r.Post("/platform-posts/{ppID}/retry", s.retry)
			})

			r.Get("/queue/stats", s.stats)
			r.Get("/queue/jobs", s.jobs)
			r.Delete("/queue/jobs/{jobID}", s.cancelJob)
			r.Post("/queue/process", s.process)

			r.Post("/validate", s.validateContent)
			r.Get("/events", s.hub.ServeHTTP)
		})

		if s.cfg.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

// Run serves until ctx is done, then shuts down within a short deadline.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	hubCtx, stopHub := context.WithCancel(ctx)
	defer stopHub()
	go s.hub.Run(hubCtx)

	errc := make(chan error, 1)
	go func() { errc <- srv.Serve(ln) }()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()), logx.Bool("auth", s.cfg.Token != ""), logx.Bool("pprof", s.cfg.Pprof))

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.hub.CloseAll()
	if err := srv.Shutdown(shutCtx); err != nil {
		s.log.Warn("http shutdown failed", logx.Err(err))
		_ = srv.Close()
	}
	s.log.Info("http api stopped")
	return ctx.Err()
}
