// Package httpapi is the thin HTTP surface over relaybot's services: job and
// topic management, publishing, settings, conversations and health.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"relaybot/internal/conversation"
	"relaybot/internal/metrics"
	"relaybot/internal/pubsub"
	"relaybot/internal/recording"
	"relaybot/internal/router"
	"relaybot/internal/scheduler"
	"relaybot/internal/settings"
	"relaybot/internal/storage"
	"relaybot/internal/transport"
	logx "relaybot/pkg/logx"
)

type Config struct {
	Addr string
	// Token, when set, is required as "Authorization: Bearer <token>" on /api.
	Token string
	// Pprof mounts the runtime profiler under /debug, behind Token.
	Pprof bool
}

// Deps are the services exposed over HTTP. Nil members leave their routes
// unmounted.
type Deps struct {
	Jobs          *scheduler.Service
	Topics        *pubsub.Service
	Settings      *settings.Service
	Conversations *conversation.Manager
	Router        *router.Router
	Recording     *recording.Service
	Transport     transport.Adapter
	DB            *storage.DB
	Metrics       *metrics.Metrics
}

type Server struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	mux  chi.Router
}

func New(cfg Config, deps Deps, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	s := &Server{cfg: cfg, deps: deps, log: log.With(logx.String("comp", "http"))}
	s.mux = s.routes()
	return s
}

func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLog)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/health", s.health)
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Use(s.auth)
		if s.deps.Jobs != nil {
			s.jobRoutes(r)
		}
		if s.deps.Topics != nil {
			s.topicRoutes(r)
		}
		if s.deps.Settings != nil {
			s.settingsRoutes(r)
		}
		if s.deps.Conversations != nil {
			s.conversationRoutes(r)
		}
		if s.deps.Router != nil {
			r.Get("/routing/rules", s.listRules)
			r.Get("/routing/decisions/{messageID}", s.getDecision)
		}
		if s.deps.Recording != nil {
			r.Get("/recordings", s.listRecordings)
			r.Get("/recordings/{id}", s.getRecording)
		}
	})
	if s.cfg.Pprof {
		r.With(s.auth).Mount("/debug", chiMiddleware.Profiler())
	}
	return r
}

// Run serves until ctx ends, then shuts down with a short grace period.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("http listening", logx.String("addr", s.cfg.Addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return err
	}
	return nil
}

func (s *Server) auth(next http.Handler) http.Handler {
	token := strings.TrimSpace(s.cfg.Token)
	if token == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(got)), []byte(token)) != 1 {
			Error(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("req_id", chiMiddleware.GetReqID(r.Context())),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	status, code := "ok", http.StatusOK
	checks := map[string]any{}
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		err := s.deps.DB.Ping(ctx)
		cancel()
		if err != nil {
			checks["database"] = "unreachable"
			status, code = "degraded", http.StatusServiceUnavailable
		} else {
			checks["database"] = "ok"
		}
	}
	if s.deps.Transport != nil {
		checks["transport_connected"] = s.deps.Transport.Connected()
	}
	if s.deps.Recording != nil {
		checks["recording_backend"] = s.deps.Recording.BackendType(r.Context())
		checks["recording_healthy"] = s.deps.Recording.IsHealthy(r.Context())
	}
	JSON(w, code, map[string]any{"status": status, "checks": checks})
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	JSON(w, http.StatusOK, s.deps.Router.Rules())
}

func (s *Server) getDecision(w http.ResponseWriter, r *http.Request) {
	d, ok, err := s.deps.Router.AuditedDecision(r.Context(), chi.URLParam(r, "messageID"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "no decision recorded for message")
		return
	}
	JSON(w, http.StatusOK, d)
}

func (s *Server) listRecordings(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		s.fail(w, err)
		return
	}
	recs, err := s.deps.Recording.Recent(r.Context(), limit)
	if err != nil {
		s.fail(w, err)
		return
	}
	JSON(w, http.StatusOK, recs)
}

func (s *Server) getRecording(w http.ResponseWriter, r *http.Request) {
	rec, ok, err := s.deps.Recording.Lookup(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, err)
		return
	}
	if !ok {
		Error(w, http.StatusNotFound, "recording not found")
		return
	}
	JSON(w, http.StatusOK, rec)
}
