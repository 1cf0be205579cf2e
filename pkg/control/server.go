// Package control serves the local HTTP API used to inspect and steer a
// running xrun instance.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethpandaops/xrun/pkg/constants"
	"github.com/ethpandaops/xrun/pkg/orchestrator"
	"github.com/ethpandaops/xrun/pkg/process"
	"github.com/ethpandaops/xrun/pkg/project"
	"github.com/ethpandaops/xrun/pkg/version"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	actionTimeout  = 5 * time.Minute
	statusInterval = 2 * time.Second
)

// Actions accepted on a project.
const (
	ActionStart   = "start"
	ActionStop    = "stop"
	ActionRestart = "restart"
)

// Orchestrator is what the API steers.
type Orchestrator interface {
	Status() []orchestrator.ProjectStatus
	Start(ctx context.Context, name string) (*process.StartOutcome, error)
	Stop(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) (*process.StartOutcome, error)
	AnyProjectStillRunning() bool
}

// ActionResponse is the reply to a project action.
type ActionResponse struct {
	Project string `json:"project"`
	Action  string `json:"action"`
	Result  string `json:"result,omitempty"`
	Running bool   `json:"running"`
	Error   string `json:"error,omitempty"`
}

// HealthResponse is the reply of the health endpoint.
type HealthResponse struct {
	Status          string `json:"status"`
	ProjectsRunning bool   `json:"projects_running"`
	Projects        int    `json:"projects"`

	Build version.Info `json:"build"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// Server is the control API HTTP server.
type Server struct {
	log    logrus.FieldLogger
	orch   Orchestrator
	addr   string
	sseHub *SSEHub
	router chi.Router

	srv      *http.Server
	listener net.Listener
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewServer creates a control server for orch listening on addr.
func NewServer(log logrus.FieldLogger, orch Orchestrator, addr string) *Server {
	l := log.WithField("component", "control")

	s := &Server{
		log:    l,
		orch:   orch,
		addr:   addr,
		sseHub: NewSSEHub(l),
	}

	s.router = s.routes()

	return s
}

// Handler returns the API router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route(constants.ControlBasePath, func(api chi.Router) {
		api.Get("/health", s.handleGetHealth)
		api.Get("/events", s.sseHub.ServeHTTP)

		api.Route("/projects", func(pr chi.Router) {
			pr.Get("/", s.handleGetProjects)
			pr.Post("/{name}/{action}", s.handlePostProjectAction)
		})
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}

// Start binds the listener and serves in the background until Stop.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to start control API: %w", err)
	}

	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(2)

	go func() {
		defer s.wg.Done()

		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("control API stopped")
		}
	}()

	go s.broadcastLoop(ctx)

	s.log.WithField("addr", ln.Addr().String()).Info("control API listening")

	return nil
}

// Addr returns the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Stop disconnects event streams and shuts the server down.
func (s *Server) Stop() error {
	if s.srv == nil {
		return nil
	}

	s.cancel()
	s.sseHub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := s.srv.Shutdown(ctx)

	s.wg.Wait()

	if err != nil {
		return fmt.Errorf("control API shutdown error: %w", err)
	}

	return nil
}

// Publish broadcasts a project lifecycle event to stream clients.
func (s *Server) Publish(ev orchestrator.Event) {
	s.sseHub.Broadcast("project", ev)
}

func (s *Server) broadcastLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.sseHub.Clients() > 0 {
				s.sseHub.Broadcast("projects", s.orch.Status())
			}
		}
	}
}

func (s *Server) handleGetHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          "ok",
		ProjectsRunning: s.orch.AnyProjectStillRunning(),
		Projects:        len(s.orch.Status()),
		Build:           version.Get(),
	})
}

func (s *Server) handleGetProjects(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Status())
}

func (s *Server) handlePostProjectAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	action := chi.URLParam(r, "action")

	ctx, cancel := context.WithTimeout(r.Context(), actionTimeout)
	defer cancel()

	resp := ActionResponse{Project: name, Action: action}

	var (
		out *process.StartOutcome
		err error
	)

	switch action {
	case ActionStart:
		out, err = s.orch.Start(ctx, name)
	case ActionStop:
		err = s.orch.Stop(ctx, name)
	case ActionRestart:
		out, err = s.orch.Restart(ctx, name)
	default:
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown action: " + action})

		return
	}

	if err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"project": name,
			"action":  action,
		}).Warn("project action failed")

		writeJSON(w, statusFor(err), errorResponse{Error: err.Error()})

		return
	}

	if out != nil {
		resp.Result = string(out.Result)
		resp.Running = out.Running

		if out.Err != nil {
			resp.Error = out.Err.Error()
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrUnknownProject):
		return http.StatusNotFound
	case errors.Is(err, orchestrator.ErrShuttingDown):
		return http.StatusServiceUnavailable
	case errors.Is(err, project.ErrNotLaunchable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	// Already started writing, can't change status.
	_ = json.NewEncoder(w).Encode(data)
}
