package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/nao1215/torlab/internal/controller"
	"github.com/nao1215/torlab/internal/metrics"
	"github.com/nao1215/torlab/internal/model"
	"github.com/nao1215/torlab/internal/report"
	"github.com/nao1215/torlab/internal/runtime"
)

const shutdownTimeout = 10 * time.Second

// Controller runs network and node actions. *controller.Controller
// implements it.
type Controller interface {
	Create(ctx context.Context, req controller.CreateRequest) (*model.TorNetwork, error)
	NetworkAction(ctx context.Context, ref string, req controller.ActionRequest) controller.ActionResult
	NodeAction(ctx context.Context, ref string, action controller.Action) controller.ActionResult
	StatusDetail(ctx context.Context, ref string) (*controller.StatusDetail, error)
	Topology(ctx context.Context, ref string) (*controller.Topology, error)
}

// Store reads records. *database.Store implements it.
type Store interface {
	ListNetworks(ctx context.Context) ([]*model.TorNetwork, error)
	GetNetwork(ctx context.Context, id string) (*model.TorNetwork, error)
	FindNetwork(ctx context.Context, ref string) (*model.TorNetwork, error)
	MutateNetwork(ctx context.Context, id string, fn func(*model.TorNetwork) error) (*model.TorNetwork, error)
	FindNode(ctx context.Context, ref string) (*model.TorNode, error)
	ListNodes(ctx context.Context, networkID string) ([]*model.TorNode, error)
	GetCapture(ctx context.Context, id string) (*model.TrafficCapture, error)
}

// Captures manages traffic captures. *capture.Manager implements it.
type Captures interface {
	Start(ctx context.Context, nodeID, filter string, typ model.CaptureType) (*model.TrafficCapture, error)
	Stop(ctx context.Context, id string) (*model.TrafficCapture, error)
	Download(ctx context.Context, id string) (*model.TrafficCapture, io.ReadCloser, error)
	Delete(ctx context.Context, id string, purge bool) (*model.TrafficCapture, error)
	List(ctx context.Context, f model.CaptureFilter) ([]*model.TrafficCapture, error)
}

// Circuits reads circuit events. *circuit.Recorder implements it.
type Circuits interface {
	Query(ctx context.Context, f model.CircuitFilter) ([]*model.CircuitEvent, error)
	Count(ctx context.Context, f model.CircuitFilter) (int64, error)
}

// Server is the control API.
type Server struct {
	ctrl      Controller
	store     Store
	rt        runtime.Runtime
	captures  Captures
	circuits  Circuits
	reports   *report.Collector
	bandwidth controller.BandwidthFunc
	registry  *prometheus.Registry
	logger    *slog.Logger
	version   string
	engine    *gin.Engine
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithRuntime enables node logs.
func WithRuntime(rt runtime.Runtime) Option {
	return func(s *Server) {
		s.rt = rt
	}
}

// WithCaptures enables the capture routes.
func WithCaptures(c Captures) Option {
	return func(s *Server) {
		s.captures = c
	}
}

// WithCircuits enables the circuit event routes.
func WithCircuits(c Circuits) Option {
	return func(s *Server) {
		s.circuits = c
	}
}

// WithReports enables network reports.
func WithReports(c *report.Collector) Option {
	return func(s *Server) {
		s.reports = c
	}
}

// WithBandwidth adds live control port counters to node bandwidth.
func WithBandwidth(fn controller.BandwidthFunc) Option {
	return func(s *Server) {
		s.bandwidth = fn
	}
}

// WithMetrics serves the registry on /metrics.
func WithMetrics(reg *prometheus.Registry) Option {
	return func(s *Server) {
		s.registry = reg
	}
}

// WithVersion reports the version on /healthz.
func WithVersion(v string) Option {
	return func(s *Server) {
		s.version = v
	}
}

// New returns a Server with its routes registered.
func New(ctrl Controller, store Store, opts ...Option) *Server {
	s := &Server{
		ctrl:   ctrl,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), LogMiddleware(s.logger))
	r.GET("healthz", s.healthView)
	if s.registry != nil {
		r.GET("metrics", gin.WrapH(metrics.Handler(s.registry)))
	}

	NetworkRouters(r.Group(""), s)
	NodeRouters(r.Group(""), s)
	CaptureRouters(r.Group(""), s)
	CircuitRouters(r.Group(""), s)

	s.engine = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) healthView(c *gin.Context) {
	data := gin.H{"status": "ok"}
	if s.version != "" {
		data["version"] = s.version
	}
	if s.rt != nil {
		data["runtime"] = s.rt.Name()
	}
	OkWithData(data, c)
}
