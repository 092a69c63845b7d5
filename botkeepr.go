package botkeepr

import (
	"net/http"
	"time"

	cfg "github.com/botkeepr/botkeepr/internal/config"
	"github.com/botkeepr/botkeepr/internal/history"
	"github.com/botkeepr/botkeepr/internal/metrics"
	"github.com/botkeepr/botkeepr/internal/process"
	iapi "github.com/botkeepr/botkeepr/internal/server"
	"github.com/botkeepr/botkeepr/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Spec = process.Spec

type Status = process.Status

type Config = cfg.Config

type HistorySink = history.Sink

// Supervisor is a thin facade over internal/supervisor.Supervisor.
// It provides a stable public API for embedding.

type Supervisor struct{ inner *supervisor.Supervisor }

func New() *Supervisor { return &Supervisor{inner: supervisor.New(supervisor.Options{})} }

func (s *Supervisor) Register(spec Spec) error { return s.inner.Register(spec) }
func (s *Supervisor) Start(name string) error  { return s.inner.Start(name) }
func (s *Supervisor) Stop(name string, wait time.Duration) error {
	return s.inner.Stop(name, wait)
}
func (s *Supervisor) Restart(name string, wait time.Duration) error {
	return s.inner.Restart(name, wait)
}
func (s *Supervisor) Unregister(name string, wait time.Duration) error {
	return s.inner.Unregister(name, wait)
}
func (s *Supervisor) Status(name string) (Status, error) { return s.inner.Status(name) }
func (s *Supervisor) StatusAll() []Status                { return s.inner.StatusAll() }
func (s *Supervisor) AutoStart()                         { s.inner.AutoStart() }
func (s *Supervisor) Shutdown(wait time.Duration)        { s.inner.Shutdown(wait) }

func LoadConfig(path string) (*Config, error) {
	return cfg.Load(path)
}

// NewHandler returns the control API as an http.Handler mounted under
// basePath, ready to embed in any router.
func NewHandler(s *Supervisor, basePath string) http.Handler {
	return iapi.NewRouter(iapi.Options{Supervisor: s.inner, BasePath: basePath}).Handler()
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// MetricsHandler returns the /metrics endpoint for the default registry.
func MetricsHandler() http.Handler { return metrics.Handler() }
