package httpserver

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/go-utils/httplogger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/ruteri/wallet-provisioning-backend/api"
	"github.com/ruteri/wallet-provisioning-backend/common"
	"github.com/ruteri/wallet-provisioning-backend/metrics"
	"go.uber.org/atomic"
)

// RouteRegistrar is implemented by the API handlers mounted on the server.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Server serves the API handlers together with health endpoints and, when
// configured, a metrics listener.
type Server struct {
	cfg     *api.HTTPServerConfig
	isReady atomic.Bool
	log     *slog.Logger

	srv        *http.Server
	metricsSrv *metrics.MetricsServer
	handlers   []RouteRegistrar
}

// New creates a server exposing the handlers' routes next to the health
// endpoints. A nil metricsSrv gets a fresh one for cfg.MetricsAddr.
func New(cfg *api.HTTPServerConfig, metricsSrv *metrics.MetricsServer, handlers ...RouteRegistrar) (srv *Server, err error) {
	if metricsSrv == nil {
		metricsSrv, err = metrics.New(common.PackageName, cfg.MetricsAddr)
		if err != nil {
			return nil, err
		}
	}

	srv = &Server{
		cfg:        cfg,
		log:        cfg.Log,
		metricsSrv: metricsSrv,
		handlers:   handlers,
	}
	srv.isReady.Store(true)

	srv.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      srv.getRouter(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv, nil
}

func (srv *Server) getRouter() http.Handler {
	mux := chi.NewRouter()
	mux.Use(middleware.Recoverer)

	mux.Group(func(r chi.Router) {
		r.Use(srv.httpLogger)
		for _, h := range srv.handlers {
			h.RegisterRoutes(r)
		}

		// Health and diagnostic endpoints
		r.Get("/livez", srv.handleLivenessCheck)
		r.Get("/readyz", srv.handleReadinessCheck)
		r.Get("/drain", srv.handleDrain)
		r.Get("/undrain", srv.handleUndrain)
	})

	if srv.cfg.EnablePprof {
		srv.log.Info("pprof API enabled")
		mux.Mount("/debug", middleware.Profiler())
	}
	return mux
}

func (srv *Server) httpLogger(next http.Handler) http.Handler {
	return httplogger.LoggingMiddlewareSlog(srv.log, next)
}

// handleLivenessCheck answers as long as the process serves requests.
func (srv *Server) handleLivenessCheck(w http.ResponseWriter, r *http.Request) {
	writeStatus(w, http.StatusOK, "alive")
}

// handleReadinessCheck answers 503 while the server is drained.
func (srv *Server) handleReadinessCheck(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Load() {
		writeStatus(w, http.StatusServiceUnavailable, "not ready")
		return
	}
	writeStatus(w, http.StatusOK, "ready")
}

// handleDrain marks the server not ready and holds the request for
// DrainDuration so load balancers observe the change before it returns.
func (srv *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if !srv.isReady.Swap(false) {
		writeStatus(w, http.StatusOK, "already draining")
		return
	}
	srv.log.Info("Server marked as not ready")

	select {
	case <-time.After(srv.cfg.DrainDuration):
		srv.log.Info("Drain period completed")
	case <-r.Context().Done():
	}
	writeStatus(w, http.StatusOK, "draining")
}

// handleUndrain reverses handleDrain.
func (srv *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	if srv.isReady.Swap(true) {
		writeStatus(w, http.StatusOK, "already ready")
		return
	}
	srv.log.Info("Server marked as ready")
	writeStatus(w, http.StatusOK, "ready")
}

// writeStatus writes the {"status": ...} body shared by the health endpoints.
func writeStatus(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write([]byte(`{"status":"` + status + `"}`))
}

type listener struct {
	name     string
	addr     string
	serve    func() error
	shutdown func(ctx context.Context) error
}

// listeners returns the API listener, followed by the metrics listener if
// MetricsAddr is set.
func (srv *Server) listeners() []listener {
	ls := []listener{{
		name:     "HTTP",
		addr:     srv.cfg.ListenAddr,
		serve:    srv.srv.ListenAndServe,
		shutdown: srv.srv.Shutdown,
	}}
	if srv.cfg.MetricsAddr != "" {
		ls = append(ls, listener{
			name:     "Metrics",
			addr:     srv.cfg.MetricsAddr,
			serve:    srv.metricsSrv.ListenAndServe,
			shutdown: srv.metricsSrv.Shutdown,
		})
	}
	return ls
}

// RunInBackground starts every listener in its own goroutine.
func (srv *Server) RunInBackground() {
	for _, l := range srv.listeners() {
		go func() {
			srv.log.Info("Starting "+l.name+" server", "listenAddress", l.addr)
			if err := l.serve(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				srv.log.Error(l.name+" server failed", "err", err)
			}
		}()
	}
}

// Shutdown stops the listeners in order, giving each GracefulShutdownDuration.
func (srv *Server) Shutdown() {
	for _, l := range srv.listeners() {
		ctx, cancel := context.WithTimeout(context.Background(), srv.cfg.GracefulShutdownDuration)
		if err := l.shutdown(ctx); err != nil {
			srv.log.Error("Graceful "+l.name+" server shutdown failed", "err", err)
		} else {
			srv.log.Info(l.name + " server gracefully stopped")
		}
		cancel()
	}
}
