package observability

import (
	"errors"
	"net/http"
	"time"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// NewMetricsRouter serves /metrics and a trivial /healthz, logging each
// request at debug level.
func NewMetricsRouter(log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	r := mux.NewRouter()
	r.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, w, req)
			log.Debug("handled",
				zap.String("method", req.Method),
				zap.String("url", req.URL.String()),
				zap.Duration("duration", m.Duration),
				zap.Int("status", m.Code))
		})
	})
	r.Methods(http.MethodGet).Path("/metrics").Handler(promhttp.Handler())
	r.Methods(http.MethodGet).Path("/healthz").HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return r
}

// ServeMetrics starts the metrics endpoint on addr in the background. The
// caller closes the returned server on shutdown.
func ServeMetrics(addr string, log *zap.Logger) *http.Server {
	RegisterMetrics()
	if log == nil {
		log = zap.NewNop()
	}
	srv := &http.Server{Addr: addr, Handler: NewMetricsRouter(log), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server stopped", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
