package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/inbox/internal/metrics"
)

// MetricsServer serves /metrics when metrics.addr is configured. A nil
// *MetricsServer is valid and does nothing.
type MetricsServer struct {
	srv      *http.Server
	listener net.Listener
	logger   *zap.Logger
}

func newMetricsServer(p Params, logger *zap.Logger) (*MetricsServer, error) {
	addr := p.Config.Metrics.Addr
	if addr == "" {
		return nil, nil
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.Register(reg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &MetricsServer{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: lis,
		logger:   logger,
	}, nil
}

// Addr returns the bound address, or "" when disabled.
func (m *MetricsServer) Addr() string {
	if m == nil {
		return ""
	}
	return m.listener.Addr().String()
}

func (m *MetricsServer) Start() {
	if m == nil {
		return
	}
	m.logger.Info("metrics server starting", zap.String("addr", m.Addr()))
	go func() {
		if err := m.srv.Serve(m.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

func (m *MetricsServer) Stop(ctx context.Context) {
	if m == nil {
		return
	}
	_ = m.srv.Shutdown(ctx)
}
