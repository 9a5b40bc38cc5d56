package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"listen-engine/internal/engine"
	"listen-engine/internal/observability/metrics"
	"listen-engine/internal/pipeline"
)

// PipelineService 是 API 依赖的流水线操作集合，由 engine.Service 实现。
type PipelineService interface {
	Create(ctx context.Context, req engine.CreateRequest) (*pipeline.Pipeline, error)
	Get(ctx context.Context, id string) (*pipeline.Pipeline, error)
	List(ctx context.Context, opts engine.ListOptions) ([]*pipeline.Pipeline, error)
	Stats(ctx context.Context, opts engine.ListOptions) (engine.Stats, error)
	StepStatus(ctx context.Context, id, stepID string) (*pipeline.Step, error)
	CancelPipeline(ctx context.Context, id string) (*pipeline.Pipeline, error)
	CancelStep(ctx context.Context, id, stepID string) (*pipeline.Pipeline, error)
}

var _ PipelineService = (*engine.Service)(nil)

// Server 负责暴露 REST 接口。
type Server struct {
	addr         string
	service      PipelineService
	metrics      *metrics.Recorder
	readTimeout  time.Duration
	writeTimeout time.Duration
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 配置 HTTP 请求指标。
func WithMetrics(recorder *metrics.Recorder) Option {
	return func(s *Server) {
		s.metrics = recorder
	}
}

// WithTimeouts 设置读写超时。
func WithTimeouts(read, write time.Duration) Option {
	return func(s *Server) {
		if read > 0 {
			s.readTimeout = read
		}
		if write > 0 {
			s.writeTimeout = write
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, service PipelineService, opts ...Option) *Server {
	s := &Server{
		addr:         addr,
		service:      service,
		readTimeout:  15 * time.Second,
		writeTimeout: 15 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/pipelines", "create_pipeline", s.handleCreate)
	s.route(mux, "GET /api/v1/pipelines", "list_pipelines", s.handleList)
	s.route(mux, "GET /api/v1/pipelines/stats", "pipeline_stats", s.handleStats)
	s.route(mux, "GET /api/v1/pipelines/{id}", "get_pipeline", s.handleGet)
	s.route(mux, "POST /api/v1/pipelines/{id}/cancel", "cancel_pipeline", s.handleCancelPipeline)
	s.route(mux, "GET /api/v1/pipelines/{id}/steps/{step}", "get_step", s.handleGetStep)
	s.route(mux, "POST /api/v1/pipelines/{id}/steps/{step}/cancel", "cancel_step", s.handleCancelStep)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return mux
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.readTimeout,
		WriteTimeout:      s.writeTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) route(mux *http.ServeMux, pattern, name string, handler http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		if s.service == nil {
			writeError(rec, errServiceUnavailable)
		} else {
			handler(rec, r)
		}
		s.metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(started))
	})
}
