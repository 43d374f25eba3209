package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatrelay/internal/app/chat"
	"chatrelay/internal/domain/history"
	applog "chatrelay/internal/platform/log"
	"chatrelay/internal/platform/metrics"
)

// ServerConfig 服务配置
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultServerConfig 默认配置
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Host:         "0.0.0.0",
		Port:         8080,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // SSE 需要较长写超时
	}
}

// ModelLister 可用模型列表
type ModelLister interface {
	List() []string
}

// Deps 路由依赖。Metrics 为 nil 时不暴露 /metrics。
type Deps struct {
	Chat      *chat.Service
	Models    ModelLister
	Histories *history.Manager
	Metrics   *metrics.Recorder
}

// Server HTTP 服务器
type Server struct {
	config  *ServerConfig
	deps    Deps
	httpSrv *http.Server
}

// NewServer 创建服务器
func NewServer(config *ServerConfig, deps Deps) *Server {
	if config == nil {
		config = DefaultServerConfig()
	}
	return &Server{config: config, deps: deps}
}

// Start 启动服务器，Stop 之后返回 nil
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.buildRouter(),
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	applog.Info("[API] 🚀 Chat relay server starting", "addr", addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop 优雅停机
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv != nil {
		return s.httpSrv.Shutdown(ctx)
	}
	return nil
}

// Handler 返回 HTTP Handler（用于测试）
func (s *Server) Handler() http.Handler {
	return s.buildRouter()
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/models", func(w http.ResponseWriter, r *http.Request) {
		var models []string
		if s.deps.Models != nil {
			models = s.deps.Models.List()
		}
		writeJSON(w, http.StatusOK, map[string]any{"models": models})
	})

	NewChatHandler(s.deps.Chat).RegisterRoutes(r)
	if s.deps.Histories != nil {
		NewHistoryHandler(s.deps.Histories).RegisterRoutes(r)
	}
	if s.deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
	return r
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.Header().Set("Access-Control-Expose-Headers", "X-Stream-ID")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
