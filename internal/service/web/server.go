package web

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"freeproxy_nexus/internal/shared/logger"
	"freeproxy_nexus/internal/shared/types"
)

// basicAuthMiddleware 检查 web_user 和 web_password 是否已配置。
// 如果配置了，它将强制执行 HTTP Basic Authentication。
func basicAuthMiddleware(next http.Handler, user, pass string) http.Handler {
	// 如果用户名或密码未设置，则不启用认证，直接返回原始处理器
	if user == "" || pass == "" {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || u != user || p != pass {
			w.Header().Set("WWW-Authenticate", `Basic realm="Restricted"`)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte("Unauthorized.\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Server is the HTTP API in front of the proxy pool.
type Server struct {
	cfg      types.WebConf
	handler  *Handler
	hub      *Hub
	gatherer prometheus.Gatherer
}

// NewServer wires the handler, the websocket hub and the metrics registry.
// gatherer may be nil, in which case /metrics is not served.
func NewServer(cfg types.WebConf, pool PoolController, hub *Hub, gatherer prometheus.Gatherer) *Server {
	return &Server{
		cfg:      cfg,
		handler:  NewHandler(pool),
		hub:      hub,
		gatherer: gatherer,
	}
}

// Routes builds the request multiplexer.
func (s *Server) Routes() http.Handler {
	h := s.handler
	user, pass := s.cfg.User, s.cfg.Password
	mux := http.NewServeMux()

	// --- 认证保护的 API ---
	mux.Handle("/api/proxies", basicAuthMiddleware(http.HandlerFunc(h.HandleProxies), user, pass))
	mux.Handle("/api/proxy/", basicAuthMiddleware(http.HandlerFunc(h.HandlePick), user, pass)) // 捕获 /api/proxy/{best|random|next|sticky}
	mux.Handle("/api/proxy/report", basicAuthMiddleware(http.HandlerFunc(h.HandleReport), user, pass))
	mux.Handle("/api/proxies/import", basicAuthMiddleware(http.HandlerFunc(h.HandleImport), user, pass))
	mux.Handle("/api/proxies/delete", basicAuthMiddleware(http.HandlerFunc(h.HandleDelete), user, pass))
	mux.Handle("/api/blacklist", basicAuthMiddleware(http.HandlerFunc(h.HandleBlacklist), user, pass))

	// 公开的状态 API
	mux.HandleFunc("/api/pool/status", h.HandleStatus)

	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	// --- WebSocket Endpoint (公开，无需认证) ---
	if s.hub != nil {
		mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}
	return mux
}

// Start 在后台启动 HTTP 服务，ctx 结束时优雅关闭。端口为 0 时不启动。
func (s *Server) Start(ctx context.Context, wg *sync.WaitGroup) error {
	l := logger.WithComponent("Web/Server")
	if s.cfg.Port <= 0 {
		l.Info().Msg("Web API is disabled (port is 0 or not set).")
		return nil
	}

	addr := fmt.Sprintf("0.0.0.0:%d", s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start web API on %s: %w", addr, err)
	}

	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	l.Info().Msgf("SUCCESS: Web API is listening on http://%s", addr)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.Error().Err(err).Msg("Web server error.")
		}
		l.Info().Msg("Web server stopped.")
	}()
	go func() {
		defer wg.Done()
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	return nil
}
