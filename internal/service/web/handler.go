package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"freeproxy_nexus/internal/shared/logger"
	manager "freeproxy_nexus/proxypool"
	"freeproxy_nexus/proxypool/model"
)

// maxBodyBytes caps JSON request bodies.
const maxBodyBytes = 1 << 20

// PoolController defines what the web handler needs from the proxy pool.
// This decouples the web package from the manager's lifecycle.
type PoolController interface {
	Best(ctx context.Context) (*model.ProxyInfo, error)
	Random(ctx context.Context) (*model.ProxyInfo, error)
	Next(ctx context.Context) (*model.ProxyInfo, error)
	Sticky(ctx context.Context, key string) (*model.ProxyInfo, error)
	All() []*model.ProxyInfo
	Status() manager.PoolStatus
	ReportFailure(addr string)
	ReportSuccess(addr string)
	Import(addrs []string, protocol string) (int, error)
	Delete(addrs []string) int
	Blacklist(addr string)
}

type Handler struct {
	pool PoolController
}

func NewHandler(pool PoolController) *Handler {
	return &Handler{pool: pool}
}

// proxyView is the JSON shape of a pool entry.
type proxyView struct {
	*model.ProxyInfo
	URL       string  `json:"url"`
	LatencyMs float64 `json:"latency_ms"`
}

func newProxyView(p *model.ProxyInfo) proxyView {
	return proxyView{
		ProxyInfo: p,
		URL:       p.URL(),
		LatencyMs: float64(p.Latency.Microseconds()) / 1000,
	}
}

type reportRequest struct {
	Address string `json:"address"`
	Success bool   `json:"success"`
}

type importRequest struct {
	Proxies  []string `json:"proxies"`
	Protocol string   `json:"protocol"`
}

type deleteRequest struct {
	Addresses []string `json:"addresses"`
}

type blacklistRequest struct {
	Address string `json:"address"`
}

// HandleStatus 处理 GET /api/pool/status 请求
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.pool.Status())
}

// HandleProxies 处理 GET /api/proxies 请求，按评分从高到低返回所有代理。
func (h *Handler) HandleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	all := h.pool.All()
	views := make([]proxyView, 0, len(all))
	for _, p := range all {
		views = append(views, newProxyView(p))
	}
	writeJSON(w, http.StatusOK, views)
}

// HandlePick 处理 GET /api/proxy/{best|random|next|sticky} 请求。sticky 需要 ?key= 参数。
func (h *Handler) HandlePick(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pick func(context.Context) (*model.ProxyInfo, error)
	switch strings.TrimPrefix(r.URL.Path, "/api/proxy/") {
	case "best":
		pick = h.pool.Best
	case "random":
		pick = h.pool.Random
	case "next":
		pick = h.pool.Next
	case "sticky":
		key := strings.TrimSpace(r.URL.Query().Get("key"))
		if key == "" {
			writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		pick = func(ctx context.Context) (*model.ProxyInfo, error) {
			return h.pool.Sticky(ctx, key)
		}
	default:
		http.NotFound(w, r)
		return
	}

	p, err := pick(r.Context())
	if err != nil {
		if errors.Is(err, manager.ErrPoolEmpty) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, newProxyView(p))
}

// HandleReport 处理 POST /api/proxy/report 请求
func (h *Handler) HandleReport(w http.ResponseWriter, r *http.Request) {
	var req reportRequest
	if !decodePost(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	if req.Success {
		h.pool.ReportSuccess(req.Address)
	} else {
		h.pool.ReportFailure(req.Address)
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Report recorded"})
}

// HandleImport 处理 POST /api/proxies/import 请求
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	var req importRequest
	if !decodePost(w, r, &req) {
		return
	}
	if len(req.Proxies) == 0 {
		writeError(w, http.StatusBadRequest, "proxies is required")
		return
	}
	queued, err := h.pool.Import(req.Proxies, req.Protocol)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	l := logger.WithComponent("Web/Handler")
	l.Info().Int("queued", queued).Msg("Proxies imported via API.")
	writeJSON(w, http.StatusOK, map[string]int{"queued": queued})
}

// HandleDelete 处理 POST /api/proxies/delete 请求
func (h *Handler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	var req deleteRequest
	if !decodePost(w, r, &req) {
		return
	}
	removed := h.pool.Delete(req.Addresses)
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

// HandleBlacklist 处理 POST /api/blacklist 请求
func (h *Handler) HandleBlacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if !decodePost(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Address) == "" {
		writeError(w, http.StatusBadRequest, "address is required")
		return
	}
	h.pool.Blacklist(req.Address)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Address blacklisted"})
}

// decodePost checks the method and decodes the JSON body into v.
// It writes the error response itself and reports whether the caller may go on.
func decodePost(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		l := logger.WithComponent("Web/Handler")
		l.Warn().Err(err).Msg("Failed to write JSON response.")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
