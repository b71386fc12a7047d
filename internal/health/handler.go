package health

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"lv-margin/internal/httputil"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pinger is the store dependency checked by readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	store       Pinger
	pool        *pgxpool.Pool
	startedAt   time.Time
	appMode     string
	storeKind   string
	httpAddr    string
	internalTok string
	timeout     time.Duration
}

// NewHandler builds the health endpoints. pool is optional and only adds connection stats.
func NewHandler(store Pinger, pool *pgxpool.Pool, startedAt time.Time, appMode, storeKind, httpAddr, internalToken string) *Handler {
	start := startedAt.UTC()
	if start.IsZero() {
		start = time.Now().UTC()
	}
	return &Handler{
		store:       store,
		pool:        pool,
		startedAt:   start,
		appMode:     strings.TrimSpace(appMode),
		storeKind:   strings.TrimSpace(storeKind),
		httpAddr:    strings.TrimSpace(httpAddr),
		internalTok: strings.TrimSpace(internalToken),
		timeout:     time.Second,
	}
}

type liveResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	UptimeSec int64  `json:"uptime_sec"`
	Uptime    string `json:"uptime"`
}

type readinessResponse struct {
	Status    string     `json:"status"`
	Timestamp string     `json:"timestamp"`
	UptimeSec int64      `json:"uptime_sec"`
	Uptime    string     `json:"uptime"`
	Store     storeStats `json:"store"`
}

type storeStats struct {
	Kind      string     `json:"kind"`
	Reachable bool       `json:"reachable"`
	PingMs    int64      `json:"ping_ms"`
	Error     string     `json:"error,omitempty"`
	CheckedAt string     `json:"checked_at"`
	Pool      *poolStats `json:"pool,omitempty"`
}

type poolStats struct {
	TotalConns        int32 `json:"total_conns"`
	IdleConns         int32 `json:"idle_conns"`
	AcquiredConns     int32 `json:"acquired_conns"`
	MaxConns          int32 `json:"max_conns"`
	AcquireCount      int64 `json:"acquire_count"`
	AcquireDurationMs int64 `json:"acquire_duration_ms"`
}

type fullResponse struct {
	readinessResponse
	App     appStats     `json:"app"`
	Runtime runtimeStats `json:"runtime"`
	Build   buildStats   `json:"build"`
}

type appStats struct {
	HTTPAddr string `json:"http_addr"`
	AppMode  string `json:"app_mode"`
	PID      int    `json:"pid"`
	Hostname string `json:"hostname"`
}

type runtimeStats struct {
	GoVersion  string `json:"go_version"`
	Goroutines int    `json:"goroutines"`
	GoMaxProcs int    `json:"gomaxprocs"`
	HeapAlloc  uint64 `json:"heap_alloc_bytes"`
	NumGC      uint32 `json:"num_gc"`
}

type buildStats struct {
	MainPath string `json:"main_path"`
	Version  string `json:"version"`
}

func (h *Handler) uptime(now time.Time) time.Duration {
	uptime := now.Sub(h.startedAt)
	if uptime < 0 {
		return 0
	}
	return uptime
}

func secureTokenEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func (h *Handler) collectStore(ctx context.Context, includePool bool) storeStats {
	out := storeStats{Kind: h.storeKind}
	if h.store == nil {
		out.Error = "store is not configured"
		out.CheckedAt = time.Now().UTC().Format(time.RFC3339)
		return out
	}
	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, h.timeout)
	err := h.store.Ping(pingCtx)
	cancel()
	out.PingMs = time.Since(start).Milliseconds()
	out.CheckedAt = time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		out.Error = err.Error()
	} else {
		out.Reachable = true
	}
	if includePool && h.pool != nil {
		stat := h.pool.Stat()
		out.Pool = &poolStats{
			TotalConns:        stat.TotalConns(),
			IdleConns:         stat.IdleConns(),
			AcquiredConns:     stat.AcquiredConns(),
			MaxConns:          stat.MaxConns(),
			AcquireCount:      stat.AcquireCount(),
			AcquireDurationMs: stat.AcquireDuration().Milliseconds(),
		}
	}
	return out
}

func (h *Handler) readiness(ctx context.Context, includePool bool) (readinessResponse, int) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	st := h.collectStore(ctx, includePool)
	resp := readinessResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
		Store:     st,
	}
	if !st.Reachable {
		resp.Status = "degraded"
		return resp, http.StatusServiceUnavailable
	}
	return resp, http.StatusOK
}

// Live is a lightweight liveness endpoint and does not touch the store.
func (h *Handler) Live(w http.ResponseWriter, r *http.Request) {
	now := time.Now().UTC()
	uptime := h.uptime(now)
	httputil.WriteJSON(w, http.StatusOK, liveResponse{
		Status:    "ok",
		Timestamp: now.Format(time.RFC3339),
		UptimeSec: int64(uptime.Seconds()),
		Uptime:    uptime.String(),
	})
}

// Ready pings the store and returns 503 when it is not reachable.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	resp, status := h.readiness(r.Context(), false)
	httputil.WriteJSON(w, status, resp)
}

// Full returns diagnostics and is protected by X-Internal-Token.
func (h *Handler) Full(w http.ResponseWriter, r *http.Request) {
	if h.internalTok == "" {
		httputil.WriteJSON(w, http.StatusServiceUnavailable, httputil.ErrorResponse{Error: "internal token is not configured"})
		return
	}
	if !secureTokenEqual(strings.TrimSpace(r.Header.Get("X-Internal-Token")), h.internalTok) {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
		return
	}
	ready, status := h.readiness(r.Context(), true)

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	build := buildStats{}
	if info, ok := debug.ReadBuildInfo(); ok && info != nil {
		build.MainPath = strings.TrimSpace(info.Main.Path)
		build.Version = strings.TrimSpace(info.Main.Version)
	}
	host, _ := os.Hostname()

	httputil.WriteJSON(w, status, fullResponse{
		readinessResponse: ready,
		App: appStats{
			HTTPAddr: h.httpAddr,
			AppMode:  h.appMode,
			PID:      os.Getpid(),
			Hostname: host,
		},
		Runtime: runtimeStats{
			GoVersion:  runtime.Version(),
			Goroutines: runtime.NumGoroutine(),
			GoMaxProcs: runtime.GOMAXPROCS(0),
			HeapAlloc:  mem.HeapAlloc,
			NumGC:      mem.NumGC,
		},
		Build: build,
	})
}
