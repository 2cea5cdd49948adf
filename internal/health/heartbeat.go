// Package health implements the Heartbeat writer/server, Channel Monitor,
// Recovery Notifier, and Task Recovery described in spec.md §4.7 — the
// host-side half of the supervised-restart story whose other half is the
// external watchdog binary.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"

	"agenthost/internal/channel"
	stmodel "agenthost/internal/storage/model"
	"agenthost/internal/storage/atomic"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultHealthPort        = 3001
)

// Heartbeat periodically writes the current liveness payload to disk and
// serves it over HTTP. Its timer is unref'd in spirit: Stop must be called
// on shutdown, but the ticker goroutine itself holds no reference that
// would keep an otherwise-idle process alive beyond normal Go semantics.
type Heartbeat struct {
	path     string
	port     int
	interval time.Duration
	channels *channel.Manager
	started  time.Time

	mu      sync.Mutex
	payload stmodel.HeartbeatPayload

	server *http.Server
	stopCh chan struct{}
}

func NewHeartbeat(dataRoot string, port int, interval time.Duration, channels *channel.Manager) *Heartbeat {
	if interval <= 0 {
		interval = DefaultHeartbeatInterval
	}
	if port <= 0 {
		port = DefaultHealthPort
	}
	return &Heartbeat{
		path:     filepath.Join(dataRoot, "health", "heartbeat.json"),
		port:     port,
		interval: interval,
		channels: channels,
		started:  time.Now(),
		stopCh:   make(chan struct{}),
	}
}

// Start writes an initial payload, launches the periodic writer, and
// starts the dedicated health HTTP listener in its own goroutine. It
// returns nil without waiting for the listener; a listen failure is only
// logged.
func (h *Heartbeat) Start() error {
	h.write()

	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-h.stopCh:
				return
			case <-ticker.C:
				h.write()
			}
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.serveHealth)
	mux.HandleFunc("/", h.serveHealth)
	h.server = &http.Server{Addr: fmt.Sprintf(":%d", h.port), Handler: mux}

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health: listen", "error", err)
		}
	}()

	return nil
}

// Stop halts the periodic writer and closes the HTTP listener.
func (h *Heartbeat) Stop(ctx context.Context) error {
	close(h.stopCh)
	if h.server != nil {
		return h.server.Shutdown(ctx)
	}
	return nil
}

func (h *Heartbeat) buildPayload() stmodel.HeartbeatPayload {
	var channels []stmodel.ChannelInfo
	for _, c := range h.channels.Statuses() {
		channels = append(channels, stmodel.ChannelInfo(c))
	}

	status := stmodel.HeartbeatOK
	for _, c := range channels {
		if c.Status == channel.StatusError {
			status = stmodel.HeartbeatError
			break
		}
		if c.Status != channel.StatusConnected && c.Status != channel.StatusConnecting {
			status = stmodel.HeartbeatDegraded
		}
	}

	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return stmodel.HeartbeatPayload{
		PID:           os.Getpid(),
		Timestamp:     time.Now().UnixMilli(),
		UptimeSeconds: time.Since(h.started).Seconds(),
		Status:        status,
		Channels:      channels,
		MemoryMB:      float64(m.Alloc) / (1024 * 1024),
	}
}

func (h *Heartbeat) write() {
	payload := h.buildPayload()

	h.mu.Lock()
	h.payload = payload
	h.mu.Unlock()

	b, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		slog.Warn("health: marshal heartbeat", "error", err)
		return
	}
	if err := atomic.WriteFile(h.path, b, 0o644); err != nil {
		slog.Warn("health: write heartbeat", "error", err)
	}
}

func (h *Heartbeat) current() stmodel.HeartbeatPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.payload
}

func (h *Heartbeat) serveHealth(w http.ResponseWriter, r *http.Request) {
	payload := h.current()
	w.Header().Set("Content-Type", "application/json")
	if payload.Status != stmodel.HeartbeatOK {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(payload)
}
