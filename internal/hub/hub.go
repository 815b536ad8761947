// Package hub terminates websocket connections and maps client intents onto
// the channel registry, the telemetry generator and the command dispatcher.
package hub

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/nmxmxh/iot-realtime/internal/channel"
	"github.com/nmxmxh/iot-realtime/internal/command"
	"github.com/nmxmxh/iot-realtime/internal/device"
	"github.com/nmxmxh/iot-realtime/internal/telemetry"
	"github.com/nmxmxh/iot-realtime/pkg/metrics"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
	sendBuffer     = 256
)

// Options configures connection handling.
type Options struct {
	AllowedOrigins        []string
	SendBuffer            int
	ReadLimit             int64
	WriteWait             time.Duration
	PongWait              time.Duration
	PingPeriod            time.Duration
	CancelFirmwareOnLeave bool
	SystemStatusSchedule  string
	TestDeviceID          string
	Now                   func() time.Time
}

func (o *Options) defaults() {
	if len(o.AllowedOrigins) == 0 {
		o.AllowedOrigins = []string{"*"}
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = sendBuffer
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = maxMessageSize
	}
	if o.WriteWait <= 0 {
		o.WriteWait = writeWait
	}
	if o.PongWait <= 0 {
		o.PongWait = pongWait
	}
	if o.PingPeriod <= 0 || o.PingPeriod >= o.PongWait {
		o.PingPeriod = (o.PongWait * 9) / 10
	}
	if o.SystemStatusSchedule == "" {
		o.SystemStatusSchedule = "@every 30s"
	}
	if o.TestDeviceID == "" {
		o.TestDeviceID = "temp-001"
	}
	if o.Now == nil {
		o.Now = time.Now
	}
}

// Hub owns every live connection.
type Hub struct {
	log  *zap.Logger
	reg  *channel.Registry
	gen  *telemetry.Generator
	disp *command.Dispatcher
	dir  *device.Directory
	opts Options

	upgrader  websocket.Upgrader
	startedAt time.Time
	scheduler *cron.Cron

	mu      sync.Mutex
	clients map[string]*Client
	closed  bool
}

// New wires a hub over its collaborators.
func New(reg *channel.Registry, gen *telemetry.Generator, disp *command.Dispatcher, dir *device.Directory, log *zap.Logger, opts Options) *Hub {
	opts.defaults()
	h := &Hub{
		log:       log.With(zap.String("module", "hub")),
		reg:       reg,
		gen:       gen,
		disp:      disp,
		dir:       dir,
		opts:      opts,
		startedAt: opts.Now(),
		scheduler: cron.New(cron.WithSeconds()),
		clients:   make(map[string]*Client),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Hub) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, o := range h.opts.AllowedOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// principalFrom reads the connecting identity from /ws/{principal} or
// ?principal=. Anonymous connections get a guest id.
func principalFrom(r *http.Request) string {
	if p := strings.Trim(strings.TrimPrefix(r.URL.Path, "/ws"), "/"); p != "" {
		return p
	}
	if p := r.URL.Query().Get("principal"); p != "" {
		return p
	}
	return "guest_" + uuid.NewString()
}

// ServeHTTP upgrades the request and starts the connection pumps.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	closed := h.closed
	h.mu.Unlock()
	if closed {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Info("websocket upgrade failed", zap.Error(err))
		return
	}

	c := newClient(h, conn, uuid.NewString(), principalFrom(r))
	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()
	h.reg.Register(c)
	metrics.Connections.Inc()
	c.log.Info("client connected", zap.String("remote", r.RemoteAddr))

	go c.writePump()
	go c.readPump()
}

// Disconnect removes connID from every channel. Device channels left empty
// cancel their firmware update when CancelFirmwareOnLeave is set.
func (h *Hub) Disconnect(connID string) {
	h.mu.Lock()
	_, tracked := h.clients[connID]
	delete(h.clients, connID)
	h.mu.Unlock()
	if tracked {
		metrics.Connections.Dec()
	}

	for _, ch := range h.reg.RemoveConnection(connID) {
		h.releaseDevice(ch)
	}
}

func (h *Hub) releaseDevice(ch channel.Name) {
	if !h.opts.CancelFirmwareOnLeave {
		return
	}
	deviceID, ok := ch.DeviceID()
	if !ok || h.reg.Count(ch) > 0 {
		return
	}
	if _, err := h.disp.CancelFirmwareUpdate(deviceID, "no subscribers left on device channel"); err == nil {
		h.log.Info("cancelled firmware update for abandoned device", zap.String("device_id", deviceID))
	}
}

// Connections returns the number of open websocket connections.
func (h *Hub) Connections() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Shutdown stops the reporter and closes every connection.
func (h *Hub) Shutdown(ctx context.Context) {
	h.mu.Lock()
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	stopped := h.scheduler.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}

	for _, c := range clients {
		c.Close()
	}
	h.log.Info("hub shut down", zap.Int("closed_connections", len(clients)))
}
