package httpapi

import (
	"net/http"
	"time"

	"nexus/internal/auth"
	"nexus/internal/logs"
	"nexus/internal/recon"
	"nexus/internal/repo"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Same-origin policy is enforced upstream; the socket itself only
	// streams read-only telemetry.
	CheckOrigin: func(r *http.Request) bool { return true },
}

type TrafficWS struct {
	routers  *repo.Routers
	engine   *recon.Engine
	interval time.Duration
}

func NewTrafficWS(routers *repo.Routers, engine *recon.Engine, interval time.Duration) *TrafficWS {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &TrafficWS{routers: routers, engine: engine, interval: interval}
}

// ServeHTTP streams live interface and queue counters for one router
// until the client disconnects. Reads share the router's read lock, so
// an open socket never delays reconciliation.
func (h *TrafficWS) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	p := auth.FromContext(r.Context())
	router, err := h.routers.Get(auth.ScopeFor(p), r.URL.Query().Get("router"))
	if err != nil {
		writeNotFound(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logs.Logger.Debugf("ws upgrade: %v", err)
		return
	}
	defer conn.Close()

	log := logs.Logger.WithField("router", router.Name)
	log.Debug("traffic stream opened")

	// Reader goroutine: the client never sends data, but we must consume
	// control frames to notice the close.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	t := time.NewTicker(h.interval)
	defer t.Stop()

	for {
		select {
		case <-done:
			log.Debug("traffic stream closed by client")
			return
		case <-r.Context().Done():
			return
		case <-t.C:
			tele, err := h.engine.ReadTelemetry(r.Context(), router)
			if err != nil {
				_ = conn.WriteJSON(map[string]string{"error": err.Error()})
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(tele); err != nil {
				log.Debugf("traffic stream write: %v", err)
				return
			}
		}
	}
}
