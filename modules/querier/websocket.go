package querier

import (
	"net/http"
	"time"

	"github.com/go-kit/log/level"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vantage-obs/vantage/pkg/model"
)

var wsConnections = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "vantage",
	Name:      "querier_websocket_connections",
	Help:      "Open websocket connections on the live metrics feed.",
})

// wsLookback is how far back each push reaches.
const wsLookback = time.Minute

// wsSampleLimit bounds one push.
const wsSampleLimit = 1000

type wsMessage struct {
	Type string         `json:"type"`
	Data []model.Metric `json:"data"`
}

// MetricsWebsocketHandler upgrades the connection and pushes the last
// minute's samples on every tick until the client goes away.
func (q *Querier) MetricsWebsocketHandler(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || q.originAllowed(origin)
		},
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		level.Debug(q.logger).Log("msg", "websocket upgrade failed", "err", err)
		return
	}
	defer conn.Close()

	wsConnections.Inc()
	defer wsConnections.Dec()

	// Drain client frames so close and ping handling keep working.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(q.cfg.WSPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			return
		case <-q.stopCh:
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
			return
		case <-ticker.C:
			sinceMs := time.Now().Add(-wsLookback).UnixMilli()
			samples, err := q.store.RecentSamples(r.Context(), sinceMs, wsSampleLimit)
			if err != nil {
				level.Warn(q.logger).Log("msg", "websocket sample fetch failed", "err", err)
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(wsMessage{Type: "metrics", Data: samples}); err != nil {
				level.Debug(q.logger).Log("msg", "websocket write failed", "err", err)
				return
			}
		}
	}
}
