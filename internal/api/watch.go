package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"orion/internal/projection"
	"orion/pkg/types"
)

// watchMessage is one update on an entity watch stream.
type watchMessage[T any] struct {
	Type string `json:"type"`
	Data T      `json:"data"`
}

// HandleWatchRFQ streams quote and status updates for one RFQ over
// WebSocket until the RFQ reaches a terminal state or the client
// disconnects. The current row, when known, is sent first.
func (h *Handlers) HandleWatchRFQ(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	updates, cancel := h.rfqView.Watch(id)
	defer cancel()
	watchStream(conn, h.logger, updates, "rfq", func(row projection.RFQRow) bool {
		return row.Status.Terminal()
	})
}

// HandleWatchTrade streams confirmation and settlement updates for one
// trade until settlement reaches SETTLED or FAILED_FINAL.
func (h *Handlers) HandleWatchTrade(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	updates, cancel := h.blotter.Watch(id)
	defer cancel()
	watchStream(conn, h.logger, updates, "trade", settlementDone)
}

func settlementDone(row projection.BlotterRow) bool {
	switch row.Settlement {
	case types.SettlementSettled, types.SettlementFailedFinal:
		return true
	default:
		return false
	}
}

// watchStream pumps rows to the client with the usual ping/pong liveness
// handling. It returns after writing a terminal row, on write error, or
// when the client goes away.
func watchStream[T any](conn *websocket.Conn, logger *slog.Logger, updates <-chan T, kind string, terminal func(T) bool) {
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(maxMessageSize)
		conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(pongWait))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case row := <-updates:
			data, err := json.Marshal(watchMessage[T]{Type: kind, Data: row})
			if err != nil {
				logger.Error("marshal watch update", "error", err)
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if terminal(row) {
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "terminal"))
				return
			}
		}
	}
}
