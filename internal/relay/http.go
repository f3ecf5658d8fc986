package relay

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	maxEnvelopeBytes = 32 << 20
	writeWait        = 10 * time.Second
	pingPeriod       = 30 * time.Second
)

// CallHandler serves envelopes POSTed to CallPath.
func CallHandler(h *Hub) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeReply(w, http.StatusMethodNotAllowed, errorReply(errors.New("method not allowed")))
			return
		}
		var env Envelope
		if err := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes)).Decode(&env); err != nil {
			writeReply(w, http.StatusBadRequest, errorReply(errors.Join(ErrBadEnvelope, err)))
			return
		}
		reply := h.Handle(r.Context(), env)
		status := http.StatusOK
		if !reply.OK {
			status = http.StatusBadRequest
		}
		writeReply(w, status, reply)
	})
}

func writeReply(w http.ResponseWriter, status int, reply Reply) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(reply)
}

// PushHandler upgrades to a websocket and streams the hub's settingsChanged envelopes until the
// peer goes away or the hub closes.
func PushHandler(h *Hub, upgrader *websocket.Upgrader, logger *zap.Logger) http.Handler {
	if upgrader == nil {
		upgrader = &websocket.Upgrader{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("relay.push")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Debug("websocket upgrade failed", zap.Error(err))
			return
		}
		defer conn.Close()

		pushes, stop := h.Subscribe()
		defer stop()

		tab := r.URL.Query().Get("tabId")
		logger.Debug("push subscriber connected", zap.String("tabId", tab))

		// reads are needed to process control frames and notice the peer closing
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.NextReader(); err != nil {
					return
				}
			}
		}()

		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-gone:
				logger.Debug("push subscriber left", zap.String("tabId", tab))
				return
			case <-r.Context().Done():
				return
			case env, ok := <-pushes:
				_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
					return
				}
				if err := conn.WriteJSON(env); err != nil {
					logger.Debug("push write failed", zap.String("tabId", tab), zap.Error(err))
					return
				}
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
					return
				}
			}
		}
	})
}
