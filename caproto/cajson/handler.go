package cajson

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Handler upgrades HTTP requests to websocket client connections.
type Handler struct {
	ctx context.Context
	log *slog.Logger

	upgrader websocket.Upgrader
	cfg      ConnConfig
}

// NewHandler returns a Handler serving connections with cfg.
// Connections stop when ctx is canceled.
func NewHandler(ctx context.Context, log *slog.Logger, cfg ConnConfig) *Handler {
	cfg.validate()

	return &Handler{
		ctx: ctx,
		log: log,

		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.WriteTimeout,
		},
		cfg: cfg,
	}
}

// ServeHTTP serves a single connection until it closes.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		h.log.Debug("Failed to upgrade websocket", "remote", r.RemoteAddr, "err", err)
		return
	}

	c, err := NewConn(h.ctx, h.log, ws, h.cfg)
	if err != nil {
		h.log.Warn("Failed to start client", "remote", r.RemoteAddr, "err", err)
		_ = ws.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "no capacity"),
			time.Now().Add(h.cfg.WriteTimeout),
		)
		_ = ws.Close()
		return
	}

	c.Wait()
}
