// Package handlers provides ports.ConnectionHandler implementations for the
// listener core.
package handlers

import (
	"context"
	"log/slog"

	"github.com/sufield/ephemport/internal/core/domain"
	"github.com/sufield/ephemport/internal/core/ports"
)

// LoggingHandler records that a connection arrived and closes it.
type LoggingHandler struct {
	logger *slog.Logger
}

// NewLoggingHandler returns a LoggingHandler writing to logger, or slog.Default() when nil.
func NewLoggingHandler(logger *slog.Logger) *LoggingHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingHandler{logger: logger}
}

// HandleConnection implements ports.ConnectionHandler.
func (h *LoggingHandler) HandleConnection(ctx context.Context, conn *domain.Connection) {
	h.logger.InfoContext(ctx, "Connection received",
		"connection_id", conn.ID,
		"remote_addr", conn.RemoteAddr,
		"local_addr", conn.LocalAddr)

	if err := conn.Close(); err != nil {
		h.logger.WarnContext(ctx, "Failed to close connection",
			"connection_id", conn.ID,
			"error", err)
	}
}

var _ ports.ConnectionHandler = (*LoggingHandler)(nil)
