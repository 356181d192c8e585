package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/platformbridge/internal/bridge"
)

const eventWriteTimeout = 10 * time.Second

// handleTaskEvents streams task events as JSON text frames until either side
// goes away. entityType and kind narrow the stream.
func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "unavailable", "task events not configured", correlationID)
		return
	}
	match, err := eventFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.logger.Warn("task event stream handshake failed", "correlation_id", correlationID, "error", err)
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	// CloseRead discards client frames and cancels ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	events := s.deps.Events.Subscribe(ctx)
	s.logger.Debug("task event stream opened", "correlation_id", correlationID)
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case event, ok := <-events:
			if !ok {
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if !match(event) {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug("task event stream closed", "correlation_id", correlationID, "error", err)
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event bridge.TaskEvent) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}

func eventFilter(r *http.Request) (func(bridge.TaskEvent) bool, error) {
	query := r.URL.Query()
	var entityType bridge.EntityType
	if raw := strings.TrimSpace(query.Get("entityType")); raw != "" {
		parsed, err := bridge.ParseEntityType(raw)
		if err != nil {
			return nil, err
		}
		entityType = parsed
	}
	var kind bridge.TaskKind
	if raw := strings.TrimSpace(query.Get("kind")); raw != "" {
		parsed, err := bridge.ParseTaskKind(raw)
		if err != nil {
			return nil, err
		}
		kind = parsed
	}
	return func(event bridge.TaskEvent) bool {
		if entityType != "" && event.Task.EntityType != entityType {
			return false
		}
		return kind == "" || event.Task.Kind == kind
	}, nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
