package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/checkoutd/internal/checkout"
)

// handleSessionEvents godoc
// @Summary      Stream session progress
// @Description  Server-sent events carrying the step projection after every change. The first event is a snapshot. The stream ends once the session is completed or expired.
// @Tags         session
// @Produce      text/event-stream
// @Success      200  {object}  api.SessionEvent
// @Security     BearerAuth
// @Router       /v1/session/events [get]
func (h *Handler) handleSessionEvents(w http.ResponseWriter, r *http.Request) error {
	r, session, err := h.requireSession(r)
	if err != nil {
		return err
	}
	if h.updates == nil {
		return httpError{Status: http.StatusNotImplemented, Code: "events_unavailable", Detail: "live updates are disabled"}
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return httpError{Status: http.StatusInternalServerError, Code: "streaming_unsupported", Detail: "response writer cannot flush"}
	}
	updates, cancel := h.updates.Subscribe(checkout.Channel(session.ID))
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	logger := pslog.LoggerFromContext(r.Context())
	if logger == nil {
		logger = h.logger
	}
	snapshot := checkout.SessionUpdate{
		SessionID: session.ID,
		Steps:     session.Steps(),
		OrderID:   session.OrderID,
		Event:     "snapshot",
		At:        h.clock.Now().UTC(),
	}
	if err := writeEvent(w, snapshot); err != nil {
		return nil
	}
	flusher.Flush()
	if session.State.Terminal() {
		return nil
	}
	logger.Debug("http.events.subscribed")

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			logger.Debug("http.events.closed")
			return nil
		case <-ticker.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return nil
			}
			flusher.Flush()
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if err := writeEvent(w, update); err != nil {
				logger.Debug("http.events.write_failed", "error", err)
				return nil
			}
			flusher.Flush()
			if update.Steps.Payment.Completed || update.Event == "expired" {
				return nil
			}
		}
	}
}

func writeEvent(w io.Writer, update checkout.SessionUpdate) error {
	data, err := json.Marshal(eventView(update))
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", update.Event, data)
	return err
}
