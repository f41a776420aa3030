package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tokligence/tokligence-credits/internal/client"
)

// handleEvents streams cache invalidations for the caller's identity so every
// open tab can drop its cached balance. Purges (empty user id) go to everyone.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.respondError(w, http.StatusNotImplemented, errors.New("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, errors.New("streaming unsupported"))
		return
	}
	sess := sessionFromContext(r.Context())

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	msgs, err := s.bus.Subscribe(ctx)
	if err != nil {
		s.logger.Warnf("subscribe events for %s: %v", sess.UserID, err)
		s.respondError(w, http.StatusServiceUnavailable, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	s.metrics.StreamOpened()
	defer s.metrics.StreamClosed()

	ticker := s.clock.NewTicker(s.heartbeat, "events", "heartbeat")
	defer ticker.Stop()

	send := func(event string, payload any) bool {
		b, err := json.Marshal(payload)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, b); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.closing:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			if msg.UserID != "" && msg.UserID != sess.UserID {
				continue
			}
			if !send("invalidate", client.InvalidateEvent{UserID: msg.UserID, At: msg.At}) {
				return
			}
		case now := <-ticker.C:
			if !send("heartbeat", map[string]any{"at": now.UTC()}) {
				return
			}
		}
	}
}
