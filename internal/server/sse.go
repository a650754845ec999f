package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/relayops/relay/internal/responses"
)

// streamTurn serves the SSE form of a turn: events are forwarded as
// they happen, each with cost fields injected into its usage payload,
// and the stream ends with the terminator sentinel.
func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, api *responses.Request, sessionID, userRef string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		s.jsonError(w, http.StatusInternalServerError, "server_error", "streaming is not supported on this connection")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// A client that goes away mid-stream must not cancel the turn; the
	// loop finishes and the final persistence still runs so the session
	// history stays consistent.
	ctx := context.WithoutCancel(r.Context())

	clientGone := false
	sink := func(ev responses.Event) {
		s.priceEvent(api.Model, ev)
		if clientGone {
			return
		}
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Error("encode stream event", "type", ev.Type, "error", err)
			return
		}
		if err := writeSSE(w, data); err != nil {
			clientGone = true
			s.logger.Debug("client left the stream", "session_id", sessionID, "error", err)
			return
		}
		flusher.Flush()
	}

	s.completeTurn(ctx, api, sessionID, userRef, sink)

	if clientGone {
		return
	}
	if err := writeSSE(w, []byte(responses.Terminator)); err == nil {
		flusher.Flush()
	}
}

// priceEvent fills the cost fields on whatever usage payloads an event
// carries: the per-iteration usage on delta and call events, and the
// accumulated usage on the terminal response.
func (s *Server) priceEvent(model string, ev responses.Event) {
	s.priceUsage(model, ev.Usage)
	if ev.Response != nil {
		s.applyCost(ev.Response)
	}
}

func writeSSE(w io.Writer, data []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
