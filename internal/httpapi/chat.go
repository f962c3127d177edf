package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/groupd/internal/outputrouter"
	"github.com/nextlevelbuilder/groupd/internal/registry"
)

type chatRequest struct {
	Prompt  string `json:"prompt"`
	GroupID string `json:"groupId"`
}

// handleChat binds one SSE subscriber to the output router for the
// duration of the request, auto-registering the group on first sight,
// flushes any buffered events, then submits the prompt, per spec.md §4.7.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		if strings.Contains(err.Error(), "http: request body too large") {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "prompt is required"})
		return
	}

	rawGroupID := req.GroupID
	if rawGroupID == "" {
		rawGroupID = "main"
	}
	if _, err := registry.NormalizeGroupID(rawGroupID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid groupId"})
		return
	}

	group, err := s.orchestrator.EnsureGroup(r.Context(), rawGroupID, rawGroupID)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	groupID := group.GroupID

	ch, drained, ok := s.router.Subscribe(groupID)
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "another stream is already active for this group"})
		return
	}

	token := uuid.NewString()
	s.mu.Lock()
	s.activeSSE[groupID] = token
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		if s.activeSSE[groupID] == token {
			delete(s.activeSSE, groupID)
		}
		s.mu.Unlock()
		s.router.Unsubscribe(groupID, ch)
	}()

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, ev := range drained {
		if writeSSEEvent(w, ev) != nil {
			return
		}
	}
	flusher.Flush()

	if _, err := s.orchestrator.SubmitChat(r.Context(), groupID, req.Prompt); err != nil {
		writeSSEEvent(w, outputrouter.Event{Kind: outputrouter.EventError, Error: err.Error()})
		flusher.Flush()
		return
	}

	for {
		select {
		case <-r.Context().Done():
			// Client disconnect unsubscribes (via the deferred call above)
			// but does not terminate the in-flight container turn — its
			// output keeps flowing into the fallback buffer, per spec.md §5.
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if writeSSEEvent(w, ev) != nil {
				return
			}
			flusher.Flush()
			if ev.Kind == outputrouter.EventDone || ev.Kind == outputrouter.EventError {
				return
			}
		}
	}
}

// writeSSEEvent writes one structured event as a standard SSE frame:
// "event: <name>\ndata: <json>\n\n".
func writeSSEEvent(w http.ResponseWriter, ev outputrouter.Event) error {
	var name string
	var payload any
	switch ev.Kind {
	case outputrouter.EventMessage:
		name = "message"
		payload = map[string]string{"text": ev.Text}
	case outputrouter.EventError:
		name = "error"
		payload = map[string]string{"error": ev.Error}
	case outputrouter.EventDone:
		name = "done"
		var sid any
		if ev.NewSessionID != "" {
			sid = ev.NewSessionID
		}
		payload = map[string]any{"sessionId": sid}
	default:
		return nil
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	return err
}
