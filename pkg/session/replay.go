package session

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/tmaxmax/go-sse"
)

// ReplayPattern is the mux pattern the ReplayHandler expects.
const ReplayPattern = "GET /sessions/{id}/events"

// ReplayHandler streams a session's retained events as Server-Sent Events so
// a reconnecting client can catch up. The SSE event id is the sequence
// number; replay resumes after the Last-Event-ID header or the since query
// parameter.
type ReplayHandler struct {
	manager *Manager
}

// NewReplayHandler creates a ReplayHandler.
func NewReplayHandler(m *Manager) *ReplayHandler {
	return &ReplayHandler{manager: m}
}

// ServeHTTP replays events after the requested position and closes the stream.
func (h *ReplayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		http.Error(w, "missing session id", http.StatusBadRequest)
		return
	}

	since, err := replayPosition(r)
	if err != nil {
		http.Error(w, "invalid replay position: "+err.Error(), http.StatusBadRequest)
		return
	}

	sess, err := h.manager.Session(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !validateOwnership(sess, r) {
		http.Error(w, "session ownership mismatch", http.StatusForbidden)
		return
	}

	events, err := h.manager.ListEvents(r.Context(), id, since)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	stream, err := sse.Upgrade(w, r)
	if err != nil {
		slog.Error("session: failed to upgrade replay stream", slogKeySessionID, id, slogKeyError, err)
		http.Error(w, "failed to open event stream", http.StatusInternalServerError)
		return
	}

	for _, ev := range events {
		msg := &sse.Message{
			ID:   sse.ID(strconv.FormatUint(ev.Sequence, 10)),
			Type: sse.Type("event"),
		}
		msg.AppendData(string(ev.Payload))
		if err := stream.Send(msg); err != nil {
			slog.Debug("session: replay send failed", slogKeySessionID, id, slogKeyError, err)
			return
		}
	}
	if err := stream.Flush(); err != nil {
		slog.Debug("session: replay flush failed", slogKeySessionID, id, slogKeyError, err)
	}
}

// replayPosition reads the resume point from Last-Event-ID, falling back to
// the since query parameter. Absent both, replay starts from the beginning.
func replayPosition(r *http.Request) (uint64, error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("since")
	}
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, errors.New("position must be a non-negative integer")
	}
	return v, nil
}
