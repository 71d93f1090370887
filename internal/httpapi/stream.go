package httpapi

import (
	"net/http"
	"time"

	"github.com/gafsiahmed/biblio-managment-system/internal/auth"
)

const streamHeartbeat = 25 * time.Second

// Stream pushes the caller's notifications as Server-Sent Events. Staff may
// pass ?all=1 to follow every user.
func (a *API) Stream(w http.ResponseWriter, r *http.Request) {
	self, ok := caller(w, r)
	if !ok {
		return
	}
	if a.hub == nil {
		writeError(w, r, http.StatusServiceUnavailable, "streaming disabled")
		return
	}
	userID := self
	if r.URL.Query().Get("all") == "1" {
		if !permit(w, r, auth.PermManageLoans) {
			return
		}
		userID = ""
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ch := a.hub.Subscribe(r.Context(), userID)

	_, _ = w.Write([]byte(": stream started\n\n"))
	flusher.Flush()

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case n, open := <-ch:
			if !open {
				return
			}
			payload, err := json.Marshal(n)
			if err != nil {
				continue
			}
			_, _ = w.Write([]byte("id: " + n.ID + "\nevent: " + string(n.Kind) + "\ndata: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-heartbeat.C:
			_, _ = w.Write([]byte(": ping\n\n"))
			flusher.Flush()
		}
	}
}
