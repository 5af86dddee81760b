package api

import (
	"net/http"

	"github.com/micro-nova/bmsnode/internal/events"
)

func (h *Handlers) hello(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("Hello from bmsnode " + h.Version + "\n"))
}

func (h *Handlers) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Info())
}

// reboot asks the main loop to shut down and restart.
func (h *Handlers) reboot(w http.ResponseWriter, r *http.Request) {
	h.Events.Publish(events.Event{Kind: events.KindRestarting, Message: "requested over http"})
	h.Restart.Request("requested over http")
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}
