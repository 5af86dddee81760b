package api

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/events"
)

func (h *Handlers) getConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Settings.Snapshot())
}

// setWifi stores station credentials from form fields ssid and pass. They
// take effect at the next boot.
func (h *Handlers) setWifi(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, ErrBadRequest("invalid form: "+err.Error()))
		return
	}

	snap, err := h.Settings.SetStation(r.PostFormValue("ssid"), r.PostFormValue("pass"))
	if err != nil {
		if errors.Is(err, config.ErrInvalid) {
			writeError(w, &AppError{Code: "BAD_REQUEST", Message: err.Error(), Field: "ssid", Status: http.StatusBadRequest})
			return
		}
		slog.Error("api: storing station settings failed", "err", err)
		writeError(w, ErrInternal(err.Error()))
		return
	}

	slog.Info("api: station settings updated", "ssid_set", snap.Station.SSID != nil)
	h.Events.Publish(events.Event{Kind: events.KindSettingsChanged, Message: "sta"})
	writeJSON(w, http.StatusOK, snap)
}
