package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/micro-nova/bmsnode/internal/events"
	"github.com/micro-nova/bmsnode/internal/ota"
)

func (h *Handlers) otaPage(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(uploadPage))
}

// otaUpload streams the request body into the inactive slot. The restart
// flag is raised only after the success page has been flushed.
func (h *Handlers) otaUpload(w http.ResponseWriter, r *http.Request) {
	s, err := newSession(r)
	if err != nil {
		slog.Warn("api: update rejected", "remote", r.RemoteAddr, "err", err)
		writeFlashResult(w, http.StatusBadRequest, "Update rejected", err.Error())
		return
	}

	res, err := h.Updater.Run(r.Context(), s, r.Body)
	if err != nil {
		writeFlashResult(w, uploadStatus(err),
			fmt.Sprintf("Flashed %d bytes FAILED", s.BytesWritten), err.Error())
		return
	}

	slog.Info("api: flashed image", "session", res.Session, "bytes", res.Written, "elapsed", res.Elapsed)
	writeFlashResult(w, http.StatusOK, fmt.Sprintf("Flashed %d bytes OK", res.Written), "Restarting")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}

	h.Events.Publish(events.Event{Kind: events.KindRestarting, Session: res.Session, Message: "update committed"})
	h.Restart.Request("update committed")
}

func newSession(r *http.Request) (*ota.Session, error) {
	if r.ContentLength <= 0 {
		return nil, ota.ErrNoLength
	}
	boundary, err := ota.ParseBoundary(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, err
	}
	return ota.NewSession(r.ContentLength, boundary)
}

// uploadStatus maps a pipeline error to an HTTP status.
func uploadStatus(err error) int {
	if errors.Is(err, ota.ErrBusy) {
		return http.StatusConflict
	}
	var uerr *ota.UpdateError
	if errors.As(err, &uerr) && uerr.RequestFault() {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
