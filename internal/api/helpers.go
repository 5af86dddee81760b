// Package api implements the device's HTTP surface: the firmware upload
// page and endpoint, settings access and update progress events.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/micro-nova/bmsnode/internal/auth"
	"github.com/micro-nova/bmsnode/internal/config"
	"github.com/micro-nova/bmsnode/internal/events"
	"github.com/micro-nova/bmsnode/internal/identity"
	"github.com/micro-nova/bmsnode/internal/ota"
)

// SettingsService is the part of config.Settings the handlers use.
type SettingsService interface {
	Snapshot() config.Snapshot
	SetStation(ssid, pass string) (config.Snapshot, error)
}

// Updater ingests a firmware upload.
type Updater interface {
	Run(ctx context.Context, s *ota.Session, body io.Reader) (*ota.Result, error)
}

// EventBus is the interface for publishing and subscribing to device events.
type EventBus interface {
	Subscribe(id string) <-chan events.Event
	Unsubscribe(id string)
	Publish(events.Event)
}

// RestartRequester raises the cooperative restart flag.
type RestartRequester interface {
	Request(reason string)
}

// Deps are the handler dependencies. Auth may be nil for an open device.
type Deps struct {
	Settings SettingsService
	Updater  Updater
	Events   EventBus
	Restart  RestartRequester
	Info     func() identity.Info
	Auth     *auth.Service
	Version  string
}

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	Deps
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes err as a JSON response, using its status if it is an
// AppError.
func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	var appErr *AppError
	if errors.As(err, &appErr) {
		w.WriteHeader(appErr.Status)
		_ = json.NewEncoder(w).Encode(appErr)
		return
	}
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(ErrInternal(err.Error()))
}
