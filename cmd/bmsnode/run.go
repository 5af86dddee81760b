package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/micro-nova/bmsnode/internal/api"
	"github.com/micro-nova/bmsnode/internal/auth"
	"github.com/micro-nova/bmsnode/internal/events"
	"github.com/micro-nova/bmsnode/internal/hardware"
	"github.com/micro-nova/bmsnode/internal/identity"
	"github.com/micro-nova/bmsnode/internal/maintenance"
	"github.com/micro-nova/bmsnode/internal/options"
	"github.com/micro-nova/bmsnode/internal/ota"
	"github.com/micro-nova/bmsnode/internal/system"
	"github.com/micro-nova/bmsnode/internal/wifi"
	"github.com/micro-nova/bmsnode/internal/zeroconf"
)

const (
	shutdownTimeout = 15 * time.Second
	resetPoll       = 50 * time.Millisecond
)

func runDaemon(cmd *cobra.Command, args []string) error {
	opts, err := loadOptions()
	if err != nil {
		return err
	}
	logCloser := setupLogging(opts)
	defer logCloser.Close()

	started := time.Now()
	version := identity.GetVersion(opts.DataDir)
	slog.Info("bmsnode starting", "version", version, "data_dir", opts.DataDir, "radio", opts.Radio.Driver)

	// Graceful shutdown context
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	restarter, err := system.NewRestarter(opts.Update.Restart)
	if err != nil {
		return err
	}
	restart := system.NewRestartFlag()

	// Boot slots: the installed binary runs the boot step and hands off to
	// the running slot's image, which then confirms or rolls itself back.
	slots, err := openSlots(opts, !system.HandedOff())
	if err != nil {
		return fmt.Errorf("slots: %w", err)
	}
	if err := launchSlotImage(slots); err != nil {
		slog.Error("ota: slot image did not start, rolling back", "slot", slots.Running().Label, "err", err)
		if err := slots.MarkInvalidAndRestart(); err != nil {
			return fmt.Errorf("slots: %w", err)
		}
		return restarter.Restart()
	}

	// Settings
	settings, flash, err := openSettings(opts)
	if err != nil {
		return fmt.Errorf("settings: %w", err)
	}
	go func() {
		err := flash.Watch(ctx, func(key string) {
			if err := settings.Reload(); err != nil {
				slog.Warn("config: reload after external change failed", "key", key, "err", err)
			}
		})
		if err != nil {
			slog.Warn("nvs: external change watch disabled", "err", err)
		}
	}()

	rollback, err := ota.ValidateRunning(slots, settings.Reload)
	if err != nil {
		slog.Error("ota: running slot validation failed", "err", err)
	}
	if rollback {
		slog.Warn("ota: running image rejected, restarting into previous slot")
		return restarter.Restart()
	}

	// Wireless bring-up
	radio, pinger, radioCloser, err := newRadio(opts)
	if err != nil {
		if opts.RequireLink {
			return fmt.Errorf("radio: %w", err)
		}
		slog.Error("wifi: radio unavailable, continuing without a link", "err", err)
	}
	var link *wifi.Link
	if radio != nil {
		snap := settings.Snapshot()
		link, err = wifi.NewManager(radio, pinger).BringUp(ctx, snap.Station, snap.AccessPoint)
		if err != nil {
			var lerr *wifi.LinkError
			if errors.As(err, &lerr) {
				slog.Error("wifi: bring-up failed", "stage", lerr.Stage, "mode", lerr.Mode, "status", lerr.Status.String(), "err", lerr.Err)
			}
			if opts.RequireLink {
				return err
			}
			slog.Warn("wifi: continuing without a link")
		}
	}

	// Background services run on their own context so they stop after HTTP.
	svcCtx, svcCancel := context.WithCancel(context.Background())
	defer svcCancel()

	panel := newPanel(ctx, opts)
	var indicator *hardware.Indicator
	if panel != nil {
		indicator = hardware.NewIndicator(panel)
		go indicator.Run(svcCtx)
	}
	state := newDeviceState(link, indicator)

	bus := events.NewBus()
	go state.followUpdates(svcCtx, bus)

	if panel != nil {
		go hardware.WatchReset(svcCtx, panel, opts.Panel.ResetHold, resetPoll, func() {
			slog.Warn("hardware: factory reset requested")
			if err := settings.Reset(); err != nil {
				slog.Error("config: factory reset failed", "err", err)
				return
			}
			bus.Publish(events.Event{Kind: events.KindSettingsChanged, Message: "factory reset"})
			restart.Request("factory reset")
		})
	}

	if link != nil && opts.MDNS.Enabled {
		startMDNS(svcCtx, opts, version, slots.Running().Label)
	}

	var statusReader wifi.StatusReader
	if link != nil {
		statusReader = radio
	}
	maint := maintenance.New(started, statusReader, settings, state.setStatus, func(reachable bool) {
		slog.Info("maintenance: broker reachability changed", "reachable", reachable)
	})
	go maint.Start(svcCtx)

	// Auth service
	authSvc, err := auth.NewService(opts.DataDir)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	defer authSvc.Close()

	mode, err := ota.ParseDeframeMode(opts.Update.Deframe)
	if err != nil {
		return err
	}
	pipeline := ota.NewPipeline(slots, bus)
	pipeline.Mode = mode

	router := api.NewRouter(api.Deps{
		Settings: settings,
		Updater:  pipeline,
		Events:   bus,
		Restart:  restart,
		Info: func() identity.Info {
			return identity.Gather(version, slots, state.Link(), started)
		},
		Auth:    authSvc,
		Version: version,
	})

	// Requests (including SSE streams) are cancelled before Shutdown waits.
	reqCtx, reqCancel := context.WithCancel(context.Background())
	defer reqCancel()
	srv := &http.Server{
		Addr:              opts.Listen,
		Handler:           router,
		BaseContext:       func(net.Listener) context.Context { return reqCtx },
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      0, // 0 = no timeout (needed for SSE and uploads)
		IdleTimeout:       120 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("bmsnode listening", "addr", opts.Listen, "slot", slots.Running().Label)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	// Wait for a signal, a restart request or a server failure.
	var (
		restartRequested bool
		exitErr          error
	)
	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case <-restart.Done():
		_, reason := restart.Requested()
		slog.Info("restart requested, shutting down", "reason", reason)
		restartRequested = true
	case exitErr = <-serveErr:
		slog.Error("server error", "err", exitErr)
	}

	shutCtx, shutCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutCancel()

	reqCancel()
	if err := srv.Shutdown(shutCtx); err != nil {
		slog.Warn("server shutdown error", "err", err)
	}
	svcCancel()
	if radio != nil {
		stopRadio(shutCtx, radio, radioCloser)
	}
	if panel != nil {
		if err := panel.Close(); err != nil {
			slog.Warn("hardware: close failed", "err", err)
		}
	}
	slog.Info("shutdown complete")

	if restartRequested {
		return restarter.Restart()
	}
	return exitErr
}

// startMDNS advertises the HTTP service on the wireless interfaces.
func startMDNS(ctx context.Context, opts *options.Options, version, slot string) {
	name := opts.MDNS.Name
	if name == "" {
		name = identity.GetHostname()
	}
	zc := zeroconf.New(name, listenPort(opts.Listen), "version="+version, "slot="+slot)
	if opts.Radio.Driver == options.RadioNetworkManager {
		zc.OnInterfaces(opts.Radio.StationIface, opts.Radio.APIface)
	}
	go func() {
		if err := zc.Start(ctx); err != nil {
			slog.Warn("zeroconf failed", "err", err)
		}
	}()
}

func stopRadio(ctx context.Context, radio wifi.Radio, closer io.Closer) {
	if err := radio.Stop(ctx); err != nil {
		slog.Warn("wifi: stop failed", "err", err)
	}
	if err := closer.Close(); err != nil {
		slog.Warn("wifi: close failed", "err", err)
	}
}
