// Package system handles device restarts and the hand-off from the installed
// binary to a boot slot image. Request handlers only raise a flag; the main
// loop shuts down in order and then restarts.
package system

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// RestartFlag is a one-shot restart request shared between handlers and the
// main loop.
type RestartFlag struct {
	mu     sync.Mutex
	reason string
	ch     chan struct{}
}

// NewRestartFlag returns a lowered flag.
func NewRestartFlag() *RestartFlag {
	return &RestartFlag{ch: make(chan struct{})}
}

// Request raises the flag. Only the first reason is kept.
func (f *RestartFlag) Request(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		return
	default:
	}
	f.reason = reason
	close(f.ch)
	slog.Info("system: restart requested", "reason", reason)
}

// Requested reports whether the flag is raised and why.
func (f *RestartFlag) Requested() (bool, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	select {
	case <-f.ch:
		return true, f.reason
	default:
		return false, ""
	}
}

// Done is closed once a restart has been requested.
func (f *RestartFlag) Done() <-chan struct{} {
	return f.ch
}

// Restarter performs the actual restart once everything is shut down.
type Restarter interface {
	Restart() error
}

// Restart modes accepted by NewRestarter.
const (
	ModeReboot = "reboot"
	ModeExec   = "exec"
	ModeExit   = "exit"
)

// NewRestarter returns the restarter for mode.
func NewRestarter(mode string) (Restarter, error) {
	switch mode {
	case ModeReboot:
		return RebootRestarter{}, nil
	case ModeExec, "":
		return ExecRestarter{}, nil
	case ModeExit:
		return ExitRestarter{}, nil
	default:
		return nil, fmt.Errorf("system: unknown restart mode %q", mode)
	}
}

// RebootRestarter reboots the machine. Needs CAP_SYS_BOOT.
type RebootRestarter struct{}

func (RebootRestarter) Restart() error {
	unix.Sync()
	slog.Info("system: rebooting")
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("system: reboot: %w", err)
	}
	return nil
}

// ExecRestarter replaces the process with the installed binary, which
// performs the boot step and hands off to the selected slot image.
type ExecRestarter struct{}

func (ExecRestarter) Restart() error {
	base, err := BaseExecutable()
	if err != nil {
		return err
	}
	slog.Info("system: re-executing", "path", base)
	argv := append([]string{base}, os.Args[1:]...)
	return unix.Exec(base, argv, execEnv(os.Environ(), base, false))
}

// ExitRestarter exits with status 0 and lets the service manager restart us.
type ExitRestarter struct{}

func (ExitRestarter) Restart() error {
	slog.Info("system: exiting for supervisor restart")
	os.Exit(0)
	return nil
}
