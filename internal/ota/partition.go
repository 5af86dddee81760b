package ota

import (
	"fmt"
	"log/slog"
)

// SlotState is the verification state of a boot slot.
type SlotState string

const (
	SlotNew           SlotState = "new"
	SlotPendingVerify SlotState = "pending_verify"
	SlotValid         SlotState = "valid"
	SlotInvalid       SlotState = "invalid"
	SlotAborted       SlotState = "aborted"
)

// SlotInfo describes one boot slot.
type SlotInfo struct {
	Label string    `json:"label"`
	State SlotState `json:"state"`
	Size  int64     `json:"size"`
}

// Update is an in-progress write to the inactive slot.
type Update interface {
	Write(p []byte) (int, error)
	// Commit makes the written slot the boot target for the next restart.
	Commit() error
	// Abort discards the written data. The boot target is unchanged.
	Abort() error
}

// Partitions is the partition-flashing sink.
type Partitions interface {
	// Begin starts writing the slot that is not running.
	Begin() (Update, error)
	// MarkValid confirms the running slot, cancelling a pending rollback.
	MarkValid() error
	// MarkInvalidAndRestart rejects the running slot and points the boot
	// target back at the previous one. The caller performs the restart.
	MarkInvalidAndRestart() error
	// Running describes the slot the device booted from.
	Running() SlotInfo
}

// ValidateRunning confirms or rejects a freshly booted image. It does
// nothing unless the running slot is pending verification. restart is
// reported true when the slot was rejected and the device must reboot.
func ValidateRunning(parts Partitions, check func() error) (restart bool, err error) {
	running := parts.Running()
	if running.State != SlotPendingVerify {
		slog.Debug("ota: running slot needs no verification", "slot", running.Label, "state", running.State)
		return false, nil
	}

	slog.Info("ota: verifying freshly booted slot", "slot", running.Label)
	if cerr := check(); cerr != nil {
		slog.Error("ota: self-check failed, rolling back", "slot", running.Label, "err", cerr)
		if err := parts.MarkInvalidAndRestart(); err != nil {
			return false, fmt.Errorf("ota: mark %s invalid: %w", running.Label, err)
		}
		return true, nil
	}

	if err := parts.MarkValid(); err != nil {
		return false, fmt.Errorf("ota: mark %s valid: %w", running.Label, err)
	}
	slog.Info("ota: running slot marked valid", "slot", running.Label)
	return false, nil
}
