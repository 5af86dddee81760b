package ota

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	otadataFileName = "otadata.json"
	slotA           = "ota_0"
	slotB           = "ota_1"
)

var (
	// ErrBusy is returned by Begin while another update is open.
	ErrBusy = errors.New("ota: update already in progress")
	// ErrSlotFull is returned when an image outgrows its slot.
	ErrSlotFull = errors.New("ota: image exceeds slot capacity")
	// ErrNoPrevious is returned when there is no slot to roll back to.
	ErrNoPrevious = errors.New("ota: no previous slot to roll back to")
)

type slotRecord struct {
	State SlotState `json:"state"`
	Size  int64     `json:"size"`
	// Boots counts starts while pending verification.
	Boots int `json:"boots,omitempty"`
}

// otadata is the persisted boot selection.
type otadata struct {
	Boot     string                 `json:"boot"`
	Running  string                 `json:"running"`
	Previous string                 `json:"previous,omitempty"`
	Slots    map[string]*slotRecord `json:"slots"`
}

// FileSlots keeps two firmware images side by side in a directory, with
// otadata.json selecting the one to boot. A slot without an image file runs
// the installed binary.
type FileSlots struct {
	mu       sync.Mutex
	dir      string
	capacity int64
	data     otadata
	open     bool
}

// OpenFileSlots loads (or creates) the slot directory and performs the boot
// step: if the boot target changed since the last start it becomes the
// running slot. A slot that was left pending verification by a previous
// start is rolled back. capacity limits each image; zero means unlimited.
func OpenFileSlots(dir string, capacity int64) (*FileSlots, error) {
	s, err := LoadFileSlots(dir, capacity)
	if err != nil {
		return nil, err
	}
	s.boot()
	if err := s.save(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadFileSlots loads the slot directory without the boot step. It is used
// by a process that was handed the running slot after the boot step ran.
func LoadFileSlots(dir string, capacity int64) (*FileSlots, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("ota: create slot dir: %w", err)
	}
	s := &FileSlots{dir: dir, capacity: capacity}

	raw, err := os.ReadFile(s.otadataPath())
	switch {
	case errors.Is(err, os.ErrNotExist):
		s.data = otadata{
			Boot:    slotA,
			Running: slotA,
			Slots: map[string]*slotRecord{
				slotA: {State: SlotValid},
				slotB: {State: SlotNew},
			},
		}
		slog.Info("ota: initialised slot table", "dir", dir)
		if err := s.save(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("ota: read otadata: %w", err)
	default:
		if err := json.Unmarshal(raw, &s.data); err != nil {
			return nil, fmt.Errorf("ota: parse otadata: %w", err)
		}
		if err := s.data.check(); err != nil {
			return nil, fmt.Errorf("ota: parse otadata: %w", err)
		}
		if s.data.Slots == nil {
			s.data.Slots = map[string]*slotRecord{}
		}
		for _, label := range []string{slotA, slotB} {
			if s.data.Slots[label] == nil {
				s.data.Slots[label] = &slotRecord{State: SlotNew}
			}
		}
	}
	return s, nil
}

func isSlot(label string) bool {
	return label == slotA || label == slotB
}

// check rejects slot labels the boot step cannot act on.
func (d *otadata) check() error {
	if !isSlot(d.Boot) {
		return fmt.Errorf("unknown boot slot %q", d.Boot)
	}
	if !isSlot(d.Running) {
		return fmt.Errorf("unknown running slot %q", d.Running)
	}
	if d.Previous != "" && !isSlot(d.Previous) {
		return fmt.Errorf("unknown previous slot %q", d.Previous)
	}
	return nil
}

// boot emulates the bootloader's slot selection.
func (s *FileSlots) boot() {
	d := &s.data
	if d.Boot != d.Running {
		slog.Info("ota: booting new slot", "slot", d.Boot, "previous", d.Running)
		d.Previous = d.Running
		d.Running = d.Boot
	}

	rec := d.Slots[d.Running]
	if rec.State != SlotPendingVerify {
		return
	}
	rec.Boots++
	if rec.Boots > 1 && d.Previous != "" {
		slog.Warn("ota: slot was never verified, rolling back", "slot", d.Running, "previous", d.Previous)
		rec.State = SlotInvalid
		d.Boot = d.Previous
		d.Running = d.Previous
		d.Previous = ""
	}
}

func (s *FileSlots) otadataPath() string {
	return filepath.Join(s.dir, otadataFileName)
}

// ImagePath returns the image file for a slot label.
func (s *FileSlots) ImagePath(label string) string {
	return filepath.Join(s.dir, label+".bin")
}

// RunningImage returns the image file of the running slot, if it has one.
func (s *FileSlots) RunningImage() (string, bool) {
	s.mu.Lock()
	label := s.data.Running
	s.mu.Unlock()
	path := s.ImagePath(label)
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return "", false
	}
	return path, true
}

// BootTarget returns the slot the next start will run.
func (s *FileSlots) BootTarget() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Boot
}

func (s *FileSlots) save() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return err
	}
	tmpPath := s.otadataPath() + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("ota: write otadata: %w", err)
	}
	if err := os.Rename(tmpPath, s.otadataPath()); err != nil {
		return fmt.Errorf("ota: write otadata: %w", err)
	}
	return nil
}

func (s *FileSlots) inactive() string {
	if s.data.Running == slotA {
		return slotB
	}
	return slotA
}

func (s *FileSlots) Running() SlotInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.data.Slots[s.data.Running]
	return SlotInfo{Label: s.data.Running, State: rec.State, Size: rec.Size}
}

func (s *FileSlots) Begin() (Update, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return nil, ErrBusy
	}

	label := s.inactive()
	if s.data.Boot == label {
		// A committed image is still waiting for a restart. It is about to
		// be overwritten, so the next start must stay on the running slot.
		slog.Warn("ota: replacing committed image before restart", "slot", label, "boot", s.data.Running)
		s.data.Boot = s.data.Running
	}
	s.data.Slots[label] = &slotRecord{State: SlotNew}
	if err := s.save(); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(s.ImagePath(label), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0755)
	if err != nil {
		return nil, fmt.Errorf("ota: open slot %s: %w", label, err)
	}
	s.open = true
	slog.Info("ota: update started", "slot", label)
	return &fileUpdate{slots: s, label: label, f: f}, nil
}

func (s *FileSlots) MarkValid() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec := s.data.Slots[s.data.Running]
	rec.State = SlotValid
	rec.Boots = 0
	return s.save()
}

func (s *FileSlots) MarkInvalidAndRestart() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Previous == "" {
		return ErrNoPrevious
	}
	s.data.Slots[s.data.Running].State = SlotInvalid
	s.data.Boot = s.data.Previous
	return s.save()
}

// finish records the outcome of an update and releases the writer.
func (s *FileSlots) finish(label string, state SlotState, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = false
	s.data.Slots[label] = &slotRecord{State: state, Size: size}
	if state == SlotPendingVerify {
		s.data.Boot = label
	}
	return s.save()
}

// Ensure FileSlots implements Partitions
var _ Partitions = (*FileSlots)(nil)

type fileUpdate struct {
	slots *FileSlots
	label string
	f     *os.File
	n     int64
	done  bool
}

func (u *fileUpdate) Write(p []byte) (int, error) {
	if u.done {
		return 0, os.ErrClosed
	}
	if c := u.slots.capacity; c > 0 && u.n+int64(len(p)) > c {
		return 0, fmt.Errorf("%w (%d bytes)", ErrSlotFull, c)
	}
	n, err := u.f.Write(p)
	u.n += int64(n)
	return n, err
}

func (u *fileUpdate) Commit() error {
	if u.done {
		return os.ErrClosed
	}
	u.done = true
	if u.n == 0 {
		u.f.Close()
		u.slots.finish(u.label, SlotAborted, 0)
		return fmt.Errorf("ota: refusing to commit empty image to %s", u.label)
	}
	if err := u.f.Chmod(0755); err != nil {
		u.f.Close()
		u.slots.finish(u.label, SlotAborted, u.n)
		return fmt.Errorf("ota: chmod slot %s: %w", u.label, err)
	}
	if err := unix.Fdatasync(int(u.f.Fd())); err != nil {
		u.f.Close()
		u.slots.finish(u.label, SlotAborted, u.n)
		return fmt.Errorf("ota: sync slot %s: %w", u.label, err)
	}
	if err := u.f.Close(); err != nil {
		u.slots.finish(u.label, SlotAborted, u.n)
		return fmt.Errorf("ota: close slot %s: %w", u.label, err)
	}
	if err := u.slots.finish(u.label, SlotPendingVerify, u.n); err != nil {
		return err
	}
	slog.Info("ota: slot committed as boot target", "slot", u.label, "bytes", u.n)
	return nil
}

func (u *fileUpdate) Abort() error {
	if u.done {
		return nil
	}
	u.done = true
	u.f.Close()
	if err := os.Remove(u.slots.ImagePath(u.label)); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("ota: failed to remove aborted image", "slot", u.label, "err", err)
	}
	slog.Info("ota: update aborted", "slot", u.label, "bytes", u.n)
	return u.slots.finish(u.label, SlotAborted, u.n)
}
