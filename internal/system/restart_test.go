package system_test

import (
	"sync"
	"testing"
	"time"

	"github.com/micro-nova/bmsnode/internal/system"
)

func TestRestartFlag(t *testing.T) {
	f := system.NewRestartFlag()
	if ok, _ := f.Requested(); ok {
		t.Fatal("new flag is raised")
	}

	f.Request("update committed")
	f.Request("user reboot")

	ok, reason := f.Requested()
	if !ok || reason != "update committed" {
		t.Errorf("Requested() = %v, %q; want true, first reason", ok, reason)
	}

	select {
	case <-f.Done():
	case <-time.After(100 * time.Millisecond):
		t.Fatal("Done() not closed after Request")
	}
}

func TestRestartFlag_ConcurrentRequests(t *testing.T) {
	f := system.NewRestartFlag()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.Request("race")
		}()
	}
	wg.Wait()
	if ok, _ := f.Requested(); !ok {
		t.Error("flag not raised")
	}
}

func TestNewRestarter(t *testing.T) {
	for _, mode := range []string{"", system.ModeExec, system.ModeReboot, system.ModeExit} {
		if _, err := system.NewRestarter(mode); err != nil {
			t.Errorf("NewRestarter(%q) error = %v", mode, err)
		}
	}
	if _, err := system.NewRestarter("teleport"); err == nil {
		t.Error("expected error for unknown mode")
	}
}
