package hardware

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// WatchReset polls the reset button every poll interval and calls onReset
// once the button has been held for hold. The button must be released before
// it can fire again. Returns when ctx is cancelled.
func WatchReset(ctx context.Context, drv Driver, hold, poll time.Duration, onReset func()) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var since time.Time
	fired := false
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			pressed, err := drv.ResetPressed()
			if err != nil {
				slog.Debug("hardware: reset button read failed", "err", err)
				continue
			}
			switch {
			case !pressed:
				since = time.Time{}
				fired = false
			case since.IsZero():
				since = now
			case !fired && now.Sub(since) >= hold:
				fired = true
				slog.Warn("hardware: reset button held", "hold", hold)
				onReset()
			}
		}
	}
}

// Pattern is a status LED pattern.
type Pattern int

const (
	PatternOff Pattern = iota
	PatternOn
	PatternSlowBlink
	PatternFastBlink
)

func (p Pattern) String() string {
	switch p {
	case PatternOn:
		return "on"
	case PatternSlowBlink:
		return "slow-blink"
	case PatternFastBlink:
		return "fast-blink"
	default:
		return "off"
	}
}

func (p Pattern) period() time.Duration {
	switch p {
	case PatternSlowBlink:
		return time.Second
	case PatternFastBlink:
		return 150 * time.Millisecond
	default:
		return 0
	}
}

// Indicator drives the status LED with a pattern from its own goroutine.
type Indicator struct {
	drv     Driver
	mu      sync.Mutex
	pattern Pattern
	changed chan struct{}
}

// NewIndicator returns an Indicator for drv with the LED off.
func NewIndicator(drv Driver) *Indicator {
	return &Indicator{drv: drv, changed: make(chan struct{}, 1)}
}

// Set switches the pattern.
func (i *Indicator) Set(p Pattern) {
	i.mu.Lock()
	if i.pattern == p {
		i.mu.Unlock()
		return
	}
	i.pattern = p
	i.mu.Unlock()
	slog.Debug("hardware: led pattern", "pattern", p)

	select {
	case i.changed <- struct{}{}:
	default:
	}
}

// Pattern returns the current pattern.
func (i *Indicator) Pattern() Pattern {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.pattern
}

// Run drives the LED until ctx is cancelled, then switches it off.
func (i *Indicator) Run(ctx context.Context) {
	level := false
	for {
		p := i.Pattern()
		var tick <-chan time.Time
		switch p {
		case PatternOff:
			level = false
		case PatternOn:
			level = true
		default:
			level = !level
			tick = time.After(p.period())
		}
		if err := i.drv.SetLED(level); err != nil {
			slog.Debug("hardware: led write failed", "err", err)
		}

		select {
		case <-ctx.Done():
			_ = i.drv.SetLED(false)
			return
		case <-i.changed:
		case <-tick:
		}
	}
}
