package sensors

import (
	"context"
	"fmt"
	"time"

	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/relabs-tech/vn100_driver/internal/timeutil"
)

// Pulse is one rising edge seen on the host side of the sync-out line.
type Pulse struct {
	Count uint32
	At    time.Time
}

// SyncPin watches a GPIO wired to the VN-100 SyncOut pin.
type SyncPin struct {
	pin   gpio.PinIn
	clock timeutil.Clock
	count uint32
}

// OpenSyncPin initializes the periph host and arms edge detection on the
// named pin (e.g. "GPIO17").
func OpenSyncPin(name string) (*SyncPin, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("sync pin: periph host init: %w", err)
	}
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("sync pin: %q not found", name)
	}
	return NewSyncPin(p, timeutil.RealClock{})
}

// NewSyncPin arms rising-edge detection on pin.
func NewSyncPin(pin gpio.PinIn, clock timeutil.Clock) (*SyncPin, error) {
	if err := pin.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, fmt.Errorf("sync pin %s: %w", pin, err)
	}
	return &SyncPin{pin: pin, clock: clock}, nil
}

// Run calls fn for every edge until ctx is done.
func (s *SyncPin) Run(ctx context.Context, fn func(Pulse)) error {
	defer func() { _ = s.pin.In(gpio.PullNoChange, gpio.NoEdge) }()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !s.pin.WaitForEdge(100 * time.Millisecond) {
			continue
		}
		s.count++
		fn(Pulse{Count: s.count, At: s.clock.Now()})
	}
}
