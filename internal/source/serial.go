package source

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/banshee-data/telemetry.report/internal/monitoring"
	"github.com/banshee-data/telemetry.report/internal/serialmux"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
)

// Serial reads a live device through a serial multiplexer. When
// PollInterval is set it cycles through PIDs, sending one request per tick,
// as an ELM327 adapter only answers what it is asked.
type Serial struct {
	Mux          serialmux.SerialMuxInterface
	PollInterval time.Duration
	PIDs         []string
	Clock        timeutil.Clock

	parser *LineParser
}

// NewSerial returns a Serial source polling the standard PIDs.
func NewSerial(mux serialmux.SerialMuxInterface, pollInterval time.Duration) *Serial {
	return &Serial{Mux: mux, PollInterval: pollInterval, PIDs: ELM327PIDs}
}

func (s *Serial) Name() string { return "serial" }

func (s *Serial) Run(ctx context.Context, emit Emit) error {
	if s.Clock == nil {
		s.Clock = timeutil.RealClock{}
	}
	s.parser = NewLineParser()

	id, lines := s.Mux.Subscribe()
	defer s.Mux.Unsubscribe(id)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	monitorErr := make(chan error, 1)
	go func() { monitorErr <- s.Mux.Monitor(ctx) }()

	if err := s.Mux.Initialize(); err != nil {
		return fmt.Errorf("initialise serial device: %w", err)
	}

	var tick <-chan time.Time
	if s.PollInterval > 0 && len(s.PIDs) > 0 {
		ticker := s.Clock.NewTicker(s.PollInterval)
		defer ticker.Stop()
		tick = ticker.C()
	}
	next := 0
	unparsed := &monitoring.Sampled{Every: 100}
	gpsSynced, resyncs := false, 0
	handle := func(line string) {
		samples, err := s.parser.Parse(line, s.Clock.Now())
		if err != nil {
			unparsed.Logf("serial: %v (%d unparsed lines)", err)
			return
		}
		if off, ok := s.parser.GPSOffset(); ok && !gpsSynced {
			gpsSynced = true
			monitoring.Logf("serial: gps clock offset %v", off)
		}
		if n := s.parser.Resyncs(); n != resyncs {
			resyncs = n
			off, _ := s.parser.GPSOffset()
			monitoring.Logf("serial: device clock jumped, resync %d (gps offset %v)", n, off)
		}
		for _, smp := range samples {
			emit(smp)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-monitorErr:
			// Lines already delivered to the subscription are still ours.
			for drained := false; !drained; {
				select {
				case line, ok := <-lines:
					if !ok {
						drained = true
						break
					}
					handle(line)
				default:
					drained = true
				}
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("serial monitor: %w", err)
			}
			return err
		case <-tick:
			if err := s.Mux.SendCommand(s.PIDs[next]); err != nil {
				monitoring.Logf("serial: poll %s: %v", s.PIDs[next], err)
			}
			next = (next + 1) % len(s.PIDs)
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			handle(line)
		}
	}
}
