package source

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"

	"github.com/banshee-data/telemetry.report/internal/monitoring"
	"github.com/banshee-data/telemetry.report/internal/timeutil"
)

// pcapngMagic is the section header block type that opens every pcapng file.
const pcapngMagic = 0x0A0D0D0A

// Replay plays back telemetry lines captured as UDP datagrams in a pcap or
// pcapng file. Each datagram may carry several newline separated lines;
// lines without their own timestamp are stamped with the capture time.
type Replay struct {
	Path string
	// Port filters on UDP destination port. Zero accepts every port.
	Port int
	// SpeedMultiplier scales playback: 1 is capture speed, 2 twice as
	// fast. Zero or negative replays as fast as possible.
	SpeedMultiplier float64
	Clock           timeutil.Clock
}

func (r *Replay) Name() string { return "replay" }

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

func openCapture(rd io.Reader) (packetReader, error) {
	br := bufio.NewReader(rd)
	head, err := br.Peek(4)
	if err != nil {
		return nil, fmt.Errorf("read capture header: %w", err)
	}
	if binary.LittleEndian.Uint32(head) == pcapngMagic {
		return pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
	}
	return pcapgo.NewReader(br)
}

func (r *Replay) Run(ctx context.Context, emit Emit) error {
	f, err := os.Open(r.Path)
	if err != nil {
		return fmt.Errorf("open capture %s: %w", r.Path, err)
	}
	defer f.Close()
	return r.play(ctx, f, emit)
}

func (r *Replay) play(ctx context.Context, rd io.Reader, emit Emit) error {
	if r.Clock == nil {
		r.Clock = timeutil.RealClock{}
	}
	pr, err := openCapture(rd)
	if err != nil {
		return err
	}
	parser := NewLineParser()
	monitoring.Logf("replay: %s (link %s, speed %.1fx)", r.Path, pr.LinkType(), r.SpeedMultiplier)

	var last time.Time
	var packets, lines, bad int
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		data, ci, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			monitoring.Logf("replay: complete, %d packets %d lines (%d unparsed, %d clock resyncs)", packets, lines, bad, parser.Resyncs())
			return nil
		}
		if err != nil {
			return fmt.Errorf("read packet %d: %w", packets+1, err)
		}

		if r.SpeedMultiplier > 0 && !last.IsZero() {
			if gap := time.Duration(float64(ci.Timestamp.Sub(last)) / r.SpeedMultiplier); gap > 0 {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-r.Clock.After(gap):
				}
			}
		}
		last = ci.Timestamp

		pkt := gopacket.NewPacket(data, pr.LinkType(), gopacket.DecodeOptions{Lazy: true, NoCopy: true})
		udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
		if !ok {
			continue
		}
		if r.Port != 0 && int(udp.DstPort) != r.Port {
			continue
		}
		packets++

		for _, line := range strings.FieldsFunc(string(bytes.TrimSpace(udp.Payload)), func(c rune) bool { return c == '\n' || c == '\r' }) {
			lines++
			samples, err := parser.Parse(line, ci.Timestamp)
			if err != nil {
				bad++
				continue
			}
			for _, s := range samples {
				emit(s)
			}
		}
	}
}
