package source

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/telemetry.report/internal/telemetry"
	"github.com/banshee-data/telemetry.report/internal/testutil"
)

type datagram struct {
	at      time.Time
	dstPort uint16
	payload string
}

func udpFrame(t *testing.T, dstPort uint16, payload string) []byte {
	t.Helper()
	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IPv4(192, 168, 4, 2),
		DstIP:    net.IPv4(192, 168, 4, 1),
	}
	udp := &layers.UDP{SrcPort: 40000, DstPort: layers.UDPPort(dstPort)}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)))
	return buf.Bytes()
}

func writePcap(t *testing.T, grams []datagram) []byte {
	t.Helper()
	var out bytes.Buffer
	w := pcapgo.NewWriter(&out)
	require.NoError(t, w.WriteFileHeader(65536, layers.LinkTypeEthernet))
	for _, g := range grams {
		frame := udpFrame(t, g.dstPort, g.payload)
		ci := gopacket.CaptureInfo{Timestamp: g.at, CaptureLength: len(frame), Length: len(frame)}
		require.NoError(t, w.WritePacket(ci, frame))
	}
	return out.Bytes()
}

func TestReplay_PcapFile(t *testing.T) {
	data := writePcap(t, []datagram{
		{testutil.At(0), 5600, "coolant_temp=195 obd_rpm=800\n"},
		{testutil.At(0.1), 5600, "41 0D 3C\r\nnot a sample\n"},
		{testutil.At(0.2), 9999, "coolant_temp=250\n"},
		{testutil.At(0.3), 5600, "2026-03-14T09:00:00.25Z,oil_pressure,40\n"},
	})
	path := filepath.Join(t.TempDir(), "drive.pcap")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	c := newCollector()
	r := &Replay{Path: path, Port: 5600}
	require.NoError(t, r.Run(context.Background(), c.emit))

	require.Len(t, c.samples, 4)
	assert.Equal(t, "coolant_temp", c.samples[0].Channel)
	assert.Equal(t, 195.0, c.samples[0].Value)
	assert.True(t, c.samples[0].Timestamp.Equal(testutil.At(0)))
	assert.Equal(t, telemetry.ChannelOBDSpeed, c.samples[2].Channel)
	assert.True(t, c.samples[2].Timestamp.Equal(testutil.At(0.1)), "stamped with capture time")
	assert.True(t, c.samples[3].Timestamp.Equal(testutil.At(0.3)), "logged timestamp aligned to capture time")
}

func TestReplay_AllPorts(t *testing.T) {
	data := writePcap(t, []datagram{
		{testutil.At(0), 5600, "obd_rpm=800"},
		{testutil.At(1), 9999, "obd_rpm=900"},
	})
	c := newCollector()
	require.NoError(t, (&Replay{}).play(context.Background(), bytes.NewReader(data), c.emit))
	assert.Len(t, c.samples, 2)
}

func TestReplay_Errors(t *testing.T) {
	err := (&Replay{Path: filepath.Join(t.TempDir(), "missing.pcap")}).Run(context.Background(), func(telemetry.Sample) {})
	assert.Error(t, err)

	err = (&Replay{}).play(context.Background(), bytes.NewReader([]byte("not a capture file")), func(telemetry.Sample) {})
	assert.Error(t, err)

	data := writePcap(t, []datagram{{testutil.At(0), 5600, "obd_rpm=800"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = (&Replay{}).play(ctx, bytes.NewReader(data), func(telemetry.Sample) {})
	assert.ErrorIs(t, err, context.Canceled)
}
