package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/groundlink/internal/config"
	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/msglog"
)

func recordSegment(t *testing.T, n int) string {
	t.Helper()
	profile := mavlink.DefaultProfile()
	rec, err := msglog.NewRecorder(msglog.Options{Dir: t.TempDir()})
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		raw, err := mavlink.EncodeFrame(profile, domain.Header{Sequence: uint8(i), SystemID: 1, ComponentID: 1, Kind: 110},
			map[string]any{"timestamp": uint64(1000 + i)})
		require.NoError(t, err)
		msg, err := mavlink.DecodeFrame(profile, raw, 1, base.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, err)
		require.NoError(t, rec.Append(context.Background(), msg))
	}
	path := rec.Segment()
	require.NoError(t, rec.Close())

	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := root.ExecuteContext(ctx)

	return out.String(), err
}

func TestParseSerialFlag(t *testing.T) {
	tests := []struct {
		in       string
		wantPath string
		wantBaud int
		wantErr  bool
	}{
		{in: "/dev/ttyUSB0", wantPath: "/dev/ttyUSB0", wantBaud: config.DefaultSerialBaud},
		{in: "/dev/ttyUSB0:57600", wantPath: "/dev/ttyUSB0", wantBaud: 57600},
		{in: " COM3:9600 ", wantPath: "COM3", wantBaud: 9600},
		{in: "/dev/serial/by-id/usb-FTDI:port", wantPath: "/dev/serial/by-id/usb-FTDI:port", wantBaud: config.DefaultSerialBaud},
		{in: "/dev/ttyUSB0:0", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseSerialFlag(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, config.SourceSerial, got.Type)
			assert.Equal(t, tt.wantPath, got.Path)
			assert.Equal(t, tt.wantBaud, got.Baud)
		})
	}
}

func TestParseUDPFlag(t *testing.T) {
	got, err := parseUDPFlag("0.0.0.0:14550")
	require.NoError(t, err)
	assert.Equal(t, config.SourceConfig{Type: config.SourceUDP, LocalAddr: "0.0.0.0:14550"}, got)

	got, err = parseUDPFlag("0.0.0.0:14550, 192.168.1.10:14555")
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.10:14555", got.PeerAddr)

	_, err = parseUDPFlag(",192.168.1.10:14555")
	assert.Error(t, err)
}

func TestSourcesFromFlags(t *testing.T) {
	got, err := sourcesFromFlags([]string{"/dev/ttyACM0"}, []string{":14550"}, []string{"flight.glog"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, config.SourceSerial, got[0].Type)
	assert.Equal(t, config.SourceUDP, got[1].Type)
	assert.Equal(t, config.SourceConfig{Type: config.SourceReplay, Path: "flight.glog", Pacing: true, Speed: 1}, got[2])

	_, err = sourcesFromFlags([]string{"/dev/ttyACM0:-1"}, nil, nil)
	assert.Error(t, err)
}

func TestPreviewHex(t *testing.T) {
	assert.Equal(t, "fe01", previewHex([]byte{0xfe, 0x01}))

	long := previewHex(bytes.Repeat([]byte{0xab}, 100))
	assert.True(t, strings.HasSuffix(long, "..."))
	assert.Len(t, long, maxHexPreviewLen+3)
}

func TestFormatEntryFallsBackToHex(t *testing.T) {
	e := msglog.LogEntry{Sequence: 7, ConnectionID: 2, SystemID: 1, ComponentID: 1, Kind: 200, Raw: []byte{0xfe, 0x00, 0x01}}
	line := formatEntry(mavlink.DefaultProfile(), e)
	assert.Contains(t, line, "#7")
	assert.Contains(t, line, "kind=200")
	assert.Contains(t, line, "hex=fe0001")
}

func TestInspectCommand(t *testing.T) {
	path := recordSegment(t, 5)

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Equal(t, 5, strings.Count(out, "SYS_TM(110)"))
	assert.Contains(t, out, "timestamp=1004")
	assert.Contains(t, out, "5 entries")

	out, err = execute(t, "inspect", "--limit", "2", path)
	require.NoError(t, err)
	assert.Contains(t, out, "2 entries")
}

func TestInspectReportsTornTail(t *testing.T) {
	path := recordSegment(t, 3)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x10, 0x00, 0x00})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "partial record")
	assert.Contains(t, out, "3 entries")
}

func TestReplayCommand(t *testing.T) {
	path := recordSegment(t, 20)

	out, err := execute(t, "replay", path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 20)
	assert.Contains(t, lines[0], "SYS_TM(110)")
	assert.Contains(t, lines[0], "timestamp=1000")
	assert.Contains(t, lines[19], "timestamp=1019")
	assert.Contains(t, lines[0], "2024-05-01T12:00:00Z")
}

func TestReplayCommandRejectsBadInput(t *testing.T) {
	path := recordSegment(t, 1)

	_, err := execute(t, "replay", "--name", "NOPE_TM", path)
	assert.ErrorContains(t, err, "unknown message name")

	_, err = execute(t, "replay", path+".missing")
	assert.Error(t, err)
}

func TestReplayCommandFiltersByName(t *testing.T) {
	path := recordSegment(t, 4)

	out, err := execute(t, "replay", "--name", "GPS_TM", path)
	require.NoError(t, err)
	assert.Empty(t, strings.TrimSpace(out))
}
