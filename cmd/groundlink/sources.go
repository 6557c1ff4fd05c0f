package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/skobkin/groundlink/internal/config"
)

// parseSerialFlag accepts PATH or PATH:BAUD. Windows port names carry no colon, and a
// colon followed by something other than a number stays part of the path.
func parseSerialFlag(raw string) (config.SourceConfig, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return config.SourceConfig{}, fmt.Errorf("serial source is empty")
	}
	src := config.SourceConfig{Type: config.SourceSerial, Path: raw, Baud: config.DefaultSerialBaud}
	if i := strings.LastIndex(raw, ":"); i > 0 {
		if baud, err := strconv.Atoi(raw[i+1:]); err == nil {
			if baud <= 0 {
				return config.SourceConfig{}, fmt.Errorf("serial baud must be positive: %q", raw)
			}
			src.Path, src.Baud = raw[:i], baud
		}
	}

	return src, nil
}

// parseUDPFlag accepts LOCAL or LOCAL,PEER.
func parseUDPFlag(raw string) (config.SourceConfig, error) {
	local, peer, _ := strings.Cut(strings.TrimSpace(raw), ",")
	local, peer = strings.TrimSpace(local), strings.TrimSpace(peer)
	if local == "" {
		return config.SourceConfig{}, fmt.Errorf("udp local address is empty: %q", raw)
	}

	return config.SourceConfig{Type: config.SourceUDP, LocalAddr: local, PeerAddr: peer}, nil
}

func sourcesFromFlags(serial, udp, replays []string) ([]config.SourceConfig, error) {
	out := make([]config.SourceConfig, 0, len(serial)+len(udp)+len(replays))
	for _, raw := range serial {
		src, err := parseSerialFlag(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	for _, raw := range udp {
		src, err := parseUDPFlag(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	for _, path := range replays {
		out = append(out, config.SourceConfig{Type: config.SourceReplay, Path: path, Pacing: true, Speed: 1})
	}

	return out, nil
}
