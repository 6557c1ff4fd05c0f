package domain

import (
	"fmt"
	"time"
)

// ConnectionKind is the closed set of data source variants: SerialKind, UDPKind and ReplayKind.
type ConnectionKind interface {
	KindName() string
	Target() string
}

// SerialKind is a serial line at a fixed baud rate.
type SerialKind struct {
	Path string `json:"path" yaml:"path"`
	Baud int    `json:"baud" yaml:"baud"`
}

// UDPKind is a UDP socket bound to LocalAddr. An empty PeerAddr means replies go to the last sender.
type UDPKind struct {
	LocalAddr string `json:"local_addr" yaml:"local_addr"`
	PeerAddr  string `json:"peer_addr,omitempty" yaml:"peer_addr,omitempty"`
}

// ReplayKind is a recorded log played back as a pseudo-connection.
type ReplayKind struct {
	Path   string  `json:"path" yaml:"path"`
	Pacing bool    `json:"pacing" yaml:"pacing"`
	Speed  float64 `json:"speed,omitempty" yaml:"speed,omitempty"`
}

func (SerialKind) KindName() string { return "serial" }
func (UDPKind) KindName() string { return "udp" }
func (ReplayKind) KindName() string { return "replay" }

func (k SerialKind) Target() string { return fmt.Sprintf("%s@%d", k.Path, k.Baud) }

func (k UDPKind) Target() string {
	if k.PeerAddr == "" {
		return k.LocalAddr
	}

	return k.LocalAddr + "->" + k.PeerAddr
}

func (k ReplayKind) Target() string { return k.Path }

// ConnectionState describes the connection lifecycle state.
type ConnectionState string

const (
	ConnectionStateConnecting   ConnectionState = "connecting"
	ConnectionStateConnected    ConnectionState = "connected"
	ConnectionStateDisconnected ConnectionState = "disconnected"
	ConnectionStateFailed       ConnectionState = "failed"
)

// ConnectionStatus is the state with the failure reason, if any.
type ConnectionStatus struct {
	State  ConnectionState `json:"state"`
	Reason string          `json:"reason,omitempty"`
	Since  time.Time       `json:"since"`
}

func (s ConnectionStatus) String() string {
	if s.Reason == "" {
		return string(s.State)
	}

	return fmt.Sprintf("%s: %s", s.State, s.Reason)
}

// ReceptionStats summarizes recent inbound traffic on a connection.
type ReceptionStats struct {
	Messages    uint64    `json:"messages"`
	FrequencyHz float64   `json:"frequency_hz"`
	LastMessage time.Time `json:"last_message,omitempty"`
}

// ConnectionSnapshot is a read-only view of one connection.
type ConnectionSnapshot struct {
	ID           ConnectionID     `json:"id"`
	Kind         ConnectionKind   `json:"-"`
	KindName     string           `json:"kind"`
	Target       string           `json:"target"`
	Status       ConnectionStatus `json:"status"`
	LastActivity time.Time        `json:"last_activity,omitempty"`
	Reception    ReceptionStats   `json:"reception"`
}
