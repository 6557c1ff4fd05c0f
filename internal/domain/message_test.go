package domain

import (
	"testing"
	"time"
)

func TestNewMessageCopiesInput(t *testing.T) {
	raw := []byte{0xFE, 1, 2}
	fields := []Field{{Name: "alt", Value: float32(12.5)}}
	msg := NewMessage(3, Header{SystemID: 1, ComponentID: 2, Kind: 7}, "ALT_TM", fields, raw, time.Now())

	raw[0] = 0
	fields[0].Value = float32(0)

	if got := msg.Raw()[0]; got != 0xFE {
		t.Fatalf("expected raw to be copied, got first byte %#x", got)
	}
	if v, ok := msg.Float("alt"); !ok || v != 12.5 {
		t.Fatalf("expected alt 12.5, got %v ok=%v", v, ok)
	}

	out := msg.Raw()
	out[1] = 99
	if msg.Raw()[1] != 1 {
		t.Fatalf("expected Raw to return a copy")
	}
}

func TestMessageUint(t *testing.T) {
	msg := NewMessage(1, Header{}, "X", []Field{
		{Name: "u", Value: uint16(500)},
		{Name: "neg", Value: int8(-1)},
		{Name: "f", Value: float32(1)},
	}, nil, time.Now())

	if v, ok := msg.Uint("u"); !ok || v != 500 {
		t.Fatalf("expected 500, got %d ok=%v", v, ok)
	}
	if _, ok := msg.Uint("neg"); ok {
		t.Fatalf("expected negative value to be rejected")
	}
	if _, ok := msg.Uint("f"); ok {
		t.Fatalf("expected float value to be rejected")
	}
	if _, ok := msg.Uint("missing"); ok {
		t.Fatalf("expected missing field to be rejected")
	}
}

func TestPendingCommandDeadline(t *testing.T) {
	sent := time.Unix(100, 0)
	cmd := PendingCommand{SentAt: sent, Timeout: 3 * time.Second, Status: CommandStatusPending}
	if !cmd.Deadline().Equal(sent.Add(3 * time.Second)) {
		t.Fatalf("unexpected deadline %v", cmd.Deadline())
	}
	if cmd.IsTerminal() {
		t.Fatalf("pending command reported terminal")
	}
}
