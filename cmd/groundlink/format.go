package main

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/skobkin/groundlink/internal/domain"
	"github.com/skobkin/groundlink/internal/mavlink"
	"github.com/skobkin/groundlink/internal/msglog"
)

const maxHexPreviewLen = 64

func previewHex(raw []byte) string {
	s := hex.EncodeToString(raw)
	if len(s) <= maxHexPreviewLen {
		return s
	}

	return s[:maxHexPreviewLen] + "..."
}

func formatFields(fields []domain.Field) string {
	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s=%v", f.Name, f.Value))
	}

	return strings.Join(parts, " ")
}

// formatMessage renders one decoded message as a single line.
func formatMessage(msg domain.Message) string {
	return fmt.Sprintf("%s conn=%d %d/%d %s(%d) seq=%d %s",
		msg.ReceivedAt().UTC().Format(time.RFC3339Nano), msg.Source(), msg.SystemID(), msg.ComponentID(),
		msg.Name(), msg.Kind(), msg.Sequence(), formatFields(msg.Fields()))
}

// formatEntry renders a log entry. Entries whose frame still decodes against profile show
// their fields; the rest show a hex preview.
func formatEntry(profile *mavlink.Profile, e msglog.LogEntry) string {
	head := fmt.Sprintf("#%d %s conn=%d %d/%d", e.Sequence, e.RecordedAt.UTC().Format(time.RFC3339Nano),
		e.ConnectionID, e.SystemID, e.ComponentID)
	msg, err := mavlink.DecodeFrame(profile, e.Raw, domain.ConnectionID(e.ConnectionID), e.RecordedAt)
	if err != nil {
		return fmt.Sprintf("%s kind=%d len=%d hex=%s (%v)", head, e.Kind, len(e.Raw), previewHex(e.Raw), err)
	}

	return fmt.Sprintf("%s %s(%d) seq=%d %s", head, msg.Name(), msg.Kind(), msg.Sequence(), formatFields(msg.Fields()))
}

func loadProfile(path string) (*mavlink.Profile, error) {
	if path == "" {
		return mavlink.DefaultProfile(), nil
	}

	return mavlink.LoadProfile(path)
}
