package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tincan-im/tincan/internal/backend"
	"github.com/tincan-im/tincan/internal/call"
)

type History struct {
	c      *backend.Client
	selfID string
}

func NewHistory(c *backend.Client, selfID string) *History {
	return &History{c: c, selfID: selfID}
}

// RecordCall appends one history row. Implements call.HistoryWriter.
func (h *History) RecordCall(ctx context.Context, rec call.HistoryRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	row := map[string]any{
		"id":               rec.ID,
		"conversation_id":  rec.ConversationID,
		"caller_id":        rec.CallerID,
		"call_type":        string(rec.CallType),
		"status":           rec.Status,
		"duration_seconds": rec.DurationSeconds,
		"ended_at":         rec.EndedAt.UTC().Format(time.RFC3339),
	}
	if !rec.StartedAt.IsZero() {
		row["started_at"] = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if err := h.c.From("call_history").Insert(row).Do(ctx); err != nil {
		return fmt.Errorf("record call: %w", err)
	}
	return nil
}

// Recent returns the newest history rows for the history panel.
func (h *History) Recent(ctx context.Context, limit int) ([]call.HistoryRecord, error) {
	if limit <= 0 || limit > 50 {
		limit = 50
	}
	var rows []call.HistoryRecord
	err := h.c.From("call_history").
		Select("*").
		Order("ended_at", true).
		Limit(limit).
		DoInto(ctx, &rows)
	if err != nil {
		return nil, fmt.Errorf("recent calls: %w", err)
	}
	return rows, nil
}
