package gocoin

import (
	"context"
	"time"
)

// HasProcessed reports whether a provider event id was already applied.
// Callers check it before any mutation.
func (m *Manager) HasProcessed(ctx context.Context, eventID string) (bool, error) {
	start := time.Now()
	ok, err := m.storage.HasProcessed(ctx, eventID)
	m.metrics.RecordStorageOperation("has_processed", time.Since(start), err)
	return ok, err
}

// MarkProcessed records an event id once every mutation for it has succeeded.
// Returns ErrEventExists when a concurrent delivery got there first.
func (m *Manager) MarkProcessed(ctx context.Context, eventID, eventType string, payload []byte) error {
	start := time.Now()
	err := m.storage.MarkProcessed(ctx, &ProcessedEvent{
		EventID:     eventID,
		EventType:   eventType,
		Payload:     payload,
		ProcessedAt: m.Now(),
	})
	m.metrics.RecordStorageOperation("mark_processed", time.Since(start), err)
	return err
}
