package service

import (
	"context"
	"fmt"

	"github.com/adeyemio/fxrail/internal/models"
	"github.com/adeyemio/fxrail/internal/observability"
	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
)

// TimelineService writes the append-only execution trace of a transfer saga.
// Events are never updated or deleted; insertion order is causal order.
type TimelineService struct {
	store QueryStore
}

func NewTimelineService(store QueryStore) *TimelineService {
	return &TimelineService{store: store}
}

// Append records one step outcome inside the caller's transaction scope.
func (s *TimelineService) Append(ctx context.Context, qtx *repository.Queries, transferID uuid.UUID, step, status, message string, metadata map[string]any) error {
	if err := qtx.InsertTimelineEvent(ctx, repository.InsertTimelineEventParams{
		TransferID: transferID,
		Step:       step,
		Status:     status,
		Message:    message,
		Metadata:   repository.MetadataJSON(metadata),
	}); err != nil {
		return fmt.Errorf("append timeline event %s: %w", step, err)
	}
	observability.IncrementSagaStep(step, status)
	return nil
}

// Read returns the full ordered event sequence for a transfer.
func (s *TimelineService) Read(ctx context.Context, transferID uuid.UUID) ([]models.TimelineEvent, error) {
	events, err := s.store.Queries().ListTimelineEvents(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("read timeline: %w", err)
	}
	return events, nil
}
