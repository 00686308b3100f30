package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/adeyemio/fxrail/internal/repository"
	"github.com/google/uuid"
)

// errInvalidTransition marks a state change the machine does not allow.
// Callers that race on terminal states test for it with errors.Is.
var errInvalidTransition = errors.New("invalid transfer state transition")

var transferTransitions = map[string]map[string]struct{}{
	"PENDING": {
		"PROCESSING": {},
		"FAILED":     {},
	},
	"PROCESSING": {
		"COMPLETED":     {},
		"FAILED":        {},
		"MANUAL_REVIEW": {},
	},
	"COMPLETED": {
		"REVERSED": {},
	},
	"FAILED":        {},
	"REVERSED":      {},
	"MANUAL_REVIEW": {},
}

func normalizeState(state string) string {
	return strings.ToUpper(strings.TrimSpace(state))
}

func canTransition(current, next string) bool {
	current = normalizeState(current)
	next = normalizeState(next)
	nextStates, ok := transferTransitions[current]
	if !ok {
		return false
	}
	_, ok = nextStates[next]
	return ok
}

// transitionTransferState moves a transfer to nextState under a row lock,
// rejecting transitions the state machine does not allow. Idempotent when
// the transfer is already in nextState.
func transitionTransferState(ctx context.Context, qtx *repository.Queries, transferID uuid.UUID, nextState string, failureReason *string) error {
	currentState, err := qtx.GetTransferStatusForUpdate(ctx, transferID)
	if err != nil {
		return fmt.Errorf("get current transfer state: %w", err)
	}

	if normalizeState(currentState) == normalizeState(nextState) {
		return nil
	}
	if !canTransition(currentState, nextState) {
		return fmt.Errorf("%w: %s -> %s", errInvalidTransition, currentState, nextState)
	}

	rows, err := qtx.UpdateTransferStatus(ctx, repository.UpdateTransferStatusParams{
		Status:        nextState,
		FailureReason: failureReason,
		ID:            transferID,
	})
	if err != nil {
		return fmt.Errorf("update transfer state: %w", err)
	}
	return requireExactlyOne(rows, "update transfer state")
}
