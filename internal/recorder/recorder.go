// Package recorder persists interaction records and rejection entries. Every
// admitted query ends in exactly one finalized record; rejected queries get a
// minimal log entry instead.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentmart/agentmart/query-engine/internal/store"
	"github.com/agentmart/agentmart/query-engine/pkg/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ErrRecordingFailed marks a record that could not be durably persisted.
// The orchestrator maps it to its recording-failure charge policy.
var ErrRecordingFailed = errors.New("interaction recording failed")

// Recorder writes interaction outcomes through the store.
type Recorder struct {
	store store.Store
	now   func() time.Time
}

// New creates a recorder over the given store.
func New(s store.Store) *Recorder {
	return &Recorder{store: s, now: time.Now}
}

// Record finalizes and durably persists an interaction record. The record
// is immutable afterwards; corrections are new records pointing back via
// CorrectionOf.
func (r *Recorder) Record(ctx context.Context, rec *models.InteractionRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = r.now().UTC()
	}
	now := r.now().UTC()
	rec.FinalizedAt = &now

	if err := r.store.CreateInteraction(ctx, rec); err != nil {
		log.Error().Err(err).
			Str("tenant", rec.TenantID).
			Str("interaction", rec.ID).
			Msg("Interaction persist failed")
		return fmt.Errorf("%w: %v", ErrRecordingFailed, err)
	}
	return nil
}

// LogRejection writes the minimal entry kept for an admission refusal.
func (r *Recorder) LogRejection(ctx context.Context, tenantID, agentID string, reason models.RejectionReason) error {
	entry := &models.RejectionEntry{
		ID:        uuid.NewString(),
		TenantID:  tenantID,
		AgentID:   agentID,
		Reason:    reason,
		CreatedAt: r.now().UTC(),
	}
	if err := r.store.CreateRejection(ctx, entry); err != nil {
		// Rejection logging is best effort; the rejection itself already
		// reached the caller.
		log.Warn().Err(err).Str("tenant", tenantID).Msg("Rejection log write failed")
		return err
	}
	return nil
}

// Get returns one interaction, tenant-scoped.
func (r *Recorder) Get(ctx context.Context, tenantID, id string) (*models.InteractionRecord, error) {
	return r.store.GetInteraction(ctx, tenantID, id)
}

// List returns a tenant's interactions, newest first.
func (r *Recorder) List(ctx context.Context, tenantID string, filter store.InteractionFilter) ([]models.InteractionRecord, error) {
	return r.store.ListInteractions(ctx, tenantID, filter)
}
